// Package metrics exposes relay counters in the Prometheus text format.
// Every recording method is safe on a nil *Metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const DefaultNamespace = "realtime_relay"

type Metrics struct {
	registry *prometheus.Registry

	SessionsActive  prometheus.Gauge
	SessionsTotal   *prometheus.CounterVec
	SessionDuration *prometheus.HistogramVec

	// Events counts intercept decisions by direction and action.
	Events        *prometheus.CounterVec
	DroppedEvents *prometheus.CounterVec
	PhaseEntered  *prometheus.CounterVec

	UpstreamDialFailures *prometheus.CounterVec
	RateLimitHits        *prometheus.CounterVec
}

func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = DefaultNamespace
	}

	registry := prometheus.NewRegistry()

	sessionsActive := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of relay sessions currently open",
		},
	)

	sessionsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Relay sessions ended, by outcome",
		},
		[]string{"outcome"},
	)

	sessionDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Relay session duration in seconds",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800, 3600},
		},
		[]string{"model"},
	)

	events := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Relayed events by direction and intercept action",
		},
		[]string{"direction", "action"},
	)

	droppedEvents := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_events_total",
			Help:      "Events not delivered to the other side, by reason",
		},
		[]string{"direction", "reason"},
	)

	phaseEntered := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "phase_transitions_total",
			Help:      "Intercept phase transitions, by phase entered",
		},
		[]string{"phase"},
	)

	dialFailures := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_dial_failures_total",
			Help:      "Failed upstream connection attempts, by error code",
		},
		[]string{"code"},
	)

	rateLimitHits := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_hits_total",
			Help:      "Rejected relay connections, by limit",
		},
		[]string{"limit_type"},
	)

	registry.MustRegister(
		sessionsActive,
		sessionsTotal,
		sessionDuration,
		events,
		droppedEvents,
		phaseEntered,
		dialFailures,
		rateLimitHits,
	)

	return &Metrics{
		registry:             registry,
		SessionsActive:       sessionsActive,
		SessionsTotal:        sessionsTotal,
		SessionDuration:      sessionDuration,
		Events:               events,
		DroppedEvents:        droppedEvents,
		PhaseEntered:         phaseEntered,
		UpstreamDialFailures: dialFailures,
		RateLimitHits:        rateLimitHits,
	}
}

// Handler serves the registry for scraping.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) RecordSessionStart() {
	if m == nil {
		return
	}
	m.SessionsActive.Inc()
}

func (m *Metrics) RecordSessionEnd(model, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.SessionsActive.Dec()
	m.SessionsTotal.WithLabelValues(outcome).Inc()
	m.SessionDuration.WithLabelValues(model).Observe(duration.Seconds())
}

func (m *Metrics) RecordEvent(direction, action string) {
	if m == nil {
		return
	}
	m.Events.WithLabelValues(direction, action).Inc()
}

func (m *Metrics) RecordDrop(direction, reason string) {
	if m == nil {
		return
	}
	m.DroppedEvents.WithLabelValues(direction, reason).Inc()
}

func (m *Metrics) RecordPhase(phase string) {
	if m == nil {
		return
	}
	m.PhaseEntered.WithLabelValues(phase).Inc()
}

func (m *Metrics) RecordDialFailure(code string) {
	if m == nil {
		return
	}
	m.UpstreamDialFailures.WithLabelValues(code).Inc()
}

func (m *Metrics) RecordRateLimitHit(limitType string) {
	if m == nil {
		return
	}
	m.RateLimitHits.WithLabelValues(limitType).Inc()
}
