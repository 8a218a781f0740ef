package server

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/vango-go/realtime-relay/pkg/gateway/config"
	"github.com/vango-go/realtime-relay/pkg/gateway/handlers"
	"github.com/vango-go/realtime-relay/pkg/gateway/lifecycle"
	"github.com/vango-go/realtime-relay/pkg/gateway/live/session"
	"github.com/vango-go/realtime-relay/pkg/gateway/live/sessions"
	"github.com/vango-go/realtime-relay/pkg/gateway/metrics"
	"github.com/vango-go/realtime-relay/pkg/gateway/mw"
	"github.com/vango-go/realtime-relay/pkg/gateway/ratelimit"
	"github.com/vango-go/realtime-relay/pkg/gateway/upstream"
)

type Server struct {
	cfg    config.Config
	logger *slog.Logger
	mux    *http.ServeMux

	upstream     session.Upstream
	limiter      *ratelimit.Limiter
	lifecycle    *lifecycle.Lifecycle
	liveSessions *sessions.Tracker
	metrics      *metrics.Metrics
}

type Option func(*Server)

// WithUpstream replaces the provider dialer built from cfg.
func WithUpstream(up session.Upstream) Option {
	return func(s *Server) { s.upstream = up }
}

func New(cfg config.Config, logger *slog.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		cfg:    cfg,
		logger: logger,
		mux:    http.NewServeMux(),
		upstream: upstream.Factory{
			URL:              cfg.UpstreamURL,
			APIKey:           cfg.OpenAIAPIKey,
			HandshakeTimeout: cfg.UpstreamDialTimeout,
		},
		limiter: ratelimit.New(ratelimit.Config{
			ConnectRPS:            cfg.ConnectRPS,
			ConnectBurst:          cfg.ConnectBurst,
			MaxConcurrentSessions: cfg.WSMaxSessionsPerPrincipal,
		}),
		lifecycle:    &lifecycle.Lifecycle{},
		liveSessions: sessions.NewTracker(),
		metrics:      metrics.New(metrics.DefaultNamespace),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.Handle("/healthz", handlers.HealthHandler{})
	s.mux.Handle("/readyz", handlers.ReadyHandler{
		Config:       s.cfg,
		Lifecycle:    s.lifecycle,
		LiveSessions: s.liveSessions,
	})

	relay := handlers.RelayHandler{
		Config:       s.cfg,
		Upstream:     s.upstream,
		Logger:       s.logger,
		Lifecycle:    s.lifecycle,
		LiveSessions: s.liveSessions,
		Metrics:      s.metrics,
	}
	s.mux.Handle("/v1/realtime", relay)
	s.mux.Handle("/{$}", relay)
	if s.cfg.MetricsEnabled && s.cfg.MetricsPath != "" {
		s.mux.Handle("GET "+s.cfg.MetricsPath, s.metrics.Handler())
	}
	s.mux.Handle("/", handlers.NotFoundHandler{})
}

func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = mw.RateLimit(s.cfg, s.limiter, s.logger, s.metrics, h)
	h = mw.Auth(s.cfg, h)
	h = mw.CORS(s.cfg, h)
	h = mw.Recover(s.logger, h)
	h = mw.AccessLog(s.logger, h)
	h = mw.RequestID(h)
	return h
}

// SetDraining fails readiness and refuses new relay sessions.
func (s *Server) SetDraining() {
	s.lifecycle.SetDraining(true)
}

func (s *Server) WarnLiveSessionsDraining() int {
	return s.liveSessions.WarnAll("server_draining", "relay is shutting down; reconnect to continue")
}

func (s *Server) LiveSessionCount() int {
	return s.liveSessions.Count()
}

// WaitLiveSessions reports whether every session ended before ctx did.
func (s *Server) WaitLiveSessions(ctx context.Context) bool {
	return s.liveSessions.Wait(ctx)
}

func (s *Server) CancelLiveSessions() int {
	return s.liveSessions.CancelAll()
}
