package mw

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/vango-go/realtime-relay/pkg/gateway/apierror"
	"github.com/vango-go/realtime-relay/pkg/gateway/config"
	"github.com/vango-go/realtime-relay/pkg/gateway/metrics"
	"github.com/vango-go/realtime-relay/pkg/gateway/principal"
	"github.com/vango-go/realtime-relay/pkg/gateway/ratelimit"
)

// RateLimit admits WebSocket upgrades through limiter. The permit is held
// until next returns, which for a relay connection is the session lifetime.
// Plain HTTP requests pass through untouched.
func RateLimit(cfg config.Config, limiter *ratelimit.Limiter, logger *slog.Logger, m *metrics.Metrics, next http.Handler) http.Handler {
	if limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !isWebSocketUpgrade(r) {
			next.ServeHTTP(w, r)
			return
		}

		p := principal.Resolve(r, cfg)
		dec := limiter.AcquireSession(p.Key, time.Now())
		if !dec.Allowed {
			m.RecordRateLimitHit(dec.Reason)
			reqID, _ := RequestIDFrom(r.Context())
			if logger != nil {
				logger.Warn("relay connection rejected",
					"request_id", reqID,
					"principal", p,
					"reason", dec.Reason,
				)
			}
			var retryAfter *int
			if dec.RetryAfter > 0 {
				v := dec.RetryAfter
				retryAfter = &v
			}
			apierror.Write(w, http.StatusTooManyRequests, &apierror.Error{
				Type:       apierror.ErrRateLimit,
				Message:    rejectMessage(dec.Reason),
				Code:       dec.Reason,
				RequestID:  reqID,
				RetryAfter: retryAfter,
			})
			return
		}
		defer dec.Permit.Release()

		next.ServeHTTP(w, r)
	})
}

func rejectMessage(reason string) string {
	if reason == "max_sessions" {
		return "too many concurrent sessions"
	}
	return "rate limit exceeded"
}

func isWebSocketUpgrade(r *http.Request) bool {
	if r == nil {
		return false
	}
	return headerHasToken(r.Header, "Connection", "upgrade") &&
		headerHasToken(r.Header, "Upgrade", "websocket")
}

func headerHasToken(h http.Header, name, token string) bool {
	for _, v := range h.Values(name) {
		for _, part := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(part), token) {
				return true
			}
		}
	}
	return false
}
