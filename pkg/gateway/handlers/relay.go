package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/vango-go/realtime-relay/pkg/gateway/apierror"
	"github.com/vango-go/realtime-relay/pkg/gateway/config"
	"github.com/vango-go/realtime-relay/pkg/gateway/lifecycle"
	"github.com/vango-go/realtime-relay/pkg/gateway/live/session"
	"github.com/vango-go/realtime-relay/pkg/gateway/live/sessions"
	"github.com/vango-go/realtime-relay/pkg/gateway/metrics"
	"github.com/vango-go/realtime-relay/pkg/gateway/principal"
)

// ModelQueryParam lets a browser ask for a specific upstream model.
const ModelQueryParam = "model"

// RelayHandler upgrades a browser connection and relays it to the realtime
// provider until either side goes away.
type RelayHandler struct {
	Config       config.Config
	Upstream     session.Upstream
	Logger       *slog.Logger
	Lifecycle    *lifecycle.Lifecycle
	LiveSessions *sessions.Tracker
	Metrics      *metrics.Metrics

	// NewSessionID defaults to sess_<uuid>.
	NewSessionID func() string
}

func (h RelayHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		writeAPIError(w, r, http.StatusMethodNotAllowed, &apierror.Error{
			Type:    apierror.ErrInvalidRequest,
			Message: "method not allowed",
			Code:    "method_not_allowed",
		})
		return
	}
	if h.Lifecycle != nil && h.Lifecycle.IsDraining() {
		writeAPIError(w, r, http.StatusServiceUnavailable, &apierror.Error{
			Type:    apierror.ErrOverloaded,
			Message: "relay is draining",
			Code:    "draining",
		})
		return
	}
	if !h.originAllowed(r) {
		writeAPIError(w, r, http.StatusForbidden, &apierror.Error{
			Type:    apierror.ErrPermission,
			Message: "origin is not allowed",
			Param:   "Origin",
		})
		return
	}
	if h.Upstream == nil {
		writeAPIError(w, r, http.StatusInternalServerError, &apierror.Error{
			Type:    apierror.ErrAPI,
			Message: "relay upstream is not configured",
		})
		return
	}

	logger := h.logger()
	reqID := requestIDFromContext(r)

	requested := strings.TrimSpace(r.URL.Query().Get(ModelQueryParam))
	model, honored := h.Config.ResolveModel(requested)
	if !honored {
		logger.Info("requested model not allowlisted, using default",
			"request_id", reqID,
			"requested_model", requested,
			"model", model,
		)
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		// Origin is checked above against the relay allowlist.
		CheckOrigin: func(*http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already answered the request.
		logger.Debug("relay upgrade failed", "request_id", reqID, "error", err)
		return
	}
	defer conn.Close()

	sessionID := h.newSessionID()
	s, err := session.New(session.Dependencies{
		Conn:      conn,
		Upstream:  h.Upstream,
		Model:     model,
		Session:   h.Config.Session(),
		Logger:    logger,
		SessionID: sessionID,
		RequestID: reqID,
		Metrics:   h.Metrics,
		Config: session.Config{
			MaxMessageBytes:          h.Config.MaxMessageBytes,
			PingInterval:             h.Config.WSPingInterval,
			WriteTimeout:             h.Config.WSWriteTimeout,
			ReadTimeout:              h.Config.WSReadTimeout,
			MaxSessionDuration:       h.Config.WSMaxSessionDuration,
			InitTimeout:              h.Config.InitTimeout,
			DialTimeout:              h.Config.UpstreamDialTimeout,
			MaxQueuedEvents:          h.Config.MaxQueuedEvents,
			MaxClientEventsPerSecond: h.Config.MaxClientEventsPerSecond,
			GreetingEnabled:          h.Config.GreetingEnabled,
			GreetingInstructions:     h.Config.GreetingInstructions,
		},
	})
	if err != nil {
		logger.Error("relay session setup failed", "request_id", reqID, "error", err)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "internal"),
			deadlineFrom(h.Config.WSWriteTimeout))
		return
	}

	unregister := h.LiveSessions.Register(sessionID, sessions.Handle{
		Principal: principal.Resolve(r, h.Config).Key,
		Model:     model,
		Cancel:    s.Cancel,
		Warn:      s.SendWarning,
	})
	defer unregister()

	if err := s.Run(); err != nil && !errors.Is(err, session.ErrUpstreamClosed) {
		logger.Warn("relay session ended with error", "session_id", sessionID, "request_id", reqID, "error", err)
	}
}

// originAllowed admits requests without an Origin header and, when no
// allowlist is configured, every origin.
func (h RelayHandler) originAllowed(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" || len(h.Config.CORSAllowedOrigins) == 0 {
		return true
	}
	_, ok := h.Config.CORSAllowedOrigins[origin]
	return ok
}

func deadlineFrom(timeout time.Duration) time.Time {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return time.Now().Add(timeout)
}

func (h RelayHandler) newSessionID() string {
	if h.NewSessionID != nil {
		return h.NewSessionID()
	}
	return "sess_" + uuid.NewString()
}

func (h RelayHandler) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}
