package handlers

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/vango-go/realtime-relay/pkg/gateway/config"
	"github.com/vango-go/realtime-relay/pkg/gateway/lifecycle"
	"github.com/vango-go/realtime-relay/pkg/gateway/live/sessions"
)

type HealthHandler struct{}

func (h HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

// ReadyHandler reports whether the relay should receive new connections.
type ReadyHandler struct {
	Config       config.Config
	Lifecycle    *lifecycle.Lifecycle
	LiveSessions *sessions.Tracker
}

func (h ReadyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	type readyResp struct {
		OK               bool            `json:"ok"`
		Draining         bool            `json:"draining"`
		DrainingSince    *time.Time      `json:"draining_since,omitempty"`
		AuthMode         string          `json:"auth_mode"`
		Model            string          `json:"model"`
		AllowlistEnabled bool            `json:"allowlist_enabled"`
		GreetingEnabled  bool            `json:"greeting_enabled"`
		LimitsEnabled    bool            `json:"limits_enabled"`
		Sessions         *sessions.Stats `json:"sessions,omitempty"`
		Issues           []string        `json:"issues,omitempty"`
	}

	issues := make([]string, 0, 4)

	switch h.Config.AuthMode {
	case config.AuthModeRequired, config.AuthModeOptional, config.AuthModeDisabled:
	default:
		issues = append(issues, "invalid auth_mode")
	}
	if h.Config.AuthMode == config.AuthModeRequired && len(h.Config.APIKeys) == 0 {
		issues = append(issues, "auth_mode=required but no api keys configured")
	}
	if strings.TrimSpace(h.Config.OpenAIAPIKey) == "" {
		issues = append(issues, "upstream api key is not configured")
	}
	if strings.TrimSpace(h.Config.UpstreamModel) == "" {
		issues = append(issues, "upstream model is not configured")
	}
	if h.Config.InitTimeout <= 0 || h.Config.UpstreamDialTimeout <= 0 {
		issues = append(issues, "relay timeouts must be > 0")
	}
	if h.Config.MaxQueuedEvents <= 0 {
		issues = append(issues, "max queued events must be > 0")
	}

	resp := readyResp{
		AuthMode:         string(h.Config.AuthMode),
		Model:            h.Config.UpstreamModel,
		AllowlistEnabled: len(h.Config.ModelAllowlist) > 0,
		GreetingEnabled:  h.Config.GreetingEnabled,
		LimitsEnabled:    (h.Config.ConnectRPS > 0 && h.Config.ConnectBurst > 0) || h.Config.WSMaxSessionsPerPrincipal > 0,
		Issues:           issues,
	}
	if h.LiveSessions != nil {
		stats := h.LiveSessions.Stats()
		resp.Sessions = &stats
	}

	status := http.StatusOK
	if len(issues) > 0 {
		status = http.StatusInternalServerError
	}
	if h.Lifecycle != nil && h.Lifecycle.IsDraining() {
		resp.Draining = true
		since := h.Lifecycle.DrainingSince()
		if !since.IsZero() {
			resp.DrainingSince = &since
		}
		if status == http.StatusOK {
			status = http.StatusServiceUnavailable
		}
	}
	resp.OK = status == http.StatusOK

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}
