package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vango-go/realtime-relay/pkg/gateway/config"
	"github.com/vango-go/realtime-relay/pkg/gateway/lifecycle"
	"github.com/vango-go/realtime-relay/pkg/gateway/live/sessions"
)

func readyConfig() config.Config {
	return config.Config{
		OpenAIAPIKey:        "sk-test",
		UpstreamModel:       "gpt-4o-realtime-preview",
		AuthMode:            config.AuthModeOptional,
		APIKeys:             map[string]struct{}{},
		InitTimeout:         time.Second,
		UpstreamDialTimeout: time.Second,
		MaxQueuedEvents:     8,
	}
}

func decodeReady(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var resp map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	return resp
}

func TestHealthHandler_OK(t *testing.T) {
	rr := httptest.NewRecorder()
	HealthHandler{}.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "ok\n", rr.Body.String())
}

func TestReadyHandler_RequiredAuthEmptyKeys_NotReady(t *testing.T) {
	cfg := readyConfig()
	cfg.AuthMode = config.AuthModeRequired

	rr := httptest.NewRecorder()
	ReadyHandler{Config: cfg}.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	resp := decodeReady(t, rr)
	assert.Equal(t, false, resp["ok"])
	assert.NotEmpty(t, resp["issues"])
}

func TestReadyHandler_ReportsSessions(t *testing.T) {
	tracker := sessions.NewTracker()
	unregister := tracker.Register("sess_1", sessions.Handle{Model: "gpt-4o-realtime-preview"})
	defer unregister()

	rr := httptest.NewRecorder()
	ReadyHandler{Config: readyConfig(), LiveSessions: tracker}.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	resp := decodeReady(t, rr)
	assert.Equal(t, true, resp["ok"])
	stats, ok := resp["sessions"].(map[string]any)
	require.True(t, ok, "sessions=%v", resp["sessions"])
	assert.Equal(t, float64(1), stats["total"])
}

func TestReadyHandler_DrainingIs503(t *testing.T) {
	lc := &lifecycle.Lifecycle{}
	lc.SetDraining(true)

	rr := httptest.NewRecorder()
	ReadyHandler{Config: readyConfig(), Lifecycle: lc}.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	resp := decodeReady(t, rr)
	assert.Equal(t, true, resp["draining"])
	assert.NotEmpty(t, resp["draining_since"])
}

func TestNotFoundHandler_JSON(t *testing.T) {
	rr := httptest.NewRecorder()
	NotFoundHandler{}.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/nope", nil))

	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Contains(t, rr.Body.String(), `"type":"not_found_error"`)
}
