package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/vango-go/realtime-relay/pkg/gateway/live/protocol"
)

type AuthMode string

const (
	AuthModeRequired AuthMode = "required"
	AuthModeOptional AuthMode = "optional"
	AuthModeDisabled AuthMode = "disabled"
)

const (
	DefaultUpstreamURL   = "wss://api.openai.com/v1/realtime"
	DefaultUpstreamModel = "gpt-4o-realtime-preview-2024-10-01"
	DefaultInstructions  = "You are a helpful assistant. Respond in the same language the user speaks."
	DefaultGreeting      = "Greet the user briefly and ask how you can help."
)

type Config struct {
	Addr string

	// Upstream realtime provider.
	OpenAIAPIKey   string
	UpstreamURL    string
	UpstreamModel  string
	ModelAllowlist map[string]struct{}

	// Enforced session configuration.
	Voice              string
	Instructions       string
	TranscriptionModel string
	TurnDetection      string

	GreetingEnabled      bool
	GreetingInstructions string

	AuthMode AuthMode
	APIKeys  map[string]struct{}

	// If true, client identity may be derived from proxy headers like X-Forwarded-For.
	// This should only be enabled when the relay is deployed behind a trusted proxy/LB.
	TrustProxyHeaders bool

	// CORS and WebSocket Origin allowlist. Empty allows every origin.
	CORSAllowedOrigins map[string]struct{}

	// Relay session limits.
	MaxMessageBytes          int64
	MaxQueuedEvents          int
	MaxClientEventsPerSecond int
	InitTimeout              time.Duration
	UpstreamDialTimeout      time.Duration
	WSPingInterval           time.Duration
	WSWriteTimeout           time.Duration
	WSReadTimeout            time.Duration
	WSMaxSessionDuration     time.Duration

	// In-memory limits (per principal).
	WSMaxSessionsPerPrincipal int
	ConnectRPS                float64
	ConnectBurst              int

	// Operational defaults
	ReadHeaderTimeout   time.Duration
	ShutdownGracePeriod time.Duration

	LogLevel  string
	LogFormat string

	// Prometheus scrape endpoint, served without auth.
	MetricsEnabled bool
	MetricsPath    string
}

func LoadFromEnv() (Config, error) {
	cfg := Config{
		Addr:                      envOr("RELAY_ADDR", ":8081"),
		OpenAIAPIKey:              envOr("OPENAI_API_KEY", ""),
		UpstreamURL:               envOr("RELAY_UPSTREAM_URL", DefaultUpstreamURL),
		UpstreamModel:             envOr("RELAY_UPSTREAM_MODEL", DefaultUpstreamModel),
		ModelAllowlist:            make(map[string]struct{}),
		Voice:                     envOr("RELAY_VOICE", "alloy"),
		Instructions:              envOr("RELAY_INSTRUCTIONS", DefaultInstructions),
		TranscriptionModel:        envOr("RELAY_TRANSCRIPTION_MODEL", "whisper-1"),
		TurnDetection:             envOr("RELAY_TURN_DETECTION", "server_vad"),
		GreetingEnabled:           envBoolOr("RELAY_GREETING_ENABLED", true),
		GreetingInstructions:      envOr("RELAY_GREETING_INSTRUCTIONS", DefaultGreeting),
		AuthMode:                  AuthMode(envOr("RELAY_AUTH_MODE", string(AuthModeDisabled))),
		APIKeys:                   make(map[string]struct{}),
		TrustProxyHeaders:         envBoolOr("RELAY_TRUST_PROXY_HEADERS", false),
		CORSAllowedOrigins:        make(map[string]struct{}),
		MaxMessageBytes:           envInt64Or("RELAY_MAX_MESSAGE_BYTES", 1<<20), // 1 MiB
		MaxQueuedEvents:           envIntOr("RELAY_MAX_QUEUED_EVENTS", 256),
		MaxClientEventsPerSecond:  envIntOr("RELAY_MAX_CLIENT_EVENTS_PER_SECOND", 100),
		InitTimeout:               envDurationOr("RELAY_INIT_TIMEOUT", 10*time.Second),
		UpstreamDialTimeout:       envDurationOr("RELAY_UPSTREAM_DIAL_TIMEOUT", 10*time.Second),
		WSPingInterval:            envDurationOr("RELAY_WS_PING_INTERVAL", 20*time.Second),
		WSWriteTimeout:            envDurationOr("RELAY_WS_WRITE_TIMEOUT", 5*time.Second),
		WSReadTimeout:             envDurationOr("RELAY_WS_READ_TIMEOUT", 0),
		WSMaxSessionDuration:      envDurationOr("RELAY_WS_MAX_DURATION", 2*time.Hour),
		WSMaxSessionsPerPrincipal: envIntOr("RELAY_MAX_SESSIONS_PER_PRINCIPAL", 4),
		ConnectRPS:                envFloat64Or("RELAY_CONNECT_RPS", 2.0),
		ConnectBurst:              envIntOr("RELAY_CONNECT_BURST", 4),
		ReadHeaderTimeout:         envDurationOr("RELAY_READ_HEADER_TIMEOUT", 10*time.Second),
		ShutdownGracePeriod:       envDurationOr("RELAY_SHUTDOWN_GRACE_PERIOD", 30*time.Second),
		LogLevel:                  strings.ToLower(envOr("RELAY_LOG_LEVEL", "info")),
		LogFormat:                 strings.ToLower(envOr("RELAY_LOG_FORMAT", "text")),
		MetricsEnabled:            envBoolOr("RELAY_METRICS_ENABLED", true),
		MetricsPath:               envOr("RELAY_METRICS_PATH", "/metrics"),
	}

	switch cfg.AuthMode {
	case AuthModeRequired, AuthModeOptional, AuthModeDisabled:
	default:
		return Config{}, fmt.Errorf("RELAY_AUTH_MODE must be one of required|optional|disabled")
	}

	for _, key := range splitCSV(os.Getenv("RELAY_API_KEYS")) {
		cfg.APIKeys[key] = struct{}{}
	}

	for _, m := range splitCSV(os.Getenv("RELAY_MODEL_ALLOWLIST")) {
		cfg.ModelAllowlist[m] = struct{}{}
	}

	for _, origin := range splitCSV(os.Getenv("RELAY_CORS_ORIGINS")) {
		cfg.CORSAllowedOrigins[origin] = struct{}{}
	}

	if cfg.OpenAIAPIKey == "" {
		return Config{}, fmt.Errorf("OPENAI_API_KEY must be set")
	}
	u, err := url.Parse(cfg.UpstreamURL)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
		return Config{}, fmt.Errorf("RELAY_UPSTREAM_URL must be a ws:// or wss:// URL")
	}
	if strings.TrimSpace(cfg.UpstreamModel) == "" {
		return Config{}, fmt.Errorf("RELAY_UPSTREAM_MODEL must not be empty")
	}
	if strings.TrimSpace(cfg.Voice) == "" {
		return Config{}, fmt.Errorf("RELAY_VOICE must not be empty")
	}
	switch cfg.TurnDetection {
	case "server_vad", "semantic_vad":
	default:
		return Config{}, fmt.Errorf("RELAY_TURN_DETECTION must be one of server_vad|semantic_vad")
	}

	if cfg.MaxMessageBytes <= 0 {
		return Config{}, fmt.Errorf("RELAY_MAX_MESSAGE_BYTES must be > 0")
	}
	if cfg.MaxQueuedEvents <= 0 {
		return Config{}, fmt.Errorf("RELAY_MAX_QUEUED_EVENTS must be > 0")
	}
	if cfg.MaxClientEventsPerSecond < 0 {
		return Config{}, fmt.Errorf("RELAY_MAX_CLIENT_EVENTS_PER_SECOND must be >= 0")
	}
	if cfg.InitTimeout <= 0 {
		return Config{}, fmt.Errorf("RELAY_INIT_TIMEOUT must be > 0")
	}
	if cfg.UpstreamDialTimeout <= 0 {
		return Config{}, fmt.Errorf("RELAY_UPSTREAM_DIAL_TIMEOUT must be > 0")
	}
	if cfg.WSPingInterval <= 0 {
		return Config{}, fmt.Errorf("RELAY_WS_PING_INTERVAL must be > 0")
	}
	if cfg.WSWriteTimeout <= 0 {
		return Config{}, fmt.Errorf("RELAY_WS_WRITE_TIMEOUT must be > 0")
	}
	if cfg.WSReadTimeout < 0 {
		return Config{}, fmt.Errorf("RELAY_WS_READ_TIMEOUT must be >= 0")
	}
	if cfg.WSReadTimeout > 0 && cfg.WSReadTimeout <= cfg.WSPingInterval {
		return Config{}, fmt.Errorf("RELAY_WS_READ_TIMEOUT must be greater than RELAY_WS_PING_INTERVAL")
	}
	if cfg.WSMaxSessionDuration <= 0 {
		return Config{}, fmt.Errorf("RELAY_WS_MAX_DURATION must be > 0")
	}
	if cfg.WSMaxSessionsPerPrincipal < 0 {
		return Config{}, fmt.Errorf("RELAY_MAX_SESSIONS_PER_PRINCIPAL must be >= 0")
	}
	if cfg.ConnectRPS < 0 {
		return Config{}, fmt.Errorf("RELAY_CONNECT_RPS must be >= 0")
	}
	if cfg.ConnectBurst < 0 {
		return Config{}, fmt.Errorf("RELAY_CONNECT_BURST must be >= 0")
	}
	if cfg.ConnectRPS > 0 && cfg.ConnectBurst < 1 {
		return Config{}, fmt.Errorf("RELAY_CONNECT_BURST must be >= 1 when RELAY_CONNECT_RPS is set")
	}
	if cfg.ReadHeaderTimeout <= 0 {
		return Config{}, fmt.Errorf("RELAY_READ_HEADER_TIMEOUT must be > 0")
	}
	if cfg.ShutdownGracePeriod <= 0 {
		return Config{}, fmt.Errorf("RELAY_SHUTDOWN_GRACE_PERIOD must be > 0")
	}
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return Config{}, fmt.Errorf("RELAY_LOG_LEVEL must be one of debug|info|warn|error")
	}
	if cfg.MetricsEnabled && !strings.HasPrefix(cfg.MetricsPath, "/") {
		return Config{}, fmt.Errorf("RELAY_METRICS_PATH must start with /")
	}
	switch cfg.LogFormat {
	case "text", "json":
	default:
		return Config{}, fmt.Errorf("RELAY_LOG_FORMAT must be one of text|json")
	}

	if cfg.AuthMode == AuthModeRequired && len(cfg.APIKeys) == 0 {
		return Config{}, fmt.Errorf("RELAY_API_KEYS must be set when RELAY_AUTH_MODE=required")
	}

	return cfg, nil
}

// Session is the configuration every upstream session is forced into.
func (c Config) Session() protocol.SessionConfig {
	sc := protocol.SessionConfig{
		Modalities:   []string{"text", "audio"},
		Voice:        c.Voice,
		Instructions: c.Instructions,
	}
	if c.TranscriptionModel != "" {
		sc.InputAudioTranscription = &protocol.InputAudioTranscription{Model: c.TranscriptionModel}
	}
	if c.TurnDetection != "" {
		sc.TurnDetection = &protocol.TurnDetection{Type: c.TurnDetection}
	}
	return sc
}

// ResolveModel picks the upstream model for a connection. A requested model
// is honored only when the allowlist names it.
func (c Config) ResolveModel(requested string) (string, bool) {
	requested = strings.TrimSpace(requested)
	if requested == "" || requested == c.UpstreamModel {
		return c.UpstreamModel, true
	}
	if _, ok := c.ModelAllowlist[requested]; ok {
		return requested, true
	}
	return c.UpstreamModel, false
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envInt64Or(key string, def int64) int64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func envIntOr(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func envFloat64Or(key string, def float64) float64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return def
	}
	return n
}

func envBoolOr(key string, def bool) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	switch strings.ToLower(raw) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	case "0", "false", "f", "no", "n", "off":
		return false
	default:
		return def
	}
}

func envDurationOr(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}

func splitCSV(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
