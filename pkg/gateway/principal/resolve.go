package principal

import (
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/vango-go/realtime-relay/pkg/gateway/auth"
	"github.com/vango-go/realtime-relay/pkg/gateway/config"
	"github.com/vango-go/realtime-relay/pkg/gateway/ratelimit"
)

type Kind string

const (
	KindAPIKey Kind = "api_key"
	KindIP     Kind = "ip"
	KindAnon   Kind = "anonymous"
)

// Resolved identifies who opened a relay connection. Key buckets rate limits
// and the live session tracker.
type Resolved struct {
	Kind Kind
	// Raw is the API key or IP. It must not be logged.
	Raw string
	Key string
}

// LogValue keeps Raw out of logs.
func (p Resolved) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("kind", string(p.Kind)),
		slog.String("key", p.Key),
	)
}

var anonymous = Resolved{Kind: KindAnon, Key: "anonymous"}

// Resolve prefers the principal the auth middleware verified. Browsers put
// their key in the api_key query parameter because they cannot set headers
// on a WebSocket upgrade, so when no principal was attached (auth disabled)
// a key from the request still counts if it is one of the configured keys.
// Anything else falls back to the client IP.
func Resolve(r *http.Request, cfg config.Config) Resolved {
	if r == nil {
		return anonymous
	}

	if p, ok := auth.PrincipalFrom(r.Context()); ok && p != nil && strings.TrimSpace(p.APIKey) != "" {
		return apiKeyPrincipal(p.APIKey)
	}
	if len(cfg.APIKeys) > 0 {
		if key, ok := auth.ParseRequestKey(r); ok && auth.KeyAllowed(cfg.APIKeys, key) {
			return apiKeyPrincipal(key)
		}
	}

	ip := clientIP(r, cfg.TrustProxyHeaders)
	if ip == "" {
		return anonymous
	}
	return Resolved{
		Kind: KindIP,
		Raw:  ip,
		Key:  ratelimit.PrincipalKeyFromIP(ip),
	}
}

func apiKeyPrincipal(key string) Resolved {
	return Resolved{
		Kind: KindAPIKey,
		Raw:  key,
		Key:  ratelimit.PrincipalKeyFromAPIKey(key),
	}
}

// clientIP reads proxy headers only when the relay sits behind a trusted
// proxy; otherwise any browser could pick its own rate-limit bucket.
func clientIP(r *http.Request, trustProxyHeaders bool) string {
	if trustProxyHeaders {
		for _, candidate := range []string{
			r.Header.Get("CF-Connecting-IP"),
			r.Header.Get("X-Real-IP"),
			forwardedFor(r.Header.Get("Forwarded")),
			firstListItem(r.Header.Get("X-Forwarded-For")),
		} {
			if ip := parseIP(candidate); ip != "" {
				return ip
			}
		}
	}
	return parseIP(r.RemoteAddr)
}

// forwardedFor returns the for= node of the first element of an RFC 7239
// Forwarded header.
func forwardedFor(raw string) string {
	for _, pair := range strings.Split(firstListItem(raw), ";") {
		name, value, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok || !strings.EqualFold(name, "for") {
			continue
		}
		value = strings.Trim(value, `"`)
		// IPv6 nodes are bracketed, optionally with a port.
		if strings.HasPrefix(value, "[") {
			if end := strings.Index(value, "]"); end > 0 {
				return value[1:end]
			}
		}
		return value
	}
	return ""
}

func firstListItem(raw string) string {
	first, _, _ := strings.Cut(raw, ",")
	return strings.TrimSpace(first)
}

func parseIP(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	if h, _, err := net.SplitHostPort(s); err == nil {
		s = h
	}
	ip := net.ParseIP(s)
	if ip == nil {
		return ""
	}
	return ip.String()
}
