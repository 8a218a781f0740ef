package principal

import (
	"bytes"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/vango-go/realtime-relay/pkg/gateway/auth"
	"github.com/vango-go/realtime-relay/pkg/gateway/config"
	"github.com/vango-go/realtime-relay/pkg/gateway/ratelimit"
)

func TestResolve_APIKeyPrincipalIsHashed(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/v1/realtime", nil)
	req = req.WithContext(auth.WithPrincipal(req.Context(), &auth.Principal{APIKey: "relay_sk_test"}))

	got := Resolve(req, config.Config{})
	if got.Kind != KindAPIKey {
		t.Fatalf("kind=%q", got.Kind)
	}
	if !strings.HasPrefix(got.Key, "k_") || strings.Contains(got.Key, "relay_sk_test") {
		t.Fatalf("key=%q", got.Key)
	}
}

func TestResolve_RemoteAddr(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/v1/realtime", nil)
	req.RemoteAddr = "198.51.100.4:4321"

	got := Resolve(req, config.Config{})
	if got.Kind != KindIP || got.Key != "ip_198.51.100.4" {
		t.Fatalf("resolved=%+v", got)
	}
}

func TestResolve_ProxyHeadersOnlyWhenTrusted(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/v1/realtime", nil)
	req.RemoteAddr = "10.0.0.1:80"
	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")

	if got := Resolve(req, config.Config{}); got.Raw != "10.0.0.1" {
		t.Fatalf("untrusted raw=%q", got.Raw)
	}
	if got := Resolve(req, config.Config{TrustProxyHeaders: true}); got.Raw != "203.0.113.9" {
		t.Fatalf("trusted raw=%q", got.Raw)
	}
}

func TestResolve_NilRequestIsAnonymous(t *testing.T) {
	if got := Resolve(nil, config.Config{}); got.Kind != KindAnon {
		t.Fatalf("kind=%q", got.Kind)
	}
}

func TestResolve_ConfiguredQueryKeyWithoutAuthMiddleware(t *testing.T) {
	cfg := config.Config{APIKeys: map[string]struct{}{"relay_sk_browser": {}}}

	req := httptest.NewRequest(http.MethodGet, "/v1/realtime?api_key=relay_sk_browser", nil)
	req.RemoteAddr = "198.51.100.4:4321"
	got := Resolve(req, cfg)
	if got.Kind != KindAPIKey || got.Key != ratelimit.PrincipalKeyFromAPIKey("relay_sk_browser") {
		t.Fatalf("resolved=%+v", got)
	}

	// An unknown key must not let a browser choose its own bucket.
	req = httptest.NewRequest(http.MethodGet, "/v1/realtime?api_key=made_up", nil)
	req.RemoteAddr = "198.51.100.4:4321"
	if got := Resolve(req, cfg); got.Kind != KindIP {
		t.Fatalf("unknown key resolved=%+v", got)
	}
}

func TestResolve_ForwardedHeader(t *testing.T) {
	cases := map[string]string{
		`for=203.0.113.7;proto=https, for=10.0.0.1`: "203.0.113.7",
		`For="[2001:db8::1]:4711"`:                  "2001:db8::1",
		`proto=https;for=192.0.2.60:8080`:           "192.0.2.60",
		`for=unknown`:                               "10.0.0.1",
	}
	for header, want := range cases {
		req := httptest.NewRequest(http.MethodGet, "/v1/realtime", nil)
		req.RemoteAddr = "10.0.0.1:80"
		req.Header.Set("Forwarded", header)
		if got := Resolve(req, config.Config{TrustProxyHeaders: true}); got.Raw != want {
			t.Fatalf("Forwarded %q: raw=%q want %q", header, got.Raw, want)
		}
	}
}

func TestResolved_LogValueOmitsRaw(t *testing.T) {
	p := Resolved{Kind: KindAPIKey, Raw: "relay_sk_secret", Key: "k_abc"}

	var buf bytes.Buffer
	slog.New(slog.NewTextHandler(&buf, nil)).Info("relay", "principal", p)
	out := buf.String()
	if strings.Contains(out, "relay_sk_secret") {
		t.Fatalf("raw key logged: %s", out)
	}
	if !strings.Contains(out, "principal.kind=api_key") || !strings.Contains(out, "principal.key=k_abc") {
		t.Fatalf("log=%s", out)
	}
}
