package auth

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
)

type Principal struct {
	APIKey string
}

type ctxKey struct{}

func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, ctxKey{}, p)
}

func PrincipalFrom(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(ctxKey{}).(*Principal)
	return p, ok && p != nil
}

func ParseBearer(r *http.Request) (string, bool) {
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	if authz == "" {
		return "", false
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(authz, prefix) {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authz, prefix))
	if token == "" {
		return "", false
	}
	return token, true
}

// QueryParamAPIKey carries the key on WebSocket upgrades, where browsers
// cannot set an Authorization header.
const QueryParamAPIKey = "api_key"

// ParseRequestKey returns the caller's key from the Authorization header, or
// from the api_key query parameter when the header is absent.
func ParseRequestKey(r *http.Request) (string, bool) {
	if r == nil {
		return "", false
	}
	if token, ok := ParseBearer(r); ok {
		return token, true
	}
	token := strings.TrimSpace(r.URL.Query().Get(QueryParamAPIKey))
	if token == "" {
		return "", false
	}
	return token, true
}

// KeyAllowed compares token against every configured key in constant time.
func KeyAllowed(keys map[string]struct{}, token string) bool {
	ok := false
	for k := range keys {
		if subtle.ConstantTimeCompare([]byte(k), []byte(token)) == 1 {
			ok = true
		}
	}
	return ok
}
