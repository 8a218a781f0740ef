package upstream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

const DefaultURL = "wss://api.openai.com/v1/realtime"

// Factory opens provider realtime sockets. One Factory is shared by every
// relay session; it holds no per-connection state.
type Factory struct {
	URL    string
	APIKey string

	HandshakeTimeout time.Duration
	// Header is copied onto every dial, after the auth headers.
	Header http.Header

	// Dialer overrides the gorilla dialer, mainly for tests.
	Dialer *websocket.Dialer
}

// DialError wraps a failed dial. Status is the HTTP status of the rejected
// upgrade, or zero when the failure happened before a response.
type DialError struct {
	Status int
	Err    error
}

func (e *DialError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("dial upstream: status %d: %v", e.Status, e.Err)
	}
	return fmt.Sprintf("dial upstream: %v", e.Err)
}

func (e *DialError) Unwrap() error { return e.Err }

func (f Factory) Dial(ctx context.Context, model string) (*websocket.Conn, error) {
	if strings.TrimSpace(f.APIKey) == "" {
		return nil, &DialError{Err: errors.New("upstream api key is required")}
	}
	wsURL, err := f.buildURL(model)
	if err != nil {
		return nil, &DialError{Err: err}
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+strings.TrimSpace(f.APIKey))
	header.Set("OpenAI-Beta", "realtime=v1")
	for k, vals := range f.Header {
		for _, v := range vals {
			header.Add(k, v)
		}
	}

	dialer := f.Dialer
	if dialer == nil {
		d := *websocket.DefaultDialer
		dialer = &d
	}
	if f.HandshakeTimeout > 0 {
		d := *dialer
		d.HandshakeTimeout = f.HandshakeTimeout
		dialer = &d
	}

	conn, resp, err := dialer.DialContext(ctx, wsURL, header)
	if err != nil {
		dialErr := &DialError{Err: err}
		if resp != nil {
			dialErr.Status = resp.StatusCode
			_ = resp.Body.Close()
		}
		return nil, dialErr
	}
	return conn, nil
}

func (f Factory) buildURL(model string) (string, error) {
	base := strings.TrimSpace(f.URL)
	if base == "" {
		base = DefaultURL
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse upstream url: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
	default:
		return "", fmt.Errorf("upstream url scheme must be ws or wss, got %q", u.Scheme)
	}
	if model = strings.TrimSpace(model); model != "" {
		q := u.Query()
		q.Set("model", model)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// ErrorCode classifies a Dial failure into the code reported to the browser.
func ErrorCode(err error) string {
	var dialErr *DialError
	if errors.As(err, &dialErr) {
		switch dialErr.Status {
		case http.StatusUnauthorized, http.StatusForbidden:
			return "upstream_auth_failed"
		case http.StatusTooManyRequests:
			return "upstream_rate_limited"
		}
	}
	return "upstream_unavailable"
}
