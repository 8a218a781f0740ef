package apierror

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromError_ContextCanceled_Is408Cancelled(t *testing.T) {
	ce, status := FromError(context.Canceled, "req_test")
	if status != 408 {
		t.Fatalf("status=%d", status)
	}
	if ce.Type != ErrAPI {
		t.Fatalf("type=%q", ce.Type)
	}
	if ce.Code != "cancelled" {
		t.Fatalf("code=%q", ce.Code)
	}
	if ce.RequestID != "req_test" {
		t.Fatalf("request_id=%q", ce.RequestID)
	}
}

func TestFromError_WrappedCanonicalKeepsType(t *testing.T) {
	err := fmt.Errorf("wrap: %w", &Error{Type: ErrRateLimit, Message: "slow down"})
	ce, status := FromError(err, "req_test")
	assert.Equal(t, http.StatusTooManyRequests, status)
	assert.Equal(t, ErrRateLimit, ce.Type)
	assert.Equal(t, "req_test", ce.RequestID)
}

func TestFromError_UnknownIsInternal(t *testing.T) {
	ce, status := FromError(errors.New("secret detail"), "req_test")
	assert.Equal(t, http.StatusInternalServerError, status)
	assert.Equal(t, "internal error", ce.Message)
}

func TestWrite_EnvelopeAndRetryAfter(t *testing.T) {
	rr := httptest.NewRecorder()
	retry := 3
	Write(rr, http.StatusTooManyRequests, &Error{Type: ErrRateLimit, Message: "slow down", RetryAfter: &retry})

	require.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.Equal(t, "3", rr.Header().Get("Retry-After"))
	assert.JSONEq(t, `{"error":{"type":"rate_limit_error","message":"slow down","retry_after":3}}`, rr.Body.String())
}
