package handlers

import (
	"net/http"

	"github.com/vango-go/realtime-relay/pkg/gateway/apierror"
	"github.com/vango-go/realtime-relay/pkg/gateway/mw"
)

func writeAPIError(w http.ResponseWriter, r *http.Request, status int, apiErr *apierror.Error) {
	if apiErr != nil && apiErr.RequestID == "" {
		apiErr.RequestID = requestIDFromContext(r)
	}
	apierror.Write(w, status, apiErr)
}

func requestIDFromContext(r *http.Request) string {
	if r == nil {
		return ""
	}
	reqID, _ := mw.RequestIDFrom(r.Context())
	return reqID
}
