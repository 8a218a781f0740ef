package handlers

import (
	"net/http"

	"github.com/vango-go/realtime-relay/pkg/gateway/apierror"
)

type NotFoundHandler struct{}

func (h NotFoundHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	writeAPIError(w, r, http.StatusNotFound, &apierror.Error{
		Type:    apierror.ErrNotFound,
		Message: "not found",
	})
}
