package api //nolint:revive // package name is intentional

import (
	"context"
	"errors"
	"net/http"

	"github.com/blueberrycongee/tiercache/internal/httputil"
	tcerrors "github.com/blueberrycongee/tiercache/pkg/errors"
)

// ErrorResponse is the error envelope returned by every endpoint.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail describes the error payload.
type ErrorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
}

// classify maps err onto the status a client should see. Failures of a
// named dependency surface as 502, except an open breaker which stays 503.
// Unclassified errors are attributed to fallback.
func classify(err error, fallback string) *tcerrors.ServiceError {
	if se, ok := tcerrors.As(err); ok {
		out := *se
		if out.Dependency != "" && out.HTTPStatusCode() != http.StatusServiceUnavailable {
			out.StatusCode = http.StatusBadGateway
		}
		return &out
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &tcerrors.ServiceError{
			StatusCode: http.StatusGatewayTimeout,
			Message:    "request timed out",
			Type:       tcerrors.TypeTimeout,
			Err:        err,
		}
	}
	return tcerrors.NewUpstreamError(fallback, err)
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, se *tcerrors.ServiceError) {
	status := se.HTTPStatusCode()
	if status >= http.StatusInternalServerError {
		h.logger.ErrorContext(r.Context(), "request failed",
			"path", r.URL.Path, "status", status, "dependency", se.Dependency, "error", se)
	} else {
		h.logger.DebugContext(r.Context(), "request rejected",
			"path", r.URL.Path, "status", status, "error", se.Message)
	}

	resp := ErrorResponse{
		Error: ErrorDetail{
			Message: se.Message,
			Type:    se.Type,
			Code:    se.Dependency,
		},
	}
	if err := httputil.WriteJSON(w, status, resp); err != nil {
		h.logger.Error("failed to encode error response", "error", err)
	}
}
