package api //nolint:revive // package name is intentional

import (
	"net/http"
)

// RegisterRoutes registers all API routes on the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health/live", h.Live)
	mux.HandleFunc("GET /health/ready", h.Ready)

	mux.HandleFunc("POST /api/query", h.Query)
	mux.HandleFunc("GET /api/metrics", h.Metrics)
	mux.HandleFunc("POST /api/flush", h.Flush)

	if h.loadtest != nil {
		mux.HandleFunc("POST /api/loadtest", h.LoadTest)
	}
}
