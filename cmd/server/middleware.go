package main

import (
	"log/slog"
	"net/http"

	"go.opentelemetry.io/otel/trace"

	"github.com/blueberrycongee/tiercache/internal/config"
	"github.com/blueberrycongee/tiercache/internal/httputil"
	"github.com/blueberrycongee/tiercache/internal/metrics"
	"github.com/blueberrycongee/tiercache/internal/observability"
)

func buildMiddlewareStack(cfg *config.Config, tracer trace.Tracer, logger *slog.Logger) (func(http.Handler) http.Handler, error) {
	if cfg == nil {
		return nil, errNilConfig
	}
	if logger == nil {
		logger = slog.Default()
	}

	return func(next http.Handler) http.Handler {
		if next == nil {
			return nil
		}
		handler := recoveryMiddleware(logger, next)
		handler = metrics.Middleware(handler)
		if cfg.Tracing.Enabled {
			handler = observability.TracingMiddleware(tracer)(handler)
		}
		handler = observability.RequestIDMiddleware(handler)
		handler = corsMiddleware(cfg.CORS, handler)
		return handler
	}, nil
}

func recoveryMiddleware(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				logger.ErrorContext(r.Context(), "panic recovered", "path", r.URL.Path, "panic", rec)
				_ = httputil.WriteJSON(w, http.StatusInternalServerError, map[string]any{
					"error": map[string]string{
						"message": "internal server error",
						"type":    "internal_error",
					},
				})
			}
		}()
		next.ServeHTTP(w, r)
	})
}
