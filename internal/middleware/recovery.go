package middleware

import (
	"log/slog"
	"net/http"
	"runtime/debug"

	"github.com/dskow/resilience-core/internal/llmerr"
)

// Recovery returns middleware that recovers from panics, logs the stack trace,
// and returns a 500 JSON error response.
func Recovery(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					logger.Error("panic recovered",
						"error", err,
						"stack", string(debug.Stack()),
						"method", r.Method,
						"path", r.URL.Path,
						"request_id", GetRequestID(r.Context()),
					)
					llmerr.WriteJSON(w, r, http.StatusInternalServerError, llmerr.CodeInternalError, "an unexpected error occurred")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}
