package middleware

import (
	"encoding/json"
	"net/http"
	"runtime/debug"

	"flowgate-hq/flowgate/pkg/telemetry/logging"
)

// Recovery recovers from panics in HTTP handlers and returns a 500 in
// the OpenAI error format. The panic and stack trace are logged; the
// client only sees a generic message.
func Recovery(logger *logging.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					logger.Error("panic in handler",
						"error", err,
						"request_id", GetRequestID(r.Context()),
						"method", r.Method,
						"path", r.URL.Path,
						"stack", string(debug.Stack()),
					)

					w.Header().Set("Content-Type", "application/json")
					w.WriteHeader(http.StatusInternalServerError)
					_ = json.NewEncoder(w).Encode(map[string]any{
						"error": map[string]any{
							"message": "An internal error occurred. Please try again later.",
							"type":    "server_error",
						},
					})
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}
