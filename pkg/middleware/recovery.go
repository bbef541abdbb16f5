package middleware

import (
	"encoding/json"
	"net/http"
	"runtime/debug"
)

// Logger is the minimal logging surface the middleware needs
type Logger interface {
	Error(msg string, fields ...interface{})
}

// Recovery creates panic recovery middleware. A panicking handler is logged
// with its stack and answered with a 500 so one bad request never takes the
// service down.
func Recovery(logger Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					if logger != nil {
						logger.Error("panic recovered",
							"error", err,
							"path", r.URL.Path,
							"method", r.Method,
							"stack", string(debug.Stack()),
						)
					}
					w.Header().Set("Content-Type", "application/json")
					w.WriteHeader(http.StatusInternalServerError)
					json.NewEncoder(w).Encode(map[string]string{"error": "internal server error"})
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}
