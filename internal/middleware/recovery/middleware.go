package recovery

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"

	"ratelimiter/pkg/errors"
	"ratelimiter/pkg/requestid"
)

// Config holds recovery middleware configuration
type Config struct {
	// StackTrace enables stack trace logging
	StackTrace bool
	// PanicHandler is called when a panic occurs (optional)
	PanicHandler func(r *http.Request, recovered any, stack []byte)
}

// Middleware creates panic recovery middleware
func Middleware(config Config, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				// Let the server abort the connection as it normally would
				if rec == http.ErrAbortHandler {
					panic(rec)
				}

				stack := debug.Stack()
				logger.Error("panic recovered",
					"panic", rec,
					"path", r.URL.Path,
					"method", r.Method,
					"request_id", requestid.FromContext(r.Context()),
				)
				if config.StackTrace {
					logger.Error("stack trace", "stack", string(stack))
				}
				if config.PanicHandler != nil {
					config.PanicHandler(r, rec, stack)
				}

				err := errors.NewError(errors.ErrorTypeInternal, "Internal server error").
					WithDetail("panic", fmt.Sprintf("%v", rec))

				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(err.HTTPStatusCode())
				_ = json.NewEncoder(w).Encode(map[string]string{
					"error":   string(err.Type),
					"message": err.Message,
				})
			}()

			next.ServeHTTP(w, r)
		})
	}
}

// Default creates recovery middleware with default configuration
func Default(logger *slog.Logger) func(http.Handler) http.Handler {
	return Middleware(Config{
		StackTrace: true,
	}, logger)
}
