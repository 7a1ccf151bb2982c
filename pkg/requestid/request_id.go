// Package requestid tags every request with an ID that is echoed back to the
// client and attached to log lines.
package requestid

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

// Header carries the request ID in both directions
const Header = "X-Request-ID"

// maxLength bounds IDs accepted from clients
const maxLength = 128

type contextKey struct{}

// GenerateRequestID returns a new time-ordered UUID (version 7)
func GenerateRequestID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// Middleware reuses the caller's X-Request-ID when it looks sane and
// generates one otherwise
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(Header)
		if id == "" || len(id) > maxLength {
			id = GenerateRequestID()
		}

		w.Header().Set(Header, id)
		next.ServeHTTP(w, r.WithContext(WithRequestID(r.Context(), id)))
	})
}

// WithRequestID returns a context carrying id
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, contextKey{}, id)
}

// FromContext returns the request ID stored in ctx, or ""
func FromContext(ctx context.Context) string {
	id, _ := ctx.Value(contextKey{}).(string)
	return id
}
