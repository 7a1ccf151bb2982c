package ratelimit

import (
	"log/slog"
	"net/http"

	"ratelimiter/internal/identifier"
)

// DefaultExcludedPaths are operational endpoints that are never limited
var DefaultExcludedPaths = []string{"/health", "/health/ping", "/live", "/ready", "/metrics"}

// KeyFunc extracts the rate limit identifier from a request
type KeyFunc func(r *http.Request) string

// Config defines the HTTP rate limit middleware configuration
type Config struct {
	// ExcludedPaths bypass the limiter entirely. Matching is exact.
	ExcludedPaths []string
	// KeyFunc extracts the identifier. Defaults to the client address.
	KeyFunc KeyFunc
	// Logger for logging
	Logger *slog.Logger
}

// DefaultConfig returns the default middleware configuration
func DefaultConfig() Config {
	return Config{
		ExcludedPaths: DefaultExcludedPaths,
		KeyFunc:       identifier.FromRequest,
	}
}
