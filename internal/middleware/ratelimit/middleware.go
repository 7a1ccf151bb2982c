// Package ratelimit provides the HTTP middleware that enforces the request
// rate limit. It must wrap the whole handler chain.
package ratelimit

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"ratelimiter/internal/identifier"
	limiter "ratelimiter/internal/ratelimit"
	"ratelimiter/pkg/errors"
)

// Response headers
const (
	HeaderLimit      = "X-RateLimit-Limit"
	HeaderWindow     = "X-RateLimit-Window"
	HeaderRetryAfter = "Retry-After"
)

// Checker decides whether a request is within its budget
type Checker interface {
	Check(ctx context.Context, identifier string) limiter.Decision
}

// deniedBody is the JSON body of a 429 response
type deniedBody struct {
	Error      string `json:"error"`
	RetryAfter int    `json:"retry_after"`
}

// Middleware returns HTTP middleware that counts every request not on the
// exclusion list and answers 429 once a client is over its limit.
func Middleware(checker Checker, cfg Config) func(http.Handler) http.Handler {
	if cfg.KeyFunc == nil {
		cfg.KeyFunc = identifier.FromRequest
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	logger := cfg.Logger.With("component", "ratelimit-middleware")

	excluded := make(map[string]struct{}, len(cfg.ExcludedPaths))
	for _, p := range cfg.ExcludedPaths {
		excluded[p] = struct{}{}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := excluded[r.URL.Path]; ok {
				next.ServeHTTP(w, r)
				return
			}

			id := cfg.KeyFunc(r)
			decision := checker.Check(r.Context(), id)

			h := w.Header()
			h.Set(HeaderLimit, strconv.Itoa(decision.Limit))
			h.Set(HeaderWindow, strconv.Itoa(decision.WindowSeconds))

			if decision.Allowed {
				next.ServeHTTP(w, r)
				return
			}

			logger.Debug("request rate limited",
				"client", identifier.Mask(id),
				"method", r.Method,
				"path", r.URL.Path,
				"count", decision.Count,
				"backend", decision.Backend)

			writeDenied(w, decision)
		})
	}
}

func writeDenied(w http.ResponseWriter, decision limiter.Decision) {
	retryAfter := decision.RetryAfter()
	err := errors.NewError(errors.ErrorTypeRateLimit, "rate limit exceeded")

	w.Header().Set(HeaderRetryAfter, strconv.Itoa(retryAfter))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(err.HTTPStatusCode())
	_ = json.NewEncoder(w).Encode(deniedBody{
		Error:      string(err.Type),
		RetryAfter: retryAfter,
	})
}
