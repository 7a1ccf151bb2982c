package storage

import (
	"context"
	"time"
)

// Result is the outcome of counting one request for an identifier.
type Result struct {
	// Count is the number of requests observed in the current window,
	// including the one just counted.
	Count int64
	// Allowed reports whether Count is within the limit.
	Allowed bool
}

// Counter counts requests per identifier within a window.
type Counter interface {
	// IncrementAndCheck records one request for identifier and reports
	// whether it is within the limit.
	IncrementAndCheck(ctx context.Context, identifier string) (Result, error)

	// Name identifies the backend in stats, logs and metrics.
	Name() string

	// Close releases resources held by the counter.
	Close() error
}

// Config defines the limit shared by every counter backend.
type Config struct {
	// Limit is the maximum number of requests per window per identifier.
	Limit int
	// Window is the length of the counting window.
	Window time.Duration
}

// WindowSeconds returns the window length rounded down to whole seconds,
// never less than one.
func (c Config) WindowSeconds() int {
	s := int(c.Window / time.Second)
	if s < 1 {
		return 1
	}
	return s
}

// Allowed reports whether count is within the limit.
func (c Config) Allowed(count int64) bool {
	return count <= int64(c.Limit)
}
