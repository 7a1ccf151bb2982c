// Package redis implements the shared fixed-window counter on a Redis-compatible store.
package redis

import (
	"context"
	stderrors "errors"
	"time"

	"ratelimiter/internal/storage"
	"ratelimiter/pkg/errors"
)

// Name is the backend name reported in stats.
const Name = "redis"

// DefaultPrefix is prepended to every identifier to build its key.
const DefaultPrefix = "ratelimit:"

// Client defines the Redis operations the store needs
type Client interface {
	// IncrWindow atomically increments key, creating it at 1, and sets its
	// time to live to window whenever it has none
	IncrWindow(ctx context.Context, key string, window time.Duration) (int64, error)
	// Ping checks connectivity
	Ping(ctx context.Context) error
	// Close closes the connection
	Close() error
}

// Store is a fixed-window counter shared by every process using the same
// Redis. Atomicity comes from a server-side script; the store holds no
// local state.
type Store struct {
	client Client
	config storage.Config
	prefix string
}

// Option configures a Store.
type Option func(*Store)

// WithPrefix overrides DefaultPrefix.
func WithPrefix(prefix string) Option {
	return func(s *Store) {
		s.prefix = prefix
	}
}

// NewStore creates a new Redis store
func NewStore(client Client, config storage.Config, opts ...Option) *Store {
	s := &Store{
		client: client,
		config: config,
		prefix: DefaultPrefix,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Name returns the backend name
func (s *Store) Name() string {
	return Name
}

// IncrementAndCheck counts one request for identifier in its current window.
//
// The window starts with the increment that creates the key, and the key
// gets its expiry in that same step, so concurrent requests can never push
// the window forward and no key outlives its window. Any store failure is
// returned as an ErrorTypeUnavailable error, or ErrorTypeTimeout when the
// call ran out of time.
func (s *Store) IncrementAndCheck(ctx context.Context, identifier string) (storage.Result, error) {
	count, err := s.client.IncrWindow(ctx, s.prefix+identifier, s.config.Window)
	if err != nil {
		return storage.Result{}, unavailable("increment", err)
	}

	return storage.Result{
		Count:   count,
		Allowed: s.config.Allowed(count),
	}, nil
}

// Ping checks that the store is reachable
func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

// Close closes the store
func (s *Store) Close() error {
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}

func unavailable(op string, cause error) error {
	errType := errors.ErrorTypeUnavailable
	if stderrors.Is(cause, context.DeadlineExceeded) {
		errType = errors.ErrorTypeTimeout
	}
	return errors.NewError(errType, "shared store "+op+" failed").
		WithDetail("backend", Name).
		WithDetail("op", op).
		WithCause(cause)
}

var _ storage.Counter = (*Store)(nil)
