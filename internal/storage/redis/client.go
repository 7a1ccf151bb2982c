package redis

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// Options tune the connection pool behind a ClientAdapter.
type Options struct {
	// URL is a redis:// or rediss:// connection string.
	URL          string
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// ClientAdapter adapts go-redis client to our interface
type ClientAdapter struct {
	client goredis.UniversalClient
}

// NewClientAdapter creates a new client adapter
func NewClientAdapter(client goredis.UniversalClient) *ClientAdapter {
	return &ClientAdapter{client: client}
}

// NewClient builds a pooled client from a connection URL. It does not dial;
// the pool connects lazily so an unreachable store at startup only means the
// limiter starts in fallback mode.
func NewClient(opts Options) (*ClientAdapter, error) {
	ro, err := goredis.ParseURL(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("parse shared store url: %w", err)
	}

	if opts.PoolSize > 0 {
		ro.PoolSize = opts.PoolSize
	}
	if opts.MinIdleConns > 0 {
		ro.MinIdleConns = opts.MinIdleConns
	}
	if opts.DialTimeout > 0 {
		ro.DialTimeout = opts.DialTimeout
	}
	if opts.ReadTimeout > 0 {
		ro.ReadTimeout = opts.ReadTimeout
	}
	if opts.WriteTimeout > 0 {
		ro.WriteTimeout = opts.WriteTimeout
	}

	// Per-call deadlines come from the caller's context; a failed attempt is
	// never retried.
	ro.ContextTimeoutEnabled = true
	ro.MaxRetries = -1

	return NewClientAdapter(goredis.NewClient(ro)), nil
}

// incrWindow increments the key and gives it the window as its time to live
// in the same atomic step. A key found without one, left by an older writer
// or a failed PEXPIRE, gets it on the next call.
var incrWindow = goredis.NewScript(`
local n = redis.call("INCR", KEYS[1])
if n == 1 or redis.call("PTTL", KEYS[1]) == -1 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return n
`)

// IncrWindow atomically increments key and makes sure it expires within window
func (c *ClientAdapter) IncrWindow(ctx context.Context, key string, window time.Duration) (int64, error) {
	return incrWindow.Run(ctx, c.client, []string{key}, window.Milliseconds()).Int64()
}

// Ping checks connectivity
func (c *ClientAdapter) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close closes the connection
func (c *ClientAdapter) Close() error {
	return c.client.Close()
}
