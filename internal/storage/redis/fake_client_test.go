package redis

import (
	"context"
	"sync"
	"time"
)

// fakeClient is an in-process stand-in for Redis running the increment
// script. Every operation is linearized by a single mutex, like the real
// server's command loop.
type fakeClient struct {
	mu      sync.Mutex
	now     func() time.Time
	values  map[string]int64
	expires map[string]time.Time

	incrErr error
	// expireErr makes PEXPIRE fail inside the script. As in Redis, the
	// INCR that already ran is not rolled back.
	expireErr error
	pingErr   error

	expireCalls int
	closed      bool
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		now:     time.Now,
		values:  make(map[string]int64),
		expires: make(map[string]time.Time),
	}
}

func (f *fakeClient) evict(key string) {
	if exp, ok := f.expires[key]; ok && !f.now().Before(exp) {
		delete(f.values, key)
		delete(f.expires, key)
	}
}

func (f *fakeClient) IncrWindow(ctx context.Context, key string, window time.Duration) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.incrErr != nil {
		return 0, f.incrErr
	}

	f.evict(key)
	f.values[key]++
	n := f.values[key]

	if _, hasTTL := f.expires[key]; n == 1 || !hasTTL {
		f.expireCalls++
		if f.expireErr != nil {
			return 0, f.expireErr
		}
		f.expires[key] = f.now().Add(window)
	}
	return n, nil
}

func (f *fakeClient) hasExpiry(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.expires[key]
	return ok
}

func (f *fakeClient) Ping(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pingErr
}

func (f *fakeClient) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}
