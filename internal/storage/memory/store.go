// Package memory implements the in-process sliding-window counter the limiter
// falls back to when the shared store cannot answer.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"ratelimiter/internal/storage"
)

// Name is the backend name reported in stats.
const Name = "memory"

// DefaultShards is the number of independently locked map shards.
const DefaultShards = 32

// entry holds the request timestamps of one identifier, oldest first
type entry struct {
	stamps []time.Time
}

type shard struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// Store implements storage.Counter in process memory.
//
// Each identifier keeps the timestamps of its requests inside the trailing
// window. Identifiers are spread over shards so unrelated identifiers rarely
// contend for the same lock, and a lock is only held to prune and append.
// At most limit+1 timestamps are kept per identifier: once an identifier is
// over the limit, older stamps cannot change the verdict, so Count saturates
// at limit+1.
type Store struct {
	config storage.Config
	shards []*shard
	now    func() time.Time

	sweepInterval time.Duration
	done          chan struct{}
	closeOnce     sync.Once
}

// Option configures a Store.
type Option func(*Store)

// WithShards sets the number of shards.
func WithShards(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.shards = newShards(n)
		}
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// WithSweepInterval sets how often identifiers with no live timestamps are
// dropped. Zero disables the background sweep.
func WithSweepInterval(d time.Duration) Option {
	return func(s *Store) {
		s.sweepInterval = d
	}
}

// NewStore creates a new memory store. The background sweep runs every
// window unless configured otherwise; call Close to stop it.
func NewStore(config storage.Config, opts ...Option) *Store {
	s := &Store{
		config:        config,
		shards:        newShards(DefaultShards),
		now:           time.Now,
		sweepInterval: config.Window,
		done:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.sweepInterval > 0 {
		go s.cleanup()
	}

	return s
}

func newShards(n int) []*shard {
	shards := make([]*shard, n)
	for i := range shards {
		shards[i] = &shard{entries: make(map[string]*entry)}
	}
	return shards
}

// Name returns the backend name
func (s *Store) Name() string {
	return Name
}

// IncrementAndCheck records one request for identifier now and counts the
// requests in the trailing window. It never fails and never blocks on I/O.
func (s *Store) IncrementAndCheck(_ context.Context, identifier string) (storage.Result, error) {
	now := s.now()
	cutoff := now.Add(-s.config.Window)
	sh := s.shardFor(identifier)

	sh.mu.Lock()
	e, ok := sh.entries[identifier]
	if !ok {
		e = &entry{stamps: make([]time.Time, 0, 4)}
		sh.entries[identifier] = e
	}
	e.stamps = prune(e.stamps, cutoff)
	if keep := s.config.Limit + 1; len(e.stamps) >= keep {
		e.stamps = dropOldest(e.stamps, len(e.stamps)-keep+1)
	}
	e.stamps = append(e.stamps, now)
	count := int64(len(e.stamps))
	sh.mu.Unlock()

	return storage.Result{
		Count:   count,
		Allowed: s.config.Allowed(count),
	}, nil
}

// Sweep drops every identifier with no timestamps inside the window and
// returns how many were removed.
func (s *Store) Sweep() int {
	cutoff := s.now().Add(-s.config.Window)
	removed := 0

	for _, sh := range s.shards {
		sh.mu.Lock()
		for id, e := range sh.entries {
			e.stamps = prune(e.stamps, cutoff)
			if len(e.stamps) == 0 {
				delete(sh.entries, id)
				removed++
			}
		}
		sh.mu.Unlock()
	}

	return removed
}

// Len returns the number of tracked identifiers.
func (s *Store) Len() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		n += len(sh.entries)
		sh.mu.Unlock()
	}
	return n
}

// Close stops the background sweep. It is safe to call more than once.
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
	})
	return nil
}

// cleanup periodically removes idle identifiers
func (s *Store) cleanup() {
	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}

func (s *Store) shardFor(identifier string) *shard {
	return s.shards[xxhash.Sum64String(identifier)%uint64(len(s.shards))]
}

// prune removes stamps at or before cutoff, reusing the backing array.
func prune(stamps []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(stamps) && !stamps[i].After(cutoff) {
		i++
	}
	return dropOldest(stamps, i)
}

func dropOldest(stamps []time.Time, n int) []time.Time {
	if n <= 0 {
		return stamps
	}
	kept := copy(stamps, stamps[n:])
	return stamps[:kept]
}

var _ storage.Counter = (*Store)(nil)
