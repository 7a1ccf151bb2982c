package ratelimit

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"ratelimiter/internal/circuitbreaker"
	"ratelimiter/internal/storage"
	"ratelimiter/internal/storage/memory"
	apperrors "ratelimiter/pkg/errors"
	"ratelimiter/pkg/metrics"
)

var errRefused = errors.New("dial tcp 127.0.0.1:6379: connect: connection refused")

// fakeShared is a scriptable shared store
type fakeShared struct {
	mu     sync.Mutex
	fn     func(ctx context.Context, identifier string) (storage.Result, error)
	calls  atomic.Int64
	closed bool
}

func (f *fakeShared) IncrementAndCheck(ctx context.Context, identifier string) (storage.Result, error) {
	f.calls.Add(1)
	f.mu.Lock()
	fn := f.fn
	f.mu.Unlock()
	return fn(ctx, identifier)
}

func (f *fakeShared) Name() string { return "redis" }

func (f *fakeShared) Close() error {
	f.closed = true
	return nil
}

func (f *fakeShared) set(fn func(ctx context.Context, identifier string) (storage.Result, error)) {
	f.mu.Lock()
	f.fn = fn
	f.mu.Unlock()
}

func answering(count int64, allowed bool) func(context.Context, string) (storage.Result, error) {
	return func(context.Context, string) (storage.Result, error) {
		return storage.Result{Count: count, Allowed: allowed}, nil
	}
}

func failing(err error) func(context.Context, string) (storage.Result, error) {
	return func(context.Context, string) (storage.Result, error) {
		return storage.Result{}, err
	}
}

// blocking waits for the deadline the limiter puts on the call
func blocking(ctx context.Context, _ string) (storage.Result, error) {
	<-ctx.Done()
	return storage.Result{}, ctx.Err()
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func testConfig(limit int) Config {
	return Config{
		Limit:               limit,
		Window:              time.Minute,
		SharedStoreTimeout:  20 * time.Millisecond,
		DegradedLogInterval: time.Hour,
	}
}

func newLocal(t *testing.T, cfg Config) *memory.Store {
	t.Helper()
	s := memory.NewStore(cfg.storage(), memory.WithSweepInterval(0))
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestLogger() (*slog.Logger, *syncBuffer) {
	buf := &syncBuffer{}
	return slog.New(slog.NewTextHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug})), buf
}

func TestCheck_SharedStoreAnswers(t *testing.T) {
	cfg := testConfig(5)
	shared := &fakeShared{fn: answering(3, true)}
	l := New(cfg, shared, newLocal(t, cfg))

	d := l.Check(context.Background(), "1.2.3.4")

	want := Decision{Allowed: true, Limit: 5, WindowSeconds: 60, Count: 3, Backend: "redis"}
	if d != want {
		t.Errorf("expected %+v, got %+v", want, d)
	}

	stats := l.Stats()
	if stats.SharedStoreHits != 1 || stats.LocalFallbackHits != 0 || stats.TotalRequests != 1 {
		t.Errorf("unexpected stats: %+v", stats)
	}
	if stats.Backend != "redis" {
		t.Errorf("expected backend redis, got %s", stats.Backend)
	}
}

func TestCheck_SharedStoreDenies(t *testing.T) {
	cfg := testConfig(5)
	shared := &fakeShared{fn: answering(6, false)}
	l := New(cfg, shared, newLocal(t, cfg))

	d := l.Check(context.Background(), "1.2.3.4")
	if d.Allowed {
		t.Error("expected denial")
	}
	if d.RetryAfter() != 60 {
		t.Errorf("expected retry after 60, got %d", d.RetryAfter())
	}
	if got := l.Stats().RateLimitedCount; got != 1 {
		t.Errorf("expected 1 rate limited, got %d", got)
	}
}

func TestCheck_FallbackIsTransparent(t *testing.T) {
	tests := []struct {
		name string
		fn   func(context.Context, string) (storage.Result, error)
	}{
		{"connection refused", failing(errRefused)},
		{"auth error", failing(errors.New("NOAUTH Authentication required."))},
		{"timeout", blocking},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(3)
			logger, _ := newTestLogger()
			l := New(cfg, &fakeShared{fn: tt.fn}, newLocal(t, cfg), WithLogger(logger))

			for i := 1; i <= 3; i++ {
				d := l.Check(context.Background(), "10.0.0.1")
				if !d.Allowed {
					t.Fatalf("request %d: expected allowed", i)
				}
				if d.Backend != memory.Name {
					t.Errorf("request %d: expected memory backend, got %s", i, d.Backend)
				}
				if d.Count != int64(i) {
					t.Errorf("request %d: expected count %d, got %d", i, i, d.Count)
				}
			}

			if d := l.Check(context.Background(), "10.0.0.1"); d.Allowed {
				t.Error("expected 4th request to be denied by the local counter")
			}

			stats := l.Stats()
			if stats.LocalFallbackHits != 4 || stats.SharedStoreHits != 0 {
				t.Errorf("unexpected stats: %+v", stats)
			}
			if stats.Backend != memory.Name || !stats.Degraded {
				t.Errorf("expected degraded memory backend, got %+v", stats)
			}
		})
	}
}

func TestCheck_TimeoutIsBounded(t *testing.T) {
	cfg := testConfig(10)
	logger, _ := newTestLogger()
	l := New(cfg, &fakeShared{fn: blocking}, newLocal(t, cfg), WithLogger(logger))

	start := time.Now()
	d := l.Check(context.Background(), "10.0.0.1")
	elapsed := time.Since(start)

	if !d.Allowed {
		t.Error("expected allowed")
	}
	if elapsed > 10*cfg.SharedStoreTimeout {
		t.Errorf("check took %v, expected to be bounded near %v", elapsed, cfg.SharedStoreTimeout)
	}
}

func TestCheck_NoSharedStore(t *testing.T) {
	cfg := testConfig(2)
	l := New(cfg, nil, newLocal(t, cfg))

	var allowed int
	for i := 0; i < 5; i++ {
		if l.Check(context.Background(), "10.0.0.1").Allowed {
			allowed++
		}
	}

	if allowed != 2 {
		t.Errorf("expected 2 allowed, got %d", allowed)
	}
	stats := l.Stats()
	want := Stats{TotalRequests: 5, RateLimitedCount: 3, LocalFallbackHits: 5, Backend: memory.Name}
	if stats != want {
		t.Errorf("expected %+v, got %+v", want, stats)
	}
	if l.Degraded() {
		t.Error("a limiter without a shared store is not degraded")
	}
}

func TestCheck_StatsInvariant(t *testing.T) {
	cfg := testConfig(20)
	logger, _ := newTestLogger()
	shared := &fakeShared{}
	var n atomic.Int64
	shared.set(func(context.Context, string) (storage.Result, error) {
		if n.Add(1)%3 == 0 {
			return storage.Result{}, errRefused
		}
		return storage.Result{Count: 1, Allowed: true}, nil
	})
	l := New(cfg, shared, newLocal(t, cfg), WithLogger(logger))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.Check(context.Background(), "10.0.0.1")
		}()
	}
	wg.Wait()

	stats := l.Stats()
	if stats.TotalRequests != 50 {
		t.Errorf("expected 50 total, got %d", stats.TotalRequests)
	}
	if stats.SharedStoreHits+stats.LocalFallbackHits != stats.TotalRequests {
		t.Errorf("hits do not add up: %+v", stats)
	}
	if stats.RateLimitedCount > stats.TotalRequests {
		t.Errorf("more denials than requests: %+v", stats)
	}
}

func TestCheck_TransitionsLoggedOnce(t *testing.T) {
	cfg := testConfig(100)
	logger, logs := newTestLogger()
	shared := &fakeShared{fn: failing(errRefused)}
	l := New(cfg, shared, newLocal(t, cfg), WithLogger(logger))

	for i := 0; i < 10; i++ {
		l.Check(context.Background(), "10.0.0.1")
	}
	if got := strings.Count(logs.String(), "shared store unavailable"); got != 1 {
		t.Fatalf("expected one failure line, got %d:\n%s", got, logs.String())
	}

	shared.set(answering(1, true))
	for i := 0; i < 10; i++ {
		l.Check(context.Background(), "10.0.0.1")
	}
	if got := strings.Count(logs.String(), "shared store recovered"); got != 1 {
		t.Fatalf("expected one recovery line, got %d:\n%s", got, logs.String())
	}

	shared.set(failing(errRefused))
	l.Check(context.Background(), "10.0.0.1")
	if got := strings.Count(logs.String(), "shared store unavailable"); got != 2 {
		t.Errorf("expected a second failure line, got %d", got)
	}
	if strings.Contains(logs.String(), "still unavailable") {
		t.Error("reminder logged before its interval elapsed")
	}
}

func TestCheck_DegradedReminder(t *testing.T) {
	cfg := testConfig(100)
	cfg.DegradedLogInterval = 20 * time.Millisecond
	logger, logs := newTestLogger()
	l := New(cfg, &fakeShared{fn: failing(errRefused)}, newLocal(t, cfg), WithLogger(logger))

	l.Check(context.Background(), "10.0.0.1")
	l.Check(context.Background(), "10.0.0.1")
	if strings.Contains(logs.String(), "still unavailable") {
		t.Fatal("reminder logged right after the transition")
	}

	time.Sleep(30 * time.Millisecond)
	l.Check(context.Background(), "10.0.0.1")
	l.Check(context.Background(), "10.0.0.1")
	if got := strings.Count(logs.String(), "still unavailable"); got != 1 {
		t.Errorf("expected one reminder, got %d", got)
	}
}

func TestCheck_CallerCancellation(t *testing.T) {
	cfg := testConfig(10)
	logger, logs := newTestLogger()
	l := New(cfg, &fakeShared{fn: blocking}, newLocal(t, cfg), WithLogger(logger))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	d := l.Check(ctx, "10.0.0.1")
	if !d.Allowed || d.Backend != memory.Name {
		t.Errorf("expected local verdict, got %+v", d)
	}
	if l.Degraded() {
		t.Error("a canceled request must not mark the shared store degraded")
	}
	if strings.Contains(logs.String(), "unavailable") {
		t.Errorf("unexpected log output:\n%s", logs.String())
	}
}

func TestCheck_BreakerSkipsSharedStore(t *testing.T) {
	cfg := testConfig(10)
	logger, logs := newTestLogger()
	shared := &fakeShared{fn: failing(errRefused)}
	l := New(cfg, shared, newLocal(t, cfg),
		WithLogger(logger),
		WithBreaker(circuitbreaker.Config{MaxFailures: 2, Cooldown: time.Hour}),
	)

	for i := 0; i < 5; i++ {
		d := l.Check(context.Background(), "10.0.0.1")
		if d.Backend != memory.Name {
			t.Errorf("request %d: expected memory backend", i)
		}
	}

	if got := shared.calls.Load(); got != 2 {
		t.Errorf("expected the shared store to be called twice, got %d", got)
	}
	if got := l.Stats().LocalFallbackHits; got != 5 {
		t.Errorf("expected 5 local hits, got %d", got)
	}
	if !strings.Contains(logs.String(), "to=open") {
		t.Errorf("expected breaker transition log:\n%s", logs.String())
	}
}

func TestCheck_Metrics(t *testing.T) {
	cfg := testConfig(1)
	reg := prometheus.NewRegistry()
	m := metrics.NewWithRegistry(reg, reg)
	logger, _ := newTestLogger()
	shared := &fakeShared{fn: answering(1, true)}
	l := New(cfg, shared, newLocal(t, cfg), WithMetrics(m), WithLogger(logger))

	l.Check(context.Background(), "10.0.0.1")
	shared.set(failing(errRefused))
	l.Check(context.Background(), "10.0.0.1")
	l.Check(context.Background(), "10.0.0.1")

	if got := testutil.ToFloat64(m.Decisions.WithLabelValues("redis", metrics.ResultAllowed)); got != 1 {
		t.Errorf("expected 1 redis allowed, got %v", got)
	}
	if got := testutil.ToFloat64(m.Decisions.WithLabelValues(memory.Name, metrics.ResultDenied)); got != 1 {
		t.Errorf("expected 1 memory denied, got %v", got)
	}
	if got := testutil.ToFloat64(m.SharedStoreErrors.WithLabelValues(reasonError)); got != 2 {
		t.Errorf("expected 2 shared store errors, got %v", got)
	}
	if got := testutil.ToFloat64(m.Degraded); got != 1 {
		t.Errorf("expected degraded gauge 1, got %v", got)
	}
	if got := testutil.CollectAndCount(m.SharedStoreLatency); got != 1 {
		t.Errorf("expected latency histogram to be collected, got %d", got)
	}
}

func TestCheck_ErrorReasons(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		reason string
	}{
		{"refused", errRefused, reasonError},
		{"raw deadline", context.DeadlineExceeded, reasonTimeout},
		{"typed timeout", apperrors.NewError(apperrors.ErrorTypeTimeout, "shared store increment failed"), reasonTimeout},
		{"typed unavailable", apperrors.NewError(apperrors.ErrorTypeUnavailable, "shared store increment failed").WithCause(errRefused), reasonError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(5)
			reg := prometheus.NewRegistry()
			m := metrics.NewWithRegistry(reg, reg)
			logger, _ := newTestLogger()
			l := New(cfg, &fakeShared{fn: failing(tt.err)}, newLocal(t, cfg), WithMetrics(m), WithLogger(logger))

			d := l.Check(context.Background(), "10.0.0.1")
			if !d.Allowed || d.Backend != memory.Name {
				t.Fatalf("expected a local verdict, got %+v", d)
			}
			if got := testutil.ToFloat64(m.SharedStoreErrors.WithLabelValues(tt.reason)); got != 1 {
				t.Errorf("expected one %s error, got %v", tt.reason, got)
			}
		})
	}
}

func TestCheck_SharedStoreSpan(t *testing.T) {
	cfg := testConfig(10)
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	defer tp.Shutdown(context.Background())

	logger, _ := newTestLogger()
	shared := &fakeShared{fn: failing(errRefused)}
	l := New(cfg, shared, newLocal(t, cfg), WithTracer(tp.Tracer("test")), WithLogger(logger))

	l.Check(context.Background(), "10.0.0.1")

	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	if spans[0].Name() != SharedStoreSpan {
		t.Errorf("expected span %s, got %s", SharedStoreSpan, spans[0].Name())
	}
	if len(spans[0].Events()) == 0 {
		t.Error("expected the error to be recorded on the span")
	}
}

func TestNew_Defaults(t *testing.T) {
	l := New(Config{}, nil, memory.NewStore(storage.Config{Limit: 1, Window: time.Second}))
	defer l.Close()

	if l.Config() != DefaultConfig() {
		t.Errorf("expected defaults %+v, got %+v", DefaultConfig(), l.Config())
	}
}

func TestClose(t *testing.T) {
	cfg := testConfig(1)
	shared := &fakeShared{fn: answering(1, true)}
	l := New(cfg, shared, newLocal(t, cfg))

	if err := l.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if !shared.closed {
		t.Error("expected shared store to be closed")
	}
}
