// Package ratelimit decides whether a request is within its budget. It asks
// the shared store first and silently falls back to a process-local counter
// whenever the shared store cannot answer in time.
package ratelimit

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"ratelimiter/internal/circuitbreaker"
	"ratelimiter/internal/storage"
	apperrors "ratelimiter/pkg/errors"
	"ratelimiter/pkg/metrics"
)

// SharedStoreSpan is the span name around every shared store call
const SharedStoreSpan = "ratelimit.shared_store"

// Failure reasons used as metric labels
const (
	reasonTimeout     = "timeout"
	reasonCanceled    = "canceled"
	reasonError       = "error"
	reasonBreakerOpen = "breaker_open"
)

// Config holds the limiter settings. They are fixed for the life of the process.
type Config struct {
	Limit              int
	Window             time.Duration
	SharedStoreTimeout time.Duration
	// DegradedLogInterval spaces out the reminders logged while the
	// shared store stays unavailable
	DegradedLogInterval time.Duration
}

// DefaultConfig returns the default limiter configuration
func DefaultConfig() Config {
	return Config{
		Limit:               100,
		Window:              60 * time.Second,
		SharedStoreTimeout:  75 * time.Millisecond,
		DegradedLogInterval: 30 * time.Second,
	}
}

func (c Config) storage() storage.Config {
	return storage.Config{Limit: c.Limit, Window: c.Window}
}

// Decision is the verdict for a single request
type Decision struct {
	Allowed       bool
	Limit         int
	WindowSeconds int
	Count         int64
	// Backend is the name of the counter that produced the verdict
	Backend string
}

// RetryAfter returns the number of seconds a denied client should wait.
// It is the full window, not the time left in it.
func (d Decision) RetryAfter() int {
	return d.WindowSeconds
}

// Option configures a Limiter
type Option func(*Limiter)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(l *Limiter) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithMetrics enables Prometheus metrics
func WithMetrics(m *metrics.Metrics) Option {
	return func(l *Limiter) {
		l.metrics = m
	}
}

// WithTracer sets the tracer used for shared store spans
func WithTracer(tracer trace.Tracer) Option {
	return func(l *Limiter) {
		if tracer != nil {
			l.tracer = tracer
		}
	}
}

// WithBreaker puts a circuit breaker in front of the shared store. While it
// is open the shared store is not called at all.
func WithBreaker(config circuitbreaker.Config) Option {
	return func(l *Limiter) {
		notify := config.OnStateChange
		config.OnStateChange = func(from, to circuitbreaker.State) {
			l.logger.Info("shared store circuit breaker state changed",
				"from", from.String(),
				"to", to.String())
			if l.metrics != nil {
				l.metrics.BreakerState.Set(float64(to))
			}
			if notify != nil {
				notify(from, to)
			}
		}
		l.breaker = circuitbreaker.New(config)
	}
}

// Limiter is safe for concurrent use
type Limiter struct {
	config  Config
	shared  storage.Counter
	local   storage.Counter
	logger  *slog.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer
	breaker *circuitbreaker.CircuitBreaker

	totalRequests     atomic.Int64
	rateLimitedCount  atomic.Int64
	sharedStoreHits   atomic.Int64
	localFallbackHits atomic.Int64

	degraded atomic.Bool
	reminder *rate.Sometimes
}

// New creates a limiter. shared may be nil, in which case every request is
// counted locally.
func New(config Config, shared, local storage.Counter, opts ...Option) *Limiter {
	defaults := DefaultConfig()
	if config.Limit <= 0 {
		config.Limit = defaults.Limit
	}
	if config.Window <= 0 {
		config.Window = defaults.Window
	}
	if config.SharedStoreTimeout <= 0 {
		config.SharedStoreTimeout = defaults.SharedStoreTimeout
	}
	if config.DegradedLogInterval <= 0 {
		config.DegradedLogInterval = defaults.DegradedLogInterval
	}

	l := &Limiter{
		config:   config,
		shared:   shared,
		local:    local,
		logger:   slog.Default(),
		tracer:   otel.GetTracerProvider().Tracer("ratelimiter"),
		reminder: &rate.Sometimes{Interval: config.DegradedLogInterval},
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = l.logger.With("component", "ratelimit")

	return l
}

// Config returns the limiter configuration
func (l *Limiter) Config() Config {
	return l.config
}

// Check counts one request for identifier and returns the verdict. It never
// returns an error: a shared store failure is absorbed by the local counter.
func (l *Limiter) Check(ctx context.Context, identifier string) Decision {
	l.totalRequests.Add(1)

	result, backend := l.count(ctx, identifier)

	decision := Decision{
		Allowed:       result.Allowed,
		Limit:         l.config.Limit,
		WindowSeconds: l.config.storage().WindowSeconds(),
		Count:         result.Count,
		Backend:       backend,
	}

	if !decision.Allowed {
		l.rateLimitedCount.Add(1)
	}
	if l.metrics != nil {
		outcome := metrics.ResultAllowed
		if !decision.Allowed {
			outcome = metrics.ResultDenied
		}
		l.metrics.Decisions.WithLabelValues(backend, outcome).Inc()
	}

	return decision
}

func (l *Limiter) count(ctx context.Context, identifier string) (storage.Result, string) {
	if l.shared != nil {
		if l.breaker == nil || l.breaker.Allow() {
			result, err := l.callShared(ctx, identifier)
			if err == nil {
				l.sharedStoreHits.Add(1)
				if l.breaker != nil {
					l.breaker.Success()
				}
				l.markRecovered()
				return result, l.shared.Name()
			}
			l.sharedFailed(ctx, err)
		} else {
			l.recordError(reasonBreakerOpen)
			l.remind(circuitbreaker.ErrOpen)
		}
	}

	l.localFallbackHits.Add(1)
	result, err := l.local.IncrementAndCheck(ctx, identifier)
	if err != nil {
		// Nothing left to consult. Fail open.
		l.logger.Error("local counter failed", "error", err)
		return storage.Result{Allowed: true}, l.local.Name()
	}
	return result, l.local.Name()
}

func (l *Limiter) callShared(ctx context.Context, identifier string) (storage.Result, error) {
	ctx, span := l.tracer.Start(ctx, SharedStoreSpan,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("ratelimit.backend", l.shared.Name())),
	)
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, l.config.SharedStoreTimeout)
	defer cancel()

	start := time.Now()
	result, err := l.shared.IncrementAndCheck(ctx, identifier)
	if l.metrics != nil {
		l.metrics.SharedStoreLatency.Observe(time.Since(start).Seconds())
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "shared store unavailable")
		return storage.Result{}, err
	}

	span.SetAttributes(
		attribute.Int64("ratelimit.count", result.Count),
		attribute.Bool("ratelimit.allowed", result.Allowed),
	)
	return result, nil
}

// sharedFailed classifies a shared store error. A request abandoned by its
// own caller says nothing about the store, so it is not counted against it.
func (l *Limiter) sharedFailed(ctx context.Context, err error) {
	if ctx.Err() != nil {
		l.recordError(reasonCanceled)
		return
	}

	if apperrors.IsType(err, apperrors.ErrorTypeTimeout) || errors.Is(err, context.DeadlineExceeded) {
		l.recordError(reasonTimeout)
	} else {
		l.recordError(reasonError)
	}

	if l.breaker != nil {
		l.breaker.Failure()
	}
	l.markDegraded(err)
}

func (l *Limiter) recordError(reason string) {
	if l.metrics != nil {
		l.metrics.SharedStoreErrors.WithLabelValues(reason).Inc()
	}
}

func (l *Limiter) markDegraded(err error) {
	if !l.degraded.CompareAndSwap(false, true) {
		l.remind(err)
		return
	}

	// Restart the reminder interval from the transition
	l.reminder.Do(func() {})
	if l.metrics != nil {
		l.metrics.Degraded.Set(1)
	}
	l.logger.Warn("shared store unavailable, counting requests locally",
		"backend", l.shared.Name(),
		"error", err)
}

func (l *Limiter) remind(err error) {
	l.reminder.Do(func() {
		l.logger.Warn("shared store still unavailable",
			"backend", l.shared.Name(),
			"local_fallback_hits", l.localFallbackHits.Load(),
			"error", err)
	})
}

func (l *Limiter) markRecovered() {
	if !l.degraded.CompareAndSwap(true, false) {
		return
	}

	if l.metrics != nil {
		l.metrics.Degraded.Set(0)
	}
	l.logger.Info("shared store recovered",
		"backend", l.shared.Name(),
		"local_fallback_hits", l.localFallbackHits.Load())
}

// Degraded reports whether the last shared store call failed
func (l *Limiter) Degraded() bool {
	return l.degraded.Load()
}

// Close releases both counters
func (l *Limiter) Close() error {
	var errs []error
	if l.shared != nil {
		if err := l.shared.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := l.local.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
