package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"ratelimiter/internal/ratelimit"
)

// StatsSource exposes the limiter counters
type StatsSource interface {
	Stats() ratelimit.Stats
}

// ObserveLimiter exports the limiter statistics snapshot as observable
// instruments. They are read on every collection, never pushed.
func (t *Telemetry) ObserveLimiter(source StatsSource) (metric.Registration, error) {
	requests, err := t.meter.Int64ObservableCounter(
		"ratelimiter.limiter.requests",
		metric.WithDescription("Requests checked by the limiter"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create limiter.requests: %w", err)
	}

	limited, err := t.meter.Int64ObservableCounter(
		"ratelimiter.limiter.rate_limited",
		metric.WithDescription("Requests denied by the limiter"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create limiter.rate_limited: %w", err)
	}

	hits, err := t.meter.Int64ObservableCounter(
		"ratelimiter.limiter.backend_hits",
		metric.WithDescription("Decisions served by each counter backend"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create limiter.backend_hits: %w", err)
	}

	degraded, err := t.meter.Int64ObservableGauge(
		"ratelimiter.limiter.degraded",
		metric.WithDescription("1 while the local fallback counter is active"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create limiter.degraded: %w", err)
	}

	var (
		sharedAttrs   = metric.WithAttributes(attribute.String("backend", "shared"))
		fallbackAttrs = metric.WithAttributes(attribute.String("backend", "local"))
	)

	return t.meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		s := source.Stats()

		o.ObserveInt64(requests, s.TotalRequests)
		o.ObserveInt64(limited, s.RateLimitedCount)
		o.ObserveInt64(hits, s.SharedStoreHits, sharedAttrs)
		o.ObserveInt64(hits, s.LocalFallbackHits, fallbackAttrs)

		var d int64
		if s.Degraded {
			d = 1
		}
		o.ObserveInt64(degraded, d)
		return nil
	}, requests, limited, hits, degraded)
}
