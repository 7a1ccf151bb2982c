package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Result label values for Decisions
const (
	ResultAllowed = "allowed"
	ResultDenied  = "denied"
)

// Metrics holds all Prometheus metrics for the rate limiter
type Metrics struct {
	// HTTP metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	ActiveRequests  prometheus.Gauge

	// Limiter metrics
	Decisions          *prometheus.CounterVec
	SharedStoreErrors  *prometheus.CounterVec
	SharedStoreLatency prometheus.Histogram
	Degraded           prometheus.Gauge
	BreakerState       prometheus.Gauge

	// Health check metrics
	HealthCheckDuration *prometheus.HistogramVec
	HealthCheckStatus   *prometheus.GaugeVec

	gatherer prometheus.Gatherer
}

// New creates a new Metrics instance with all metrics registered
func New() *Metrics {
	return NewWithRegistry(prometheus.DefaultRegisterer, prometheus.DefaultGatherer)
}

// NewWithRegistry creates a new Metrics instance with a custom registry
func NewWithRegistry(registerer prometheus.Registerer, gatherer prometheus.Gatherer) *Metrics {
	factory := promauto.With(registerer)

	return &Metrics{
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ratelimiter_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ratelimiter_http_request_duration_seconds",
				Help:    "HTTP request latencies in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		ActiveRequests: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "ratelimiter_http_requests_active",
				Help: "Number of active HTTP requests",
			},
		),

		Decisions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ratelimiter_decisions_total",
				Help: "Rate limit decisions by backend and result",
			},
			[]string{"backend", "result"},
		),
		SharedStoreErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ratelimiter_shared_store_errors_total",
				Help: "Shared store calls that failed and fell back to local counting",
			},
			[]string{"reason"},
		),
		SharedStoreLatency: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name: "ratelimiter_shared_store_duration_seconds",
				Help: "Shared store call latencies in seconds",
				// 1ms to ~0.5s; the call is normally bounded well under that
				Buckets: prometheus.ExponentialBuckets(0.001, 2, 10),
			},
		),
		Degraded: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "ratelimiter_degraded",
				Help: "1 while decisions are served by the local fallback counter",
			},
		),
		BreakerState: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "ratelimiter_shared_store_breaker_state",
				Help: "Shared store circuit breaker state (0 = closed, 1 = open, 2 = half-open)",
			},
		),

		HealthCheckDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ratelimiter_health_check_duration_seconds",
				Help:    "Health check durations in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"check_name"},
		),
		HealthCheckStatus: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "ratelimiter_health_check_status",
				Help: "Health check status (1 = healthy, 0 = unhealthy)",
			},
			[]string{"check_name"},
		),

		gatherer: gatherer,
	}
}

// Handler returns the Prometheus HTTP handler for the registry the metrics live in
func (m *Metrics) Handler() http.Handler {
	if m.gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// NormalizePath normalizes the path for metrics labels to avoid high cardinality
func NormalizePath(path string) string {
	const maxLength = 50
	if len(path) > maxLength {
		return path[:maxLength] + "..."
	}
	return path
}
