package telemetry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "ratelimiter"

// Config holds telemetry configuration
type Config struct {
	Enabled bool   `yaml:"enabled"`
	Service string `yaml:"service"`
	Version string `yaml:"version"`

	Tracing TracingConfig `yaml:"tracing"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// TracingConfig holds tracing configuration
type TracingConfig struct {
	Enabled      bool              `yaml:"enabled"`
	Endpoint     string            `yaml:"endpoint"`
	Insecure     bool              `yaml:"insecure"`
	Headers      map[string]string `yaml:"headers"`
	SampleRate   float64           `yaml:"sampleRate"`
	MaxBatchSize int               `yaml:"maxBatchSize"`
	BatchTimeout int               `yaml:"batchTimeout"` // seconds
}

// MetricsConfig holds OpenTelemetry metrics configuration. The instruments
// are exported through the Prometheus registry served on /metrics.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Telemetry manages OpenTelemetry providers
type Telemetry struct {
	config     Config
	tracer     trace.Tracer
	meter      metric.Meter
	shutdown   []func(context.Context) error
	resource   *resource.Resource
	propagator propagation.TextMapPropagator
	registerer prometheus.Registerer
}

// New creates a new telemetry instance. OpenTelemetry metrics are registered
// with registerer so they share the /metrics endpoint.
func New(config Config, registerer prometheus.Registerer) (*Telemetry, error) {
	t := &Telemetry{
		config:     config,
		registerer: registerer,
		propagator: propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		),
	}

	if !config.Enabled {
		t.tracer = otel.GetTracerProvider().Tracer(instrumentationName)
		t.meter = otel.GetMeterProvider().Meter(instrumentationName)
		return t, nil
	}

	if err := t.initResource(); err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	if config.Tracing.Enabled {
		if err := t.initTracing(); err != nil {
			return nil, fmt.Errorf("failed to initialize tracing: %w", err)
		}
	} else {
		t.tracer = otel.GetTracerProvider().Tracer(instrumentationName)
	}

	if config.Metrics.Enabled {
		if err := t.initMetrics(); err != nil {
			return nil, fmt.Errorf("failed to initialize metrics: %w", err)
		}
	} else {
		t.meter = otel.GetMeterProvider().Meter(instrumentationName)
	}

	otel.SetTextMapPropagator(t.propagator)

	return t, nil
}

func (t *Telemetry) initResource() error {
	res, err := resource.New(
		context.Background(),
		resource.WithAttributes(
			semconv.ServiceName(t.config.Service),
			semconv.ServiceVersion(t.config.Version),
			attribute.String("component", "ratelimiter"),
		),
		resource.WithHost(),
		resource.WithProcess(),
		resource.WithTelemetrySDK(),
	)
	if err != nil {
		return err
	}

	t.resource = res
	return nil
}

func (t *Telemetry) initTracing() error {
	opts := []otlptracehttp.Option{
		otlptracehttp.WithTimeout(10 * time.Second),
		otlptracehttp.WithRetry(otlptracehttp.RetryConfig{
			Enabled:         true,
			InitialInterval: 5 * time.Second,
			MaxInterval:     30 * time.Second,
			MaxElapsedTime:  time.Minute,
		}),
	}
	if t.config.Tracing.Endpoint != "" {
		opts = append(opts, otlptracehttp.WithEndpoint(t.config.Tracing.Endpoint))
	}
	if t.config.Tracing.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	if len(t.config.Tracing.Headers) > 0 {
		opts = append(opts, otlptracehttp.WithHeaders(t.config.Tracing.Headers))
	}

	// The exporter connects lazily, so this does not fail on an unreachable collector
	exporter, err := otlptracehttp.New(context.Background(), opts...)
	if err != nil {
		return fmt.Errorf("failed to create trace exporter: %w", err)
	}

	batchOpts := []sdktrace.BatchSpanProcessorOption{}
	if t.config.Tracing.MaxBatchSize > 0 {
		batchOpts = append(batchOpts, sdktrace.WithMaxExportBatchSize(t.config.Tracing.MaxBatchSize))
	}
	if t.config.Tracing.BatchTimeout > 0 {
		batchOpts = append(batchOpts, sdktrace.WithBatchTimeout(time.Duration(t.config.Tracing.BatchTimeout)*time.Second))
	}

	var sampler sdktrace.Sampler
	if t.config.Tracing.SampleRate > 0 && t.config.Tracing.SampleRate < 1 {
		sampler = sdktrace.ParentBased(sdktrace.TraceIDRatioBased(t.config.Tracing.SampleRate))
	} else {
		sampler = sdktrace.AlwaysSample()
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter, batchOpts...),
		sdktrace.WithResource(t.resource),
		sdktrace.WithSampler(sampler),
	)

	otel.SetTracerProvider(tp)
	t.tracer = tp.Tracer(instrumentationName)
	t.shutdown = append(t.shutdown, tp.Shutdown)

	return nil
}

func (t *Telemetry) initMetrics() error {
	opts := []otelprom.Option{}
	if t.registerer != nil {
		opts = append(opts, otelprom.WithRegisterer(t.registerer))
	}

	exporter, err := otelprom.New(opts...)
	if err != nil {
		return fmt.Errorf("failed to create metrics exporter: %w", err)
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
		sdkmetric.WithResource(t.resource),
	)

	otel.SetMeterProvider(mp)
	t.meter = mp.Meter(instrumentationName)
	t.shutdown = append(t.shutdown, mp.Shutdown)

	return nil
}

// Tracer returns the tracer
func (t *Telemetry) Tracer() trace.Tracer {
	return t.tracer
}

// Meter returns the meter
func (t *Telemetry) Meter() metric.Meter {
	return t.meter
}

// Shutdown flushes and stops the providers
func (t *Telemetry) Shutdown(ctx context.Context) error {
	var errs []error
	for _, fn := range t.shutdown {
		if err := fn(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
