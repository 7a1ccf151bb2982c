package app

import (
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	grpcadapter "ratelimiter/internal/adapter/grpc"
	"ratelimiter/internal/circuitbreaker"
	"ratelimiter/internal/config"
	"ratelimiter/internal/health"
	"ratelimiter/internal/ratelimit"
	"ratelimiter/internal/storage"
	"ratelimiter/internal/storage/memory"
	redisstore "ratelimiter/internal/storage/redis"
	"ratelimiter/internal/telemetry"
	apperrors "ratelimiter/pkg/errors"
	"ratelimiter/pkg/metrics"
)

// SharedStoreCheck is the health check name of the shared store
const SharedStoreCheck = "shared_store"

// Builder builds the rate limiter service
type Builder struct {
	config   *config.Config
	logger   *slog.Logger
	registry *prometheus.Registry
	version  string
}

// NewBuilder creates a new application builder
func NewBuilder(cfg *config.Config, logger *slog.Logger) *Builder {
	return &Builder{
		config:  cfg,
		logger:  logger,
		version: "dev",
	}
}

// WithRegistry sets the Prometheus registry. By default a fresh registry
// with the Go and process collectors is used.
func (b *Builder) WithRegistry(registry *prometheus.Registry) *Builder {
	b.registry = registry
	return b
}

// WithVersion sets the version reported by /health
func (b *Builder) WithVersion(version string) *Builder {
	b.version = version
	return b
}

// Build constructs the server. An unparsable shared store URL is an error;
// an unreachable shared store is not.
func (b *Builder) Build() (*Server, error) {
	registry := b.registry
	if registry == nil {
		registry = prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	m := metrics.NewWithRegistry(registry, registry)

	tel, err := telemetry.New(b.config.Telemetry, registry)
	if err != nil {
		return nil, apperrors.Wrap(err, "creating telemetry")
	}

	rl := b.config.RateLimit
	counterCfg := storage.Config{Limit: rl.Requests, Window: rl.WindowDuration()}

	shared, err := b.sharedStore(counterCfg)
	if err != nil {
		return nil, err
	}
	local := b.localStore(counterCfg)

	opts := []ratelimit.Option{
		ratelimit.WithLogger(b.logger),
		ratelimit.WithMetrics(m),
		ratelimit.WithTracer(tel.Tracer()),
	}
	if rl.Breaker.Enabled {
		opts = append(opts, ratelimit.WithBreaker(circuitbreaker.Config{
			MaxFailures:    rl.Breaker.MaxFailures,
			Cooldown:       time.Duration(rl.Breaker.CooldownMs) * time.Millisecond,
			HalfOpenProbes: rl.Breaker.HalfOpenProbes,
		}))
		b.logger.Info("Shared store circuit breaker enabled",
			"maxFailures", rl.Breaker.MaxFailures,
			"cooldownMs", rl.Breaker.CooldownMs,
		)
	}

	// A nil *redisstore.Store must not reach the limiter as a non-nil interface
	var sharedCounter storage.Counter
	if shared != nil {
		sharedCounter = shared
	}
	limiter := ratelimit.New(ratelimit.Config{
		Limit:               rl.Requests,
		Window:              rl.WindowDuration(),
		SharedStoreTimeout:  rl.SharedStoreTimeout(),
		DegradedLogInterval: rl.DegradedLogDuration(),
	}, sharedCounter, local, opts...)

	registration, err := tel.ObserveLimiter(limiter)
	if err != nil {
		return nil, apperrors.Wrap(err, "observing limiter")
	}

	checker := health.NewChecker(m)
	if shared != nil {
		checker.RegisterDegradableCheck(SharedStoreCheck, health.PingCheck(shared))
	}
	healthHandler := health.NewHandler(checker, limiter, b.version)

	router := newRouter(routerDeps{
		limiter:   limiter,
		health:    healthHandler,
		metrics:   m,
		telemetry: tel,
		config:    b.config,
		logger:    b.logger,
	})

	srvCfg := b.config.Server
	server := &Server{
		config:  b.config,
		handler: router,
		httpServer: newHTTPServer(
			net.JoinHostPort(srvCfg.Host, strconv.Itoa(srvCfg.Port)),
			router,
			srvCfg,
		),
		limiter:      limiter,
		telemetry:    tel,
		registration: registration,
		logger:       b.logger,
	}

	if b.config.GRPC.Enabled {
		server.grpcServer, server.grpcHealth = b.grpcServer(limiter)
	}

	b.logger.Info("Rate limiter configured",
		"limit", rl.Requests,
		"window", rl.WindowDuration().String(),
		"backend", limiter.Backend(),
		"sharedStoreTimeout", rl.SharedStoreTimeout().String(),
	)

	return server, nil
}

// sharedStore returns nil when no shared store is configured
func (b *Builder) sharedStore(counterCfg storage.Config) (*redisstore.Store, error) {
	rc := b.config.Redis
	if rc.URL == "" {
		b.logger.Info("No shared store configured, counting requests locally")
		return nil, nil
	}

	client, err := redisstore.NewClient(redisstore.Options{
		URL:          rc.URL,
		PoolSize:     rc.PoolSize,
		MinIdleConns: rc.MinIdleConns,
		DialTimeout:  time.Duration(rc.DialTimeoutMs) * time.Millisecond,
	})
	if err != nil {
		return nil, apperrors.NewError(apperrors.ErrorTypeBadRequest, "invalid shared store url").WithCause(err)
	}

	var opts []redisstore.Option
	if rc.KeyPrefix != "" {
		opts = append(opts, redisstore.WithPrefix(rc.KeyPrefix))
	}
	return redisstore.NewStore(client, counterCfg, opts...), nil
}

func (b *Builder) localStore(counterCfg storage.Config) *memory.Store {
	mc := b.config.RateLimit.Memory

	var opts []memory.Option
	if mc.Shards > 0 {
		opts = append(opts, memory.WithShards(mc.Shards))
	}
	if mc.SweepInterval > 0 {
		opts = append(opts, memory.WithSweepInterval(time.Duration(mc.SweepInterval)*time.Second))
	}
	return memory.NewStore(counterCfg, opts...)
}

func (b *Builder) grpcServer(limiter *ratelimit.Limiter) (*grpc.Server, *grpchealth.Server) {
	interceptor := grpcadapter.NewInterceptor(limiter, grpcadapter.Config{
		ExcludedMethods: grpcadapter.DefaultExcludedMethods,
		Logger:          b.logger,
	})

	srv := grpc.NewServer(
		grpc.ChainUnaryInterceptor(interceptor.Unary()),
		grpc.ChainStreamInterceptor(interceptor.Stream()),
	)
	hs := grpchealth.NewServer()
	healthpb.RegisterHealthServer(srv, hs)

	return srv, hs
}
