package app

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"ratelimiter/internal/config"
	"ratelimiter/internal/health"
	"ratelimiter/internal/middleware"
	metricsmw "ratelimiter/internal/middleware/metrics"
	ratelimitmw "ratelimiter/internal/middleware/ratelimit"
	"ratelimiter/internal/middleware/recovery"
	"ratelimiter/internal/ratelimit"
	"ratelimiter/internal/telemetry"
	"ratelimiter/pkg/errors"
	"ratelimiter/pkg/metrics"
	"ratelimiter/pkg/requestid"
)

// maxEchoBody caps the body accepted by the echo endpoint
const maxEchoBody = 1 << 20

type routerDeps struct {
	limiter   *ratelimit.Limiter
	health    *health.Handler
	metrics   *metrics.Metrics
	telemetry *telemetry.Telemetry
	config    *config.Config
	logger    *slog.Logger
}

// newRouter mounts the limiter ahead of every other middleware so a denied
// request does no further work
func newRouter(d routerDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(ratelimitmw.Middleware(d.limiter, ratelimitmw.Config{
		ExcludedPaths: ratelimitmw.DefaultExcludedPaths,
		Logger:        d.logger,
	}))
	r.Use(requestid.Middleware)
	r.Use(middleware.Logging(d.logger))
	r.Use(recovery.Default(d.logger))
	if d.config.Telemetry.Enabled {
		r.Use(d.telemetry.Middleware)
	}
	if d.config.Metrics.Enabled {
		r.Use(metricsmw.Middleware(d.metrics))
		r.Method(http.MethodGet, "/metrics", d.metrics.Handler())
	}

	r.Get("/health", d.health.Health)
	r.Get("/health/ping", d.health.Ping)
	r.Get("/live", d.health.Live)
	r.Get("/ready", d.health.Ready)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/ping", handlePing)
		r.Post("/echo", handleEcho)
	})

	return r
}

func handlePing(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"message":    "pong",
		"request_id": requestid.FromContext(r.Context()),
	})
}

func handleEcho(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxEchoBody))
	if err != nil {
		e := errors.NewError(errors.ErrorTypeBadRequest, "request body too large or unreadable").WithCause(err)
		writeJSON(w, e.HTTPStatusCode(), map[string]string{
			"error":   string(e.Type),
			"message": e.Message,
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"request_id":   requestid.FromContext(r.Context()),
		"content_type": r.Header.Get("Content-Type"),
		"body":         string(body),
	})
}

func writeJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(v)
}
