package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"ratelimiter/internal/ratelimit"
)

// StatsSource exposes the limiter counters
type StatsSource interface {
	Stats() ratelimit.Stats
}

// HealthResponse represents the overall health response
type HealthResponse struct {
	Status    Status                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Checks    map[string]CheckResult `json:"checks,omitempty"`
	RateLimit *ratelimit.Stats       `json:"ratelimit,omitempty"`
	Version   string                 `json:"version,omitempty"`
}

// Handler creates HTTP handlers for health endpoints
type Handler struct {
	checker *Checker
	stats   StatsSource
	version string
}

// NewHandler creates a new health handler. stats may be nil.
func NewHandler(checker *Checker, stats StatsSource, version string) *Handler {
	return &Handler{
		checker: checker,
		stats:   stats,
		version: version,
	}
}

// Health handles the /health endpoint
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	results := h.checker.CheckHealth(ctx)
	status := Overall(results)

	response := HealthResponse{
		Status:    status,
		Timestamp: time.Now(),
		Checks:    results,
		Version:   h.version,
	}
	if h.stats != nil {
		stats := h.stats.Stats()
		response.RateLimit = &stats
	}

	statusCode := http.StatusOK
	if status == StatusUnhealthy {
		statusCode = http.StatusServiceUnavailable
	}

	writeJSON(w, statusCode, response)
}

// Ping handles the /health/ping endpoint
func (h *Handler) Ping(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("pong"))
}

// Ready handles the /ready endpoint. A degraded service is still ready:
// requests are limited locally while the shared store is away.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	ready := Overall(h.checker.CheckHealth(ctx)) != StatusUnhealthy

	statusCode := http.StatusOK
	if !ready {
		statusCode = http.StatusServiceUnavailable
	}

	writeJSON(w, statusCode, map[string]any{
		"ready":     ready,
		"timestamp": time.Now(),
	})
}

// Live handles the /live endpoint (Kubernetes liveness probe)
func (h *Handler) Live(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now(),
	})
}

func writeJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(v)
}
