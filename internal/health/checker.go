package health

import (
	"context"
	"sync"
	"time"

	"ratelimiter/pkg/metrics"
)

// Status represents the health status
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusDegraded  Status = "degraded"
)

// Check represents a health check function
type Check func(ctx context.Context) error

type registeredCheck struct {
	check Check
	// degradable checks report degraded instead of unhealthy on failure
	degradable bool
}

// Checker manages health checks
type Checker struct {
	checks  map[string]registeredCheck
	metrics *metrics.Metrics
	mu      sync.RWMutex
}

// NewChecker creates a new health checker. m may be nil.
func NewChecker(m *metrics.Metrics) *Checker {
	return &Checker{
		checks:  make(map[string]registeredCheck),
		metrics: m,
	}
}

// RegisterDegradableCheck registers a check for a dependency the service can
// run without. Its failure only degrades the service.
func (c *Checker) RegisterDegradableCheck(name string, check Check) {
	c.register(name, registeredCheck{check: check, degradable: true})
}

func (c *Checker) register(name string, rc registeredCheck) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks[name] = rc
}

// CheckHealth runs all health checks concurrently
func (c *Checker) CheckHealth(ctx context.Context) map[string]CheckResult {
	c.mu.RLock()
	checks := make(map[string]registeredCheck, len(c.checks))
	for name, rc := range c.checks {
		checks[name] = rc
	}
	c.mu.RUnlock()

	results := make(map[string]CheckResult, len(checks))
	var wg sync.WaitGroup
	var resultsMu sync.Mutex

	for name, rc := range checks {
		wg.Add(1)
		go func(name string, rc registeredCheck) {
			defer wg.Done()

			start := time.Now()
			err := rc.check(ctx)
			duration := time.Since(start)

			result := CheckResult{
				Status:   StatusHealthy,
				Duration: duration,
			}
			if err != nil {
				result.Status = StatusUnhealthy
				if rc.degradable {
					result.Status = StatusDegraded
				}
				result.Error = err.Error()
			}
			c.record(name, result)

			resultsMu.Lock()
			results[name] = result
			resultsMu.Unlock()
		}(name, rc)
	}

	wg.Wait()
	return results
}

func (c *Checker) record(name string, result CheckResult) {
	if c.metrics == nil {
		return
	}
	c.metrics.HealthCheckDuration.WithLabelValues(name).Observe(result.Duration.Seconds())
	up := 0.0
	if result.Status == StatusHealthy {
		up = 1
	}
	c.metrics.HealthCheckStatus.WithLabelValues(name).Set(up)
}

// CheckResult represents the result of a health check
type CheckResult struct {
	Status   Status        `json:"status"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Overall folds individual results into one status
func Overall(results map[string]CheckResult) Status {
	status := StatusHealthy
	for _, result := range results {
		switch result.Status {
		case StatusUnhealthy:
			return StatusUnhealthy
		case StatusDegraded:
			status = StatusDegraded
		}
	}
	return status
}
