// Package circuitbreaker lets the limiter stop paying the shared store
// timeout on every request while the store is known to be down.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"
)

// State represents the state of the circuit breaker
type State int

const (
	// StateClosed lets every call through
	StateClosed State = iota
	// StateOpen rejects calls until the cooldown has passed
	StateOpen
	// StateHalfOpen lets a limited number of probe calls through
	StateHalfOpen
)

// String returns the string representation of the state
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config holds circuit breaker configuration
type Config struct {
	// MaxFailures is the number of consecutive failures that opens the circuit
	MaxFailures int
	// Cooldown is how long the circuit stays open before probing
	Cooldown time.Duration
	// HalfOpenProbes is the number of calls let through while half-open;
	// that many consecutive successes close the circuit
	HalfOpenProbes int
	// OnStateChange is called synchronously, outside the lock, on every transition
	OnStateChange func(from, to State)
	// Now replaces time.Now, for tests
	Now func() time.Time
}

// DefaultConfig returns a default configuration
func DefaultConfig() Config {
	return Config{
		MaxFailures:    5,
		Cooldown:       5 * time.Second,
		HalfOpenProbes: 1,
	}
}

// ErrOpen is returned by callers that skip work because the circuit is open
var ErrOpen = errors.New("circuit breaker is open")

// CircuitBreaker counts consecutive failures of a dependency
type CircuitBreaker struct {
	config Config

	mu              sync.Mutex
	state           State
	failures        int
	probes          int
	probeSuccesses  int
	lastStateChange time.Time
}

// New creates a new circuit breaker
func New(config Config) *CircuitBreaker {
	defaults := DefaultConfig()
	if config.MaxFailures <= 0 {
		config.MaxFailures = defaults.MaxFailures
	}
	if config.Cooldown <= 0 {
		config.Cooldown = defaults.Cooldown
	}
	if config.HalfOpenProbes <= 0 {
		config.HalfOpenProbes = defaults.HalfOpenProbes
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	return &CircuitBreaker{
		config:          config,
		state:           StateClosed,
		lastStateChange: config.Now(),
	}
}

// State returns the current state
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Allow reports whether a call may proceed
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	var from, to State
	changed := false
	if cb.state == StateOpen && cb.config.Now().Sub(cb.lastStateChange) >= cb.config.Cooldown {
		from, to, changed = cb.changeState(StateHalfOpen)
	}

	allowed := false
	switch cb.state {
	case StateClosed:
		allowed = true
	case StateHalfOpen:
		if cb.probes < cb.config.HalfOpenProbes {
			cb.probes++
			allowed = true
		}
	}
	cb.mu.Unlock()

	cb.notify(from, to, changed)
	return allowed
}

// Success records a successful call
func (cb *CircuitBreaker) Success() {
	cb.mu.Lock()
	var from, to State
	changed := false
	switch cb.state {
	case StateClosed:
		cb.failures = 0
	case StateHalfOpen:
		cb.probeSuccesses++
		if cb.probeSuccesses >= cb.config.HalfOpenProbes {
			from, to, changed = cb.changeState(StateClosed)
		}
	}
	cb.mu.Unlock()

	cb.notify(from, to, changed)
}

// Failure records a failed call
func (cb *CircuitBreaker) Failure() {
	cb.mu.Lock()
	var from, to State
	changed := false
	switch cb.state {
	case StateClosed:
		cb.failures++
		if cb.failures >= cb.config.MaxFailures {
			from, to, changed = cb.changeState(StateOpen)
		}
	case StateHalfOpen:
		from, to, changed = cb.changeState(StateOpen)
	}
	cb.mu.Unlock()

	cb.notify(from, to, changed)
}

// Reset closes the circuit and clears all counters
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	from, to, changed := cb.changeState(StateClosed)
	cb.failures = 0
	cb.mu.Unlock()

	cb.notify(from, to, changed)
}

// changeState must be called with mu held
func (cb *CircuitBreaker) changeState(newState State) (State, State, bool) {
	if cb.state == newState {
		return cb.state, newState, false
	}

	from := cb.state
	cb.state = newState
	cb.lastStateChange = cb.config.Now()
	cb.failures = 0
	cb.probes = 0
	cb.probeSuccesses = 0

	return from, newState, true
}

func (cb *CircuitBreaker) notify(from, to State, changed bool) {
	if changed && cb.config.OnStateChange != nil {
		cb.config.OnStateChange(from, to)
	}
}
