package config

import (
	"time"

	"ratelimiter/internal/telemetry"
)

// Config holds the rate limiter service configuration
type Config struct {
	Server    Server           `yaml:"server"`
	RateLimit RateLimit        `yaml:"ratelimit"`
	Redis     Redis            `yaml:"redis"`
	GRPC      GRPC             `yaml:"grpc"`
	Metrics   Metrics          `yaml:"metrics"`
	Telemetry telemetry.Config `yaml:"telemetry"`
	Log       Log              `yaml:"log"`
}

// Server configuration
type Server struct {
	Host            string `yaml:"host"`
	Port            int    `yaml:"port"`
	ReadTimeout     int    `yaml:"readTimeout"`     // seconds
	WriteTimeout    int    `yaml:"writeTimeout"`    // seconds
	IdleTimeout     int    `yaml:"idleTimeout"`     // seconds
	ShutdownTimeout int    `yaml:"shutdownTimeout"` // seconds
}

// RateLimit configuration. These values are read once at startup.
type RateLimit struct {
	// Requests allowed per window per client
	Requests int `yaml:"requests"`
	// Window length in seconds
	Window int `yaml:"window"`
	// SharedStoreTimeoutMs bounds each shared store call
	SharedStoreTimeoutMs int `yaml:"sharedStoreTimeoutMs"`
	// DegradedLogInterval spaces out "still unavailable" reminders, in seconds
	DegradedLogInterval int           `yaml:"degradedLogInterval"`
	Memory              MemoryCounter `yaml:"memory"`
	Breaker             Breaker       `yaml:"breaker"`
}

// MemoryCounter configures the local fallback counter
type MemoryCounter struct {
	Shards int `yaml:"shards"`
	// SweepInterval in seconds; 0 means once per window
	SweepInterval int `yaml:"sweepInterval"`
}

// Breaker configures the optional circuit breaker in front of the shared store
type Breaker struct {
	Enabled        bool `yaml:"enabled"`
	MaxFailures    int  `yaml:"maxFailures"`
	CooldownMs     int  `yaml:"cooldownMs"`
	HalfOpenProbes int  `yaml:"halfOpenProbes"`
}

// Redis configuration for the shared store
type Redis struct {
	// URL in redis:// or rediss:// form. Empty means count in memory only.
	URL           string `yaml:"url"`
	KeyPrefix     string `yaml:"keyPrefix"`
	PoolSize      int    `yaml:"poolSize"`
	MinIdleConns  int    `yaml:"minIdleConns"`
	DialTimeoutMs int    `yaml:"dialTimeoutMs"`
}

// GRPC configuration
type GRPC struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// Metrics configuration
type Metrics struct {
	Enabled bool `yaml:"enabled"`
}

// Log configuration
type Log struct {
	Level string `yaml:"level"`
}

// WindowDuration returns the window as a duration
func (r RateLimit) WindowDuration() time.Duration {
	return time.Duration(r.Window) * time.Second
}

// SharedStoreTimeout returns the shared store call budget
func (r RateLimit) SharedStoreTimeout() time.Duration {
	return time.Duration(r.SharedStoreTimeoutMs) * time.Millisecond
}

// DegradedLogDuration returns the reminder interval
func (r RateLimit) DegradedLogDuration() time.Duration {
	return time.Duration(r.DegradedLogInterval) * time.Second
}
