package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	apperrors "ratelimiter/pkg/errors"
)

// clearServiceEnv makes sure the host environment does not leak into a test
func clearServiceEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{EnvRateLimitRequests, EnvRateLimitWindow, EnvSharedStoreURL, EnvSharedStoreTimeout} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ratelimiter.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadDefault(t *testing.T) {
	cfg, err := LoadDefault()
	if err != nil {
		t.Fatalf("LoadDefault failed: %v", err)
	}

	if cfg.RateLimit.Requests != 100 {
		t.Errorf("Expected 100 requests, got %d", cfg.RateLimit.Requests)
	}
	if cfg.RateLimit.WindowDuration() != 60*time.Second {
		t.Errorf("Expected 60s window, got %v", cfg.RateLimit.WindowDuration())
	}
	if cfg.RateLimit.SharedStoreTimeout() != 75*time.Millisecond {
		t.Errorf("Expected 75ms timeout, got %v", cfg.RateLimit.SharedStoreTimeout())
	}
	if cfg.RateLimit.DegradedLogDuration() != 30*time.Second {
		t.Errorf("Expected 30s reminder interval, got %v", cfg.RateLimit.DegradedLogDuration())
	}
	if cfg.Redis.URL != "" {
		t.Errorf("Expected no shared store by default, got %q", cfg.Redis.URL)
	}
	if cfg.RateLimit.Breaker.Enabled {
		t.Error("Expected breaker to be disabled by default")
	}
	if err := Validate(cfg); err != nil {
		t.Errorf("Default config must be valid: %v", err)
	}
}

func TestLoader_FileOverridesDefaults(t *testing.T) {
	clearServiceEnv(t)
	path := writeConfig(t, `
server:
  port: 9000
ratelimit:
  requests: 5
redis:
  url: "redis://localhost:6379/1"
`)

	cfg, err := NewLoader(path).WithDotEnv("").Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Server.Port != 9000 {
		t.Errorf("Expected port 9000, got %d", cfg.Server.Port)
	}
	if cfg.RateLimit.Requests != 5 {
		t.Errorf("Expected 5 requests, got %d", cfg.RateLimit.Requests)
	}
	// Not in the file, so the default stays
	if cfg.RateLimit.Window != 60 {
		t.Errorf("Expected default window 60, got %d", cfg.RateLimit.Window)
	}
	if cfg.Redis.KeyPrefix != "ratelimit:" {
		t.Errorf("Expected default key prefix, got %q", cfg.Redis.KeyPrefix)
	}
}

func TestLoader_NoFile(t *testing.T) {
	clearServiceEnv(t)
	cfg, err := NewLoader("").WithDotEnv("").Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("Expected default port, got %d", cfg.Server.Port)
	}
}

func TestLoader_MissingFile(t *testing.T) {
	_, err := NewLoader(filepath.Join(t.TempDir(), "missing.yaml")).Load()
	if err == nil {
		t.Fatal("Expected error for missing file")
	}
}

func TestLoader_InvalidYAML(t *testing.T) {
	path := writeConfig(t, "ratelimit: [")
	_, err := NewLoader(path).WithDotEnv("").Load()
	if !apperrors.IsType(err, apperrors.ErrorTypeBadRequest) {
		t.Errorf("Expected bad request error, got %v", err)
	}
}

func TestLoader_DotEnv(t *testing.T) {
	clearServiceEnv(t)
	dir := t.TempDir()
	dotenv := filepath.Join(dir, ".env")
	if err := os.WriteFile(dotenv, []byte("RATE_LIMIT_WINDOW=30\nSHARED_STORE_URL=redis://cache:6379/0\n"), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := NewLoader("").WithDotEnv(dotenv).Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.RateLimit.Window != 30 {
		t.Errorf("Expected window 30 from .env, got %d", cfg.RateLimit.Window)
	}
	if cfg.Redis.URL != "redis://cache:6379/0" {
		t.Errorf("Expected shared store URL from .env, got %q", cfg.Redis.URL)
	}
}

func TestLoader_MissingDotEnvIsFine(t *testing.T) {
	clearServiceEnv(t)
	if _, err := NewLoader("").WithDotEnv(filepath.Join(t.TempDir(), ".env")).Load(); err != nil {
		t.Errorf("Missing .env must not fail: %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		problem string
	}{
		{"zero requests", func(c *Config) { c.RateLimit.Requests = 0 }, "ratelimit.requests"},
		{"negative requests", func(c *Config) { c.RateLimit.Requests = -1 }, "ratelimit.requests"},
		{"zero window", func(c *Config) { c.RateLimit.Window = 0 }, "ratelimit.window"},
		{"zero timeout", func(c *Config) { c.RateLimit.SharedStoreTimeoutMs = 0 }, "sharedStoreTimeoutMs"},
		{"negative shards", func(c *Config) { c.RateLimit.Memory.Shards = -2 }, "shards"},
		{"port out of range", func(c *Config) { c.Server.Port = 70000 }, "server.port"},
		{"grpc port clash", func(c *Config) { c.GRPC.Enabled = true; c.GRPC.Port = c.Server.Port }, "grpc.port"},
		{"bad log level", func(c *Config) { c.Log.Level = "verbose" }, "log level"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := LoadDefault()
			if err != nil {
				t.Fatal(err)
			}
			tt.mutate(cfg)

			err = Validate(cfg)
			if err == nil {
				t.Fatal("Expected validation error")
			}
			if !apperrors.IsType(err, apperrors.ErrorTypeBadRequest) {
				t.Errorf("Expected bad request error, got %v", err)
			}
			if !strings.Contains(err.Error(), tt.problem) {
				t.Errorf("Expected error to mention %q, got %v", tt.problem, err)
			}
		})
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"", "INFO", false},
		{"debug", "DEBUG", false},
		{"WARN", "WARN", false},
		{"error", "ERROR", false},
		{"trace", "", true},
	}

	for _, tt := range tests {
		lvl, err := ParseLevel(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParseLevel(%q): expected error", tt.in)
			}
			continue
		}
		if err != nil || lvl.String() != tt.want {
			t.Errorf("ParseLevel(%q) = %v, %v; want %s", tt.in, lvl, err, tt.want)
		}
	}
}
