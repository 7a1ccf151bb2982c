package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	apperrors "ratelimiter/pkg/errors"
)

// Loader loads configuration from the embedded defaults, an optional file,
// an optional .env file and the environment, in that order
type Loader struct {
	path       string
	dotenv     string
	envEnabled bool
}

// NewLoader creates a config loader. An empty path means defaults only.
func NewLoader(path string) *Loader {
	return &Loader{
		path:       path,
		dotenv:     ".env",
		envEnabled: true,
	}
}

// WithEnvVars enables or disables environment variable loading
func (l *Loader) WithEnvVars(enabled bool) *Loader {
	l.envEnabled = enabled
	return l
}

// WithDotEnv sets the .env file to load; empty disables it
func (l *Loader) WithDotEnv(path string) *Loader {
	l.dotenv = path
	return l
}

// Load loads and validates the configuration
func (l *Loader) Load() (*Config, error) {
	cfg, err := LoadDefault()
	if err != nil {
		return nil, apperrors.NewError(apperrors.ErrorTypeInternal, "failed to parse default config").WithCause(err)
	}

	if l.path != "" {
		data, err := os.ReadFile(l.path)
		if err != nil {
			return nil, apperrors.NewError(apperrors.ErrorTypeInternal, "failed to read config file").WithCause(err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, apperrors.NewError(apperrors.ErrorTypeBadRequest, "failed to parse config").WithCause(err)
		}
	}

	if l.envEnabled {
		if l.dotenv != "" {
			// Variables already set in the environment win over the file
			if err := godotenv.Load(l.dotenv); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return nil, apperrors.NewError(apperrors.ErrorTypeBadRequest, "failed to load .env file").WithCause(err)
			}
		}
		if err := LoadEnv(cfg); err != nil {
			return nil, apperrors.NewError(apperrors.ErrorTypeBadRequest, "failed to load env vars").WithCause(err)
		}
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Load is a shortcut for NewLoader(path).Load()
func Load(path string) (*Config, error) {
	return NewLoader(path).Load()
}

// Validate rejects configurations the service must not start with
func Validate(cfg *Config) error {
	var problems []error

	if cfg.RateLimit.Requests <= 0 {
		problems = append(problems, fmt.Errorf("ratelimit.requests must be positive, got %d", cfg.RateLimit.Requests))
	}
	if cfg.RateLimit.Window <= 0 {
		problems = append(problems, fmt.Errorf("ratelimit.window must be positive, got %d", cfg.RateLimit.Window))
	}
	if cfg.RateLimit.SharedStoreTimeoutMs <= 0 {
		problems = append(problems, fmt.Errorf("ratelimit.sharedStoreTimeoutMs must be positive, got %d", cfg.RateLimit.SharedStoreTimeoutMs))
	}
	if cfg.RateLimit.Memory.Shards < 0 {
		problems = append(problems, fmt.Errorf("ratelimit.memory.shards must not be negative, got %d", cfg.RateLimit.Memory.Shards))
	}
	if err := validatePort("server.port", cfg.Server.Port); err != nil {
		problems = append(problems, err)
	}
	if cfg.GRPC.Enabled {
		if err := validatePort("grpc.port", cfg.GRPC.Port); err != nil {
			problems = append(problems, err)
		}
		if cfg.GRPC.Port == cfg.Server.Port {
			problems = append(problems, fmt.Errorf("grpc.port must differ from server.port"))
		}
	}
	if _, err := ParseLevel(cfg.Log.Level); err != nil {
		problems = append(problems, err)
	}

	if len(problems) > 0 {
		return apperrors.NewError(apperrors.ErrorTypeBadRequest, "invalid configuration").WithCause(errors.Join(problems...))
	}
	return nil
}

func validatePort(name string, port int) error {
	if port <= 0 || port > 65535 {
		return fmt.Errorf("%s must be between 1 and 65535, got %d", name, port)
	}
	return nil
}
