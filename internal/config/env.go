package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
)

// EnvPrefix prefixes the generic environment overrides
const EnvPrefix = "RATELIMITER"

// Service environment variables. They take precedence over both the file
// and the prefixed overrides.
const (
	EnvRateLimitRequests  = "RATE_LIMIT_REQUESTS"
	EnvRateLimitWindow    = "RATE_LIMIT_WINDOW"
	EnvSharedStoreURL     = "SHARED_STORE_URL"
	EnvSharedStoreTimeout = "SHARED_STORE_TIMEOUT_MS"
)

// LoadEnv loads configuration from environment variables
func LoadEnv(cfg *Config) error {
	if err := loadEnvStruct(reflect.ValueOf(cfg).Elem(), EnvPrefix); err != nil {
		return err
	}
	return loadServiceEnv(cfg)
}

func loadServiceEnv(cfg *Config) error {
	ints := []struct {
		key    string
		target *int
	}{
		{EnvRateLimitRequests, &cfg.RateLimit.Requests},
		{EnvRateLimitWindow, &cfg.RateLimit.Window},
		{EnvSharedStoreTimeout, &cfg.RateLimit.SharedStoreTimeoutMs},
	}
	for _, v := range ints {
		val, ok := os.LookupEnv(v.key)
		if !ok || val == "" {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(val))
		if err != nil {
			return fmt.Errorf("invalid int value for %s: %v", v.key, err)
		}
		*v.target = n
	}

	if val, ok := os.LookupEnv(EnvSharedStoreURL); ok {
		cfg.Redis.URL = strings.TrimSpace(val)
	}
	return nil
}

// loadEnvStruct recursively loads environment variables into a struct
func loadEnvStruct(v reflect.Value, prefix string) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		if !field.CanSet() {
			continue
		}

		yamlTag := fieldType.Tag.Get("yaml")
		if yamlTag == "" || yamlTag == "-" {
			continue
		}

		envName := strings.Split(yamlTag, ",")[0]
		envKey := fmt.Sprintf("%s_%s", prefix, strings.ToUpper(envName))

		switch field.Kind() {
		case reflect.String:
			if val := os.Getenv(envKey); val != "" {
				field.SetString(val)
			}

		case reflect.Int, reflect.Int64:
			if val := os.Getenv(envKey); val != "" {
				intVal, err := strconv.ParseInt(val, 10, 64)
				if err != nil {
					return fmt.Errorf("invalid int value for %s: %v", envKey, err)
				}
				field.SetInt(intVal)
			}

		case reflect.Float64:
			if val := os.Getenv(envKey); val != "" {
				floatVal, err := strconv.ParseFloat(val, 64)
				if err != nil {
					return fmt.Errorf("invalid float value for %s: %v", envKey, err)
				}
				field.SetFloat(floatVal)
			}

		case reflect.Bool:
			if val := os.Getenv(envKey); val != "" {
				boolVal, err := strconv.ParseBool(val)
				if err != nil {
					return fmt.Errorf("invalid bool value for %s: %v", envKey, err)
				}
				field.SetBool(boolVal)
			}

		case reflect.Slice:
			if val := os.Getenv(envKey); val != "" && field.Type().Elem().Kind() == reflect.String {
				parts := strings.Split(val, ",")
				slice := reflect.MakeSlice(field.Type(), len(parts), len(parts))
				for i, part := range parts {
					slice.Index(i).SetString(strings.TrimSpace(part))
				}
				field.Set(slice)
			}

		case reflect.Struct:
			if err := loadEnvStruct(field, envKey); err != nil {
				return err
			}
		}
	}

	return nil
}

// EnvVar describes one supported environment variable
type EnvVar struct {
	Name    string
	Example string
}

// EnvExample lists every environment variable the configuration understands
func EnvExample() []EnvVar {
	vars := []EnvVar{
		{EnvRateLimitRequests, "100"},
		{EnvRateLimitWindow, "60"},
		{EnvSharedStoreURL, "redis://localhost:6379/0"},
		{EnvSharedStoreTimeout, "75"},
	}
	generateEnvExamples(reflect.TypeOf(Config{}), EnvPrefix, &vars)
	return vars
}

func generateEnvExamples(t reflect.Type, prefix string, vars *[]EnvVar) {
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)

		yamlTag := field.Tag.Get("yaml")
		if yamlTag == "" || yamlTag == "-" {
			continue
		}

		envName := strings.Split(yamlTag, ",")[0]
		envKey := fmt.Sprintf("%s_%s", prefix, strings.ToUpper(envName))

		switch field.Type.Kind() {
		case reflect.String:
			*vars = append(*vars, EnvVar{envKey, "value"})
		case reflect.Int, reflect.Int64:
			*vars = append(*vars, EnvVar{envKey, "123"})
		case reflect.Float64:
			*vars = append(*vars, EnvVar{envKey, "1.5"})
		case reflect.Bool:
			*vars = append(*vars, EnvVar{envKey, "true"})
		case reflect.Slice:
			if field.Type.Elem().Kind() == reflect.String {
				*vars = append(*vars, EnvVar{envKey, "value1,value2"})
			}
		case reflect.Struct:
			generateEnvExamples(field.Type, envKey, vars)
		}
	}
}
