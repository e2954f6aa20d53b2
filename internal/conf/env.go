// env.go - Environment variable configuration and validation for feedimages
package conf

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// envBinding holds metadata for environment variable bindings (internal use)
type envBinding struct {
	ConfigKey string             // Viper config key
	EnvVar    string             // Environment variable name
	Validate  func(string) error // Optional validation function
}

// getEnvBindings returns all environment variable bindings with validation
func getEnvBindings() []envBinding {
	return []envBinding{
		{"debug", "FEEDIMAGES_DEBUG", validateEnvBool},

		// Image cache
		{"imagecache.debug", "FEEDIMAGES_CACHE_DEBUG", validateEnvBool},
		{"imagecache.dir", "FEEDIMAGES_CACHE_DIR", validateEnvPath},
		{"imagecache.maxconcurrent", "FEEDIMAGES_MAX_CONCURRENT", validateEnvPositiveInt},
		{"imagecache.bootstraplimit", "FEEDIMAGES_BOOTSTRAP_LIMIT", validateEnvPositiveInt},
		{"imagecache.sweepinterval", "FEEDIMAGES_SWEEP_INTERVAL", validateEnvSweepInterval},
		{"imagecache.maxbodybytes", "FEEDIMAGES_MAX_BODY_BYTES", validateEnvPositiveInt},

		// HTTP client and diagnostics server
		{"http.useragent", "FEEDIMAGES_USER_AGENT", nil},
		{"http.timeout", "FEEDIMAGES_HTTP_TIMEOUT", validateEnvDuration},
		{"server.listen", "FEEDIMAGES_LISTEN", validateEnvListenAddr},

		// Logging
		{"logging.default_level", "FEEDIMAGES_LOG_LEVEL", validateEnvLogLevel},

		// Telemetry
		{"telemetry.enabled", "FEEDIMAGES_TELEMETRY", validateEnvBool},
		{"telemetry.dsn", "FEEDIMAGES_SENTRY_DSN", nil},
	}
}

// bindEnvVars sets up environment variable bindings with validation
func bindEnvVars(v *viper.Viper) error {
	var warnings []string

	for _, binding := range getEnvBindings() {
		if err := v.BindEnv(binding.ConfigKey, binding.EnvVar); err != nil {
			warnings = append(warnings, fmt.Sprintf("Failed to bind %s: %v", binding.EnvVar, err))
			continue
		}

		if binding.Validate == nil {
			continue
		}
		if envValue, ok := os.LookupEnv(binding.EnvVar); ok {
			if err := binding.Validate(envValue); err != nil {
				warnings = append(warnings, fmt.Sprintf("Invalid %s value '%s': %v", binding.EnvVar, envValue, err))
			}
		}
	}

	if len(warnings) > 0 {
		return fmt.Errorf("environment variable issues:\n  - %s", strings.Join(warnings, "\n  - "))
	}

	return nil
}

// Environment variable validation functions

func validateEnvBool(value string) error {
	if _, err := strconv.ParseBool(strings.TrimSpace(value)); err != nil {
		return fmt.Errorf("invalid boolean value '%s': must be true/false, 1/0, t/f, TRUE/FALSE, T/F", value)
	}
	return nil
}

func validateEnvPositiveInt(value string) error {
	n, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
	if err != nil {
		return fmt.Errorf("must be an integer: %w", err)
	}
	if n <= 0 {
		return fmt.Errorf("must be greater than zero, got %d", n)
	}
	return nil
}

func validateEnvDuration(value string) error {
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fmt.Errorf("must be a duration like 30s or 1m: %w", err)
	}
	if d <= 0 {
		return fmt.Errorf("must be positive, got %s", d)
	}
	return nil
}

func validateEnvSweepInterval(value string) error {
	if err := validateEnvDuration(value); err != nil {
		return err
	}
	d, _ := time.ParseDuration(strings.TrimSpace(value))
	if d < MinSweepInterval || d > MaxSweepInterval {
		return fmt.Errorf("must be between %s and %s, got %s", MinSweepInterval, MaxSweepInterval, d)
	}
	return nil
}

func validateEnvLogLevel(value string) error {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "trace", "debug", "info", "warn", "error":
		return nil
	default:
		return fmt.Errorf("unknown log level '%s'", value)
	}
}

func validateEnvListenAddr(value string) error {
	if _, _, err := net.SplitHostPort(value); err != nil {
		return fmt.Errorf("must be host:port: %w", err)
	}
	return nil
}

// validateEnvPath requires an absolute path without traversal components
func validateEnvPath(value string) error {
	cleaned := filepath.Clean(value)
	if !filepath.IsAbs(cleaned) {
		return fmt.Errorf("path must be absolute, got relative path: %s", cleaned)
	}
	for part := range strings.SplitSeq(value, string(os.PathSeparator)) {
		if part == ".." {
			return fmt.Errorf("path traversal detected: %s", value)
		}
	}
	return nil
}
