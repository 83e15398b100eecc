package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
)

// Config holds validated environment configuration
type Config struct {
	// Required variables
	Port string

	// Optional variables with defaults
	MountPath         string
	GoEnv             string
	LogLevel          string
	Debug             bool
	RateLimitCapacity int64
	AllowedOrigins    []string

	// Tracing (optional; empty disables the exporter)
	OtelCollectorAddr string
}

// ValidateEnv validates all required environment variables and returns a Config object
// Returns an error if any required variable is missing or invalid
func ValidateEnv() (*Config, error) {
	cfg := &Config{}
	var errs []string

	// Required: PORT (valid port number)
	cfg.Port = os.Getenv("PORT")
	if cfg.Port == "" {
		errs = append(errs, "PORT is required")
	} else {
		port, err := strconv.Atoi(cfg.Port)
		if err != nil || port < 1 || port > 65535 {
			errs = append(errs, fmt.Sprintf("PORT must be a valid port number between 1 and 65535 (got '%s')", cfg.Port))
		}
	}

	// Optional: MOUNT_PATH (defaults to "/ws", must start with "/")
	cfg.MountPath = getEnvOrDefault("MOUNT_PATH", "/ws")
	if !strings.HasPrefix(cfg.MountPath, "/") {
		errs = append(errs, fmt.Sprintf("MOUNT_PATH must start with '/' (got '%s')", cfg.MountPath))
	}

	// Optional: GO_ENV (defaults to "production")
	cfg.GoEnv = getEnvOrDefault("GO_ENV", "production")

	// Optional: LOG_LEVEL (defaults to "info")
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")

	// Optional: DEBUG
	cfg.Debug = os.Getenv("DEBUG") == "true"

	// Optional: RATE_LIMIT_CAPACITY (frames per second per connection)
	capStr := getEnvOrDefault("RATE_LIMIT_CAPACITY", "20")
	capacity, err := strconv.ParseInt(capStr, 10, 64)
	if err != nil || capacity < 1 {
		errs = append(errs, fmt.Sprintf("RATE_LIMIT_CAPACITY must be a positive integer (got '%s')", capStr))
	} else {
		cfg.RateLimitCapacity = capacity
	}

	// Optional: ALLOWED_ORIGINS (comma-separated; defaults to localhost dev origin)
	origins := getEnvOrDefault("ALLOWED_ORIGINS", "http://localhost:3000")
	for _, o := range strings.Split(origins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			cfg.AllowedOrigins = append(cfg.AllowedOrigins, o)
		}
	}

	// Optional: OTEL_COLLECTOR_ADDR (format: host:port when set)
	cfg.OtelCollectorAddr = os.Getenv("OTEL_COLLECTOR_ADDR")
	if cfg.OtelCollectorAddr != "" && !isValidHostPort(cfg.OtelCollectorAddr) {
		errs = append(errs, fmt.Sprintf("OTEL_COLLECTOR_ADDR must be in format 'host:port' (got '%s')", cfg.OtelCollectorAddr))
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("environment validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}

	logValidatedConfig(cfg)
	return cfg, nil
}

// IsDevelopment reports whether the service runs in a development environment
func (c *Config) IsDevelopment() bool {
	return c.GoEnv != "production" || c.Debug
}

// isValidHostPort checks if a string is in the format "host:port"
func isValidHostPort(addr string) bool {
	parts := strings.Split(addr, ":")
	if len(parts) != 2 {
		return false
	}

	port, err := strconv.Atoi(parts[1])
	if err != nil || port < 1 || port > 65535 {
		return false
	}

	return parts[0] != ""
}

// logValidatedConfig logs the validated configuration
func logValidatedConfig(cfg *Config) {
	slog.Info("✅ Environment configuration validated successfully")
	slog.Info("Configuration",
		"port", cfg.Port,
		"mount_path", cfg.MountPath,
		"go_env", cfg.GoEnv,
		"log_level", cfg.LogLevel,
		"debug", cfg.Debug,
		"rate_limit_capacity", cfg.RateLimitCapacity,
		"allowed_origins", strings.Join(cfg.AllowedOrigins, ","),
		"otel_collector_addr", cfg.OtelCollectorAddr,
	)
}

// getEnvOrDefault returns the value of the environment variable or a default value if not set
func getEnvOrDefault(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}
