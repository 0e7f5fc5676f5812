// Package config validates process configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Config holds validated environment configuration for the coordinator.
type Config struct {
	Port                string
	MaxConnectionsPerIP  int
	ConnectionRateLimit  int
	AdminPassword        string
	ReattachSecret       string
	AllowedOrigins       []string
	RedisAddr            string
	RedisPassword        string
	GoEnv                string
	LogLevel             string

	// AdminPasswordIsDefault is true when AdminPassword was never overridden.
	AdminPasswordIsDefault bool
}

const (
	defaultPort                = "5002"
	defaultMaxConnectionsPerIP = 10
	defaultConnectionRateLimit = 5
	defaultAdminPassword       = "thaasbai2024"
)

// ValidateEnv validates all required environment variables and returns a Config.
// Returns an error if any required variable is present but malformed.
func ValidateEnv() (*Config, error) {
	cfg := &Config{}
	var errs []string

	cfg.Port = getEnvOrDefault("PORT", defaultPort)
	if port, err := strconv.Atoi(cfg.Port); err != nil || port < 1 || port > 65535 {
		errs = append(errs, fmt.Sprintf("PORT must be a valid port number between 1 and 65535 (got %q)", cfg.Port))
	}

	cfg.MaxConnectionsPerIP = getEnvIntOrDefault("MAX_CONNECTIONS_PER_IP", defaultMaxConnectionsPerIP, &errs)
	cfg.ConnectionRateLimit = getEnvIntOrDefault("CONNECTION_RATE_LIMIT", defaultConnectionRateLimit, &errs)

	cfg.AdminPassword = getEnvOrDefault("ADMIN_PASSWORD", defaultAdminPassword)
	cfg.AdminPasswordIsDefault = cfg.AdminPassword == defaultAdminPassword

	cfg.ReattachSecret = os.Getenv("REATTACH_SECRET")
	if cfg.ReattachSecret == "" {
		// Falls back to the admin password so a fresh checkout still boots;
		// a deployment that overrides ADMIN_PASSWORD should also set this.
		cfg.ReattachSecret = cfg.AdminPassword
	}

	cfg.RedisAddr = os.Getenv("REDIS_ADDR")
	if cfg.RedisAddr != "" && !isValidHostPort(cfg.RedisAddr) {
		errs = append(errs, fmt.Sprintf("REDIS_ADDR must be in format 'host:port' (got %q)", cfg.RedisAddr))
	}
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")

	cfg.GoEnv = getEnvOrDefault("GO_ENV", "production")
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")

	origins := os.Getenv("ALLOWED_ORIGINS")
	if origins == "" {
		cfg.AllowedOrigins = []string{"http://localhost:3000"}
	} else {
		cfg.AllowedOrigins = strings.Split(origins, ",")
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("environment validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return cfg, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int, errs *[]string) int {
	raw, exists := os.LookupEnv(key)
	if !exists {
		return defaultValue
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		*errs = append(*errs, fmt.Sprintf("%s must be a non-negative integer (got %q)", key, raw))
		return defaultValue
	}
	return v
}

func isValidHostPort(addr string) bool {
	parts := strings.Split(addr, ":")
	if len(parts) != 2 || parts[0] == "" {
		return false
	}
	port, err := strconv.Atoi(parts[1])
	return err == nil && port >= 1 && port <= 65535
}

// RedactSecret shows only the first 4 characters of a secret, for safe logging.
func RedactSecret(secret string) string {
	if len(secret) <= 4 {
		return "***"
	}
	return secret[:4] + "***"
}
