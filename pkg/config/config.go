// Package config reads deployment configuration from environment
// variables using a simple os.Getenv-plus-default-fallback pattern,
// covering every row of the §6 configuration table.
package config

import (
	"os"
	"time"
)

// Config is the full set of environment-driven options a deployment may
// recognize.
type Config struct {
	// Server
	Host string
	Port string

	// Persistence
	DatabaseProvider string // "memory" | "postgres" | "sqlite"
	DatabaseURL      string

	// Cache manager
	ReloadInterval time.Duration

	// JWKS (§4.4)
	JWKSTTL             time.Duration
	JWKSRefreshInterval time.Duration
	JWKSRequestTimeout  time.Duration

	// Lifecycle
	ShutdownTimeout time.Duration

	// Inbound transport security
	TLSCertPath     string
	TLSKeyPath      string
	TLSClientCAPath string

	LogLevel string

	// Optional distributed JWKS cache.
	RedisURL string
}

// Load reads every option from the environment, falling back to a
// sensible default when unset or unparsable.
func Load() *Config {
	return &Config{
		Host: getString("PDP_HOST", "0.0.0.0"),
		Port: getString("PDP_PORT", "8443"),

		DatabaseProvider: getString("PDP_DATABASE_PROVIDER", "memory"),
		DatabaseURL:      getString("PDP_DATABASE_URL", ""),

		ReloadInterval: getDuration("PDP_RELOAD_INTERVAL", 0),

		JWKSTTL:             getDuration("PDP_JWKS_TTL", time.Hour),
		JWKSRefreshInterval: getDuration("PDP_JWKS_REFRESH_INTERVAL", 30*time.Minute),
		JWKSRequestTimeout:  getDuration("PDP_JWKS_REQUEST_TIMEOUT", 10*time.Second),

		ShutdownTimeout: getDuration("PDP_SHUTDOWN_TIMEOUT", 30*time.Second),

		TLSCertPath:     getString("PDP_TLS_CERT_PATH", ""),
		TLSKeyPath:      getString("PDP_TLS_KEY_PATH", ""),
		TLSClientCAPath: getString("PDP_TLS_CLIENT_CA_PATH", ""),

		LogLevel: getString("PDP_LOG_LEVEL", "INFO"),

		RedisURL: getString("PDP_REDIS_URL", ""),
	}
}

func getString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
