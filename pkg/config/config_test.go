package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/hodei/verified-permissions/pkg/config"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("PDP_HOST", "")
	t.Setenv("PDP_PORT", "")
	t.Setenv("PDP_DATABASE_PROVIDER", "")
	t.Setenv("PDP_RELOAD_INTERVAL", "")
	t.Setenv("PDP_JWKS_TTL", "")
	t.Setenv("PDP_LOG_LEVEL", "")

	cfg := config.Load()

	assert.Equal(t, "0.0.0.0", cfg.Host)
	assert.Equal(t, "8443", cfg.Port)
	assert.Equal(t, "memory", cfg.DatabaseProvider)
	assert.Equal(t, time.Duration(0), cfg.ReloadInterval)
	assert.Equal(t, time.Hour, cfg.JWKSTTL)
	assert.Equal(t, 30*time.Minute, cfg.JWKSRefreshInterval)
	assert.Equal(t, 10*time.Second, cfg.JWKSRequestTimeout)
	assert.Equal(t, 30*time.Second, cfg.ShutdownTimeout)
	assert.Equal(t, "INFO", cfg.LogLevel)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("PDP_HOST", "127.0.0.1")
	t.Setenv("PDP_PORT", "9443")
	t.Setenv("PDP_DATABASE_PROVIDER", "postgres")
	t.Setenv("PDP_DATABASE_URL", "postgres://pdp@localhost/pdp")
	t.Setenv("PDP_RELOAD_INTERVAL", "15s")
	t.Setenv("PDP_JWKS_TTL", "2h")
	t.Setenv("PDP_LOG_LEVEL", "DEBUG")

	cfg := config.Load()

	assert.Equal(t, "127.0.0.1", cfg.Host)
	assert.Equal(t, "9443", cfg.Port)
	assert.Equal(t, "postgres", cfg.DatabaseProvider)
	assert.Equal(t, "postgres://pdp@localhost/pdp", cfg.DatabaseURL)
	assert.Equal(t, 15*time.Second, cfg.ReloadInterval)
	assert.Equal(t, 2*time.Hour, cfg.JWKSTTL)
	assert.Equal(t, "DEBUG", cfg.LogLevel)
}

func TestLoadInvalidDurationFallsBackToDefault(t *testing.T) {
	t.Setenv("PDP_RELOAD_INTERVAL", "not-a-duration")
	cfg := config.Load()
	assert.Equal(t, time.Duration(0), cfg.ReloadInterval)
}
