package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{"PORT", "MAX_CONNECTIONS_PER_IP", "CONNECTION_RATE_LIMIT", "ADMIN_PASSWORD", "REATTACH_SECRET", "REDIS_ADDR", "ALLOWED_ORIGINS"} {
		os.Unsetenv(k)
	}
}

func TestValidateEnvDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := ValidateEnv()
	require.NoError(t, err)
	assert.Equal(t, defaultPort, cfg.Port)
	assert.Equal(t, defaultMaxConnectionsPerIP, cfg.MaxConnectionsPerIP)
	assert.Equal(t, defaultConnectionRateLimit, cfg.ConnectionRateLimit)
	assert.True(t, cfg.AdminPasswordIsDefault)
}

func TestValidateEnvRejectsBadPort(t *testing.T) {
	clearEnv(t)
	os.Setenv("PORT", "not-a-port")
	defer os.Unsetenv("PORT")

	_, err := ValidateEnv()
	assert.Error(t, err)
}

func TestValidateEnvRejectsBadRedisAddr(t *testing.T) {
	clearEnv(t)
	os.Setenv("REDIS_ADDR", "no-port-here")
	defer os.Unsetenv("REDIS_ADDR")

	_, err := ValidateEnv()
	assert.Error(t, err)
}

func TestAdminPasswordOverride(t *testing.T) {
	clearEnv(t)
	os.Setenv("ADMIN_PASSWORD", "a-real-secret")
	defer os.Unsetenv("ADMIN_PASSWORD")

	cfg, err := ValidateEnv()
	require.NoError(t, err)
	assert.False(t, cfg.AdminPasswordIsDefault)
}

func TestRedactSecret(t *testing.T) {
	assert.Equal(t, "***", RedactSecret("abc"))
	assert.Equal(t, "abcd***", RedactSecret("abcdefgh"))
}
