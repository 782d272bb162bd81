package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ramus-io/ramus/internal/config"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, 3, cfg.LockHeartbeatGraceFactor)
	assert.Equal(t, 3, cfg.OutboxMaxRetries)
	assert.Equal(t, time.Hour, cfg.OutboxMaxEventAge)
	assert.Equal(t, 10*time.Second, cfg.ShadowSwitchTimeout)
	assert.Equal(t, 5*time.Minute, cfg.LockSweepTTL)
	assert.Equal(t, 30*time.Second, cfg.LockSweepHeartbeat)
	assert.Equal(t, config.PIIAnonymize, cfg.PIIHandling)
	assert.EqualValues(t, 5, cfg.CircuitBreakerFailThreshold)
	assert.Equal(t, time.Minute, cfg.CircuitBreakerOpen)
}

func TestSecondsAndMillisConventions(t *testing.T) {
	t.Setenv("LOCK_SWEEP_TTL_S", "120")
	t.Setenv("AUTH_TOKEN_CACHE_TTL_S", "15")
	t.Setenv("OUTBOX_BACKOFF_BASE_MS", "250")
	t.Setenv("CIRCUIT_BREAKER_OPEN_MS", "30000")

	cfg, err := config.Load()
	require.NoError(t, err)
	assert.Equal(t, 2*time.Minute, cfg.LockSweepTTL)
	assert.Equal(t, 15*time.Second, cfg.AuthTokenCacheTTL)
	assert.Equal(t, 250*time.Millisecond, cfg.OutboxBackoffBase)
	assert.Equal(t, 30*time.Second, cfg.CircuitBreakerOpen)
}

func TestValidate(t *testing.T) {
	t.Run("switch timeout capped at 10s", func(t *testing.T) {
		t.Setenv("SHADOW_SWITCH_TIMEOUT_S", "30")
		_, err := config.Load()
		assert.Error(t, err)
	})

	t.Run("bad pii mode rejected", func(t *testing.T) {
		t.Setenv("PII_HANDLING", "redact")
		_, err := config.Load()
		assert.Error(t, err)
	})

	t.Run("encrypt requires key id", func(t *testing.T) {
		t.Setenv("PII_HANDLING", "encrypt")
		_, err := config.Load()
		assert.Error(t, err)

		t.Setenv("PII_ENCRYPTION_KEY_ID", "kms-key-1")
		cfg, err := config.Load()
		require.NoError(t, err)
		assert.Equal(t, config.PIIEncrypt, cfg.PIIHandling)
	})

	t.Run("grace factor must be positive", func(t *testing.T) {
		t.Setenv("LOCK_HEARTBEAT_GRACE_FACTOR", "0")
		_, err := config.Load()
		assert.Error(t, err)
	})
}
