package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 10, cfg.RedisPoolSize)
	assert.Equal(t, int64(2592000), int64(cfg.JobTTL.Seconds()))
	assert.Equal(t, 0.85, cfg.MinConfidence)
	assert.Equal(t, 0.5, cfg.RetryThreshold)
	assert.Equal(t, 5, cfg.MaxValidationRetries)
	assert.Equal(t, 1.5, cfg.QuotaBackoffMultiplier)
	assert.Equal(t, "0 */4 * * *", cfg.ScraperSchedule)
	assert.False(t, cfg.PushEnabled, "push must be off unless explicitly enabled")
	assert.Equal(t, int64(100), cfg.SQLDumpMinRecords)
	assert.Equal(t, 0.9, cfg.SQLDumpRatchetPct)
}

func TestLoadPoolSizeCap(t *testing.T) {
	t.Setenv("REDIS_POOL_SIZE", "200")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 50, cfg.RedisPoolSize)
}

func TestLoadRejectsMalformedNumbers(t *testing.T) {
	t.Setenv("REDIS_POOL_SIZE", "many")
	_, err := Load()
	assert.Error(t, err)
}

func TestContentStoreEnabledOnlyWithPath(t *testing.T) {
	t.Setenv("CONTENT_STORE_ENABLED", "true")
	cfg, err := Load()
	require.NoError(t, err)
	assert.False(t, cfg.ContentStoreEnabled, "enabled flag without a path must stay off")

	t.Setenv("CONTENT_STORE_PATH", "/data/content-store")
	cfg, err = Load()
	require.NoError(t, err)
	assert.True(t, cfg.ContentStoreEnabled)
}

func TestPushEnabledRequiresExactTrue(t *testing.T) {
	t.Setenv("PUBLISHER_PUSH_ENABLED", "maybe")
	cfg, err := Load()
	require.NoError(t, err)
	assert.False(t, cfg.PushEnabled)

	t.Setenv("PUBLISHER_PUSH_ENABLED", "true")
	cfg, err = Load()
	require.NoError(t, err)
	assert.True(t, cfg.PushEnabled)
}
