package core

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 256, cfg.EventBus.HistoryLimit)
	assert.Equal(t, 100.0, cfg.Cache.MaxEntryMB)
	assert.Equal(t, time.Hour, cfg.Context.EphemeralTTL)
	assert.Equal(t, 5, cfg.Breaker.FailureThreshold)
	assert.Equal(t, 4, cfg.Pipeline.MaxNesting)
	assert.Equal(t, "fftt", cfg.State.KeyPrefix)
}

func TestLoadConfigFileOverlaysDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
cache:
  max_entry_mb: 25
breaker:
  failure_threshold: 9
`), 0o644))

	cfg, err := LoadConfigFile(path)
	require.NoError(t, err)

	assert.Equal(t, 25.0, cfg.Cache.MaxEntryMB)
	assert.Equal(t, 9, cfg.Breaker.FailureThreshold)
	// Untouched sections keep their defaults.
	assert.Equal(t, 30*time.Second, cfg.Breaker.RecoveryTimeout)
	assert.Equal(t, time.Minute, cfg.Context.ReapInterval)
}

func TestLoadConfigFileMissing(t *testing.T) {
	_, err := LoadConfigFile(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestLoadConfigFileInvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("cache: ["), 0o644))

	_, err := LoadConfigFile(path)
	require.ErrorIs(t, err, ErrInvalidConfiguration)
}

func TestEnvOverridesWinOverFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
state:
  redis_addr: file:6379
cache:
  max_entry_mb: 25
`), 0o644))

	t.Setenv("FFTT_REDIS_ADDR", "env:6379")
	t.Setenv("FFTT_CACHE_MAX_ENTRY_MB", "50")
	t.Setenv("FFTT_CONTEXT_EPHEMERAL_TTL", "90s")

	cfg, err := LoadConfigFile(path)
	require.NoError(t, err)

	assert.Equal(t, "env:6379", cfg.State.RedisAddr)
	assert.Equal(t, 50.0, cfg.Cache.MaxEntryMB)
	assert.Equal(t, 90*time.Second, cfg.Context.EphemeralTTL)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero cache limit", func(c *Config) { c.Cache.MaxEntryMB = 0 }},
		{"zero failure threshold", func(c *Config) { c.Breaker.FailureThreshold = 0 }},
		{"zero half-open tries", func(c *Config) { c.Breaker.HalfOpenMaxTries = 0 }},
		{"zero max nesting", func(c *Config) { c.Pipeline.MaxNesting = 0 }},
		{"negative retries", func(c *Config) { c.Pipeline.MaxRetries = -1 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			require.ErrorIs(t, cfg.Validate(), ErrInvalidConfiguration)
		})
	}
}

func TestSectionBuilders(t *testing.T) {
	cfg := DefaultConfig()
	logger := &NoOpLogger{}

	busCfg := cfg.EventBusConfig(logger)
	assert.Equal(t, cfg.EventBus.HistoryLimit, busCfg.HistoryLimit)

	cacheCfg := cfg.CacheConfig(logger)
	assert.Equal(t, cfg.Cache.MaxEntryMB, cacheCfg.MaxEntryMB)

	ctxCfg := cfg.ContextStoreConfig(logger)
	assert.Equal(t, cfg.Context.EphemeralTTL, ctxCfg.EphemeralTTL)

	monCfg := cfg.MonitorConfig(logger)
	assert.Equal(t, cfg.Monitor.SweepInterval, monCfg.SweepInterval)
}
