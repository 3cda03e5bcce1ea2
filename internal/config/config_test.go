package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("PARAM_PREFIX", "/questbot/")
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")
}

func TestFromEnv_Defaults(t *testing.T) {
	setRequired(t)

	cfg, err := FromEnv()
	require.NoError(t, err)
	require.Equal(t, "/questbot", cfg.ParamPrefix)
	require.Equal(t, "/questbot/telegram-token", cfg.TelegramTokenParameter())
	require.Equal(t, BackendRedis, cfg.StoreBackend)
	require.Equal(t, "questbot", cfg.RedisNamespace)
	require.Equal(t, time.Hour, cfg.MessageStateTTL)
	require.Equal(t, 30*time.Minute, cfg.CleanupDelay)
	require.Equal(t, 24*time.Hour, cfg.IdempotencyTTL)
	require.Equal(t, time.Minute, cfg.RetryTTL)
	require.Equal(t, 5*time.Second, cfg.LockTTL)
	require.Equal(t, SinkNone, cfg.EventsSink)
	require.Equal(t, "https://api.telegram.org", cfg.TelegramBaseURL)
	require.Equal(t, "info", cfg.LogLevel)
}

func TestFromEnv_MissingRequired(t *testing.T) {
	t.Setenv("PARAM_PREFIX", "")
	t.Setenv("REDIS_URL", "redis://localhost:6379")
	_, err := FromEnv()
	require.Error(t, err)
}

func TestFromEnv_Overrides(t *testing.T) {
	setRequired(t)
	t.Setenv("STORE_BACKEND", "dynamodb")
	t.Setenv("STATE_TABLE", "questbot-state")
	t.Setenv("CLEANUP_DELAY", "10m")
	t.Setenv("MESSAGE_STATE_TTL", "20m")
	t.Setenv("EVENTS_SINK", "stream")

	cfg, err := FromEnv()
	require.NoError(t, err)
	require.Equal(t, BackendDynamoDB, cfg.StoreBackend)
	require.Equal(t, "questbot-state", cfg.StateTable)
	require.Equal(t, 10*time.Minute, cfg.CleanupDelay)
	require.Equal(t, SinkStream, cfg.EventsSink)
}

func TestValidate(t *testing.T) {
	base := func() Config {
		return Config{
			ParamPrefix:     "/questbot",
			RedisURL:        "redis://x",
			StoreBackend:    BackendRedis,
			MessageStateTTL: time.Hour,
			CleanupDelay:    30 * time.Minute,
			IdempotencyTTL:  time.Hour,
			RetryTTL:        time.Minute,
			LockTTL:         time.Second,
			EventsSink:      SinkNone,
		}
	}
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"blank prefix", func(c *Config) { c.ParamPrefix = " / " }, "PARAM_PREFIX"},
		{"dynamodb without table", func(c *Config) { c.StoreBackend = BackendDynamoDB }, "STATE_TABLE"},
		{"unknown backend", func(c *Config) { c.StoreBackend = "memcached" }, "STORE_BACKEND"},
		{"unknown sink", func(c *Config) { c.EventsSink = "kafka" }, "EVENTS_SINK"},
		{"ttl not above cleanup", func(c *Config) { c.MessageStateTTL = c.CleanupDelay }, "must exceed"},
		{"zero lock ttl", func(c *Config) { c.LockTTL = 0 }, "LOCK_TTL"},
		{"zero retry ttl", func(c *Config) { c.RetryTTL = 0 }, "IDEMPOTENCY_RETRY_TTL"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := base()
			tc.mutate(&c)
			require.ErrorContains(t, c.Validate(), tc.want)
		})
	}
	c := base()
	require.NoError(t, c.Validate())
}

func TestLoad_DotEnv(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("PARAM_PREFIX=/from-dotenv\nREDIS_URL=redis://dotenv:6379\nLOG_LEVEL=debug\n"), 0o600))
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })

	// real environment wins over .env
	t.Setenv("LOG_LEVEL", "warn")
	// registered so t.Setenv restores (unsets) them after godotenv writes them
	t.Setenv("PARAM_PREFIX", "")
	t.Setenv("REDIS_URL", "")
	require.NoError(t, os.Unsetenv("PARAM_PREFIX"))
	require.NoError(t, os.Unsetenv("REDIS_URL"))

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "/from-dotenv", cfg.ParamPrefix)
	require.Equal(t, "redis://dotenv:6379", cfg.RedisURL)
	require.Equal(t, "warn", cfg.LogLevel)
}

func TestLoad_NoDotEnv(t *testing.T) {
	dir := t.TempDir()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })
	setRequired(t)

	_, err = Load()
	require.NoError(t, err)
}
