package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func env(vars map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := vars[k]
		return v, ok
	}
}

func TestDefaultConfig_IsValid(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())
}

func TestLoad_FileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flowpipe.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
queue:
  backend: redis
engine:
  tick_interval: 2s
  batch_size: 10
log:
  format: json
`), 0o600))

	t.Setenv("FLOWPIPE_ENGINE_BATCH_SIZE", "25")
	t.Setenv("FLOWPIPE_REDIS_ADDR", "redis:6380")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "redis", cfg.Queue.Backend)
	require.Equal(t, 2*time.Second, cfg.Engine.TickInterval)
	require.Equal(t, 25, cfg.Engine.BatchSize)
	require.Equal(t, "redis:6380", cfg.Redis.Addr)
	require.Equal(t, "json", cfg.Log.Format)
	require.Equal(t, 4, cfg.Engine.Concurrency, "untouched fields keep defaults")
}

func TestLoad_MissingFileKeepsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	require.Equal(t, DefaultConfig(), cfg)
}

func TestLoad_BadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("engine: [1, 2"), 0o600))
	_, err := Load(path)
	require.Error(t, err)
}

func TestApplyEnv_Types(t *testing.T) {
	cfg := DefaultConfig()
	err := ApplyEnv(cfg, env(map[string]string{
		"FLOWPIPE_ENGINE_TICK_TIMEOUT":             "90s",
		"FLOWPIPE_ENGINE_DEFAULT_INTERVAL_MINUTES": "7.5",
		"FLOWPIPE_METRICS_ENABLED":                 "true",
		"FLOWPIPE_DATABASE_PATH":                   "/data/fp.db",
		"FLOWPIPE_EVENTS_HISTORY":                  "",
	}))
	require.NoError(t, err)
	require.Equal(t, 90*time.Second, cfg.Engine.TickTimeout)
	require.Equal(t, 7.5, cfg.Engine.DefaultIntervalMinutes)
	require.True(t, cfg.Metrics.Enabled)
	require.Equal(t, "/data/fp.db", cfg.Database.Path)
	require.True(t, cfg.Events.History, "empty values are ignored")

	err = ApplyEnv(cfg, env(map[string]string{"FLOWPIPE_ENGINE_BATCH_SIZE": "many"}))
	require.ErrorContains(t, err, "FLOWPIPE_ENGINE_BATCH_SIZE")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"unknown backend", func(c *Config) { c.Queue.Backend = "kafka" }, "queue.backend"},
		{"postgres without dsn", func(c *Config) { c.Queue.Backend = "postgres" }, "queue.dsn"},
		{"sqlite queue on memory db", func(c *Config) { c.Database.Driver = "memory" }, "requires database.driver sqlite"},
		{"redis events without addr", func(c *Config) { c.Events.Redis = true; c.Redis.Addr = "" }, "redis.addr"},
		{"zero tick", func(c *Config) { c.Engine.TickInterval = 0 }, "tick_interval"},
		{"level", func(c *Config) { c.Log.Level = "loud" }, "log.level"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			require.ErrorContains(t, cfg.Validate(), tt.want)
		})
	}

	cfg := DefaultConfig()
	cfg.Queue.Backend = "kafka"
	cfg.Log.Format = "xml"
	err := cfg.Validate()
	require.ErrorContains(t, err, "queue.backend")
	require.ErrorContains(t, err, "log.format")
}
