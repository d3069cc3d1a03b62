package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadConfig_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("HOME", t.TempDir())

	cfg, _, err := loadConfig("", "")
	require.NoError(t, err)

	assert.Equal(t, "libsql", cfg.Store.Driver)
	assert.Equal(t, "chatflow.db", filepath.Base(cfg.Store.Path))
	assert.Equal(t, 100, cfg.Engine.MaxSteps)
	assert.Equal(t, 10*time.Second, cfg.Engine.IntegrationTimeout)
	assert.Equal(t, "local", cfg.Lock.Driver)
	assert.Equal(t, 30*time.Second, cfg.Lock.TTL)
	assert.Equal(t, uint64(2), cfg.Gateway.Retry.MaxRetries)
	assert.Equal(t, 5, cfg.Gateway.Breaker.FailureThreshold)
	assert.Equal(t, time.Second, cfg.Scheduler.Interval)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Empty(t, cfg.Triggers)
}

func TestLoadConfig_FileThenEnv(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	path := writeFile(t, dir, "settings.yaml", `
store:
  driver: memory
engine:
  max_steps: 25
gateway:
  retries: 4
  base_delay: 250ms
  capabilities:
    - name: crm.lookup
      url: https://crm.example.com/lookup
triggers:
  - name: nudge
    schedule: "@every 1m"
    definition: reminder
    conversation_ref: conv-1
log:
  level: debug
`)
	t.Setenv("CHATFLOW_ENGINE_MAX_STEPS", "40")
	t.Setenv("CHATFLOW_LOG_FORMAT", "json")

	cfg, _, err := loadConfig(path, "")
	require.NoError(t, err)

	assert.Equal(t, "memory", cfg.Store.Driver)
	assert.Equal(t, 40, cfg.Engine.MaxSteps, "env wins over file")
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, uint64(4), cfg.Gateway.Retry.MaxRetries)
	assert.Equal(t, 250*time.Millisecond, cfg.Gateway.Retry.BaseDelay)
	require.Len(t, cfg.Gateway.Capabilities, 1)
	assert.Equal(t, "crm.lookup", cfg.Gateway.Capabilities[0].Name)
	require.Len(t, cfg.Triggers, 1)
	assert.Equal(t, "reminder", cfg.Triggers[0].DefinitionID)
	assert.Equal(t, "@every 1m", cfg.Triggers[0].Schedule)
}

func TestLoadConfig_DotEnv(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	t.Setenv("HOME", t.TempDir())
	envFile := writeFile(t, dir, ".env", "CHATFLOW_LOCK_DRIVER=redis\nCHATFLOW_LOCK_REDIS_ADDR=localhost:6379\n")
	t.Cleanup(func() {
		os.Unsetenv("CHATFLOW_LOCK_DRIVER")
		os.Unsetenv("CHATFLOW_LOCK_REDIS_ADDR")
	})

	cfg, _, err := loadConfig("", envFile)
	require.NoError(t, err)
	assert.Equal(t, "redis", cfg.Lock.Driver)
	assert.Equal(t, "localhost:6379", cfg.Lock.RedisAddr)
}

func TestLoadConfig_MissingEnvFileIgnored(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("HOME", t.TempDir())
	_, _, err := loadConfig("", "does-not-exist.env")
	assert.NoError(t, err)
}

func TestLoadConfig_Invalid(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)

	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"unknown store driver", "store:\n  driver: mongo\n", "Driver"},
		{"postgres without dsn", "store:\n  driver: postgres\n", "DSN"},
		{"redis without addr", "lock:\n  driver: redis\n", "RedisAddr"},
		{"max steps zero", "engine:\n  max_steps: -1\n", "MaxSteps"},
		{"bad log level", "log:\n  level: loud\n", "Level"},
		{"capability without url", "gateway:\n  capabilities:\n    - name: x\n", "URL"},
		{"trigger without schedule", "triggers:\n  - name: t\n    definition: d\n    conversation_ref: c\n", "Schedule"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeFile(t, dir, "settings.yaml", tt.content)
			_, _, err := loadConfig(path, "")
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadConfig_ExplicitFileMissing(t *testing.T) {
	_, _, err := loadConfig(filepath.Join(t.TempDir(), "nope.yaml"), "")
	assert.Error(t, err)
}

func TestDiffConfigs(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("HOME", t.TempDir())
	base, _, err := loadConfig("", "")
	require.NoError(t, err)

	next := base
	next.Log.Level = "debug"
	d := diffConfigs(base, next)
	assert.True(t, d.LogLevelChanged)
	assert.Empty(t, d.RestartNeeded)

	next = base
	next.Store.Driver = "memory"
	next.Engine.MaxSteps = 5
	next.Metrics.Addr = ":9090"
	d = diffConfigs(base, next)
	assert.False(t, d.LogLevelChanged)
	assert.Equal(t, []string{"store", "engine", "metrics"}, d.RestartNeeded)

	assert.Empty(t, diffConfigs(base, base).RestartNeeded)
}
