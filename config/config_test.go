package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func defaultConfig(t *testing.T) *Config {
	t.Helper()
	v := viper.New()
	SetDefaults(v)
	var cfg Config
	require.NoError(t, v.Unmarshal(&cfg))
	return &cfg
}

func TestDefaults(t *testing.T) {
	cfg := defaultConfig(t)

	assert.Equal(t, "picobot.db", cfg.Database.Path)
	assert.False(t, cfg.Scheduler.Enabled, "scheduler ships disabled")
	assert.Equal(t, 1, cfg.Scheduler.TickIntervalSeconds)
	assert.Equal(t, 4, cfg.Scheduler.MaxConcurrent)
	assert.Equal(t, 2, cfg.Scheduler.MaxConcurrentPerUser)
	assert.Equal(t, 50, cfg.Scheduler.MaxJobsPerUser)
	assert.Equal(t, 100, cfg.Scheduler.MaxCreatesPerWindow)
	assert.Equal(t, 3600, cfg.Scheduler.CreateWindowSeconds)
	assert.Equal(t, 3, cfg.Notify.MaxAttempts)

	require.NoError(t, cfg.Validate())
}

func TestRuntimeConversion(t *testing.T) {
	cfg := defaultConfig(t)

	sched := cfg.SchedulerRuntime()
	assert.Equal(t, time.Second, sched.TickInterval)
	assert.Equal(t, 5*time.Minute, sched.JobTimeout)
	assert.Equal(t, time.Minute, sched.ClaimTTLMargin)
	assert.Equal(t, time.Hour, sched.MaxBackoff)
	assert.Equal(t, time.Minute, sched.MinCronInterval)
	assert.Equal(t, time.Hour, sched.Quotas.CreateWindow)

	q := cfg.NotifyRuntime()
	assert.Equal(t, 5*time.Second, q.BackoffBase)
	assert.Equal(t, 5*time.Minute, q.BackoffMax)
	assert.Equal(t, 10.0, q.RatePerSecond)
	assert.Equal(t, 7*24*time.Hour, q.Retention)
}

func TestValidate(t *testing.T) {
	cfg := defaultConfig(t)
	cfg.Database.Path = ""
	assert.Error(t, cfg.Validate())

	cfg = defaultConfig(t)
	cfg.Scheduler.TickIntervalSeconds = 0
	assert.Error(t, cfg.Validate())

	cfg = defaultConfig(t)
	cfg.Scheduler.MinCronIntervalSeconds = 10
	assert.Error(t, cfg.Validate())

	cfg = defaultConfig(t)
	cfg.Notify.MaxAttempts = 0
	assert.Error(t, cfg.Validate())
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "picobot.toml")
	content := `
[database]
path = "/tmp/picobot-test.db"

[scheduler]
enabled = true
tick_interval_seconds = 2
max_concurrent = 8

[notify]
max_attempts = 5
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/picobot-test.db", cfg.Database.Path)
	assert.True(t, cfg.Scheduler.Enabled)
	assert.Equal(t, 2, cfg.Scheduler.TickIntervalSeconds)
	assert.Equal(t, 8, cfg.Scheduler.MaxConcurrent)
	assert.Equal(t, 5, cfg.Notify.MaxAttempts)

	// Unset values keep their defaults.
	assert.Equal(t, 50, cfg.Scheduler.MaxJobsPerUser)
}

func TestLoadFromFileMissing(t *testing.T) {
	_, err := LoadFromFile(filepath.Join(t.TempDir(), "absent.toml"))
	assert.Error(t, err)
}
