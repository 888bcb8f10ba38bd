// Package config loads picobot configuration from TOML via Viper, with
// environment variable overrides under the PICOBOT_ prefix.
package config

import (
	"time"

	"github.com/picobot/picobot/errors"
	"github.com/picobot/picobot/notify"
	"github.com/picobot/picobot/scheduler"
)

// Config is the root picobot configuration.
type Config struct {
	Database  DatabaseConfig  `mapstructure:"database"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Notify    NotifyConfig    `mapstructure:"notify"`
}

type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

type LoggingConfig struct {
	JSON bool `mapstructure:"json"` // JSON output instead of console encoding
}

// SchedulerConfig mirrors scheduler.Config in file-friendly units.
type SchedulerConfig struct {
	Enabled                bool `mapstructure:"enabled"`
	TickIntervalSeconds    int  `mapstructure:"tick_interval_seconds"`
	JobTimeoutSeconds      int  `mapstructure:"job_timeout_seconds"`
	ClaimTTLMarginSeconds  int  `mapstructure:"claim_ttl_margin_seconds"`
	BackoffBaseSeconds     int  `mapstructure:"backoff_base_seconds"`
	MaxBackoffSeconds      int  `mapstructure:"max_backoff_seconds"`
	MinCronIntervalSeconds int  `mapstructure:"min_cron_interval_seconds"`
	ClaimBatchSize         int  `mapstructure:"claim_batch_size"`

	MaxConcurrent        int `mapstructure:"max_concurrent"`
	MaxConcurrentPerUser int `mapstructure:"max_concurrent_per_user"`
	MaxJobsPerUser       int `mapstructure:"max_jobs_per_user"`
	MaxCreatesPerWindow  int `mapstructure:"max_creates_per_window"`
	CreateWindowSeconds  int `mapstructure:"create_window_seconds"`
}

type NotifyConfig struct {
	MaxAttempts          int     `mapstructure:"max_attempts"`
	BackoffBaseSeconds   int     `mapstructure:"backoff_base_seconds"`
	BackoffMaxSeconds    int     `mapstructure:"backoff_max_seconds"`
	DrainIntervalSeconds int     `mapstructure:"drain_interval_seconds"`
	BatchSize            int     `mapstructure:"batch_size"`
	RatePerSecond        float64 `mapstructure:"rate_per_second"`
	RateBurst            int     `mapstructure:"rate_burst"`
	RetentionHours       int     `mapstructure:"retention_hours"`
}

// SchedulerRuntime converts file units to the scheduler's runtime config.
func (c *Config) SchedulerRuntime() scheduler.Config {
	s := c.Scheduler
	return scheduler.Config{
		Enabled:         s.Enabled,
		TickInterval:    time.Duration(s.TickIntervalSeconds) * time.Second,
		JobTimeout:      time.Duration(s.JobTimeoutSeconds) * time.Second,
		ClaimTTLMargin:  time.Duration(s.ClaimTTLMarginSeconds) * time.Second,
		BackoffBase:     time.Duration(s.BackoffBaseSeconds) * time.Second,
		MaxBackoff:      time.Duration(s.MaxBackoffSeconds) * time.Second,
		MinCronInterval: time.Duration(s.MinCronIntervalSeconds) * time.Second,
		ClaimBatchSize:  s.ClaimBatchSize,
		Quotas: scheduler.QuotaLimits{
			MaxJobsPerUser:       s.MaxJobsPerUser,
			MaxCreatesPerWindow:  s.MaxCreatesPerWindow,
			CreateWindow:         time.Duration(s.CreateWindowSeconds) * time.Second,
			MaxConcurrent:        s.MaxConcurrent,
			MaxConcurrentPerUser: s.MaxConcurrentPerUser,
		},
	}
}

// NotifyRuntime converts file units to the queue's runtime config.
func (c *Config) NotifyRuntime() notify.QueueConfig {
	n := c.Notify
	return notify.QueueConfig{
		MaxAttempts:   n.MaxAttempts,
		BackoffBase:   time.Duration(n.BackoffBaseSeconds) * time.Second,
		BackoffMax:    time.Duration(n.BackoffMaxSeconds) * time.Second,
		DrainInterval: time.Duration(n.DrainIntervalSeconds) * time.Second,
		BatchSize:     n.BatchSize,
		RatePerSecond: n.RatePerSecond,
		RateBurst:     n.RateBurst,
		Retention:     time.Duration(n.RetentionHours) * time.Hour,
	}
}

// Validate rejects configurations the runtime cannot operate under.
func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return errors.New("database.path is required")
	}
	s := c.Scheduler
	if s.TickIntervalSeconds < 1 {
		return errors.New("scheduler.tick_interval_seconds must be at least 1")
	}
	if s.JobTimeoutSeconds < 1 {
		return errors.New("scheduler.job_timeout_seconds must be at least 1")
	}
	if s.ClaimTTLMarginSeconds < 0 {
		return errors.New("scheduler.claim_ttl_margin_seconds must not be negative")
	}
	if s.MinCronIntervalSeconds < 60 {
		return errors.New("scheduler.min_cron_interval_seconds must be at least 60")
	}
	n := c.Notify
	if n.MaxAttempts < 1 {
		return errors.New("notify.max_attempts must be at least 1")
	}
	if n.DrainIntervalSeconds < 1 {
		return errors.New("notify.drain_interval_seconds must be at least 1")
	}
	return nil
}
