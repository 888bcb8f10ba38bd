package config

import "github.com/spf13/viper"

// SetDefaults configures default values for all configuration options.
func SetDefaults(v *viper.Viper) {
	// Database defaults
	v.SetDefault("database.path", "picobot.db")

	// Logging defaults
	v.SetDefault("logging.json", false)

	// Scheduler defaults. Disabled out of the box; deployments opt in.
	v.SetDefault("scheduler.enabled", false)
	v.SetDefault("scheduler.tick_interval_seconds", 1)
	v.SetDefault("scheduler.job_timeout_seconds", 300)
	v.SetDefault("scheduler.claim_ttl_margin_seconds", 60) // claim ttl = timeout + margin
	v.SetDefault("scheduler.backoff_base_seconds", 30)
	v.SetDefault("scheduler.max_backoff_seconds", 3600)
	v.SetDefault("scheduler.min_cron_interval_seconds", 60)
	v.SetDefault("scheduler.claim_batch_size", 8)
	v.SetDefault("scheduler.max_concurrent", 4)
	v.SetDefault("scheduler.max_concurrent_per_user", 2)
	v.SetDefault("scheduler.max_jobs_per_user", 50)
	v.SetDefault("scheduler.max_creates_per_window", 100)
	v.SetDefault("scheduler.create_window_seconds", 3600)

	// Notification queue defaults
	v.SetDefault("notify.max_attempts", 3)
	v.SetDefault("notify.backoff_base_seconds", 5)
	v.SetDefault("notify.backoff_max_seconds", 300)
	v.SetDefault("notify.drain_interval_seconds", 1)
	v.SetDefault("notify.batch_size", 16)
	v.SetDefault("notify.rate_per_second", 10.0)
	v.SetDefault("notify.rate_burst", 5)
	v.SetDefault("notify.retention_hours", 168)
}
