package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/picobot/picobot/db"
	"github.com/picobot/picobot/kernel"
	"github.com/picobot/picobot/logger"
	"github.com/picobot/picobot/notify"
	"github.com/picobot/picobot/scheduler"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scheduler daemon and notification queue",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		log := logger.Named("picobot")

		database, err := db.OpenWithMigrations(cfg.Database.Path, log)
		if err != nil {
			return err
		}
		defer database.Close()

		ctx, stop := signal.NotifyContext(context.Background(),
			os.Interrupt, syscall.SIGTERM)
		defer stop()

		notifyStore := notify.NewStore(database, logger.Named("notify"))
		registry := notify.NewRegistry(notify.NewLogSender(logger.Named("notify.log")))
		queue := notify.NewQueue(cfg.NotifyRuntime(), notifyStore, registry, logger.Named("notify"))
		if err := queue.Start(ctx); err != nil {
			return err
		}
		defer queue.Stop()

		schedLog := logger.Named("scheduler")
		store := scheduler.NewStore(database, schedLog)
		executions := scheduler.NewExecutionStore(database, schedLog)
		schedCfg := cfg.SchedulerRuntime()
		quota := scheduler.NewQuotaTracker(store, schedCfg.Quotas, schedLog)
		executor := scheduler.NewExecutor(runner(log), executions, queue, schedCfg.JobTimeout, schedLog)
		svc := scheduler.NewService(schedCfg, store, executions, quota, executor,
			kernel.DefaultPolicy{}, schedLog)
		if err := svc.Start(ctx); err != nil {
			return err
		}
		defer svc.Stop()

		log.Infow("picobot running", "database", cfg.Database.Path,
			"scheduler_enabled", schedCfg.Enabled)
		<-ctx.Done()
		log.Infow("Shutting down")
		return nil
	},
}

// runner returns the kernel adapter. The standalone binary has no agent
// kernel attached, so tasks resolve to a logged no-op; embedders supply a
// real kernel.Runner when wiring the service themselves.
func runner(log *zap.SugaredLogger) kernel.Runner {
	return kernel.RunnerFunc(func(ctx context.Context, caps kernel.CapabilitySnapshot, prompt string) (string, error) {
		log.Infow("Executing scheduled task", "prompt", prompt, "capabilities_bytes", len(caps))
		return "task acknowledged: " + prompt, nil
	})
}
