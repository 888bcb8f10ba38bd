package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/picobot/picobot/db"
	"github.com/picobot/picobot/kernel"
	"github.com/picobot/picobot/logger"
	"github.com/picobot/picobot/scheduler"
)

var (
	schedName     string
	schedKind     string
	schedExpr     string
	schedPrompt   string
	schedUser     string
	schedSession  string
	schedChannel  string
	schedMaxRuns  int
	schedAsSystem bool
)

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Manage scheduled jobs",
}

var scheduleAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Create a scheduled job",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, cleanup, err := managementService()
		if err != nil {
			return err
		}
		defer cleanup()

		principal := kernel.Principal{Type: kernel.PrincipalUser, ID: schedUser}
		if schedAsSystem {
			principal = kernel.Principal{Type: kernel.PrincipalSystem, ID: "picobot-cli"}
		}
		req := scheduler.CreateJobRequest{
			Name:       schedName,
			Kind:       scheduler.ScheduleKind(schedKind),
			Expr:       schedExpr,
			TaskPrompt: schedPrompt,
			SessionID:  schedSession,
			UserID:     schedUser,
			ChannelID:  schedChannel,
			Creator:    principal,
			Enabled:    true,
		}
		if schedMaxRuns > 0 {
			req.MaxExecutions = &schedMaxRuns
		}

		job, err := svc.CreateJob(cmd.Context(), req)
		if err != nil {
			return err
		}
		fmt.Printf("Created job %s (%s), next run %s\n",
			job.ID, job.Name, job.NextRunAt.Format("2006-01-02 15:04:05 MST"))
		return nil
	},
}

var scheduleLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List a user's scheduled jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, cleanup, err := managementService()
		if err != nil {
			return err
		}
		defer cleanup()

		principal := kernel.Principal{Type: kernel.PrincipalAdmin, ID: "picobot-cli"}
		jobs, err := svc.ListJobs(cmd.Context(), principal, schedUser, schedSession)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tKIND\tEXPR\tENABLED\tRUNS\tNEXT RUN")
		for _, job := range jobs {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%v\t%d\t%s\n",
				job.ID, job.Name, job.Kind, job.Expr, job.Enabled,
				job.ExecutionCount, job.NextRunAt.Format("2006-01-02 15:04:05"))
		}
		return w.Flush()
	},
}

var scheduleCancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Cancel a scheduled job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, cleanup, err := managementService()
		if err != nil {
			return err
		}
		defer cleanup()

		principal := kernel.Principal{Type: kernel.PrincipalAdmin, ID: "picobot-cli"}
		if err := svc.CancelJob(cmd.Context(), args[0], principal); err != nil {
			return err
		}
		fmt.Printf("Cancelled job %s\n", args[0])
		return nil
	},
}

var scheduleHistoryCmd = &cobra.Command{
	Use:   "history <job-id>",
	Short: "Show a job's execution history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, cleanup, err := managementService()
		if err != nil {
			return err
		}
		defer cleanup()

		execs, err := svc.ListExecutions(cmd.Context(), args[0], 50, 0)
		if err != nil {
			return err
		}
		out, err := json.MarshalIndent(execs, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	},
}

// managementService builds a service over the configured database for
// one-shot CLI operations. The tick loop is never started.
func managementService() (*scheduler.Service, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	log := logger.Named("scheduler")

	database, err := db.OpenWithMigrations(cfg.Database.Path, log)
	if err != nil {
		return nil, nil, err
	}

	schedCfg := cfg.SchedulerRuntime()
	store := scheduler.NewStore(database, log)
	executions := scheduler.NewExecutionStore(database, log)
	quota := scheduler.NewQuotaTracker(store, schedCfg.Quotas, log)
	noop := kernel.RunnerFunc(func(ctx context.Context, _ kernel.CapabilitySnapshot, _ string) (string, error) {
		return "", nil
	})
	executor := scheduler.NewExecutor(noop, executions, nil, schedCfg.JobTimeout, log)
	svc := scheduler.NewService(schedCfg, store, executions, quota, executor,
		kernel.DefaultPolicy{}, log)
	return svc, func() { database.Close() }, nil
}

func init() {
	scheduleAddCmd.Flags().StringVar(&schedName, "name", "", "Job name")
	scheduleAddCmd.Flags().StringVar(&schedKind, "kind", "interval", "Schedule kind: interval, once, cron")
	scheduleAddCmd.Flags().StringVar(&schedExpr, "expr", "", "Schedule expression")
	scheduleAddCmd.Flags().StringVar(&schedPrompt, "prompt", "", "Task prompt to execute")
	scheduleAddCmd.Flags().StringVar(&schedUser, "user", "", "Owning user id")
	scheduleAddCmd.Flags().StringVar(&schedSession, "session", "", "Session id")
	scheduleAddCmd.Flags().StringVar(&schedChannel, "channel", "", "Notification channel for results")
	scheduleAddCmd.Flags().IntVar(&schedMaxRuns, "max-runs", 0, "Maximum executions, 0 = unlimited")
	scheduleAddCmd.Flags().BoolVar(&schedAsSystem, "system", false, "Create as the system principal")
	scheduleLsCmd.Flags().StringVar(&schedUser, "user", "", "Owning user id")
	scheduleLsCmd.Flags().StringVar(&schedSession, "session", "", "Filter by session id")

	scheduleCmd.AddCommand(scheduleAddCmd)
	scheduleCmd.AddCommand(scheduleLsCmd)
	scheduleCmd.AddCommand(scheduleCancelCmd)
	scheduleCmd.AddCommand(scheduleHistoryCmd)
}
