package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/picobot/picobot/config"
	"github.com/picobot/picobot/logger"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "picobot",
	Short: "picobot - scheduled agent task runner",
	Long: `picobot runs scheduled agent tasks with capability snapshots and
delivers their results through a durable notification queue.

Examples:
  picobot serve                       # Run the scheduler daemon
  picobot schedule add --name daily ...
  picobot schedule ls --user alice
  picobot schedule cancel <job-id>
  picobot schedule history <job-id>`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := logger.Initialize(false); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
}

func loadConfig() (*config.Config, error) {
	if configPath != "" {
		return config.LoadFromFile(configPath)
	}
	return config.Load()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to picobot.toml")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(scheduleCmd)
	rootCmd.AddCommand(migrateCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
