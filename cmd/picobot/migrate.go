package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/picobot/picobot/db"
	"github.com/picobot/picobot/logger"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		log := logger.Named("db")
		database, err := db.OpenWithMigrations(cfg.Database.Path, log)
		if err != nil {
			return err
		}
		defer database.Close()
		fmt.Printf("Database %s is up to date\n", cfg.Database.Path)
		return nil
	},
}
