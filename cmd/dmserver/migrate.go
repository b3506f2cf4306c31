package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/edgeee/conversations/postgres"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create the database schema",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logger, err := cfg.Log.Logger(os.Stderr)
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		pg, err := postgres.Connect(ctx, cfg.Postgres.DSN)
		if err != nil {
			return err
		}
		defer pg.Close()

		if err := pg.Migrate(ctx); err != nil {
			return err
		}
		logger.Info("Schema is up to date")
		return nil
	},
}
