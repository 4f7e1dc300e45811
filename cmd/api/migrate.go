package main

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"concord/api/internal/config"
	"concord/api/internal/store"
)

func migrateCmd(cfg config.Config) *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			db, err := store.Open(ctx, cfg.DatabaseURL)
			if err != nil {
				return fmt.Errorf("database connection failed: %w", err)
			}
			defer db.Close()

			if dryRun {
				pending, err := store.PendingMigrations(ctx, db, cfg.MigrationsDir)
				if err != nil {
					return err
				}
				if len(pending) == 0 {
					logrus.Info("no pending migrations")
				}
				for _, version := range pending {
					fmt.Fprintln(cmd.OutOrStdout(), version)
				}
				return nil
			}
			return store.ApplyMigrations(ctx, db, cfg.MigrationsDir)
		},
	}
	cmd.Flags().StringVar(&cfg.MigrationsDir, "dir", cfg.MigrationsDir, "migrations directory")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "list pending migrations without applying them")
	return cmd
}
