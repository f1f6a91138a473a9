package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/convcore/internal/convstore"
)

func buildMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the storage schema",
		Long: `Apply pending schema migrations to the configured SQLite or
CockroachDB backend.

An in-memory storage.dsn ("memory://") has no schema and cannot be
migrated.`,
	}
	cmd.AddCommand(buildMigrateUpCmd())
	return cmd
}

func buildMigrateUpCmd() *cobra.Command {
	var (
		configPath string
		steps      int
	)

	cmd := &cobra.Command{
		Use:   "up",
		Short: "Run pending migrations",
		Long: `Apply all pending schema migrations against the database
named by storage.dsn in the configuration file.`,
		Example: `  # Apply all pending migrations
  convcore-server migrate up --config convcore.yaml

  # Apply only the next migration
  convcore-server migrate up --config convcore.yaml --steps 1`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrateUp(cmd.Context(), configPath, steps)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file (defaults used if omitted)")
	cmd.Flags().IntVarP(&steps, "steps", "n", 0, "Number of migrations to apply (0 = all)")

	return cmd
}

func runMigrateUp(ctx context.Context, configPath string, steps int) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	db, dialect, err := openConfiguredDB(ctx, cfg.Storage)
	if err != nil {
		return err
	}
	defer db.Close()

	var migrator *convstore.Migrator
	switch dialect {
	case "cockroach":
		migrator, err = convstore.NewCockroachMigrator(db)
	default:
		migrator, err = convstore.NewSQLiteMigrator(db)
	}
	if err != nil {
		return fmt.Errorf("build migrator: %w", err)
	}

	applied, err := migrator.Up(ctx, steps)
	if err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	if len(applied) == 0 {
		slog.Info("no pending migrations")
		return nil
	}
	for _, id := range applied {
		slog.Info("applied migration", "id", id)
	}
	return nil
}

