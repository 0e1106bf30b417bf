package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Shivanand-hulikatti/campus-booking/internal/config"
	"github.com/Shivanand-hulikatti/campus-booking/internal/database"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the PostgreSQL schema",
	Long: `Apply the embedded schema to the configured database.

The schema is idempotent, so running migrate against an up-to-date
database is a no-op.`,
	RunE: runMigrate,
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	cfg, log, err := bootstrap()
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	if cfg.Store != config.StorePostgres {
		return fmt.Errorf("migrate requires store %q, got %q", config.StorePostgres, cfg.Store)
	}

	ctx := cmd.Context()
	pool, err := database.NewPool(ctx, cfg.Database, log)
	if err != nil {
		return fmt.Errorf("database: %w", err)
	}
	defer pool.Close()

	if err := database.Migrate(ctx, pool); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "schema applied to %s@%s/%s\n", cfg.Database.User, cfg.Database.Host, cfg.Database.Name)
	return nil
}
