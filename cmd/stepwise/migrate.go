package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/ent0n29/stepwise/internal/config"
	"github.com/ent0n29/stepwise/internal/memory"
	"github.com/ent0n29/stepwise/internal/tasks"
)

var migrateTimeout time.Duration

func init() {
	migrateCmd.Flags().DurationVar(&migrateTimeout, "timeout", 30*time.Second, "time allowed for the schema migration")
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create the Postgres schema",
	Long: `Create the thread, task, plan, message and memory tables when missing.

Examples:
  # Migrate the database named in the config file
  stepwise migrate --config /etc/stepwise/config.yaml

  # Migrate using the environment only
  STEPWISE_DATABASE_URL=postgres://localhost/stepwise STEPWISE_AUTH_DEV_USER_ID=dev stepwise migrate`,
	RunE: runMigrate,
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if cfg.Database.URL == "" {
		return errors.New("database.url is not set; nothing to migrate")
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), migrateTimeout)
	defer cancel()
	pool, err := pgxpool.New(ctx, cfg.Database.URL)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer pool.Close()

	if err := tasks.InitSchema(ctx, pool); err != nil {
		return fmt.Errorf("task schema: %w", err)
	}
	if err := memory.InitSchema(ctx, pool); err != nil {
		return fmt.Errorf("memory schema: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), "schema is up to date")
	return nil
}
