package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/vladislavdragonenkov/oms-bulkjobs/internal/app"
	"github.com/vladislavdragonenkov/oms-bulkjobs/internal/storage/postgres"
)

const migrateTimeout = 30 * time.Second

func migrateCmd(config func() (app.Config, error)) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage PostgreSQL schema migrations",
	}

	var steps int

	withMigrator := func(fn func(ctx context.Context, m *postgres.Migrator) error) error {
		// migrate работает только с postgres, выбранный --storage не важен
		cfg, _ := config()
		if cfg.PostgresDSN == "" {
			return errors.New("--dsn (or OMS_POSTGRES_DSN) is required")
		}

		ctx, cancel := context.WithTimeout(context.Background(), migrateTimeout)
		defer cancel()

		store, err := postgres.Open(ctx, cfg.PostgresDSN)
		if err != nil {
			return fmt.Errorf("open postgres store: %w", err)
		}
		defer store.Close()

		return fn(ctx, postgres.NewMigrator(store, log.WithField("component", "jobctl-migrate")))
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations (all by default)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(func(ctx context.Context, m *postgres.Migrator) error {
				applied, err := m.Up(ctx, steps)
				if err != nil {
					return fmt.Errorf("migrate up failed: %w", err)
				}
				return printMigrationResult(cmd, ctx, m, "applied", applied)
			})
		},
	}

	downCmd := &cobra.Command{
		Use:   "down",
		Short: "Roll back migrations (one by default)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(func(ctx context.Context, m *postgres.Migrator) error {
				reverted, err := m.Down(ctx, steps)
				if err != nil {
					return fmt.Errorf("migrate down failed: %w", err)
				}
				return printMigrationResult(cmd, ctx, m, "reverted", reverted)
			})
		},
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show schema version and pending migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(func(ctx context.Context, m *postgres.Migrator) error {
				return printMigrationResult(cmd, ctx, m, "", nil)
			})
		},
	}

	for _, c := range []*cobra.Command{upCmd, downCmd} {
		c.Flags().IntVar(&steps, "steps", 0, "Number of migrations to apply/rollback (0=all for up, 1 for down)")
	}

	cmd.AddCommand(upCmd, downCmd, statusCmd)
	return cmd
}

func printMigrationResult(cmd *cobra.Command, ctx context.Context, m *postgres.Migrator, verb string, names []string) error {
	out := cmd.OutOrStdout()
	for _, name := range names {
		fmt.Fprintf(out, "%s %s\n", verb, name)
	}

	state, err := m.Status(ctx)
	if err != nil {
		return fmt.Errorf("migration status failed: %w", err)
	}
	fmt.Fprintf(out, "version=%d applied=%d pending=%d\n", state.CurrentVersion, state.Applied, len(state.Pending))
	for _, name := range state.Pending {
		fmt.Fprintf(out, "pending %s\n", name)
	}
	return nil
}
