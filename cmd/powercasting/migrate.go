package main

import (
	"fmt"

	"github.com/smallbiznis/powercasting/internal/config"
	"github.com/smallbiznis/powercasting/internal/migration"
	obslogger "github.com/smallbiznis/powercasting/internal/observability/logger"
	"github.com/smallbiznis/powercasting/pkg/db"
	"github.com/spf13/cobra"
)

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the database schema",
	}
	cmd.AddCommand(migrateUpCmd())
	cmd.AddCommand(migrateDownCmd())
	return cmd
}

func migrateUpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			conn, err := db.Open(cfg, obslogger.DefaultGormLoggerConfig())
			if err != nil {
				return fmt.Errorf("open database: %w", err)
			}
			sqlDB, err := conn.DB()
			if err != nil {
				return err
			}
			defer sqlDB.Close()

			if err := migration.Run(conn, cfg); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "schema up to date (%s)\n", cfg.DBType)
			return nil
		},
	}
}

func migrateDownCmd() *cobra.Command {
	var steps int

	cmd := &cobra.Command{
		Use:   "down",
		Short: "Revert the most recent migrations (postgres only)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			if cfg.DBType != db.TypePostgres {
				return fmt.Errorf("migrate down is only supported on %s, got %s", db.TypePostgres, cfg.DBType)
			}
			conn, err := db.Open(cfg, obslogger.DefaultGormLoggerConfig())
			if err != nil {
				return fmt.Errorf("open database: %w", err)
			}
			sqlDB, err := conn.DB()
			if err != nil {
				return err
			}
			defer sqlDB.Close()

			if err := migration.Down(sqlDB, steps); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "reverted %d migration(s)\n", steps)
			return nil
		},
	}

	cmd.Flags().IntVar(&steps, "steps", 1, "number of migrations to revert")
	return cmd
}
