package main

import (
	"github.com/smallbiznis/powercasting/internal/clock"
	"github.com/smallbiznis/powercasting/internal/config"
	"github.com/smallbiznis/powercasting/internal/migration"
	"github.com/smallbiznis/powercasting/internal/observability"
	"github.com/smallbiznis/powercasting/internal/server"
	"github.com/smallbiznis/powercasting/pkg/db"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app := fx.New(
				config.Module,
				observability.Module,
				fx.Provide(RegisterSnowflake),
				db.Module,
				clock.Module,
				migration.Module,
				server.Module,
			)
			if err := app.Err(); err != nil {
				return err
			}
			app.Run()
			return nil
		},
	}
}
