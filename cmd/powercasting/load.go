package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/smallbiznis/powercasting/internal/clock"
	"github.com/smallbiznis/powercasting/internal/config"
	"github.com/smallbiznis/powercasting/internal/dataset"
	datasetdomain "github.com/smallbiznis/powercasting/internal/dataset/domain"
	"github.com/smallbiznis/powercasting/internal/ingest"
	ingestdomain "github.com/smallbiznis/powercasting/internal/ingest/domain"
	"github.com/smallbiznis/powercasting/internal/migration"
	"github.com/smallbiznis/powercasting/internal/observability"
	"github.com/smallbiznis/powercasting/internal/record"
	"github.com/smallbiznis/powercasting/pkg/db"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
)

func loadCmd() *cobra.Command {
	var (
		datasetCode string
		uploader    string
	)

	cmd := &cobra.Command{
		Use:   "load <file.json>",
		Short: "Stream a JSON array of rows from disk into staging",
		Long: `Load reads a file holding one JSON array of rows and upserts it into the
staging store of a dataset, exactly like POST {prefix}/bulk-add, without
holding the whole file in memory.

Examples:
  powercasting load --dataset demand --uploader ops@example.com demand.json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			var svc ingestdomain.Service
			app := fx.New(
				fx.NopLogger,
				config.Module,
				observability.Module,
				fx.Provide(RegisterSnowflake),
				db.Module,
				clock.Module,
				migration.Module,
				dataset.Module,
				record.Module,
				ingest.Module,
				fx.Populate(&svc),
			)
			if err := app.Err(); err != nil {
				return err
			}

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			if err := app.Start(ctx); err != nil {
				return err
			}
			defer func() { _ = app.Stop(context.Background()) }()

			summary, err := load(ctx, svc, datasetCode, uploader, f)
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(summary)
		},
	}

	cmd.Flags().StringVar(&datasetCode, "dataset", "", "dataset code, e.g. demand or plant_consumption")
	cmd.Flags().StringVar(&uploader, "uploader", "", "uploader identity stamped on every row")
	_ = cmd.MarkFlagRequired("dataset")
	return cmd
}

func load(ctx context.Context, svc ingestdomain.Service, datasetCode, uploader string, r io.Reader) (ingestdomain.Summary, error) {
	batch, err := svc.Begin(ctx, datasetCode, uploader)
	if err != nil {
		return ingestdomain.Summary{}, err
	}
	if err := streamRows(r, batch.Push); err != nil {
		return ingestdomain.Summary{}, err
	}
	return batch.Finish()
}

// streamRows decodes a root JSON array one element at a time.
func streamRows(r io.Reader, push func(row any) error) error {
	dec := json.NewDecoder(r)
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return fmt.Errorf("%w: %w", datasetdomain.ErrPayloadShape, err)
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '[' {
		return datasetdomain.ErrPayloadShape
	}

	for dec.More() {
		var row any
		if err := dec.Decode(&row); err != nil {
			return fmt.Errorf("decode row: %w", err)
		}
		if err := push(row); err != nil {
			return err
		}
	}

	if _, err := dec.Token(); err != nil {
		return fmt.Errorf("decode array end: %w", err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: trailing data after array", datasetdomain.ErrPayloadShape)
	}
	return nil
}
