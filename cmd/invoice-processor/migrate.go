package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/zoff-tech/invoice-processor/pkg/config"
	"github.com/zoff-tech/invoice-processor/pkg/store"
)

func newMigrateCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the invoices table in the configured SQL store",
		Long: `migrate creates the invoices table and its claim index when they are missing.
It supports the postgres, pgx and sqlite store types; spanner and mongo schemas
are managed outside of this tool.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate(cmd.Context(), opts, cmd.OutOrStdout())
		},
	}
}

func runMigrate(ctx context.Context, opts *rootOptions, out io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := config.LoadFromFile(opts.configPath)
	if err != nil {
		return err
	}

	db, err := store.OpenDB(*cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := store.CreateSchema(ctx, db, cfg.StoreType); err != nil {
		return err
	}
	slog.Info("schema ready", "store_type", cfg.StoreType)
	fmt.Fprintf(out, "schema ready (%s)\n", cfg.StoreType)
	return nil
}
