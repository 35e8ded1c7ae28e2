package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pitabwire/wardflow/internal/config"
	"github.com/pitabwire/wardflow/internal/observability"
	"github.com/pitabwire/wardflow/internal/storage"
)

func newMigrateCmd(configPath *string) *cobra.Command {
	var printOnly bool

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply the Postgres schema",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if printOnly {
				fmt.Fprint(cmd.OutOrStdout(), storage.Schema())
				return nil
			}

			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			if cfg.Store.Driver != "postgres" {
				return fmt.Errorf("migrate: store.driver is %q, nothing to migrate", cfg.Store.Driver)
			}

			logger, err := observability.NewLogger(cfg.Observability)
			if err != nil {
				return fmt.Errorf("logger: %w", err)
			}
			defer logger.Sync()

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			pool, err := openPool(ctx, cfg.Store, logger)
			if err != nil {
				return err
			}
			defer pool.Close()

			if err := storage.Migrate(ctx, pool); err != nil {
				return err
			}
			logger.Info("schema migrated")
			return nil
		},
	}
	cmd.Flags().BoolVar(&printOnly, "print", false, "print the schema instead of applying it")
	return cmd
}
