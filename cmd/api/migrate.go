package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"notebook/api/internal/store"
)

func runMigrate(cmd *cobra.Command, args []string) error {
	if cfg.StoreDriver != "postgres" {
		return fmt.Errorf("migrations apply to the postgres store only, configured store is %q", cfg.StoreDriver)
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Minute)
	defer cancel()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database connection failed: %w", err)
	}
	defer db.Close()

	if migrateDryRun {
		pending, err := store.PendingMigrations(ctx, db, cfg.MigrationsDir)
		if err != nil {
			return err
		}
		for _, version := range pending {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		}
		logger.Info("pending migrations", zap.Int("count", len(pending)))
		return nil
	}

	applied, err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir)
	if err != nil {
		return fmt.Errorf("migrations failed: %w", err)
	}
	logger.Info("migrations applied", zap.Strings("versions", applied))
	return nil
}
