package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tinyclaw/agentcore/internal/agentcore/store"
	"github.com/tinyclaw/agentcore/internal/config"
)

func buildMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the C1 persistence store's pending schema migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate(cmd.Context(), configPath)
		},
	}
}

func runMigrate(ctx context.Context, path string) error {
	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// store.Open already applies pending migrations on construction; this
	// subcommand exists so an operator can run the schema step standalone,
	// ahead of a `serve` that otherwise does it implicitly.
	db, err := store.Open(ctx, cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	defer db.Close()

	fmt.Printf("store %s is up to date\n", cfg.Store.Path)
	return nil
}
