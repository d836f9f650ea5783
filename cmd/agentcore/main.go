// Command agentcore is the CLI entry point for the agent execution core:
// a minimal surface that wires C1-C17 together and blocks (serve), applies
// the C1 persistence schema (migrate), or dumps currently active security
// state for inspection (audit).
//
// This is scaffolding for the excluded setup wizard, not the wizard itself
// — see SPEC_FULL.md's "Supplemented: CLI entrypoint surface".
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"

	configPath string
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	root := buildRootCmd()
	if err := root.Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "agentcore",
		Short:        "agentcore - the multi-provider agent execution core",
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "agentcore.yaml", "path to the configuration file")

	root.AddCommand(
		buildServeCmd(),
		buildMigrateCmd(),
		buildAuditCmd(),
	)
	return root
}
