package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tinyclaw/agentcore/internal/agentcore/shellperm"
	"github.com/tinyclaw/agentcore/internal/agentcore/shield"
	"github.com/tinyclaw/agentcore/internal/config"
	"github.com/tinyclaw/agentcore/internal/tools/policy"
)

func buildAuditCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "audit",
		Short: "Dump the currently active threat feed entries and shell approvals",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAudit(configPath)
		},
	}
}

func runAudit(path string) error {
	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if cfg.Shield.FeedPath != "" {
		feed, err := os.ReadFile(cfg.Shield.FeedPath)
		if err != nil {
			return fmt.Errorf("read shield feed: %w", err)
		}
		engine := shield.New()
		if err := engine.LoadFeed(string(feed)); err != nil {
			return fmt.Errorf("parse shield feed: %w", err)
		}
		entries := engine.Entries()
		fmt.Printf("shield: %d active threat entries\n", len(entries))
		for _, e := range entries {
			if e.Revoked {
				continue
			}
			fmt.Printf("  [%s/%s] %s action=%s confidence=%.2f\n",
				e.Category, e.Severity, e.Fingerprint, e.Action, e.Confidence)
		}
	} else {
		fmt.Println("shield: no feed configured")
	}

	approvals := shellperm.NewStore()
	list := approvals.ListApprovals()
	fmt.Printf("shellperm: %d active approvals\n", len(list))
	for _, cmd := range list {
		fmt.Printf("  %s\n", cmd)
	}

	resolver := policy.NewResolver()
	fmt.Println("policy: built-in tool profiles")
	for _, p := range policy.ListProfiles() {
		allowed := resolver.GetAllowed(policy.GetProfilePolicy(p))
		fmt.Printf("  %s: %v\n", p, allowed)
	}

	return nil
}
