package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tinyclaw/agentcore/internal/agentcore/agentloop"
	"github.com/tinyclaw/agentcore/internal/agentcore/background"
	"github.com/tinyclaw/agentcore/internal/agentcore/compaction"
	"github.com/tinyclaw/agentcore/internal/agentcore/intercom"
	"github.com/tinyclaw/agentcore/internal/agentcore/lifecycle"
	"github.com/tinyclaw/agentcore/internal/agentcore/memory"
	"github.com/tinyclaw/agentcore/internal/agentcore/providers"
	"github.com/tinyclaw/agentcore/internal/agentcore/queue"
	"github.com/tinyclaw/agentcore/internal/agentcore/routing"
	"github.com/tinyclaw/agentcore/internal/agentcore/runner"
	"github.com/tinyclaw/agentcore/internal/agentcore/shield"
	"github.com/tinyclaw/agentcore/internal/agentcore/store"
	"github.com/tinyclaw/agentcore/internal/agentcore/templates"
	"github.com/tinyclaw/agentcore/internal/agentcore/timeout"
	"github.com/tinyclaw/agentcore/internal/agentcore/types"
	"github.com/tinyclaw/agentcore/internal/config"
	"github.com/tinyclaw/agentcore/internal/observability"
)

func buildServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Wire the agent execution core together and block until shutdown",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath)
		},
	}
}

func runServe(ctx context.Context, path string) error {
	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	metrics := observability.NewMetrics()

	db, err := store.Open(ctx, cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	loop, err := wireLoop(ctx, cfg, db, metrics)
	if err != nil {
		return err
	}

	stream := make(chan agentloop.Event, 16)
	go func() {
		for ev := range stream {
			if ev.Type == agentloop.EventError {
				slog.Error("turn failed", "error", ev.Err)
			}
		}
	}()

	slog.Info("agentcore serve starting",
		"host", cfg.Server.Host, "port", cfg.Server.Port, "store", cfg.Store.Path)

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	// loop.Handle is ready to accept turns from whatever inbound transport
	// fronts it; wiring that transport is wire-level encoding, out of scope.
	slog.Info("agent loop wired", "historyDepth", cfg.Compaction.Threshold, "ready", loop != nil)

	<-sigCtx.Done()
	slog.Info("agentcore serve shutting down")
	return nil
}

// wireLoop assembles a Loop backed by every C1-C17 component, mirroring the
// teacher's service-wiring style in cmd/nexus/handlers_serve.go.
func wireLoop(ctx context.Context, cfg *config.Config, db *store.DB, metrics *observability.Metrics) (*agentloop.Loop, error) {
	q := queue.New()
	bus := intercom.New(intercom.WithHandlerErrorHook(func(topic intercom.Topic, rec any) {
		slog.Error("intercom handler panicked", "topic", string(topic), "recovered", rec)
	}))
	estimator := timeout.New()

	events := observability.NewEventRecorder(observability.NewMemoryEventStore(1000), observability.NewLogger(observability.LogConfig{}))
	lc := lifecycle.New(db, bus, lifecycle.WithEventRecorder(events))
	tm := templates.New(db)
	bg := background.New(db, q, estimator, lc, tm, bus, background.WithMetrics(metrics))
	mem := memory.New(db)

	shieldEngine := shield.New()
	if cfg.Shield.FeedPath != "" {
		feed, err := os.ReadFile(cfg.Shield.FeedPath)
		if err != nil {
			return nil, fmt.Errorf("read shield feed: %w", err)
		}
		if err := shieldEngine.LoadFeed(string(feed)); err != nil {
			return nil, fmt.Errorf("parse shield feed: %w", err)
		}
	}

	reg, err := buildRegistry(ctx, cfg)
	if err != nil {
		return nil, err
	}

	compactor := compaction.New(db, nil, compaction.Config{})

	loop := agentloop.New(agentloop.Config{
		Queue:               q,
		Store:               db,
		Compactor:           compactor,
		CompactionThreshold: cfg.Compaction.Threshold,
		Background:          bg,
		Memory:              mem,
		Shield:              shieldEngine,
		Routing:             reg,
		Tools:               runner.NewToolSet(nil, nil),
		Persona:             agentloop.PersonaContext{BasePersona: cfg.Persona.BasePersona},
		Metrics:             metrics,
	})
	return loop, nil
}

func buildRegistry(ctx context.Context, cfg *config.Config) (*routing.Registry, error) {
	fallback := cfg.Routing.Fallback
	if fallback == "" {
		fallback = "anthropic"
	}
	reg := routing.New(fallback)

	if p := cfg.Providers.Anthropic; p != nil {
		warnUnknownModel("anthropic", p.Model)
		apiKey, err := p.ResolveAPIKey(ctx)
		if err != nil {
			return nil, fmt.Errorf("anthropic credentials: %w", err)
		}
		reg.Register(providers.NewAnthropicAdapter(providers.AnthropicConfig{
			ID: "anthropic", APIKey: apiKey, Model: p.Model, BaseURL: p.BaseURL,
			Timeout: nonZeroOr(p.Timeout, 60*time.Second),
		}))
	}
	if p := cfg.Providers.OpenAI; p != nil {
		warnUnknownModel("openai", p.Model)
		apiKey, err := p.ResolveAPIKey(ctx)
		if err != nil {
			return nil, fmt.Errorf("openai credentials: %w", err)
		}
		reg.Register(providers.NewOpenAIAdapter(providers.OpenAIConfig{
			ID: "openai", APIKey: apiKey, Model: p.Model,
			Timeout: nonZeroOr(p.Timeout, 60*time.Second),
		}))
	}
	if p := cfg.Providers.Local; p != nil {
		reg.Register(providers.NewLocalAdapter(providers.LocalConfig{
			ID: "local", BaseURL: p.BaseURL, Model: p.Model,
			Timeout: nonZeroOr(p.Timeout, 60*time.Second),
		}))
	}

	for tierName, providerID := range cfg.Routing.Tiers {
		reg.MapTier(types.Tier(tierName), providerID)
	}

	if err := reg.Validate(); err != nil {
		return nil, fmt.Errorf("routing config: %w", err)
	}
	return reg, nil
}

// warnUnknownModel logs a startup warning when the configured model isn't in
// the provider catalog, or is catalogued but deprecated — an operator typo
// here otherwise surfaces as a confusing first-turn provider error instead.
func warnUnknownModel(providerID, model string) {
	info, ok := providers.ModelCapabilities(model)
	if !ok {
		slog.Warn("model not in capability catalog, proceeding anyway", "provider", providerID, "model", model)
		return
	}
	if info.Deprecated {
		slog.Warn("configured model is deprecated", "provider", providerID, "model", model, "replacedBy", info.ReplacedBy)
	}
}

func nonZeroOr(d, fallback time.Duration) time.Duration {
	if d <= 0 {
		return fallback
	}
	return d
}
