package main

import (
	"context"
	"fmt"

	"redforge/internal/config"
	"redforge/internal/converter"
	"redforge/internal/embedding"
	"redforge/internal/events"
	"redforge/internal/exploit"
	"redforge/internal/gateway"
	"redforge/internal/knowledge"
	"redforge/internal/pipeline"
	"redforge/internal/policy"
	"redforge/internal/probe"
	"redforge/internal/recon"
	"redforge/internal/scan"
	"redforge/internal/schedule"
	"redforge/internal/store"
	"redforge/internal/target"
)

// app bundles the wired components behind a command. Engines are
// built without a store: the pipeline coordinator is the sole
// artifact writer, and only the knowledge base writes episodes.
type app struct {
	cfg      *config.Config
	store    *store.Store
	bus      *events.Bus
	gateway  gateway.Gateway
	client   *target.Client
	registry *converter.Registry
	catalog  *probe.Catalog
	gate     *policy.Gate
	watcher  *policy.Watcher
	kb       *knowledge.KB
	pipeline *pipeline.Coordinator
}

// openApp loads configuration and wires the full component graph.
// The caller owns the returned app and must Close it.
func openApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	st, err := store.New(cfg.Store.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	a := &app{cfg: cfg, store: st, bus: events.NewBus()}

	a.gateway, err = gateway.New(cfg.Gateway)
	if err != nil {
		a.Close()
		return nil, err
	}

	engine, err := embeddingEngine(cfg)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.kb = knowledge.New(st, engine, a.gateway, cfg.Knowledge)

	a.registry = converter.NewRegistry()
	if dir := cfg.Converters.PluginsDir; dir != "" {
		if err := a.registry.LoadPluginDir(dir); err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to load converter plugins: %w", err)
		}
	}

	a.catalog = probe.NewCatalog()
	if dir := cfg.Probes.PacksDir; dir != "" {
		if err := a.catalog.LoadPackDir(dir); err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to load probe packs: %w", err)
		}
	}

	a.gate, err = policy.NewGate(cfg.Policy)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to build policy gate: %w", err)
	}
	if cfg.Policy.Enabled && cfg.Policy.HotReload {
		a.watcher, err = policy.NewWatcher(a.gate, cfg.Policy.RulesDir)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to watch policy rules: %w", err)
		}
		if err := a.watcher.Start(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to start policy watcher: %w", err)
		}
	}

	a.client = target.NewClient()
	sched := schedule.New(cfg.Schedule)

	rec := recon.New(a.gateway, a.client, a.bus)
	sc := scan.New(a.gateway, a.client, a.gate, a.catalog, sched, nil, a.bus)
	ex := exploit.New(a.gateway, a.client, a.registry, a.kb, sched, nil, a.bus)
	a.pipeline = pipeline.New(*cfg, st, a.bus, rec, sc, ex)

	return a, nil
}

// embeddingEngine follows the gateway provider: a mock gateway gets
// mock embeddings so offline runs need no credentials.
func embeddingEngine(cfg *config.Config) (embedding.Engine, error) {
	ecfg := embedding.DefaultConfig()
	ecfg.APIKey = cfg.Gateway.APIKey
	if cfg.Gateway.EmbeddingModel != "" {
		ecfg.Model = cfg.Gateway.EmbeddingModel
	}
	if cfg.Gateway.Provider == "mock" {
		ecfg.Provider = "mock"
	}
	return embedding.NewEngine(ecfg)
}

func (a *app) Close() {
	if a.watcher != nil {
		a.watcher.Stop()
	}
	if a.bus != nil {
		a.bus.Close()
	}
	if a.store != nil {
		_ = a.store.Close()
	}
}
