package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/soyeahso/parley/internal/agent"
	"github.com/soyeahso/parley/internal/aggregator"
	"github.com/soyeahso/parley/internal/channel"
	"github.com/soyeahso/parley/internal/config"
	"github.com/soyeahso/parley/internal/hooks"
	"github.com/soyeahso/parley/internal/lease"
	"github.com/soyeahso/parley/internal/llm"
	"github.com/soyeahso/parley/internal/logging"
	"github.com/soyeahso/parley/internal/metrics"
	"github.com/soyeahso/parley/internal/plugin"
	"github.com/soyeahso/parley/internal/plugin/builtin"
	"github.com/soyeahso/parley/internal/routing"
	"github.com/soyeahso/parley/internal/store"
	"github.com/soyeahso/parley/internal/tool"
)

// app is the assembled turn pipeline shared by serve, chat and capabilities.
type app struct {
	cfg      config.Config
	log      *logging.Logger
	db       *store.DB
	hooks    *hooks.Manager
	metrics  *metrics.Metrics
	engines  *llm.Registry
	caps     *tool.Registry
	plugins  *plugin.Registry
	channels *channel.Registry
	executor *tool.Executor
	orch     *agent.Orchestrator
	router   *routing.Router

	closers []func() error
}

type appOptions struct {
	dbPath string
	client llm.Client
}

type appOption func(*appOptions)

// withDatabase sets the SQLite path. Without one, sessions stay in memory
// and notes, turn audit and artifact records are disabled.
func withDatabase(path string) appOption {
	return func(o *appOptions) { o.dbPath = path }
}

// withEngine bypasses the provider registry.
func withEngine(c llm.Client) appOption {
	return func(o *appOptions) { o.client = c }
}

// newApp wires every component except transports. Register channels on
// a.channels, then call a.router.Wire.
func newApp(ctx context.Context, cfg config.Config, log *logging.Logger, opts ...appOption) (_ *app, err error) {
	var o appOptions
	for _, opt := range opts {
		opt(&o)
	}

	a := &app{
		cfg:      cfg,
		log:      log,
		hooks:    hooks.NewManager(log),
		engines:  llm.NewRegistryFromConfig(cfg.Engine, log),
		caps:     tool.NewRegistry(),
		channels: channel.NewRegistry(log),
	}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	if cfg.Metrics.Enabled {
		a.metrics = metrics.New()
	}

	if o.dbPath != "" {
		a.db, err = store.Open(o.dbPath, log)
		if err != nil {
			return nil, fmt.Errorf("opening database: %w", err)
		}
		a.closers = append(a.closers, a.db.Close)
	}

	var sessions agent.SessionStore
	if cfg.Session.Store == "sqlite" && a.db != nil {
		sessions = store.NewSQLiteSessionStore(a.db)
	} else {
		sessions = agent.NewMemorySessionStore()
	}

	var bopts []builtin.Option
	if cfg.Memory.Enabled && a.db != nil {
		bopts = append(bopts, builtin.WithNotes(store.NewNoteStore(a.db)))
	}
	a.plugins = plugin.NewRegistry(a.hooks, a.caps, log)
	if err = a.plugins.Register(builtin.New(bopts...)); err != nil {
		return nil, err
	}
	if err = a.plugins.InitAll(ctx); err != nil {
		return nil, fmt.Errorf("initializing plugins: %w", err)
	}
	a.closers = append(a.closers, func() error { a.plugins.CloseAll(); return nil })

	var artifacts routing.ArtifactRecorder
	var turns routing.TurnRecorder
	if a.db != nil {
		artifacts = store.NewArtifactLog(a.db)
		turns = store.NewTurnLog(a.db)
	}

	a.executor = tool.NewExecutor(a.caps, log,
		tool.WithTimeout(cfg.Turn.ToolTimeout),
		tool.WithSink(routing.NewChannelSink(a.channels, artifacts, log)),
		tool.WithMetrics(a.metrics),
	)

	orchOpts := []agent.Option{agent.WithHooks(a.hooks), agent.WithMetrics(a.metrics)}
	if o.client != nil {
		orchOpts = append(orchOpts, agent.WithClient(o.client))
	} else if len(a.engines.List()) == 0 {
		log.Warn().Msg("no engine providers configured; every turn will fail")
	}
	a.orch = agent.NewOrchestrator(agent.Config{
		AssistantName: cfg.Engine.AssistantName,
		Model:         cfg.Engine.Model,
		Fallbacks:     cfg.Engine.Fallbacks,
		MaxTokens:     cfg.Engine.MaxTokens,
		Temperature:   cfg.Engine.Temperature,
		ExtraPrompt:   cfg.Engine.ExtraPrompt,
		MaxDepth:      cfg.Turn.MaxDepth,
		EngineTimeout: cfg.Turn.EngineTimeout,
		DirectiveTag:  cfg.Turn.DirectiveTag,
	}, a.engines, a.executor, sessions, log, orchOpts...)

	leaser, closeLease := lease.FromConfig(cfg.Lease, log)
	a.closers = append(a.closers, closeLease)

	routerOpts := []routing.Option{
		routing.WithLeaser(leaser),
		routing.WithHooks(a.hooks),
		routing.WithMetrics(a.metrics),
	}
	if turns != nil {
		routerOpts = append(routerOpts, routing.WithTurnLog(turns))
	}
	a.router = routing.NewRouter(a.channels, a.orch, aggregator.Config{
		QuietPeriod: cfg.Aggregator.QuietPeriod,
		MaxWait:     cfg.Aggregator.MaxWait,
		IdleTTL:     cfg.Aggregator.IdleTTL,
	}, cfg.Session.Scope, log, routerOpts...)

	return a, nil
}

// Close stops the router and releases resources in reverse order.
func (a *app) Close() error {
	if a.router != nil {
		a.router.Stop()
	}
	a.hooks.Wait()

	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
