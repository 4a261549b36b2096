package main

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/flowlinehq/flowline/internal/engine"
	"github.com/flowlinehq/flowline/internal/executors"
	"github.com/flowlinehq/flowline/internal/expressions"
	"github.com/flowlinehq/flowline/internal/logging"
	"github.com/flowlinehq/flowline/internal/providers"
	"github.com/flowlinehq/flowline/internal/store"
	"github.com/flowlinehq/flowline/internal/validation"
)

// app wires the engine together from configuration: store, expression
// engines, providers, executors, validator.
type app struct {
	cfg       Config
	logger    *slog.Logger
	store     store.Store
	providers *providers.Registry
	validator *validation.Validator
	engine    *engine.Engine
}

func newLogger(cfg Config) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	var inner slog.Handler
	if cfg.LogFormat == "json" {
		inner = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		inner = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(logging.NewCorrelationHandler(inner))
}

func openStore(ctx context.Context, cfg Config) (store.Store, error) {
	if cfg.DBPath == ":memory:" {
		return store.NewMemoryStore(), nil
	}
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return nil, err
	}
	st, err := store.NewLibSQLStore(cfg.DBPath)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close()
		return nil, err
	}
	return st, nil
}

func newApp(ctx context.Context, cfg Config) (*app, error) {
	logger := newLogger(cfg)

	st, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	cel, err := expressions.NewCELEngine()
	if err != nil {
		st.Close()
		return nil, err
	}
	exprEng := expressions.NewExprEngine()
	jq := expressions.NewGoJQEngine()
	interp := expressions.NewInterpolator()

	files := providers.NewMemoryFileStore()
	registry := providers.NewRegistry()
	for _, p := range []providers.ActionProvider{
		providers.NewNotifyProvider(logger),
		providers.NewHTTPProvider(providers.HTTPConfig{}),
		providers.NewDocumentProvider(files),
		providers.NewFileStatProvider(files),
		providers.NewFileCopyProvider(files),
	} {
		if err := registry.Register(p); err != nil {
			st.Close()
			return nil, err
		}
	}

	var extractor providers.Extractor
	if cfg.ExtractorURL != "" {
		extractor = providers.NewHTTPExtractor(cfg.ExtractorURL, cfg.extractorTimeout())
	} else {
		// No adapter configured: echo the run context back so workflows
		// can still be exercised locally.
		extractor = &providers.EchoExtractor{}
	}

	execs, err := executors.NewDefaultRegistry(executors.Deps{
		CEL:       cel,
		Expr:      exprEng,
		JQ:        jq,
		Interp:    interp,
		Extractor: extractor,
		Providers: registry,
	})
	if err != nil {
		st.Close()
		return nil, err
	}

	validator, err := validation.New(&validation.Options{
		CEL:       cel,
		Expr:      exprEng,
		JQ:        jq,
		Providers: registry,
	})
	if err != nil {
		st.Close()
		return nil, err
	}

	engCfg := engine.DefaultConfig()
	if cfg.Workers > 0 {
		engCfg.Workers = cfg.Workers
	}
	engCfg.StepTimeout = cfg.stepTimeout()
	if cfg.MaxAttempts > 0 {
		engCfg.MaxAttempts = cfg.MaxAttempts
	}

	return &app{
		cfg:       cfg,
		logger:    logger,
		store:     st,
		providers: registry,
		validator: validator,
		engine:    engine.New(st, execs, validator, logger, engCfg),
	}, nil
}

func (a *app) close() {
	a.engine.Close()
	if err := a.store.Close(); err != nil {
		a.logger.Error("closing store", "error", err)
	}
}
