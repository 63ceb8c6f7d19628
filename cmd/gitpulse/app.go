package main

import (
	"context"
	"fmt"

	"github.com/gitpulse/gitpulse/internal/github"
	"github.com/gitpulse/gitpulse/internal/jobs"
	"github.com/gitpulse/gitpulse/internal/pipeline"
	"github.com/gitpulse/gitpulse/internal/storage/sqlite"
)

// app bundles the wired components every command needs.
type app struct {
	store    *sqlite.Store
	jobs     *jobs.Store
	provider *github.Client
	runner   *pipeline.Runner
}

// openApp opens the store and wires the runner with all four stages
// registered. baseCtx parents every pipeline run.
func openApp(ctx context.Context, baseCtx context.Context) (*app, error) {
	store, err := sqlite.New(ctx, cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	jobStore := jobs.New(store.DB(), logger)

	provider := github.NewClient(cfg.ProviderToken, logger)
	if cfg.ProviderBaseURL != "" {
		provider = provider.WithBaseURL(cfg.ProviderBaseURL)
	}
	if cfg.RateLimitLowWater > 0 {
		provider = provider.WithLowWater(cfg.RateLimitLowWater)
	}

	runner := pipeline.NewRunner(baseCtx, jobStore, logger, cfg.ShutdownGrace)
	runner.Register(pipeline.NewSyncStage(store, provider, cfg, logger))
	runner.Register(pipeline.NewProcessStage(store, cfg, logger))
	runner.Register(pipeline.NewEnrichStage(store, provider, cfg, logger))
	runner.Register(pipeline.NewRankStage(store, cfg, logger))

	return &app{store: store, jobs: jobStore, provider: provider, runner: runner}, nil
}

func (a *app) close() {
	if err := a.store.Close(); err != nil {
		logger.Warn("failed to close database", "error", err)
	}
}
