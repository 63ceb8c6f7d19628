// Package pipeline implements the four ingestion stages and the runner that
// owns their lifecycle: singleton acquisition, progress, cancellation, and
// history bookkeeping.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gitpulse/gitpulse/internal/github"
	"github.com/gitpulse/gitpulse/internal/jobs"
	"github.com/gitpulse/gitpulse/internal/telemetry"
	"github.com/gitpulse/gitpulse/internal/types"
)

// ErrNoExecutor is returned when a valid pipeline type has no stage
// registered in this process (its executor lives elsewhere).
var ErrNoExecutor = errors.New("no executor registered for pipeline type")

// Provider is the slice of the provider client the stages consume. The
// concrete client satisfies it; tests substitute a fake.
type Provider interface {
	GetRepository(ctx context.Context, owner, name string) (*github.Repository, error)
	GetUser(ctx context.Context, id int64) (*github.User, error)
	GetPullRequest(ctx context.Context, owner, name string, number int64) (*github.PullRequest, error)
	ListPullRequestCommits(ctx context.Context, owner, name string, number int64) ([]github.Commit, error)
	GetCommit(ctx context.Context, owner, name, sha string) (*github.Commit, error)
	ListRecentMergedPullRequestEvents(ctx context.Context, pages int) ([]github.MergedPullRequestEvent, error)
	RateLimit() github.RateLimit
}

// Stats summarizes one stage run.
type Stats struct {
	ItemsProcessed int `json:"items_processed"`
	Failed         int `json:"failed"`
	Remaining      int `json:"remaining"`
}

// RunContext carries per-run options into a stage.
type RunContext struct {
	HistoryID  int64
	Trigger    types.TriggerKind
	ProcessAll bool
	Params     map[string]string

	// Progress reports the live item count; wired to the job store's
	// best-effort counter.
	Progress func(items int)
}

func (rc *RunContext) progress(items int) {
	if rc.Progress != nil {
		rc.Progress(items)
	}
}

// Stage is one independently runnable unit of the pipeline.
type Stage interface {
	Type() types.PipelineType
	Run(ctx context.Context, rc *RunContext) (Stats, error)
}

type runHandle struct {
	historyID int64
	cancel    context.CancelFunc
	done      chan struct{}
}

// Runner coordinates stage execution. Distinct pipeline types run in
// parallel; the job store's conditional update keeps each type singular.
type Runner struct {
	jobs  *jobs.Store
	log   *slog.Logger
	grace time.Duration

	// baseCtx parents every run so process shutdown cancels them all.
	baseCtx context.Context

	mu      sync.Mutex
	stages  map[types.PipelineType]Stage
	running map[types.PipelineType]*runHandle
	wg      sync.WaitGroup
}

// NewRunner creates a runner. grace bounds how long Shutdown waits for
// cancelled stages to close their history rows.
func NewRunner(baseCtx context.Context, jobStore *jobs.Store, logger *slog.Logger, grace time.Duration) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	if grace <= 0 {
		grace = 30 * time.Second
	}
	return &Runner{
		jobs:    jobStore,
		log:     logger,
		grace:   grace,
		baseCtx: baseCtx,
		stages:  make(map[types.PipelineType]Stage),
		running: make(map[types.PipelineType]*runHandle),
	}
}

// Register adds a stage. Later registrations for the same type replace
// earlier ones.
func (r *Runner) Register(s Stage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stages[s.Type()] = s
}

// StartOptions control one run.
type StartOptions struct {
	Trigger    types.TriggerKind
	ProcessAll bool
	Params     map[string]string

	// Wait makes Start block until the run finishes and return its stats.
	Wait bool
}

// StartResult reports a started (or completed, when waited on) run.
type StartResult struct {
	HistoryID int64
	Stats     Stats
	Err       error
}

// Start begins a run of the given pipeline type. Callers racing on the same
// type lose with jobs.ErrAlreadyRunning. Valid types without a registered
// stage fail with ErrNoExecutor before any state changes.
func (r *Runner) Start(ctx context.Context, pt types.PipelineType, opts StartOptions) (*StartResult, error) {
	if !pt.IsValid() {
		return nil, fmt.Errorf("invalid pipeline type %q", pt)
	}
	r.mu.Lock()
	stage, ok := r.stages[pt]
	r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoExecutor, pt)
	}

	historyID, err := r.jobs.BeginRun(ctx, pt, opts.Trigger)
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(r.baseCtx)
	handle := &runHandle{historyID: historyID, cancel: cancel, done: make(chan struct{})}
	r.mu.Lock()
	r.running[pt] = handle
	r.mu.Unlock()

	rc := &RunContext{
		HistoryID:  historyID,
		Trigger:    opts.Trigger,
		ProcessAll: opts.ProcessAll,
		Params:     opts.Params,
		Progress: func(items int) {
			r.jobs.RecordProgress(context.Background(), historyID, items)
		},
	}

	result := &StartResult{HistoryID: historyID}
	run := func() {
		defer close(handle.done)
		defer cancel()
		defer func() {
			r.mu.Lock()
			if r.running[pt] == handle {
				delete(r.running, pt)
			}
			r.mu.Unlock()
		}()

		start := time.Now()
		r.log.Info("pipeline run started", "type", pt, "history_id", historyID, "trigger", opts.Trigger)
		stats, runErr := stage.Run(runCtx, rc)
		outcome := types.RunCompleted
		switch {
		case errors.Is(runErr, context.Canceled):
			outcome = types.RunStopped
			runErr = nil
		case runErr != nil:
			outcome = types.RunFailed
		}

		// Background context: history must close even during shutdown.
		endCtx, endCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer endCancel()
		if err := r.jobs.EndRun(endCtx, historyID, outcome, stats.ItemsProcessed, runErr); err != nil {
			r.log.Error("failed to close pipeline run", "type", pt, "history_id", historyID, "error", err)
		}
		r.log.Info("pipeline run finished",
			"type", pt, "history_id", historyID, "outcome", outcome,
			"items", stats.ItemsProcessed, "failed", stats.Failed,
			"duration", time.Since(start).Round(time.Millisecond), "error", runErr)
		telemetry.RecordRun(endCtx, string(pt), string(outcome), stats.ItemsProcessed, time.Since(start))

		result.Stats = stats
		result.Err = runErr
	}

	if opts.Wait {
		run()
		return result, result.Err
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		run()
	}()
	return result, nil
}

// Stop cancels the running stage of a pipeline type. The cancelled run closes
// its own history row as stopped. Returns false when nothing was running.
func (r *Runner) Stop(pt types.PipelineType) (int64, bool) {
	r.mu.Lock()
	handle, ok := r.running[pt]
	r.mu.Unlock()
	if !ok {
		return 0, false
	}
	handle.cancel()
	return handle.historyID, true
}

// IsRunning reports whether a stage of the given type is live in this process.
func (r *Runner) IsRunning(pt types.PipelineType) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.running[pt]
	return ok
}

// Shutdown cancels every running stage and waits up to the grace period for
// them to finalize their history rows.
func (r *Runner) Shutdown() {
	r.mu.Lock()
	for _, handle := range r.running {
		handle.cancel()
	}
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(r.grace):
		r.log.Warn("grace period elapsed with stages still running")
	}
}
