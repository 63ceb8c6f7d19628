package scheduler

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gitpulse/gitpulse/internal/jobs"
	"github.com/gitpulse/gitpulse/internal/pipeline"
	"github.com/gitpulse/gitpulse/internal/storage/sqlite"
	"github.com/gitpulse/gitpulse/internal/types"
)

// countingStage records how often the runner invoked it.
type countingStage struct {
	pt types.PipelineType

	mu     sync.Mutex
	runs   int
	params map[string]string
	block  chan struct{} // when non-nil, Run waits on it
}

func (c *countingStage) Type() types.PipelineType { return c.pt }

func (c *countingStage) Run(ctx context.Context, rc *pipeline.RunContext) (pipeline.Stats, error) {
	c.mu.Lock()
	c.runs++
	c.params = rc.Params
	block := c.block
	c.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return pipeline.Stats{}, ctx.Err()
		}
	}
	return pipeline.Stats{ItemsProcessed: 1}, nil
}

func (c *countingStage) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.runs
}

type schedEnv struct {
	jobs  *jobs.Store
	sched *Scheduler
	stage *countingStage
}

func newSchedEnv(t *testing.T) *schedEnv {
	t.Helper()
	store, err := sqlite.New(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	jobStore := jobs.New(store.DB(), logger)
	runner := pipeline.NewRunner(context.Background(), jobStore, logger, time.Second)
	stage := &countingStage{pt: types.PipelineGitHubSync}
	runner.Register(stage)

	return &schedEnv{
		jobs:  jobStore,
		sched: New(jobStore, runner, time.UTC, logger),
		stage: stage,
	}
}

func (e *schedEnv) createSchedule(t *testing.T, sched *types.PipelineSchedule) int64 {
	t.Helper()
	id, err := e.jobs.CreateSchedule(context.Background(), sched)
	require.NoError(t, err)
	return id
}

// waitRuns polls until the stage has run n times; scheduled starts are async.
func (e *schedEnv) waitRuns(t *testing.T, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return e.stage.count() >= n },
		5*time.Second, 10*time.Millisecond)
}

func TestTickInitializesNewSchedule(t *testing.T) {
	env := newSchedEnv(t)
	ctx := context.Background()

	id := env.createSchedule(t, &types.PipelineSchedule{
		PipelineType: types.PipelineGitHubSync,
		CronExpr:     "0 * * * *",
		IsActive:     true,
	})

	base := time.Date(2026, 8, 26, 10, 30, 0, 0, time.UTC)
	env.sched.now = func() time.Time { return base }
	env.sched.tick(ctx)

	// First sight of the schedule only computes the fire time.
	assert.Equal(t, 0, env.stage.count())
	sched, err := env.jobs.GetSchedule(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, sched.NextRunAt)
	assert.Equal(t, time.Date(2026, 8, 26, 11, 0, 0, 0, time.UTC), sched.NextRunAt.UTC())
	assert.Nil(t, sched.LastRunAt)
}

func TestTickFiresDueSchedule(t *testing.T) {
	env := newSchedEnv(t)
	ctx := context.Background()

	id := env.createSchedule(t, &types.PipelineSchedule{
		PipelineType: types.PipelineGitHubSync,
		CronExpr:     "*/15 * * * *",
		IsActive:     true,
		Parameters:   map[string]string{"pages": "2"},
	})

	base := time.Date(2026, 8, 26, 10, 0, 0, 0, time.UTC)
	env.sched.now = func() time.Time { return base }
	env.sched.tick(ctx) // initializes NextRunAt = 10:15

	env.sched.now = func() time.Time { return base.Add(14 * time.Minute) }
	env.sched.tick(ctx)
	assert.Equal(t, 0, env.stage.count(), "not due yet")

	env.sched.now = func() time.Time { return base.Add(16 * time.Minute) }
	env.sched.tick(ctx)
	env.waitRuns(t, 1)

	env.stage.mu.Lock()
	params := env.stage.params
	env.stage.mu.Unlock()
	assert.Equal(t, "2", params["pages"], "schedule parameters reach the stage")

	sched, err := env.jobs.GetSchedule(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, sched.LastRunAt)
	assert.Equal(t, base.Add(16*time.Minute), sched.LastRunAt.UTC())
	require.NotNil(t, sched.NextRunAt)
	assert.Equal(t, time.Date(2026, 8, 26, 10, 30, 0, 0, time.UTC), sched.NextRunAt.UTC())

	// Firing again before the new deadline does nothing.
	env.sched.tick(ctx)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, env.stage.count())
}

func TestTickSkipsRunningPipeline(t *testing.T) {
	env := newSchedEnv(t)
	ctx := context.Background()

	env.stage.block = make(chan struct{})
	defer close(env.stage.block)

	id := env.createSchedule(t, &types.PipelineSchedule{
		PipelineType: types.PipelineGitHubSync,
		CronExpr:     "* * * * *",
		IsActive:     true,
	})

	base := time.Date(2026, 8, 26, 10, 0, 0, 0, time.UTC)
	env.sched.now = func() time.Time { return base }
	env.sched.tick(ctx) // initialize

	env.sched.now = func() time.Time { return base.Add(time.Minute) }
	env.sched.tick(ctx) // fires; stage blocks
	env.waitRuns(t, 1)

	env.sched.now = func() time.Time { return base.Add(2 * time.Minute) }
	env.sched.tick(ctx) // due again, but the type is still running
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, env.stage.count())

	// The schedule still advanced past the skipped fire.
	sched, err := env.jobs.GetSchedule(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, sched.NextRunAt)
	assert.True(t, sched.NextRunAt.After(base.Add(2*time.Minute)))
}

func TestTickIgnoresInvalidCron(t *testing.T) {
	env := newSchedEnv(t)
	ctx := context.Background()

	// Valid at creation, corrupted afterwards.
	id := env.createSchedule(t, &types.PipelineSchedule{
		PipelineType: types.PipelineGitHubSync,
		CronExpr:     "* * * * *",
		IsActive:     true,
	})
	sched, err := env.jobs.GetSchedule(ctx, id)
	require.NoError(t, err)
	sched.CronExpr = "not a cron"
	require.NoError(t, env.jobs.UpdateSchedule(ctx, sched))

	env.sched.now = func() time.Time { return time.Date(2026, 8, 26, 10, 0, 0, 0, time.UTC) }
	env.sched.tick(ctx)
	assert.Equal(t, 0, env.stage.count())
}

func TestTickIgnoresInactiveSchedule(t *testing.T) {
	env := newSchedEnv(t)
	ctx := context.Background()

	env.createSchedule(t, &types.PipelineSchedule{
		PipelineType: types.PipelineGitHubSync,
		CronExpr:     "* * * * *",
		IsActive:     false,
	})

	base := time.Date(2026, 8, 26, 10, 0, 0, 0, time.UTC)
	env.sched.now = func() time.Time { return base }
	env.sched.tick(ctx)
	env.sched.now = func() time.Time { return base.Add(time.Minute) }
	env.sched.tick(ctx)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, env.stage.count())
}

func TestScheduleTimezone(t *testing.T) {
	env := newSchedEnv(t)
	ctx := context.Background()

	// Daily at 09:00 New York time.
	id := env.createSchedule(t, &types.PipelineSchedule{
		PipelineType: types.PipelineGitHubSync,
		CronExpr:     "0 9 * * *",
		Timezone:     "America/New_York",
		IsActive:     true,
	})

	ny, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)

	base := time.Date(2026, 8, 26, 8, 0, 0, 0, ny)
	env.sched.now = func() time.Time { return base }
	env.sched.tick(ctx)

	sched, err := env.jobs.GetSchedule(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, sched.NextRunAt)
	want := time.Date(2026, 8, 26, 9, 0, 0, 0, ny)
	assert.True(t, sched.NextRunAt.Equal(want), "next run %s, want %s", sched.NextRunAt, want)
}

func TestParseCron(t *testing.T) {
	tests := []struct {
		expr  string
		valid bool
	}{
		{"* * * * *", true},
		{"*/5 * * * *", true},
		{"0 9 * * 1-5", true},
		{"@hourly", true},
		{"@every 30m", true},
		{"", false},
		{"* * * *", false},
		{"61 * * * *", false},
	}
	for _, tt := range tests {
		_, err := ParseCron(tt.expr)
		if tt.valid {
			assert.NoError(t, err, "expr %q", tt.expr)
		} else {
			assert.Error(t, err, "expr %q", tt.expr)
		}
	}
}

func TestNextAfter(t *testing.T) {
	at := time.Date(2026, 8, 26, 10, 30, 0, 0, time.UTC)

	next, err := NextAfter("0 * * * *", "", at, time.UTC)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 8, 26, 11, 0, 0, 0, time.UTC), next.UTC())

	ny, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	next, err = NextAfter("0 9 * * *", "America/New_York", at, time.UTC)
	require.NoError(t, err)
	assert.Equal(t, 9, next.In(ny).Hour())

	_, err = NextAfter("bad", "", at, time.UTC)
	require.Error(t, err)

	_, err = NextAfter("* * * * *", "Not/AZone", at, time.UTC)
	require.Error(t, err)
}

func TestRunStopsOnContextCancel(t *testing.T) {
	env := newSchedEnv(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- env.sched.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}
