package jobs

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gitpulse/gitpulse/internal/storage/sqlite"
	"github.com/gitpulse/gitpulse/internal/types"
)

func newTestJobs(t *testing.T) *Store {
	t.Helper()
	store, err := sqlite.New(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return New(store.DB(), nil)
}

func TestBeginRunSingleton(t *testing.T) {
	ctx := context.Background()
	js := newTestJobs(t)

	id, err := js.BeginRun(ctx, types.PipelineGitHubSync, types.TriggerDirect)
	require.NoError(t, err)
	require.NotZero(t, id)

	_, err = js.BeginRun(ctx, types.PipelineGitHubSync, types.TriggerDirect)
	require.ErrorIs(t, err, ErrAlreadyRunning)

	// A different type is unaffected.
	_, err = js.BeginRun(ctx, types.PipelineDataProcessing, types.TriggerScheduled)
	require.NoError(t, err)

	status, err := js.GetStatus(ctx, types.PipelineGitHubSync)
	require.NoError(t, err)
	assert.True(t, status.IsRunning)
	assert.Equal(t, "running", status.Status)
}

func TestBeginRunConcurrent(t *testing.T) {
	ctx := context.Background()
	js := newTestJobs(t)

	const racers = 10
	var wg sync.WaitGroup
	var mu sync.Mutex
	won, lost := 0, 0
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := js.BeginRun(ctx, types.PipelineDataEnrichment, types.TriggerDirect)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				won++
			case errors.Is(err, ErrAlreadyRunning):
				lost++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, won, "exactly one racer may take the singleton")
	assert.Equal(t, racers-1, lost)
}

func TestEndRunReleasesAndIsIdempotent(t *testing.T) {
	ctx := context.Background()
	js := newTestJobs(t)

	id, err := js.BeginRun(ctx, types.PipelineGitHubSync, types.TriggerDirect)
	require.NoError(t, err)

	require.NoError(t, js.EndRun(ctx, id, types.RunCompleted, 12, nil))

	h, err := js.GetHistory(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.RunCompleted, h.Status)
	assert.Equal(t, 12, h.ItemsProcessed)
	assert.NotNil(t, h.CompletedAt)
	assert.Empty(t, h.ErrorMessage)

	// Singleton is free again.
	id2, err := js.BeginRun(ctx, types.PipelineGitHubSync, types.TriggerDirect)
	require.NoError(t, err)
	require.NotEqual(t, id, id2)

	// Closing the first run again must not disturb the second.
	require.NoError(t, js.EndRun(ctx, id, types.RunFailed, 0, errors.New("late duplicate")))
	h, err = js.GetHistory(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.RunCompleted, h.Status, "terminal status must not change")
}

func TestEndRunRecordsFailure(t *testing.T) {
	ctx := context.Background()
	js := newTestJobs(t)

	id, err := js.BeginRun(ctx, types.PipelineAIAnalysis, types.TriggerScheduled)
	require.NoError(t, err)
	require.NoError(t, js.EndRun(ctx, id, types.RunFailed, 3, errors.New("provider exploded")))

	h, err := js.GetHistory(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.RunFailed, h.Status)
	assert.Equal(t, "provider exploded", h.ErrorMessage)

	status, err := js.GetStatus(ctx, types.PipelineAIAnalysis)
	require.NoError(t, err)
	assert.False(t, status.IsRunning)
	assert.Equal(t, "failed", status.Status)
	assert.NotNil(t, status.LastRun)
}

func TestRecordProgress(t *testing.T) {
	ctx := context.Background()
	js := newTestJobs(t)

	id, err := js.BeginRun(ctx, types.PipelineDataProcessing, types.TriggerDirect)
	require.NoError(t, err)
	js.RecordProgress(ctx, id, 40)

	h, err := js.GetHistory(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 40, h.ItemsProcessed)
	assert.Equal(t, types.RunRunning, h.Status)
}

func TestRepairDanglingRuns(t *testing.T) {
	ctx := context.Background()
	js := newTestJobs(t)

	id, err := js.BeginRun(ctx, types.PipelineGitHubSync, types.TriggerDirect)
	require.NoError(t, err)

	// Simulated crash: the process died without EndRun.
	repaired, err := js.RepairDanglingRuns(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), repaired)

	h, err := js.GetHistory(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.RunFailed, h.Status)
	assert.Equal(t, "process terminated", h.ErrorMessage)

	// Singleton was released by the sweep.
	_, err = js.BeginRun(ctx, types.PipelineGitHubSync, types.TriggerDirect)
	require.NoError(t, err)
}

func TestGetStatusDefaultsIdle(t *testing.T) {
	ctx := context.Background()
	js := newTestJobs(t)

	status, err := js.GetStatus(ctx, types.PipelineSitemapGeneration)
	require.NoError(t, err)
	assert.False(t, status.IsRunning)
}

func TestListHistoryNewestFirst(t *testing.T) {
	ctx := context.Background()
	js := newTestJobs(t)

	var ids []int64
	for i := 0; i < 3; i++ {
		id, err := js.BeginRun(ctx, types.PipelineGitHubSync, types.TriggerDirect)
		require.NoError(t, err)
		require.NoError(t, js.EndRun(ctx, id, types.RunCompleted, i, nil))
		ids = append(ids, id)
	}

	all, err := js.ListHistory(ctx, "", 10, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, ids[2], all[0].ID)
	assert.Equal(t, ids[0], all[2].ID)

	filtered, err := js.ListHistory(ctx, types.PipelineDataProcessing, 10, 0)
	require.NoError(t, err)
	assert.Empty(t, filtered)
}

func TestScheduleCRUD(t *testing.T) {
	ctx := context.Background()
	js := newTestJobs(t)

	next := time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)
	id, err := js.CreateSchedule(ctx, &types.PipelineSchedule{
		PipelineType: types.PipelineGitHubSync,
		CronExpr:     "*/15 * * * *",
		Timezone:     "UTC",
		IsActive:     true,
		Parameters:   map[string]string{"batch_size": "50"},
		NextRunAt:    &next,
	})
	require.NoError(t, err)

	sched, err := js.GetSchedule(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "*/15 * * * *", sched.CronExpr)
	assert.Equal(t, "50", sched.Parameters["batch_size"])
	require.NotNil(t, sched.NextRunAt)
	assert.True(t, sched.NextRunAt.Equal(next))

	sched.IsActive = false
	sched.CronExpr = "0 * * * *"
	require.NoError(t, js.UpdateSchedule(ctx, sched))

	active, err := js.ListSchedules(ctx, true)
	require.NoError(t, err)
	assert.Empty(t, active)
	all, err := js.ListSchedules(ctx, false)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "0 * * * *", all[0].CronExpr)

	require.NoError(t, js.DeleteSchedule(ctx, id))
	_, err = js.GetSchedule(ctx, id)
	require.ErrorIs(t, err, ErrScheduleNotFound)
	require.ErrorIs(t, js.DeleteSchedule(ctx, id), ErrScheduleNotFound)
}

func TestMarkScheduleRunPreservesLastRunOnInit(t *testing.T) {
	ctx := context.Background()
	js := newTestJobs(t)

	id, err := js.CreateSchedule(ctx, &types.PipelineSchedule{
		PipelineType: types.PipelineGitHubSync,
		CronExpr:     "0 * * * *",
		IsActive:     true,
	})
	require.NoError(t, err)

	next := time.Date(2026, 9, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, js.MarkScheduleRun(ctx, id, time.Time{}, next))

	sched, err := js.GetSchedule(ctx, id)
	require.NoError(t, err)
	assert.Nil(t, sched.LastRunAt, "initialization must not fabricate a last run")
	require.NotNil(t, sched.NextRunAt)
	assert.True(t, sched.NextRunAt.Equal(next))

	fired := next.Add(time.Minute)
	require.NoError(t, js.MarkScheduleRun(ctx, id, fired, next.Add(time.Hour)))
	sched, err = js.GetSchedule(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, sched.LastRunAt)
	assert.True(t, sched.LastRunAt.Equal(fired))
}
