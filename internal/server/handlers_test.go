package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gitpulse/gitpulse/internal/config"
	"github.com/gitpulse/gitpulse/internal/jobs"
	"github.com/gitpulse/gitpulse/internal/pipeline"
	"github.com/gitpulse/gitpulse/internal/storage/sqlite"
	"github.com/gitpulse/gitpulse/internal/types"
)

// stubStage completes immediately unless block is set.
type stubStage struct {
	pt types.PipelineType

	mu    sync.Mutex
	runs  int
	block chan struct{}
}

func (s *stubStage) Type() types.PipelineType { return s.pt }

func (s *stubStage) Run(ctx context.Context, rc *pipeline.RunContext) (pipeline.Stats, error) {
	s.mu.Lock()
	s.runs++
	block := s.block
	s.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return pipeline.Stats{}, ctx.Err()
		}
	}
	return pipeline.Stats{ItemsProcessed: 3}, nil
}

type serverEnv struct {
	store   *sqlite.Store
	jobs    *jobs.Store
	runner  *pipeline.Runner
	handler http.Handler
	sync    *stubStage
}

func newServerEnv(t *testing.T) *serverEnv {
	t.Helper()
	store, err := sqlite.New(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	jobStore := jobs.New(store.DB(), logger)
	runner := pipeline.NewRunner(context.Background(), jobStore, logger, time.Second)
	syncStage := &stubStage{pt: types.PipelineGitHubSync}
	runner.Register(syncStage)
	runner.Register(&stubStage{pt: types.PipelineAIAnalysis})

	cfg := &config.Config{ScheduleTimezone: "UTC", ShutdownGrace: time.Second}
	srv := New(store, jobStore, runner, cfg, logger)
	return &serverEnv{
		store:   store,
		jobs:    jobStore,
		runner:  runner,
		handler: srv.Handler(),
		sync:    syncStage,
	}
}

func (e *serverEnv) request(t *testing.T, method, path, body string) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)

	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env),
		"non-JSON response: %s", rec.Body.String())
	return rec, env
}

func (e *serverEnv) waitIdle(t *testing.T, pt types.PipelineType) {
	t.Helper()
	require.Eventually(t, func() bool { return !e.runner.IsRunning(pt) },
		5*time.Second, 10*time.Millisecond)
}

func TestPipelineStart(t *testing.T) {
	env := newServerEnv(t)

	rec, resp := env.request(t, "POST", "/pipeline/start", `{"pipeline_type":"github_sync"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, resp.Success)
	data, ok := resp.Data.(map[string]any)
	require.True(t, ok)
	assert.Greater(t, data["history_id"].(float64), 0.0)
	env.waitIdle(t, types.PipelineGitHubSync)
}

func TestPipelineStartDirectExecution(t *testing.T) {
	env := newServerEnv(t)

	rec, resp := env.request(t, "POST", "/pipeline/start",
		`{"pipeline_type":"github_sync","process_all_items":true,"direct_execution":true}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, resp.Success)
	assert.Contains(t, resp.Message, "completed")
	data, ok := resp.Data.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(3), data["items_processed"])

	// The run already finished when the response arrived.
	assert.False(t, env.runner.IsRunning(types.PipelineGitHubSync))
}

func TestPipelineStartRejectsUnknownType(t *testing.T) {
	env := newServerEnv(t)

	rec, resp := env.request(t, "POST", "/pipeline/start", `{"pipeline_type":"laundry"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.False(t, resp.Success)
	assert.Contains(t, resp.Error, "unknown pipeline type")
}

func TestPipelineStartNoExecutor(t *testing.T) {
	env := newServerEnv(t)

	// Valid type, but nothing registered for it in this process.
	rec, resp := env.request(t, "POST", "/pipeline/start", `{"pipeline_type":"sitemap_generation"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, resp.Error, "no executor")
}

func TestPipelineStartRejectsBadBody(t *testing.T) {
	env := newServerEnv(t)

	rec, _ := env.request(t, "POST", "/pipeline/start", `{"pipeline_type":`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = env.request(t, "POST", "/pipeline/start", `{"pipeline_type":"github_sync","bogus":1}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "unknown fields are rejected")
}

func TestPipelineStartConflict(t *testing.T) {
	env := newServerEnv(t)
	env.sync.block = make(chan struct{})
	defer close(env.sync.block)

	rec, _ := env.request(t, "POST", "/pipeline/start", `{"pipeline_type":"github_sync"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec, resp := env.request(t, "POST", "/pipeline/start", `{"pipeline_type":"github_sync"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, resp.Error, "already running")
}

func TestPipelineStopWhenIdle(t *testing.T) {
	env := newServerEnv(t)

	rec, resp := env.request(t, "POST", "/pipeline/stop", `{"pipeline_type":"github_sync"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, resp.Error, "not running")
}

func TestPipelineStopRunning(t *testing.T) {
	env := newServerEnv(t)
	env.sync.block = make(chan struct{}) // never closed; stop cancels the run

	rec, _ := env.request(t, "POST", "/pipeline/start", `{"pipeline_type":"github_sync"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec, resp := env.request(t, "POST", "/pipeline/stop", `{"pipeline_type":"github_sync"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, resp.Success)
	env.waitIdle(t, types.PipelineGitHubSync)
}

func TestPipelineRestart(t *testing.T) {
	env := newServerEnv(t)
	env.sync.block = make(chan struct{}) // restart cancels the blocked run

	rec, _ := env.request(t, "POST", "/pipeline/start", `{"pipeline_type":"github_sync"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec, resp := env.request(t, "POST", "/pipeline/restart", `{"pipeline_type":"github_sync"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, resp.Success)

	require.Eventually(t, func() bool {
		env.sync.mu.Lock()
		defer env.sync.mu.Unlock()
		return env.sync.runs == 2
	}, 5*time.Second, 10*time.Millisecond)

	close(env.sync.block)
	env.waitIdle(t, types.PipelineGitHubSync)
}

func TestPipelineStatus(t *testing.T) {
	env := newServerEnv(t)

	rec, resp := env.request(t, "GET", "/pipeline/status", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	statuses, ok := resp.Data.([]any)
	require.True(t, ok)
	assert.Len(t, statuses, len(types.AllPipelineTypes))

	rec, resp = env.request(t, "GET", "/pipeline/status?pipeline_type=github_sync", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	status, ok := resp.Data.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "github_sync", status["pipeline_type"])
	assert.Equal(t, false, status["is_running"])

	rec, _ = env.request(t, "GET", "/pipeline/status?pipeline_type=nope", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPipelineHistory(t *testing.T) {
	env := newServerEnv(t)

	rec, _ := env.request(t, "POST", "/pipeline/start", `{"pipeline_type":"github_sync"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	env.waitIdle(t, types.PipelineGitHubSync)

	rec, resp := env.request(t, "GET", "/pipeline/history?pipeline_type=github_sync", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	entries, ok := resp.Data.([]any)
	require.True(t, ok)
	require.Len(t, entries, 1)
	entry := entries[0].(map[string]any)
	assert.Equal(t, "completed", entry["status"])
	assert.Equal(t, float64(3), entry["items_processed"])

	rec, _ = env.request(t, "GET", "/pipeline/history?pipeline_type=bad", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestScheduleLifecycle(t *testing.T) {
	env := newServerEnv(t)

	rec, resp := env.request(t, "POST", "/schedules",
		`{"pipeline_type":"github_sync","cron_expr":"*/10 * * * *","parameters":{"pages":"2"}}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	created, ok := resp.Data.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, true, created["is_active"], "schedules default to active")
	assert.NotEmpty(t, created["next_run_at"], "fire time is computed at creation")
	id := int64(created["id"].(float64))
	require.Greater(t, id, int64(0))

	rec, resp = env.request(t, "GET", "/schedules/1", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	got := resp.Data.(map[string]any)
	assert.Equal(t, "*/10 * * * *", got["cron_expr"])

	rec, resp = env.request(t, "GET", "/schedules", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, resp.Data.([]any), 1)

	rec, resp = env.request(t, "PATCH", "/schedules/1",
		`{"pipeline_type":"github_sync","cron_expr":"0 * * * *","is_active":false}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	updated := resp.Data.(map[string]any)
	assert.Equal(t, "0 * * * *", updated["cron_expr"])
	assert.Equal(t, false, updated["is_active"])

	rec, _ = env.request(t, "DELETE", "/schedules/1", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, _ = env.request(t, "GET", "/schedules/1", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestScheduleCreateValidation(t *testing.T) {
	env := newServerEnv(t)

	rec, _ := env.request(t, "POST", "/schedules",
		`{"pipeline_type":"github_sync","cron_expr":"not a cron"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = env.request(t, "POST", "/schedules",
		`{"pipeline_type":"mystery","cron_expr":"* * * * *"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestScheduleNotFound(t *testing.T) {
	env := newServerEnv(t)

	rec, _ := env.request(t, "GET", "/schedules/99", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, _ = env.request(t, "PATCH", "/schedules/99",
		`{"pipeline_type":"github_sync","cron_expr":"* * * * *"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, _ = env.request(t, "DELETE", "/schedules/99", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, _ = env.request(t, "POST", "/schedules/99/trigger", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestScheduleTrigger(t *testing.T) {
	env := newServerEnv(t)

	rec, _ := env.request(t, "POST", "/schedules",
		`{"pipeline_type":"github_sync","cron_expr":"0 3 * * *"}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec, resp := env.request(t, "POST", "/schedules/1/trigger", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, resp.Success)
	env.waitIdle(t, types.PipelineGitHubSync)

	env.sync.mu.Lock()
	runs := env.sync.runs
	env.sync.mu.Unlock()
	assert.Equal(t, 1, runs)
}

func TestRankingsEndpoint(t *testing.T) {
	env := newServerEnv(t)
	ctx := context.Background()

	login := "alice"
	uuid, err := env.store.UpsertContributor(ctx, &types.Contributor{ProviderID: 10, Username: &login})
	require.NoError(t, err)
	require.NoError(t, env.store.InsertRankingSnapshot(ctx, []*types.ContributorRanking{
		{ContributorUUID: uuid, ContributorProviderID: 10, RankPosition: 1, TotalScore: 42.5},
	}, time.Now().UTC()))

	rec, resp := env.request(t, "GET", "/rankings", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	rankings, ok := resp.Data.([]any)
	require.True(t, ok)
	require.Len(t, rankings, 1)
	top := rankings[0].(map[string]any)
	assert.Equal(t, float64(1), top["rank_position"])
	assert.Equal(t, 42.5, top["total_score"])
}

func TestRankingForContributor(t *testing.T) {
	env := newServerEnv(t)
	ctx := context.Background()

	login := "alice"
	uuid, err := env.store.UpsertContributor(ctx, &types.Contributor{ProviderID: 10, Username: &login})
	require.NoError(t, err)
	require.NoError(t, env.store.InsertRankingSnapshot(ctx, []*types.ContributorRanking{
		{ContributorUUID: uuid, ContributorProviderID: 10, RankPosition: 1, TotalScore: 42.5},
	}, time.Now().UTC()))

	rec, resp := env.request(t, "GET", "/rankings/10", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	got := resp.Data.(map[string]any)
	assert.Equal(t, float64(10), got["contributor_provider_id"])

	rec, _ = env.request(t, "GET", "/rankings/999", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, _ = env.request(t, "GET", "/rankings/abc", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealth(t *testing.T) {
	env := newServerEnv(t)

	rec, resp := env.request(t, "GET", "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, resp.Success)

	require.NoError(t, env.store.Close())
	rec, resp = env.request(t, "GET", "/healthz", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.False(t, resp.Success)
}
