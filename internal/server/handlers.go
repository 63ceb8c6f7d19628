package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/gitpulse/gitpulse/internal/jobs"
	"github.com/gitpulse/gitpulse/internal/pipeline"
	"github.com/gitpulse/gitpulse/internal/scheduler"
	"github.com/gitpulse/gitpulse/internal/storage/sqlite"
	"github.com/gitpulse/gitpulse/internal/types"
)

// envelope is the uniform response body of every endpoint.
type envelope struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
	Data    any    `json:"data,omitempty"`
}

func (s *Server) respond(w http.ResponseWriter, status int, env envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(env); err != nil {
		s.log.Error("failed to encode response", "error", err)
	}
}

func (s *Server) ok(w http.ResponseWriter, message string, data any) {
	s.respond(w, http.StatusOK, envelope{Success: true, Message: message, Data: data})
}

func (s *Server) fail(w http.ResponseWriter, status int, format string, args ...any) {
	s.respond(w, status, envelope{Success: false, Error: fmt.Sprintf(format, args...)})
}

func decodeBody(r *http.Request, dst any) error {
	defer func() { _ = r.Body.Close() }()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

// ---- pipeline control ----

type pipelineRequest struct {
	PipelineType types.PipelineType `json:"pipeline_type"`
	ProcessAll   bool               `json:"process_all_items,omitempty"`
	Parameters   map[string]string  `json:"parameters,omitempty"`

	// DirectExecution blocks the request until the run finishes and reports
	// its item count instead of returning right after the start.
	DirectExecution bool `json:"direct_execution,omitempty"`
}

func (s *Server) handlePipelineStart(w http.ResponseWriter, r *http.Request) {
	var req pipelineRequest
	if err := decodeBody(r, &req); err != nil {
		s.fail(w, http.StatusBadRequest, "invalid request body: %v", err)
		return
	}
	if !req.PipelineType.IsValid() {
		s.fail(w, http.StatusBadRequest, "unknown pipeline type %q", req.PipelineType)
		return
	}

	res, err := s.runner.Start(r.Context(), req.PipelineType, pipeline.StartOptions{
		Trigger:    types.TriggerDirect,
		ProcessAll: req.ProcessAll,
		Params:     req.Parameters,
		Wait:       req.DirectExecution,
	})
	switch {
	case errors.Is(err, jobs.ErrAlreadyRunning):
		s.fail(w, http.StatusConflict, "pipeline %s is already running", req.PipelineType)
	case errors.Is(err, pipeline.ErrNoExecutor):
		s.fail(w, http.StatusBadRequest, "pipeline %s has no executor in this process", req.PipelineType)
	case err != nil && req.DirectExecution:
		s.fail(w, http.StatusInternalServerError, "pipeline %s failed: %v", req.PipelineType, err)
	case err != nil:
		s.fail(w, http.StatusInternalServerError, "failed to start pipeline: %v", err)
	case req.DirectExecution:
		s.ok(w, fmt.Sprintf("pipeline %s completed", req.PipelineType), map[string]any{
			"history_id":      res.HistoryID,
			"items_processed": res.Stats.ItemsProcessed,
		})
	default:
		s.ok(w, fmt.Sprintf("pipeline %s started", req.PipelineType), map[string]any{
			"history_id": res.HistoryID,
		})
	}
}

func (s *Server) handlePipelineStop(w http.ResponseWriter, r *http.Request) {
	var req pipelineRequest
	if err := decodeBody(r, &req); err != nil {
		s.fail(w, http.StatusBadRequest, "invalid request body: %v", err)
		return
	}
	if !req.PipelineType.IsValid() {
		s.fail(w, http.StatusBadRequest, "unknown pipeline type %q", req.PipelineType)
		return
	}

	historyID, stopped := s.runner.Stop(req.PipelineType)
	if !stopped {
		s.fail(w, http.StatusConflict, "pipeline %s is not running", req.PipelineType)
		return
	}
	s.ok(w, fmt.Sprintf("pipeline %s stopping", req.PipelineType), map[string]any{
		"history_id": historyID,
	})
}

func (s *Server) handlePipelineRestart(w http.ResponseWriter, r *http.Request) {
	var req pipelineRequest
	if err := decodeBody(r, &req); err != nil {
		s.fail(w, http.StatusBadRequest, "invalid request body: %v", err)
		return
	}
	if !req.PipelineType.IsValid() {
		s.fail(w, http.StatusBadRequest, "unknown pipeline type %q", req.PipelineType)
		return
	}

	s.runner.Stop(req.PipelineType)

	// The stopped run releases the singleton on its way out; poll briefly
	// instead of racing it.
	deadline := time.Now().Add(10 * time.Second)
	for {
		res, err := s.runner.Start(r.Context(), req.PipelineType, pipeline.StartOptions{
			Trigger:    types.TriggerDirect,
			ProcessAll: req.ProcessAll,
			Params:     req.Parameters,
		})
		switch {
		case err == nil:
			s.ok(w, fmt.Sprintf("pipeline %s restarted", req.PipelineType), map[string]any{
				"history_id": res.HistoryID,
			})
			return
		case errors.Is(err, jobs.ErrAlreadyRunning) && time.Now().Before(deadline):
			select {
			case <-r.Context().Done():
				s.fail(w, http.StatusInternalServerError, "request cancelled while restarting")
				return
			case <-time.After(100 * time.Millisecond):
			}
		case errors.Is(err, jobs.ErrAlreadyRunning):
			s.fail(w, http.StatusConflict, "pipeline %s did not stop in time", req.PipelineType)
			return
		case errors.Is(err, pipeline.ErrNoExecutor):
			s.fail(w, http.StatusBadRequest, "pipeline %s has no executor in this process", req.PipelineType)
			return
		default:
			s.fail(w, http.StatusInternalServerError, "failed to restart pipeline: %v", err)
			return
		}
	}
}

func (s *Server) handlePipelineStatus(w http.ResponseWriter, r *http.Request) {
	if raw := r.URL.Query().Get("pipeline_type"); raw != "" {
		pt := types.PipelineType(raw)
		if !pt.IsValid() {
			s.fail(w, http.StatusBadRequest, "unknown pipeline type %q", raw)
			return
		}
		status, err := s.jobs.GetStatus(r.Context(), pt)
		if err != nil {
			s.fail(w, http.StatusInternalServerError, "failed to load status: %v", err)
			return
		}
		s.ok(w, "", status)
		return
	}

	statuses := make([]*types.PipelineStatus, 0, len(types.AllPipelineTypes))
	for _, pt := range types.AllPipelineTypes {
		status, err := s.jobs.GetStatus(r.Context(), pt)
		if err != nil {
			s.fail(w, http.StatusInternalServerError, "failed to load status: %v", err)
			return
		}
		statuses = append(statuses, status)
	}
	s.ok(w, "", statuses)
}

func (s *Server) handlePipelineHistory(w http.ResponseWriter, r *http.Request) {
	var pt types.PipelineType
	if raw := r.URL.Query().Get("pipeline_type"); raw != "" {
		pt = types.PipelineType(raw)
		if !pt.IsValid() {
			s.fail(w, http.StatusBadRequest, "unknown pipeline type %q", raw)
			return
		}
	}
	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)

	history, err := s.jobs.ListHistory(r.Context(), pt, limit, offset)
	if err != nil {
		s.fail(w, http.StatusInternalServerError, "failed to load history: %v", err)
		return
	}
	s.ok(w, "", history)
}

// ---- schedules ----

type scheduleRequest struct {
	PipelineType types.PipelineType `json:"pipeline_type"`
	CronExpr     string             `json:"cron_expr"`
	Timezone     string             `json:"timezone,omitempty"`
	IsActive     *bool              `json:"is_active,omitempty"`
	Parameters   map[string]string  `json:"parameters,omitempty"`
}

func (s *Server) handleScheduleList(w http.ResponseWriter, r *http.Request) {
	activeOnly := r.URL.Query().Get("active") == "true"
	schedules, err := s.jobs.ListSchedules(r.Context(), activeOnly)
	if err != nil {
		s.fail(w, http.StatusInternalServerError, "failed to list schedules: %v", err)
		return
	}
	s.ok(w, "", schedules)
}

func (s *Server) handleScheduleCreate(w http.ResponseWriter, r *http.Request) {
	var req scheduleRequest
	if err := decodeBody(r, &req); err != nil {
		s.fail(w, http.StatusBadRequest, "invalid request body: %v", err)
		return
	}
	if !req.PipelineType.IsValid() {
		s.fail(w, http.StatusBadRequest, "unknown pipeline type %q", req.PipelineType)
		return
	}
	next, err := scheduler.NextAfter(req.CronExpr, req.Timezone, time.Now(), s.cfg.Location())
	if err != nil {
		s.fail(w, http.StatusBadRequest, "%v", err)
		return
	}

	sched := &types.PipelineSchedule{
		PipelineType: req.PipelineType,
		CronExpr:     req.CronExpr,
		Timezone:     req.Timezone,
		IsActive:     true,
		Parameters:   req.Parameters,
		NextRunAt:    &next,
	}
	if req.IsActive != nil {
		sched.IsActive = *req.IsActive
	}
	id, err := s.jobs.CreateSchedule(r.Context(), sched)
	if err != nil {
		s.fail(w, http.StatusInternalServerError, "failed to create schedule: %v", err)
		return
	}
	sched.ID = id
	s.respond(w, http.StatusCreated, envelope{Success: true, Message: "schedule created", Data: sched})
}

func (s *Server) scheduleID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id < 1 {
		s.fail(w, http.StatusBadRequest, "invalid schedule id %q", r.PathValue("id"))
		return 0, false
	}
	return id, true
}

func (s *Server) handleScheduleGet(w http.ResponseWriter, r *http.Request) {
	id, ok := s.scheduleID(w, r)
	if !ok {
		return
	}
	sched, err := s.jobs.GetSchedule(r.Context(), id)
	switch {
	case errors.Is(err, jobs.ErrScheduleNotFound):
		s.fail(w, http.StatusNotFound, "schedule %d not found", id)
	case err != nil:
		s.fail(w, http.StatusInternalServerError, "failed to load schedule: %v", err)
	default:
		s.ok(w, "", sched)
	}
}

func (s *Server) handleScheduleUpdate(w http.ResponseWriter, r *http.Request) {
	id, ok := s.scheduleID(w, r)
	if !ok {
		return
	}
	sched, err := s.jobs.GetSchedule(r.Context(), id)
	if errors.Is(err, jobs.ErrScheduleNotFound) {
		s.fail(w, http.StatusNotFound, "schedule %d not found", id)
		return
	} else if err != nil {
		s.fail(w, http.StatusInternalServerError, "failed to load schedule: %v", err)
		return
	}

	var req scheduleRequest
	if err := decodeBody(r, &req); err != nil {
		s.fail(w, http.StatusBadRequest, "invalid request body: %v", err)
		return
	}
	if req.PipelineType != "" {
		if !req.PipelineType.IsValid() {
			s.fail(w, http.StatusBadRequest, "unknown pipeline type %q", req.PipelineType)
			return
		}
		sched.PipelineType = req.PipelineType
	}
	if req.CronExpr != "" {
		sched.CronExpr = req.CronExpr
	}
	if req.Timezone != "" {
		sched.Timezone = req.Timezone
	}
	if req.IsActive != nil {
		sched.IsActive = *req.IsActive
	}
	if req.Parameters != nil {
		sched.Parameters = req.Parameters
	}

	// Recompute the fire time in case the expression or timezone moved.
	next, err := scheduler.NextAfter(sched.CronExpr, sched.Timezone, time.Now(), s.cfg.Location())
	if err != nil {
		s.fail(w, http.StatusBadRequest, "%v", err)
		return
	}
	sched.NextRunAt = &next

	if err := s.jobs.UpdateSchedule(r.Context(), sched); err != nil {
		if errors.Is(err, jobs.ErrScheduleNotFound) {
			s.fail(w, http.StatusNotFound, "schedule %d not found", id)
			return
		}
		s.fail(w, http.StatusInternalServerError, "failed to update schedule: %v", err)
		return
	}
	s.ok(w, "schedule updated", sched)
}

func (s *Server) handleScheduleDelete(w http.ResponseWriter, r *http.Request) {
	id, ok := s.scheduleID(w, r)
	if !ok {
		return
	}
	err := s.jobs.DeleteSchedule(r.Context(), id)
	switch {
	case errors.Is(err, jobs.ErrScheduleNotFound):
		s.fail(w, http.StatusNotFound, "schedule %d not found", id)
	case err != nil:
		s.fail(w, http.StatusInternalServerError, "failed to delete schedule: %v", err)
	default:
		s.ok(w, "schedule deleted", nil)
	}
}

func (s *Server) handleScheduleTrigger(w http.ResponseWriter, r *http.Request) {
	id, ok := s.scheduleID(w, r)
	if !ok {
		return
	}
	sched, err := s.jobs.GetSchedule(r.Context(), id)
	if errors.Is(err, jobs.ErrScheduleNotFound) {
		s.fail(w, http.StatusNotFound, "schedule %d not found", id)
		return
	} else if err != nil {
		s.fail(w, http.StatusInternalServerError, "failed to load schedule: %v", err)
		return
	}

	res, err := s.runner.Start(r.Context(), sched.PipelineType, pipeline.StartOptions{
		Trigger: types.TriggerDirect,
		Params:  sched.Parameters,
	})
	switch {
	case errors.Is(err, jobs.ErrAlreadyRunning):
		s.fail(w, http.StatusConflict, "pipeline %s is already running", sched.PipelineType)
	case errors.Is(err, pipeline.ErrNoExecutor):
		s.fail(w, http.StatusBadRequest, "pipeline %s has no executor in this process", sched.PipelineType)
	case err != nil:
		s.fail(w, http.StatusInternalServerError, "failed to trigger schedule: %v", err)
	default:
		s.ok(w, fmt.Sprintf("pipeline %s started", sched.PipelineType), map[string]any{
			"history_id": res.HistoryID,
		})
	}
}

// ---- rankings ----

func (s *Server) handleRankings(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 100)
	offset := queryInt(r, "offset", 0)

	rankings, err := s.store.LatestRankings(r.Context(), limit, offset)
	if err != nil {
		s.fail(w, http.StatusInternalServerError, "failed to load rankings: %v", err)
		return
	}
	s.ok(w, "", rankings)
}

func (s *Server) handleRankingFor(w http.ResponseWriter, r *http.Request) {
	providerID, err := strconv.ParseInt(r.PathValue("provider_id"), 10, 64)
	if err != nil {
		s.fail(w, http.StatusBadRequest, "invalid contributor id %q", r.PathValue("provider_id"))
		return
	}
	ranking, err := s.store.LatestRankingFor(r.Context(), providerID)
	if errors.Is(err, sqlite.ErrNotFound) {
		s.fail(w, http.StatusNotFound, "contributor %d has no ranking", providerID)
		return
	} else if err != nil {
		s.fail(w, http.StatusInternalServerError, "failed to load ranking: %v", err)
		return
	}
	s.ok(w, "", ranking)
}

// ---- health ----

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		s.respond(w, http.StatusServiceUnavailable, envelope{
			Success: false,
			Error:   fmt.Sprintf("database unreachable: %v", err),
		})
		return
	}
	data := map[string]any{
		"status":     "healthy",
		"goroutines": runtime.NumGoroutine(),
	}
	if s.rate != nil {
		rate := s.rate()
		data["rate_limit"] = map[string]any{
			"remaining": rate.Remaining,
			"limit":     rate.Limit,
			"reset_at":  rate.ResetAt,
		}
	}
	s.ok(w, "healthy", data)
}

func queryInt(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	return n
}
