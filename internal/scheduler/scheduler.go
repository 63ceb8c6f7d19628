// Package scheduler evaluates cron schedules and triggers pipeline runs.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/gitpulse/gitpulse/internal/jobs"
	"github.com/gitpulse/gitpulse/internal/pipeline"
	"github.com/gitpulse/gitpulse/internal/types"
)

const tickInterval = time.Minute

// cronParser accepts standard five-field expressions plus the @every and
// @hourly style descriptors.
var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ParseCron validates a cron expression, returning its schedule.
func ParseCron(expr string) (cron.Schedule, error) {
	return cronParser.Parse(expr)
}

// Scheduler ticks once a minute, finds due active schedules, and starts their
// pipelines through the runner. A type already running is skipped; the
// schedule's next fire time advances either way.
type Scheduler struct {
	jobs   *jobs.Store
	runner *pipeline.Runner
	loc    *time.Location
	log    *slog.Logger

	// now is swappable for tests.
	now func() time.Time
}

func New(jobStore *jobs.Store, runner *pipeline.Runner, loc *time.Location, logger *slog.Logger) *Scheduler {
	if loc == nil {
		loc = time.UTC
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{jobs: jobStore, runner: runner, loc: loc, log: logger, now: time.Now}
}

// Run blocks, evaluating schedules every minute until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	s.log.Info("scheduler started", "tick", tickInterval, "timezone", s.loc.String())

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	// Evaluate once at startup so restarts do not wait a full tick for
	// overdue schedules.
	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			s.log.Info("scheduler stopped")
			return ctx.Err()
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick evaluates every active schedule once.
func (s *Scheduler) tick(ctx context.Context) {
	schedules, err := s.jobs.ListSchedules(ctx, true)
	if err != nil {
		s.log.Error("failed to list schedules", "error", err)
		return
	}

	now := s.now().In(s.loc)
	for _, sched := range schedules {
		if ctx.Err() != nil {
			return
		}
		s.evaluate(ctx, sched, now)
	}
}

func (s *Scheduler) evaluate(ctx context.Context, sched *types.PipelineSchedule, now time.Time) {
	spec, err := cronParser.Parse(sched.CronExpr)
	if err != nil {
		s.log.Error("schedule has invalid cron expression",
			"schedule_id", sched.ID, "expr", sched.CronExpr, "error", err)
		return
	}
	loc := s.scheduleLocation(sched)
	now = now.In(loc)

	// A schedule without a fire time yet (just created, or predating this
	// field) gets one computed from now and waits for it.
	if sched.NextRunAt == nil {
		next := spec.Next(now)
		if err := s.jobs.MarkScheduleRun(ctx, sched.ID, time.Time{}, next); err != nil {
			s.log.Error("failed to initialize schedule", "schedule_id", sched.ID, "error", err)
		}
		return
	}
	if now.Before(*sched.NextRunAt) {
		return
	}

	next := spec.Next(now)
	if err := s.jobs.MarkScheduleRun(ctx, sched.ID, now, next); err != nil {
		s.log.Error("failed to advance schedule", "schedule_id", sched.ID, "error", err)
		return
	}

	_, err = s.runner.Start(ctx, sched.PipelineType, pipeline.StartOptions{
		Trigger: types.TriggerScheduled,
		Params:  sched.Parameters,
	})
	switch {
	case errors.Is(err, jobs.ErrAlreadyRunning):
		s.log.Info("schedule fired but pipeline already running",
			"schedule_id", sched.ID, "type", sched.PipelineType)
	case errors.Is(err, pipeline.ErrNoExecutor):
		s.log.Warn("schedule fired for pipeline with no executor",
			"schedule_id", sched.ID, "type", sched.PipelineType)
	case err != nil:
		s.log.Error("failed to start scheduled pipeline",
			"schedule_id", sched.ID, "type", sched.PipelineType, "error", err)
	default:
		s.log.Info("scheduled pipeline started",
			"schedule_id", sched.ID, "type", sched.PipelineType, "next_run", next.Format(time.RFC3339))
	}
}

// scheduleLocation resolves the schedule's own timezone, falling back to the
// process default when unset or unloadable.
func (s *Scheduler) scheduleLocation(sched *types.PipelineSchedule) *time.Location {
	if sched.Timezone == "" {
		return s.loc
	}
	loc, err := time.LoadLocation(sched.Timezone)
	if err != nil {
		s.log.Warn("schedule has invalid timezone, using default",
			"schedule_id", sched.ID, "timezone", sched.Timezone)
		return s.loc
	}
	return loc
}

// NextAfter computes the fire time following t for a cron expression in the
// given timezone. Used by the control plane when creating schedules.
func NextAfter(expr, timezone string, t time.Time, fallback *time.Location) (time.Time, error) {
	spec, err := cronParser.Parse(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	loc := fallback
	if timezone != "" {
		loc, err = time.LoadLocation(timezone)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid timezone %q: %w", timezone, err)
		}
	}
	if loc == nil {
		loc = time.UTC
	}
	return spec.Next(t.In(loc)), nil
}
