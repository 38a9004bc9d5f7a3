// Copyright 2025 The CasareRPA Authors
// SPDX-License-Identifier: Apache-2.0

// Package scheduler materializes recurring schedules into jobs. The loop
// ticks at a fixed interval and fires every enabled schedule whose next run
// has arrived. Catch-up after downtime emits at most one job per schedule.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/casare-rpa/orchestrator/internal/domain"
	"github.com/casare-rpa/orchestrator/internal/events"
	"github.com/casare-rpa/orchestrator/internal/repository"
)

// Submitter accepts materialized job specs. Implemented by the
// orchestrator's intake service.
type Submitter interface {
	Submit(ctx context.Context, spec domain.JobSpec) (*domain.Job, error)
}

// Scheduler drives time-based job production.
type Scheduler struct {
	schedules repository.ScheduleRepository
	submitter Submitter
	pub       *events.Publisher
	logger    *slog.Logger
	nowFunc   func() time.Time
	interval  time.Duration
}

// New constructs a Scheduler. nowFunc may be nil (defaults to time.Now).
func New(schedules repository.ScheduleRepository, submitter Submitter, pub *events.Publisher, logger *slog.Logger, interval time.Duration, nowFunc func() time.Time) *Scheduler {
	if nowFunc == nil {
		nowFunc = time.Now
	}
	if interval <= 0 {
		interval = time.Second
	}
	return &Scheduler{
		schedules: schedules,
		submitter: submitter,
		pub:       pub,
		logger:    logger.With("component", "scheduler"),
		nowFunc:   nowFunc,
		interval:  interval,
	}
}

// Run ticks until the context is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("scheduler started", "tickInterval", s.interval)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return
		case <-ticker.C:
			s.TickOnce(ctx)
		}
	}
}

// TickOnce fires every due schedule. Exported for tests.
func (s *Scheduler) TickOnce(ctx context.Context) {
	now := s.nowFunc()

	enabled, err := s.schedules.ListEnabled(ctx)
	if err != nil {
		s.logger.Error("failed to list enabled schedules", "error", err)
		return
	}

	for _, sched := range enabled {
		if !sched.Due(now) {
			continue
		}
		s.fire(ctx, sched, now)
	}
}

func (s *Scheduler) fire(ctx context.Context, sched *domain.Schedule, now time.Time) {
	spec := domain.JobSpec{
		WorkflowID:    sched.WorkflowID,
		TenantID:      sched.TenantID,
		TargetRobotID: sched.RobotID,
		Priority:      sched.Priority,
		Parameters:    sched.Parameters,
		Source:        "schedule:" + sched.ID,
	}

	job, err := s.submitter.Submit(ctx, spec)
	if err != nil {
		s.logger.Error("failed to materialize scheduled job",
			"schedule", sched.ID,
			"workflow", sched.WorkflowID,
			"error", err,
		)
		// next_run still advances so a broken workflow does not fire on
		// every tick.
	}

	next, nextErr := NextRun(sched, now)
	if nextErr != nil {
		s.logger.Error("failed to compute next run, disabling schedule",
			"schedule", sched.ID,
			"error", nextErr,
		)
		sched.Enabled = false
		sched.NextRun = nil
	}
	sched.MarkFired(now, next)
	if err == nil {
		sched.SuccessCount++
	}

	if err := s.schedules.Save(ctx, sched); err != nil {
		s.logger.Error("failed to persist schedule state", "schedule", sched.ID, "error", err)
	}

	if err == nil && job != nil {
		s.logger.Info("schedule fired",
			"schedule", sched.ID,
			"workflow", sched.WorkflowID,
			"job", job.ID,
			"nextRun", sched.NextRun,
		)
		if s.pub != nil {
			s.pub.Publish(events.Event{
				Kind:  events.KindScheduleFire,
				JobID: job.ID,
				Detail: map[string]any{
					"schedule_id": sched.ID,
					"workflow_id": sched.WorkflowID,
				},
			})
		}
	}
}

// NextRun computes the next fire time strictly after now. Returns nil for
// Once schedules, which do not recur.
func NextRun(sched *domain.Schedule, now time.Time) (*time.Time, error) {
	loc := sched.Location()
	local := now.In(loc)

	var next time.Time
	switch sched.Frequency {
	case domain.FrequencyOnce:
		return nil, nil
	case domain.FrequencyHourly:
		next = local.Add(time.Hour)
	case domain.FrequencyDaily:
		next = local.AddDate(0, 0, 1)
	case domain.FrequencyWeekly:
		next = local.AddDate(0, 0, 7)
	case domain.FrequencyMonthly:
		next = local.AddDate(0, 1, 0)
	case domain.FrequencyCron:
		expr, err := cron.ParseStandard(sched.CronExpr)
		if err != nil {
			return nil, fmt.Errorf("schedule %s cron %q: %w", sched.ID, sched.CronExpr, err)
		}
		next = expr.Next(local)
		if next.IsZero() {
			return nil, fmt.Errorf("schedule %s cron %q never fires again", sched.ID, sched.CronExpr)
		}
	default:
		return nil, fmt.Errorf("schedule %s has unknown frequency %q", sched.ID, sched.Frequency)
	}

	utc := next.UTC()
	return &utc, nil
}

// InitialNextRun seeds next_run for a schedule that has never fired.
func InitialNextRun(sched *domain.Schedule, now time.Time) (*time.Time, error) {
	if sched.Frequency == domain.FrequencyOnce {
		if sched.NextRun != nil {
			return sched.NextRun, nil
		}
		utc := now.UTC()
		return &utc, nil
	}
	return NextRun(sched, now)
}
