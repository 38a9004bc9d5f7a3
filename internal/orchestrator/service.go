// Copyright 2025 The CasareRPA Authors
// SPDX-License-Identifier: Apache-2.0

// Package orchestrator wires the control plane together: the intake service
// that materializes jobs, and the top-level run loop that owns every
// component's lifecycle.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/casare-rpa/orchestrator/internal/domain"
	"github.com/casare-rpa/orchestrator/internal/events"
	"github.com/casare-rpa/orchestrator/internal/metrics"
	"github.com/casare-rpa/orchestrator/internal/queue"
	"github.com/casare-rpa/orchestrator/internal/repository"
)

// Service is the job intake path shared by manual submission, schedules, and
// triggers. It resolves the workflow blob, enforces publication state and
// idempotency, and hands the job to the queue.
type Service struct {
	stores  *repository.Stores
	queue   *queue.Queue
	pub     *events.Publisher
	metrics *metrics.Metrics
	logger  *slog.Logger
	nowFunc func() time.Time
	idFunc  func() string
}

// NewService constructs the intake service. nowFunc may be nil (defaults to
// time.Now).
func NewService(stores *repository.Stores, q *queue.Queue, pub *events.Publisher, m *metrics.Metrics, logger *slog.Logger, nowFunc func() time.Time) *Service {
	if nowFunc == nil {
		nowFunc = time.Now
	}
	return &Service{
		stores:  stores,
		queue:   q,
		pub:     pub,
		metrics: m,
		logger:  logger.With("component", "intake"),
		nowFunc: nowFunc,
		idFunc:  func() string { return uuid.New().String() },
	}
}

// Submit materializes a job and enqueues it. Duplicate
// idempotency keys within the non-terminal window return the job already
// holding the key alongside ErrDuplicateIdempotencyKey.
func (s *Service) Submit(ctx context.Context, spec domain.JobSpec) (*domain.Job, error) {
	wf, err := s.stores.Workflows.Get(ctx, spec.WorkflowID)
	if err != nil {
		return nil, fmt.Errorf("workflow %s: %w", spec.WorkflowID, err)
	}
	if !wf.Executable() {
		return nil, fmt.Errorf("workflow %s is %s: %w", wf.ID, wf.Status, domain.ErrWorkflowNotPublished)
	}

	if spec.IdempotencyKey != "" {
		if existing, err := s.stores.Jobs.FindByIdempotencyKey(ctx, spec.IdempotencyKey); err == nil {
			return existing, fmt.Errorf("key %s held by job %s: %w",
				spec.IdempotencyKey, existing.ID, domain.ErrDuplicateIdempotencyKey)
		}
	}

	now := s.nowFunc()
	job := domain.NewJob(s.idFunc(), wf.ID, wf.Definition, spec.Priority, now)
	job.WorkflowName = wf.Name
	job.TenantID = spec.TenantID
	if job.TenantID == "" {
		job.TenantID = wf.TenantID
	}
	job.TargetRobotID = spec.TargetRobotID
	job.Parameters = spec.Parameters
	job.ScheduledStart = spec.ScheduledStart
	job.IdempotencyKey = spec.IdempotencyKey
	job.TimeoutSeconds = spec.TimeoutSeconds

	if err := job.TransitionTo(domain.JobQueued, now); err != nil {
		return nil, err
	}
	if err := s.queue.Enqueue(job); err != nil {
		return nil, err
	}
	if err := s.stores.Jobs.Save(ctx, job); err != nil {
		s.queue.Cancel(job.ID)
		return nil, fmt.Errorf("persist job %s: %w", job.ID, err)
	}

	s.metrics.JobsSubmitted.Inc()
	s.logger.Info("job submitted",
		"job", job.ID,
		"workflow", wf.ID,
		"priority", job.Priority.String(),
		"source", spec.Source,
	)
	s.publishStatus(job)
	return job, nil
}

// Retry materializes a fresh job for a terminal one. The original job is
// left untouched.
func (s *Service) Retry(ctx context.Context, jobID string) (*domain.Job, error) {
	orig, err := s.stores.Jobs.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if !orig.CurrentStatus().IsTerminal() {
		return nil, fmt.Errorf("job %s is still %s: %w", jobID, orig.CurrentStatus(), domain.ErrInvalidTransition)
	}

	now := s.nowFunc()
	job := orig.NewRetry(s.idFunc(), now)
	if err := job.TransitionTo(domain.JobQueued, now); err != nil {
		return nil, err
	}
	if err := s.queue.Enqueue(job); err != nil {
		return nil, err
	}
	if err := s.stores.Jobs.Save(ctx, job); err != nil {
		s.queue.Cancel(job.ID)
		return nil, fmt.Errorf("persist job %s: %w", job.ID, err)
	}

	s.metrics.JobsSubmitted.Inc()
	s.logger.Info("job retried", "job", job.ID, "retryOf", jobID)
	s.publishStatus(job)
	return job, nil
}

func (s *Service) publishStatus(job *domain.Job) {
	if s.pub == nil {
		return
	}
	s.pub.Publish(events.Event{
		Kind:   events.KindJobStatus,
		JobID:  job.ID,
		Status: string(job.CurrentStatus()),
	})
}
