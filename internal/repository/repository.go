// Copyright 2025 The CasareRPA Authors
// SPDX-License-Identifier: Apache-2.0

// Package repository defines the persistence ports the orchestrator core
// consumes. Implementations must be write-through: Save returns only after
// the state is durably committed, so state machine transitions are
// recoverable after restart.
package repository

import (
	"context"

	"github.com/casare-rpa/orchestrator/internal/domain"
)

// JobRepository persists jobs and their lifecycle state.
type JobRepository interface {
	Get(ctx context.Context, id string) (*domain.Job, error)
	Save(ctx context.Context, job *domain.Job) error
	Delete(ctx context.Context, id string) error
	ListByStatus(ctx context.Context, status domain.JobStatus) ([]*domain.Job, error)
	ListByRobot(ctx context.Context, robotID string) ([]*domain.Job, error)
	// FindByIdempotencyKey returns the most recent non-terminal job carrying
	// the key, or domain.ErrNotFound.
	FindByIdempotencyKey(ctx context.Context, key string) (*domain.Job, error)
}

// RobotRepository persists robot records.
type RobotRepository interface {
	Get(ctx context.Context, id string) (*domain.Robot, error)
	Save(ctx context.Context, robot *domain.Robot) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]*domain.Robot, error)
	ListByStatus(ctx context.Context, status domain.RobotStatus) ([]*domain.Robot, error)
}

// ScheduleRepository persists time-based job producers.
type ScheduleRepository interface {
	Get(ctx context.Context, id string) (*domain.Schedule, error)
	Save(ctx context.Context, schedule *domain.Schedule) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]*domain.Schedule, error)
	ListEnabled(ctx context.Context) ([]*domain.Schedule, error)
}

// WorkflowRepository persists workflow metadata and the opaque definition.
type WorkflowRepository interface {
	Get(ctx context.Context, id string) (*domain.Workflow, error)
	Save(ctx context.Context, workflow *domain.Workflow) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]*domain.Workflow, error)
}

// TriggerRepository persists event-based job producers.
type TriggerRepository interface {
	Get(ctx context.Context, id string) (*domain.Trigger, error)
	Save(ctx context.Context, trigger *domain.Trigger) error
	Delete(ctx context.Context, id string) error
	ListEnabled(ctx context.Context) ([]*domain.Trigger, error)
}

// AssignmentRepository persists workflow->robot bindings and node overrides.
type AssignmentRepository interface {
	ListByWorkflow(ctx context.Context, workflowID string) ([]domain.RobotAssignment, error)
	SaveAssignment(ctx context.Context, a domain.RobotAssignment) error
	DeleteAssignment(ctx context.Context, workflowID, robotID string) error
	ListOverrides(ctx context.Context, workflowID string) ([]domain.NodeRobotOverride, error)
	SaveOverride(ctx context.Context, o domain.NodeRobotOverride) error
}

// Stores bundles every port; components receive only the ports they use,
// the orchestrator wiring carries the full set.
type Stores struct {
	Jobs        JobRepository
	Robots      RobotRepository
	Schedules   ScheduleRepository
	Workflows   WorkflowRepository
	Triggers    TriggerRepository
	Assignments AssignmentRepository
}
