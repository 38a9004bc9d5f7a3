// Copyright 2025 The CasareRPA Authors
// SPDX-License-Identifier: Apache-2.0

// Package memory provides map-backed repository implementations used by the
// ephemeral mode and the test suites.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/casare-rpa/orchestrator/internal/domain"
	"github.com/casare-rpa/orchestrator/internal/repository"
)

// NewStores returns a full set of in-memory repositories.
func NewStores() *repository.Stores {
	return &repository.Stores{
		Jobs:        NewJobRepository(),
		Robots:      NewRobotRepository(),
		Schedules:   NewScheduleRepository(),
		Workflows:   NewWorkflowRepository(),
		Triggers:    NewTriggerRepository(),
		Assignments: NewAssignmentRepository(),
	}
}

// JobRepository is a map-backed job store.
type JobRepository struct {
	mu   sync.RWMutex
	jobs map[string]*domain.Job
}

func NewJobRepository() *JobRepository {
	return &JobRepository{jobs: make(map[string]*domain.Job)}
}

func (r *JobRepository) Get(_ context.Context, id string) (*domain.Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	j, ok := r.jobs[id]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", id, domain.ErrNotFound)
	}
	return j, nil
}

func (r *JobRepository) Save(_ context.Context, job *domain.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs[job.ID] = job
	return nil
}

func (r *JobRepository) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.jobs[id]; !ok {
		return fmt.Errorf("job %s: %w", id, domain.ErrNotFound)
	}
	delete(r.jobs, id)
	return nil
}

func (r *JobRepository) ListByStatus(_ context.Context, status domain.JobStatus) ([]*domain.Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*domain.Job
	for _, j := range r.jobs {
		if j.CurrentStatus() == status {
			out = append(out, j)
		}
	}
	sortJobs(out)
	return out, nil
}

func (r *JobRepository) ListByRobot(_ context.Context, robotID string) ([]*domain.Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*domain.Job
	for _, j := range r.jobs {
		if j.AssignedRobot == robotID {
			out = append(out, j)
		}
	}
	sortJobs(out)
	return out, nil
}

func (r *JobRepository) FindByIdempotencyKey(_ context.Context, key string) (*domain.Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, j := range r.jobs {
		if j.IdempotencyKey == key && !j.CurrentStatus().IsTerminal() {
			return j, nil
		}
	}
	return nil, fmt.Errorf("idempotency key %s: %w", key, domain.ErrNotFound)
}

func sortJobs(jobs []*domain.Job) {
	sort.Slice(jobs, func(i, k int) bool {
		if jobs[i].CreatedAt.Equal(jobs[k].CreatedAt) {
			return jobs[i].ID < jobs[k].ID
		}
		return jobs[i].CreatedAt.Before(jobs[k].CreatedAt)
	})
}

// RobotRepository is a map-backed robot store.
type RobotRepository struct {
	mu     sync.RWMutex
	robots map[string]*domain.Robot
}

func NewRobotRepository() *RobotRepository {
	return &RobotRepository{robots: make(map[string]*domain.Robot)}
}

func (r *RobotRepository) Get(_ context.Context, id string) (*domain.Robot, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	robot, ok := r.robots[id]
	if !ok {
		return nil, fmt.Errorf("robot %s: %w", id, domain.ErrNotFound)
	}
	return robot, nil
}

func (r *RobotRepository) Save(_ context.Context, robot *domain.Robot) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.robots[robot.ID] = robot
	return nil
}

func (r *RobotRepository) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.robots[id]; !ok {
		return fmt.Errorf("robot %s: %w", id, domain.ErrNotFound)
	}
	delete(r.robots, id)
	return nil
}

func (r *RobotRepository) List(_ context.Context) ([]*domain.Robot, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*domain.Robot, 0, len(r.robots))
	for _, robot := range r.robots {
		out = append(out, robot)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ID < out[k].ID })
	return out, nil
}

func (r *RobotRepository) ListByStatus(ctx context.Context, status domain.RobotStatus) ([]*domain.Robot, error) {
	all, _ := r.List(ctx)
	var out []*domain.Robot
	for _, robot := range all {
		if robot.Status == status {
			out = append(out, robot)
		}
	}
	return out, nil
}

// ScheduleRepository is a map-backed schedule store.
type ScheduleRepository struct {
	mu        sync.RWMutex
	schedules map[string]*domain.Schedule
}

func NewScheduleRepository() *ScheduleRepository {
	return &ScheduleRepository{schedules: make(map[string]*domain.Schedule)}
}

func (r *ScheduleRepository) Get(_ context.Context, id string) (*domain.Schedule, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.schedules[id]
	if !ok {
		return nil, fmt.Errorf("schedule %s: %w", id, domain.ErrNotFound)
	}
	return s, nil
}

func (r *ScheduleRepository) Save(_ context.Context, schedule *domain.Schedule) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.schedules[schedule.ID] = schedule
	return nil
}

func (r *ScheduleRepository) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.schedules[id]; !ok {
		return fmt.Errorf("schedule %s: %w", id, domain.ErrNotFound)
	}
	delete(r.schedules, id)
	return nil
}

func (r *ScheduleRepository) List(_ context.Context) ([]*domain.Schedule, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*domain.Schedule, 0, len(r.schedules))
	for _, s := range r.schedules {
		out = append(out, s)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ID < out[k].ID })
	return out, nil
}

func (r *ScheduleRepository) ListEnabled(ctx context.Context) ([]*domain.Schedule, error) {
	all, _ := r.List(ctx)
	var out []*domain.Schedule
	for _, s := range all {
		if s.Enabled {
			out = append(out, s)
		}
	}
	return out, nil
}

// WorkflowRepository is a map-backed workflow store.
type WorkflowRepository struct {
	mu        sync.RWMutex
	workflows map[string]*domain.Workflow
}

func NewWorkflowRepository() *WorkflowRepository {
	return &WorkflowRepository{workflows: make(map[string]*domain.Workflow)}
}

func (r *WorkflowRepository) Get(_ context.Context, id string) (*domain.Workflow, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.workflows[id]
	if !ok {
		return nil, fmt.Errorf("workflow %s: %w", id, domain.ErrNotFound)
	}
	return w, nil
}

func (r *WorkflowRepository) Save(_ context.Context, workflow *domain.Workflow) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.workflows[workflow.ID] = workflow
	return nil
}

func (r *WorkflowRepository) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.workflows[id]; !ok {
		return fmt.Errorf("workflow %s: %w", id, domain.ErrNotFound)
	}
	delete(r.workflows, id)
	return nil
}

func (r *WorkflowRepository) List(_ context.Context) ([]*domain.Workflow, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*domain.Workflow, 0, len(r.workflows))
	for _, w := range r.workflows {
		out = append(out, w)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ID < out[k].ID })
	return out, nil
}

// TriggerRepository is a map-backed trigger store.
type TriggerRepository struct {
	mu       sync.RWMutex
	triggers map[string]*domain.Trigger
}

func NewTriggerRepository() *TriggerRepository {
	return &TriggerRepository{triggers: make(map[string]*domain.Trigger)}
}

func (r *TriggerRepository) Get(_ context.Context, id string) (*domain.Trigger, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.triggers[id]
	if !ok {
		return nil, fmt.Errorf("trigger %s: %w", id, domain.ErrNotFound)
	}
	return t, nil
}

func (r *TriggerRepository) Save(_ context.Context, trigger *domain.Trigger) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.triggers[trigger.ID] = trigger
	return nil
}

func (r *TriggerRepository) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.triggers[id]; !ok {
		return fmt.Errorf("trigger %s: %w", id, domain.ErrNotFound)
	}
	delete(r.triggers, id)
	return nil
}

func (r *TriggerRepository) ListEnabled(_ context.Context) ([]*domain.Trigger, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*domain.Trigger
	for _, t := range r.triggers {
		if t.Enabled {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ID < out[k].ID })
	return out, nil
}

// AssignmentRepository is a map-backed assignment/override store.
type AssignmentRepository struct {
	mu          sync.RWMutex
	assignments map[string][]domain.RobotAssignment
	overrides   map[string][]domain.NodeRobotOverride
}

func NewAssignmentRepository() *AssignmentRepository {
	return &AssignmentRepository{
		assignments: make(map[string][]domain.RobotAssignment),
		overrides:   make(map[string][]domain.NodeRobotOverride),
	}
}

func (r *AssignmentRepository) ListByWorkflow(_ context.Context, workflowID string) ([]domain.RobotAssignment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.RobotAssignment, len(r.assignments[workflowID]))
	copy(out, r.assignments[workflowID])
	return out, nil
}

func (r *AssignmentRepository) SaveAssignment(_ context.Context, a domain.RobotAssignment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	existing := r.assignments[a.WorkflowID]
	for i, cur := range existing {
		if cur.RobotID == a.RobotID {
			existing[i] = a
			return nil
		}
	}
	r.assignments[a.WorkflowID] = append(existing, a)
	return nil
}

func (r *AssignmentRepository) DeleteAssignment(_ context.Context, workflowID, robotID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	existing := r.assignments[workflowID]
	for i, cur := range existing {
		if cur.RobotID == robotID {
			r.assignments[workflowID] = append(existing[:i], existing[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("assignment %s/%s: %w", workflowID, robotID, domain.ErrNotFound)
}

func (r *AssignmentRepository) ListOverrides(_ context.Context, workflowID string) ([]domain.NodeRobotOverride, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.NodeRobotOverride, len(r.overrides[workflowID]))
	copy(out, r.overrides[workflowID])
	return out, nil
}

func (r *AssignmentRepository) SaveOverride(_ context.Context, o domain.NodeRobotOverride) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	existing := r.overrides[o.WorkflowID]
	for i, cur := range existing {
		if cur.NodeID == o.NodeID {
			existing[i] = o
			return nil
		}
	}
	r.overrides[o.WorkflowID] = append(existing, o)
	return nil
}
