// Copyright 2025 The CasareRPA Authors
// SPDX-License-Identifier: Apache-2.0

package domain

import (
	"encoding/json"
	"fmt"
	"maps"
	"sync"
	"time"
)

// JobStatus is the lifecycle state of a Job.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobTimeout   JobStatus = "timeout"
	JobCancelled JobStatus = "cancelled"
)

// IsTerminal reports whether the status is final. Terminal jobs never
// transition again; a retry materializes a new Job with RetryOf set.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobCompleted, JobFailed, JobTimeout, JobCancelled:
		return true
	}
	return false
}

// JobPriority orders jobs within the queue. Higher values dispatch first.
type JobPriority int

const (
	PriorityLow      JobPriority = 0
	PriorityNormal   JobPriority = 1
	PriorityHigh     JobPriority = 2
	PriorityCritical JobPriority = 3
)

func (p JobPriority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	}
	return fmt.Sprintf("priority(%d)", int(p))
}

// ParseJobPriority parses the wire representation of a priority.
func ParseJobPriority(s string) (JobPriority, error) {
	switch s {
	case "low":
		return PriorityLow, nil
	case "normal", "":
		return PriorityNormal, nil
	case "high":
		return PriorityHigh, nil
	case "critical":
		return PriorityCritical, nil
	}
	return PriorityNormal, fmt.Errorf("unknown priority %q", s)
}

// jobTransitions is the static legal transition table. Anything absent here
// fails with ErrInvalidTransition.
var jobTransitions = map[JobStatus][]JobStatus{
	JobPending: {JobQueued, JobCancelled},
	JobQueued:  {JobRunning, JobCancelled},
	JobRunning: {JobCompleted, JobFailed, JobTimeout, JobCancelled, JobQueued},
}

// JobError is the error payload reported for a failed job.
type JobError struct {
	Message    string `json:"message"`
	Type       string `json:"type,omitempty"`
	FailedNode string `json:"failed_node,omitempty"`
	StackTrace string `json:"stack_trace,omitempty"`
}

// Job is the unit of work tracked from submission to terminal state. All
// state mutation goes through the methods below; they serialize on the
// job's own mutex so transitions are linearizable per job.
type Job struct {
	mu sync.Mutex

	ID             string
	TenantID       string
	WorkflowID     string
	WorkflowName   string
	WorkflowBlob   json.RawMessage
	TargetRobotID  string
	AssignedRobot  string
	Priority       JobPriority
	Status         JobStatus
	Parameters     map[string]any
	ScheduledStart *time.Time
	CreatedAt      time.Time
	StartedAt      *time.Time
	CompletedAt    *time.Time
	CurrentNode    string
	Progress       int
	Result         map[string]any
	Error          *JobError
	IdempotencyKey string
	RetryOf        string
	TimeoutSeconds int
}

// NewJob constructs a Pending job.
func NewJob(id, workflowID string, blob json.RawMessage, priority JobPriority, now time.Time) *Job {
	return &Job{
		ID:           id,
		WorkflowID:   workflowID,
		WorkflowBlob: blob,
		Priority:     priority,
		Status:       JobPending,
		CreatedAt:    now.UTC(),
	}
}

// TransitionTo moves the job to the given status, consulting the static
// transition table and stamping lifecycle timestamps. Timestamps are
// monotonically non-decreasing along the lifecycle.
func (j *Job) TransitionTo(status JobStatus, now time.Time) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.transitionLocked(status, now)
}

func (j *Job) transitionLocked(status JobStatus, now time.Time) error {
	allowed, ok := jobTransitions[j.Status]
	if !ok {
		// Current status is terminal.
		return &TransitionError{JobID: j.ID, From: j.Status, To: status}
	}
	legal := false
	for _, s := range allowed {
		if s == status {
			legal = true
			break
		}
	}
	if !legal {
		return &TransitionError{JobID: j.ID, From: j.Status, To: status}
	}

	now = now.UTC()
	if now.Before(j.CreatedAt) {
		now = j.CreatedAt
	}

	switch status {
	case JobRunning:
		if j.StartedAt == nil {
			t := now
			j.StartedAt = &t
		}
	case JobCompleted, JobFailed, JobTimeout, JobCancelled:
		t := now
		if j.StartedAt != nil && t.Before(*j.StartedAt) {
			t = *j.StartedAt
		}
		j.CompletedAt = &t
	case JobQueued:
		// Running -> Queued is the robot-loss recovery path; the job keeps
		// its original StartedAt from the first attempt.
	}

	j.Status = status
	return nil
}

// SetProgress updates the progress percentage and current node marker.
// Progress outside [0,100] is an invariant violation.
func (j *Job) SetProgress(progress int, currentNode string) error {
	if progress < 0 || progress > 100 {
		return fmt.Errorf("%w: progress %d out of range [0,100]", ErrInvariantViolation, progress)
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.Status != JobRunning {
		return &TransitionError{JobID: j.ID, From: j.Status, To: JobRunning}
	}
	j.Progress = progress
	if currentNode != "" {
		j.CurrentNode = currentNode
	}
	return nil
}

// Complete transitions the job to Completed and records the result payload.
func (j *Job) Complete(result map[string]any, now time.Time) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.transitionLocked(JobCompleted, now); err != nil {
		return err
	}
	j.Progress = 100
	j.Result = result
	j.Error = nil
	return nil
}

// Fail transitions the job to Failed and records the error payload.
func (j *Job) Fail(jobErr *JobError, now time.Time) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.transitionLocked(JobFailed, now); err != nil {
		return err
	}
	j.Error = jobErr
	j.Result = nil
	return nil
}

// CurrentStatus returns the status under the job's lock.
func (j *Job) CurrentStatus() JobStatus {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.Status
}

// Ready reports whether the job's scheduled start (if any) has arrived.
func (j *Job) Ready(now time.Time) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.ScheduledStart == nil || !now.Before(*j.ScheduledStart)
}

// Duration returns the elapsed run time for jobs that started.
func (j *Job) Duration() time.Duration {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.StartedAt == nil || j.CompletedAt == nil {
		return 0
	}
	return j.CompletedAt.Sub(*j.StartedAt)
}

// Clone returns a point-in-time copy safe to hand to read-side consumers.
func (j *Job) Clone() *Job {
	j.mu.Lock()
	defer j.mu.Unlock()
	return &Job{
		ID:             j.ID,
		TenantID:       j.TenantID,
		WorkflowID:     j.WorkflowID,
		WorkflowName:   j.WorkflowName,
		WorkflowBlob:   j.WorkflowBlob,
		TargetRobotID:  j.TargetRobotID,
		AssignedRobot:  j.AssignedRobot,
		Priority:       j.Priority,
		Status:         j.Status,
		Parameters:     maps.Clone(j.Parameters),
		ScheduledStart: j.ScheduledStart,
		CreatedAt:      j.CreatedAt,
		StartedAt:      j.StartedAt,
		CompletedAt:    j.CompletedAt,
		CurrentNode:    j.CurrentNode,
		Progress:       j.Progress,
		Result:         maps.Clone(j.Result),
		Error:          j.Error,
		IdempotencyKey: j.IdempotencyKey,
		RetryOf:        j.RetryOf,
		TimeoutSeconds: j.TimeoutSeconds,
	}
}

// NewRetry materializes a fresh Pending job referencing this one. The
// original never leaves its terminal state.
func (j *Job) NewRetry(id string, now time.Time) *Job {
	j.mu.Lock()
	defer j.mu.Unlock()
	return &Job{
		ID:             id,
		TenantID:       j.TenantID,
		WorkflowID:     j.WorkflowID,
		WorkflowName:   j.WorkflowName,
		WorkflowBlob:   j.WorkflowBlob,
		TargetRobotID:  j.TargetRobotID,
		Priority:       j.Priority,
		Status:         JobPending,
		Parameters:     j.Parameters,
		CreatedAt:      now.UTC(),
		RetryOf:        j.ID,
		TimeoutSeconds: j.TimeoutSeconds,
	}
}
