// Copyright 2025 The CasareRPA Authors
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/casare-rpa/orchestrator/internal/domain"
)

// response is the uniform API envelope.
type response struct {
	Success bool      `json:"success"`
	Data    any       `json:"data,omitempty"`
	Error   *apiError `json:"error,omitempty"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeSuccess(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(response{Success: true, Data: data})
}

func writeError(w http.ResponseWriter, statusCode int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(response{Success: false, Error: &apiError{Code: code, Message: message}})
}

// writeDomainError maps sentinel domain errors onto HTTP statuses.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "NOT_FOUND", err.Error())
	case errors.Is(err, domain.ErrWorkflowNotPublished):
		writeError(w, http.StatusConflict, "WORKFLOW_NOT_PUBLISHED", err.Error())
	case errors.Is(err, domain.ErrDuplicateIdempotencyKey):
		writeError(w, http.StatusConflict, "DUPLICATE_IDEMPOTENCY_KEY", err.Error())
	case errors.Is(err, domain.ErrInvalidTransition):
		writeError(w, http.StatusConflict, "INVALID_TRANSITION", err.Error())
	case errors.Is(err, domain.ErrRateLimited):
		writeError(w, http.StatusTooManyRequests, "RATE_LIMITED", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
	}
}

// submitJobRequest is the body of POST /api/v1/jobs.
type submitJobRequest struct {
	WorkflowID     string         `json:"workflow_id"`
	TenantID       string         `json:"tenant_id,omitempty"`
	TargetRobotID  string         `json:"target_robot_id,omitempty"`
	Priority       string         `json:"priority,omitempty"`
	Parameters     map[string]any `json:"parameters,omitempty"`
	ScheduledStart *time.Time     `json:"scheduled_start,omitempty"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
	TimeoutSeconds int            `json:"timeout_seconds,omitempty"`
}

// jobView is the read-side representation of a job.
type jobView struct {
	ID             string           `json:"id"`
	TenantID       string           `json:"tenant_id,omitempty"`
	WorkflowID     string           `json:"workflow_id"`
	WorkflowName   string           `json:"workflow_name,omitempty"`
	Status         string           `json:"status"`
	Priority       string           `json:"priority"`
	AssignedRobot  string           `json:"assigned_robot,omitempty"`
	TargetRobotID  string           `json:"target_robot_id,omitempty"`
	Progress       int              `json:"progress"`
	CurrentNode    string           `json:"current_node,omitempty"`
	Parameters     map[string]any   `json:"parameters,omitempty"`
	Result         map[string]any   `json:"result,omitempty"`
	Error          *domain.JobError `json:"error,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
	ScheduledStart *time.Time       `json:"scheduled_start,omitempty"`
	StartedAt      *time.Time       `json:"started_at,omitempty"`
	CompletedAt    *time.Time       `json:"completed_at,omitempty"`
	RetryOf        string           `json:"retry_of,omitempty"`
	TimeoutSeconds int              `json:"timeout_seconds,omitempty"`
}

func newJobView(j *domain.Job) jobView {
	c := j.Clone()
	return jobView{
		ID:             c.ID,
		TenantID:       c.TenantID,
		WorkflowID:     c.WorkflowID,
		WorkflowName:   c.WorkflowName,
		Status:         string(c.Status),
		Priority:       c.Priority.String(),
		AssignedRobot:  c.AssignedRobot,
		TargetRobotID:  c.TargetRobotID,
		Progress:       c.Progress,
		CurrentNode:    c.CurrentNode,
		Parameters:     c.Parameters,
		Result:         c.Result,
		Error:          c.Error,
		CreatedAt:      c.CreatedAt,
		ScheduledStart: c.ScheduledStart,
		StartedAt:      c.StartedAt,
		CompletedAt:    c.CompletedAt,
		RetryOf:        c.RetryOf,
		TimeoutSeconds: c.TimeoutSeconds,
	}
}

// robotView is the read-side representation of a robot.
type robotView struct {
	ID                string                 `json:"id"`
	Name              string                 `json:"name"`
	TenantID          string                 `json:"tenant_id,omitempty"`
	Status            string                 `json:"status"`
	Environment       string                 `json:"environment,omitempty"`
	MaxConcurrentJobs int                    `json:"max_concurrent_jobs"`
	CurrentJobs       []string               `json:"current_jobs,omitempty"`
	Capabilities      []string               `json:"capabilities,omitempty"`
	Tags              []string               `json:"tags,omitempty"`
	LastHeartbeat     time.Time              `json:"last_heartbeat"`
	Metrics           domain.ResourceMetrics `json:"metrics"`
}

func newRobotView(r *domain.Robot) robotView {
	c := r.Clone()
	caps := make([]string, 0, len(c.Capabilities))
	for _, capability := range c.Capabilities {
		caps = append(caps, string(capability))
	}
	return robotView{
		ID:                c.ID,
		Name:              c.Name,
		TenantID:          c.TenantID,
		Status:            string(c.Status),
		Environment:       c.Environment,
		MaxConcurrentJobs: c.MaxConcurrentJobs,
		CurrentJobs:       c.CurrentJobs,
		Capabilities:      caps,
		Tags:              c.Tags,
		LastHeartbeat:     c.LastHeartbeat,
		Metrics:           c.Metrics,
	}
}

// createWorkflowRequest is the body of POST /api/v1/workflows.
type createWorkflowRequest struct {
	Name        string          `json:"name"`
	TenantID    string          `json:"tenant_id,omitempty"`
	Description string          `json:"description,omitempty"`
	Definition  json.RawMessage `json:"definition"`
	RetrySafe   bool            `json:"retry_safe,omitempty"`
}

type workflowView struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	TenantID    string    `json:"tenant_id,omitempty"`
	Description string    `json:"description,omitempty"`
	Version     int       `json:"version"`
	Status      string    `json:"status"`
	RetrySafe   bool      `json:"retry_safe"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func newWorkflowView(w *domain.Workflow) workflowView {
	return workflowView{
		ID:          w.ID,
		Name:        w.Name,
		TenantID:    w.TenantID,
		Description: w.Description,
		Version:     w.Version,
		Status:      string(w.Status),
		RetrySafe:   w.RetrySafe,
		CreatedAt:   w.CreatedAt,
		UpdatedAt:   w.UpdatedAt,
	}
}

// createScheduleRequest is the body of POST /api/v1/schedules.
type createScheduleRequest struct {
	Name       string         `json:"name"`
	TenantID   string         `json:"tenant_id,omitempty"`
	WorkflowID string         `json:"workflow_id"`
	RobotID    string         `json:"robot_id,omitempty"`
	Priority   string         `json:"priority,omitempty"`
	Frequency  string         `json:"frequency"`
	CronExpr   string         `json:"cron_expr,omitempty"`
	Timezone   string         `json:"timezone,omitempty"`
	Enabled    *bool          `json:"enabled,omitempty"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

type scheduleView struct {
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	WorkflowID   string     `json:"workflow_id"`
	RobotID      string     `json:"robot_id,omitempty"`
	Priority     string     `json:"priority"`
	Frequency    string     `json:"frequency"`
	CronExpr     string     `json:"cron_expr,omitempty"`
	Timezone     string     `json:"timezone,omitempty"`
	Enabled      bool       `json:"enabled"`
	RunCount     int        `json:"run_count"`
	SuccessCount int        `json:"success_count"`
	LastRun      *time.Time `json:"last_run,omitempty"`
	NextRun      *time.Time `json:"next_run,omitempty"`
}

func newScheduleView(s *domain.Schedule) scheduleView {
	return scheduleView{
		ID:           s.ID,
		Name:         s.Name,
		WorkflowID:   s.WorkflowID,
		RobotID:      s.RobotID,
		Priority:     s.Priority.String(),
		Frequency:    string(s.Frequency),
		CronExpr:     s.CronExpr,
		Timezone:     s.Timezone,
		Enabled:      s.Enabled,
		RunCount:     s.RunCount,
		SuccessCount: s.SuccessCount,
		LastRun:      s.LastRun,
		NextRun:      s.NextRun,
	}
}

// createTriggerRequest is the body of POST /api/v1/triggers.
type createTriggerRequest struct {
	Name              string            `json:"name"`
	TenantID          string            `json:"tenant_id,omitempty"`
	Kind              string            `json:"kind"`
	WorkflowID        string            `json:"workflow_id"`
	RobotID           string            `json:"robot_id,omitempty"`
	Priority          string            `json:"priority,omitempty"`
	Enabled           *bool             `json:"enabled,omitempty"`
	Filter            map[string]string `json:"filter,omitempty"`
	Secret            string            `json:"secret,omitempty"`
	PathGlob          string            `json:"path_glob,omitempty"`
	EventType         string            `json:"event_type,omitempty"`
	RateLimit         int               `json:"rate_limit,omitempty"`
	RateWindowSeconds int               `json:"rate_window_seconds,omitempty"`
}

type triggerView struct {
	ID                string            `json:"id"`
	Name              string            `json:"name"`
	Kind              string            `json:"kind"`
	WorkflowID        string            `json:"workflow_id"`
	RobotID           string            `json:"robot_id,omitempty"`
	Priority          string            `json:"priority"`
	Enabled           bool              `json:"enabled"`
	Filter            map[string]string `json:"filter,omitempty"`
	PathGlob          string            `json:"path_glob,omitempty"`
	EventType         string            `json:"event_type,omitempty"`
	RateLimit         int               `json:"rate_limit,omitempty"`
	RateWindowSeconds int               `json:"rate_window_seconds,omitempty"`
	FireCount         int               `json:"fire_count"`
	LastFired         *time.Time        `json:"last_fired,omitempty"`
}

func newTriggerView(t *domain.Trigger) triggerView {
	return triggerView{
		ID:                t.ID,
		Name:              t.Name,
		Kind:              string(t.Kind),
		WorkflowID:        t.WorkflowID,
		RobotID:           t.RobotID,
		Priority:          t.Priority.String(),
		Enabled:           t.Enabled,
		Filter:            t.Filter,
		PathGlob:          t.PathGlob,
		EventType:         t.EventType,
		RateLimit:         t.RateLimit,
		RateWindowSeconds: int(t.RateWindow / time.Second),
		FireCount:         t.FireCount,
		LastFired:         t.LastFired,
	}
}

// fireTriggerRequest is the body of POST /api/v1/triggers/{trigger_id}/fire.
type fireTriggerRequest struct {
	EventType string         `json:"event_type,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// controlRequest is the body of the robot pause/resume/shutdown endpoints.
type controlRequest struct {
	Graceful bool `json:"graceful,omitempty"`
}

type logEntryView struct {
	JobID     string         `json:"job_id"`
	RobotID   string         `json:"robot_id"`
	NodeID    string         `json:"node_id,omitempty"`
	Level     string         `json:"level"`
	Message   string         `json:"message"`
	Timestamp time.Time      `json:"timestamp"`
	Extra     map[string]any `json:"extra,omitempty"`
}

func newLogEntryView(e domain.LogEntry) logEntryView {
	return logEntryView{
		JobID:     e.JobID,
		RobotID:   e.RobotID,
		NodeID:    e.NodeID,
		Level:     string(e.Level),
		Message:   e.Message,
		Timestamp: e.Timestamp,
		Extra:     e.Extra,
	}
}
