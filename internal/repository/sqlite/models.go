// Copyright 2025 The CasareRPA Authors
// SPDX-License-Identifier: Apache-2.0

package sqlite

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/casare-rpa/orchestrator/internal/domain"
)

// Row schemas. Collection-valued attributes are stored as JSON text columns;
// SQLite is the durability layer, not a query engine for workflow content.

type jobRow struct {
	ID             string `gorm:"primaryKey"`
	TenantID       string `gorm:"index"`
	WorkflowID     string `gorm:"index"`
	WorkflowName   string
	WorkflowBlob   []byte
	TargetRobotID  string
	AssignedRobot  string `gorm:"index"`
	Priority       int
	Status         string `gorm:"index"`
	Parameters     []byte
	ScheduledStart *time.Time
	CreatedAt      time.Time
	StartedAt      *time.Time
	CompletedAt    *time.Time
	CurrentNode    string
	Progress       int
	Result         []byte
	Error          []byte
	IdempotencyKey string `gorm:"index"`
	RetryOf        string
	TimeoutSeconds int
}

func (jobRow) TableName() string { return "jobs" }

func jobToRow(j *domain.Job) (*jobRow, error) {
	params, err := marshalMap(j.Parameters)
	if err != nil {
		return nil, fmt.Errorf("job %s parameters: %w", j.ID, err)
	}
	result, err := marshalMap(j.Result)
	if err != nil {
		return nil, fmt.Errorf("job %s result: %w", j.ID, err)
	}
	var jobErr []byte
	if j.Error != nil {
		if jobErr, err = json.Marshal(j.Error); err != nil {
			return nil, fmt.Errorf("job %s error payload: %w", j.ID, err)
		}
	}
	return &jobRow{
		ID:             j.ID,
		TenantID:       j.TenantID,
		WorkflowID:     j.WorkflowID,
		WorkflowName:   j.WorkflowName,
		WorkflowBlob:   j.WorkflowBlob,
		TargetRobotID:  j.TargetRobotID,
		AssignedRobot:  j.AssignedRobot,
		Priority:       int(j.Priority),
		Status:         string(j.Status),
		Parameters:     params,
		ScheduledStart: j.ScheduledStart,
		CreatedAt:      j.CreatedAt,
		StartedAt:      j.StartedAt,
		CompletedAt:    j.CompletedAt,
		CurrentNode:    j.CurrentNode,
		Progress:       j.Progress,
		Result:         result,
		Error:          jobErr,
		IdempotencyKey: j.IdempotencyKey,
		RetryOf:        j.RetryOf,
		TimeoutSeconds: j.TimeoutSeconds,
	}, nil
}

func (r *jobRow) toDomain() (*domain.Job, error) {
	params, err := unmarshalMap(r.Parameters)
	if err != nil {
		return nil, fmt.Errorf("job %s parameters: %w", r.ID, err)
	}
	result, err := unmarshalMap(r.Result)
	if err != nil {
		return nil, fmt.Errorf("job %s result: %w", r.ID, err)
	}
	var jobErr *domain.JobError
	if len(r.Error) > 0 {
		jobErr = &domain.JobError{}
		if err := json.Unmarshal(r.Error, jobErr); err != nil {
			return nil, fmt.Errorf("job %s error payload: %w", r.ID, err)
		}
	}
	j := &domain.Job{
		ID:             r.ID,
		TenantID:       r.TenantID,
		WorkflowID:     r.WorkflowID,
		WorkflowName:   r.WorkflowName,
		WorkflowBlob:   r.WorkflowBlob,
		TargetRobotID:  r.TargetRobotID,
		AssignedRobot:  r.AssignedRobot,
		Priority:       domain.JobPriority(r.Priority),
		Status:         domain.JobStatus(r.Status),
		Parameters:     params,
		ScheduledStart: r.ScheduledStart,
		CreatedAt:      r.CreatedAt,
		StartedAt:      r.StartedAt,
		CompletedAt:    r.CompletedAt,
		CurrentNode:    r.CurrentNode,
		Progress:       r.Progress,
		Result:         result,
		Error:          jobErr,
		IdempotencyKey: r.IdempotencyKey,
		RetryOf:        r.RetryOf,
		TimeoutSeconds: r.TimeoutSeconds,
	}
	return j, nil
}

type robotRow struct {
	ID                string `gorm:"primaryKey"`
	Name              string
	TenantID          string `gorm:"index"`
	Status            string `gorm:"index"`
	Environment       string
	MaxConcurrentJobs int
	CurrentJobs       []byte
	Capabilities      []byte
	Tags              []byte
	LastHeartbeat     time.Time
	CPUPercent        float64
	MemoryPercent     float64
	DiskPercent       float64
	WorkflowAffinity  []byte
}

func (robotRow) TableName() string { return "robots" }

func robotToRow(r *domain.Robot) (*robotRow, error) {
	c := r.Clone()
	currentJobs, err := json.Marshal(c.CurrentJobs)
	if err != nil {
		return nil, err
	}
	caps, err := json.Marshal(c.Capabilities)
	if err != nil {
		return nil, err
	}
	tags, err := json.Marshal(c.Tags)
	if err != nil {
		return nil, err
	}
	affinity, err := json.Marshal(c.WorkflowAffinity)
	if err != nil {
		return nil, err
	}
	return &robotRow{
		ID:                c.ID,
		Name:              c.Name,
		TenantID:          c.TenantID,
		Status:            string(c.Status),
		Environment:       c.Environment,
		MaxConcurrentJobs: c.MaxConcurrentJobs,
		CurrentJobs:       currentJobs,
		Capabilities:      caps,
		Tags:              tags,
		LastHeartbeat:     c.LastHeartbeat,
		CPUPercent:        c.Metrics.CPUPercent,
		MemoryPercent:     c.Metrics.MemoryPercent,
		DiskPercent:       c.Metrics.DiskPercent,
		WorkflowAffinity:  affinity,
	}, nil
}

func (r *robotRow) toDomain() (*domain.Robot, error) {
	robot := &domain.Robot{
		ID:                r.ID,
		Name:              r.Name,
		TenantID:          r.TenantID,
		Status:            domain.RobotStatus(r.Status),
		Environment:       r.Environment,
		MaxConcurrentJobs: r.MaxConcurrentJobs,
		LastHeartbeat:     r.LastHeartbeat,
		Metrics: domain.ResourceMetrics{
			CPUPercent:    r.CPUPercent,
			MemoryPercent: r.MemoryPercent,
			DiskPercent:   r.DiskPercent,
		},
	}
	for src, dst := range map[*[]byte]any{
		&r.CurrentJobs:      &robot.CurrentJobs,
		&r.Capabilities:     &robot.Capabilities,
		&r.Tags:             &robot.Tags,
		&r.WorkflowAffinity: &robot.WorkflowAffinity,
	} {
		if len(*src) == 0 {
			continue
		}
		if err := json.Unmarshal(*src, dst); err != nil {
			return nil, fmt.Errorf("robot %s: %w", r.ID, err)
		}
	}
	return robot, nil
}

type scheduleRow struct {
	ID           string `gorm:"primaryKey"`
	Name         string
	TenantID     string `gorm:"index"`
	WorkflowID   string `gorm:"index"`
	RobotID      string
	Priority     int
	Frequency    string
	CronExpr     string
	Timezone     string
	Enabled      bool `gorm:"index"`
	RunCount     int
	SuccessCount int
	LastRun      *time.Time
	NextRun      *time.Time
	Parameters   []byte
}

func (scheduleRow) TableName() string { return "schedules" }

func scheduleToRow(s *domain.Schedule) (*scheduleRow, error) {
	params, err := marshalMap(s.Parameters)
	if err != nil {
		return nil, fmt.Errorf("schedule %s parameters: %w", s.ID, err)
	}
	return &scheduleRow{
		ID:           s.ID,
		Name:         s.Name,
		TenantID:     s.TenantID,
		WorkflowID:   s.WorkflowID,
		RobotID:      s.RobotID,
		Priority:     int(s.Priority),
		Frequency:    string(s.Frequency),
		CronExpr:     s.CronExpr,
		Timezone:     s.Timezone,
		Enabled:      s.Enabled,
		RunCount:     s.RunCount,
		SuccessCount: s.SuccessCount,
		LastRun:      s.LastRun,
		NextRun:      s.NextRun,
		Parameters:   params,
	}, nil
}

func (r *scheduleRow) toDomain() (*domain.Schedule, error) {
	params, err := unmarshalMap(r.Parameters)
	if err != nil {
		return nil, fmt.Errorf("schedule %s parameters: %w", r.ID, err)
	}
	return &domain.Schedule{
		ID:           r.ID,
		Name:         r.Name,
		TenantID:     r.TenantID,
		WorkflowID:   r.WorkflowID,
		RobotID:      r.RobotID,
		Priority:     domain.JobPriority(r.Priority),
		Frequency:    domain.ScheduleFrequency(r.Frequency),
		CronExpr:     r.CronExpr,
		Timezone:     r.Timezone,
		Enabled:      r.Enabled,
		RunCount:     r.RunCount,
		SuccessCount: r.SuccessCount,
		LastRun:      r.LastRun,
		NextRun:      r.NextRun,
		Parameters:   params,
	}, nil
}

type workflowRow struct {
	ID          string `gorm:"primaryKey"`
	TenantID    string `gorm:"index"`
	Name        string
	Description string
	Version     int
	Status      string `gorm:"index"`
	Definition  []byte
	RetrySafe   bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (workflowRow) TableName() string { return "workflows" }

func workflowToRow(w *domain.Workflow) *workflowRow {
	return &workflowRow{
		ID:          w.ID,
		TenantID:    w.TenantID,
		Name:        w.Name,
		Description: w.Description,
		Version:     w.Version,
		Status:      string(w.Status),
		Definition:  w.Definition,
		RetrySafe:   w.RetrySafe,
		CreatedAt:   w.CreatedAt,
		UpdatedAt:   w.UpdatedAt,
	}
}

func (r *workflowRow) toDomain() *domain.Workflow {
	return &domain.Workflow{
		ID:          r.ID,
		TenantID:    r.TenantID,
		Name:        r.Name,
		Description: r.Description,
		Version:     r.Version,
		Status:      domain.WorkflowStatus(r.Status),
		Definition:  r.Definition,
		RetrySafe:   r.RetrySafe,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
}

type triggerRow struct {
	ID           string `gorm:"primaryKey"`
	Name         string
	TenantID     string `gorm:"index"`
	Kind         string
	WorkflowID   string `gorm:"index"`
	RobotID      string
	Priority     int
	Enabled      bool `gorm:"index"`
	Filter       []byte
	Secret       string
	PathGlob     string
	EventType    string
	RateLimit    int
	RateWindowMS int64
	FireCount    int
	LastFired    *time.Time
}

func (triggerRow) TableName() string { return "triggers" }

func triggerToRow(t *domain.Trigger) (*triggerRow, error) {
	var filter []byte
	if len(t.Filter) > 0 {
		var err error
		if filter, err = json.Marshal(t.Filter); err != nil {
			return nil, fmt.Errorf("trigger %s filter: %w", t.ID, err)
		}
	}
	return &triggerRow{
		ID:           t.ID,
		Name:         t.Name,
		TenantID:     t.TenantID,
		Kind:         string(t.Kind),
		WorkflowID:   t.WorkflowID,
		RobotID:      t.RobotID,
		Priority:     int(t.Priority),
		Enabled:      t.Enabled,
		Filter:       filter,
		Secret:       t.Secret,
		PathGlob:     t.PathGlob,
		EventType:    t.EventType,
		RateLimit:    t.RateLimit,
		RateWindowMS: t.RateWindow.Milliseconds(),
		FireCount:    t.FireCount,
		LastFired:    t.LastFired,
	}, nil
}

func (r *triggerRow) toDomain() (*domain.Trigger, error) {
	var filter map[string]string
	if len(r.Filter) > 0 {
		if err := json.Unmarshal(r.Filter, &filter); err != nil {
			return nil, fmt.Errorf("trigger %s filter: %w", r.ID, err)
		}
	}
	return &domain.Trigger{
		ID:         r.ID,
		Name:       r.Name,
		TenantID:   r.TenantID,
		Kind:       domain.TriggerKind(r.Kind),
		WorkflowID: r.WorkflowID,
		RobotID:    r.RobotID,
		Priority:   domain.JobPriority(r.Priority),
		Enabled:    r.Enabled,
		Filter:     filter,
		Secret:     r.Secret,
		PathGlob:   r.PathGlob,
		EventType:  r.EventType,
		RateLimit:  r.RateLimit,
		RateWindow: time.Duration(r.RateWindowMS) * time.Millisecond,
		FireCount:  r.FireCount,
		LastFired:  r.LastFired,
	}, nil
}

type assignmentRow struct {
	WorkflowID string `gorm:"primaryKey"`
	RobotID    string `gorm:"primaryKey"`
	Priority   int
	IsDefault  bool
	CreatedAt  time.Time
}

func (assignmentRow) TableName() string { return "robot_assignments" }

type overrideRow struct {
	WorkflowID           string `gorm:"primaryKey"`
	NodeID               string `gorm:"primaryKey"`
	RobotID              string
	RequiredCapabilities []byte
	Strict               bool
	Active               bool
}

func (overrideRow) TableName() string { return "node_robot_overrides" }

type logEntryRow struct {
	ID        uint   `gorm:"primaryKey;autoIncrement"`
	JobID     string `gorm:"index"`
	RobotID   string `gorm:"index"`
	TenantID  string
	NodeID    string
	Level     string
	Message   string
	Timestamp time.Time `gorm:"index"`
	Extra     []byte
}

func (logEntryRow) TableName() string { return "robot_logs" }

func marshalMap(m map[string]any) ([]byte, error) {
	if len(m) == 0 {
		return nil, nil
	}
	return json.Marshal(m)
}

func unmarshalMap(b []byte) (map[string]any, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	return m, nil
}
