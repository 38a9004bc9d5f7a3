// Copyright 2025 The CasareRPA Authors
// SPDX-License-Identifier: Apache-2.0

package domain

import (
	"fmt"
	"slices"
	"sync"
	"time"
)

// RobotStatus is the connectivity/availability state of a worker agent.
type RobotStatus string

const (
	RobotOffline     RobotStatus = "offline"
	RobotOnline      RobotStatus = "online"
	RobotBusy        RobotStatus = "busy"
	RobotError       RobotStatus = "error"
	RobotMaintenance RobotStatus = "maintenance"
)

// Capability is a labeled competency a robot advertises and a job or node
// may require.
type Capability string

const (
	CapabilityBrowser Capability = "browser"
	CapabilityDesktop Capability = "desktop"
	CapabilityGpu     Capability = "gpu"
	CapabilityCloud   Capability = "cloud"
)

// ResourceMetrics are the utilization figures a robot reports on heartbeat.
type ResourceMetrics struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
	DiskPercent   float64 `json:"disk_percent"`
}

// Robot is a remote worker agent. Assignment bookkeeping goes through
// AssignJob/CompleteJob, which enforce the capacity and duplicate
// invariants under the robot's lock.
type Robot struct {
	mu sync.Mutex

	ID                string
	Name              string
	TenantID          string
	Status            RobotStatus
	Environment       string
	MaxConcurrentJobs int
	CurrentJobs       []string
	Capabilities      []Capability
	Tags              []string
	LastHeartbeat     time.Time
	Metrics           ResourceMetrics
	WorkflowAffinity  []string
}

// NewRobot constructs an Offline robot record.
func NewRobot(id, name string, maxConcurrent int) *Robot {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &Robot{
		ID:                id,
		Name:              name,
		Status:            RobotOffline,
		MaxConcurrentJobs: maxConcurrent,
	}
}

// AssignJob records a job assignment. The robot must be Online with spare
// capacity; duplicates are rejected. When the assignment fills the last
// slot the robot flips to Busy.
func (r *Robot) AssignJob(jobID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.Status != RobotOnline {
		return fmt.Errorf("robot %s is %s: %w", r.ID, r.Status, ErrRobotNotOnline)
	}
	if len(r.CurrentJobs) >= r.MaxConcurrentJobs {
		return fmt.Errorf("robot %s has %d/%d jobs: %w", r.ID, len(r.CurrentJobs), r.MaxConcurrentJobs, ErrAtCapacity)
	}
	if slices.Contains(r.CurrentJobs, jobID) {
		return fmt.Errorf("robot %s job %s: %w", r.ID, jobID, ErrDuplicateAssignment)
	}

	r.CurrentJobs = append(r.CurrentJobs, jobID)
	if len(r.CurrentJobs) == r.MaxConcurrentJobs {
		r.Status = RobotBusy
	}
	return nil
}

// UpdateRegistration refreshes the advertised identity, capacity, and
// capability fields from a register payload. A non-positive maxConcurrent
// keeps the current limit. Returns the effective limit.
func (r *Robot) UpdateRegistration(name, tenantID, environment string, maxConcurrent int, tags []string, capabilities []Capability) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Name = name
	r.TenantID = tenantID
	r.Environment = environment
	if maxConcurrent > 0 {
		r.MaxConcurrentJobs = maxConcurrent
	}
	r.Tags = tags
	r.Capabilities = capabilities
	return r.MaxConcurrentJobs
}

// CurrentStatus reads the status under the robot's lock.
func (r *Robot) CurrentStatus() RobotStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.Status
}

// CompleteJob removes an assignment and flips the robot back to Online when
// it drops below capacity.
func (r *Robot) CompleteJob(jobID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	idx := slices.Index(r.CurrentJobs, jobID)
	if idx < 0 {
		return fmt.Errorf("robot %s job %s: %w", r.ID, jobID, ErrNotFound)
	}
	r.CurrentJobs = slices.Delete(r.CurrentJobs, idx, idx+1)
	if r.Status == RobotBusy && len(r.CurrentJobs) < r.MaxConcurrentJobs {
		r.Status = RobotOnline
	}
	return nil
}

// MarkOnline transitions the robot to Online. Online requires a fresh
// heartbeat, so the timestamp is stamped here.
func (r *Robot) MarkOnline(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.LastHeartbeat = now.UTC()
	if len(r.CurrentJobs) >= r.MaxConcurrentJobs {
		r.Status = RobotBusy
	} else {
		r.Status = RobotOnline
	}
}

// MarkOffline transitions the robot to Offline and returns the job ids that
// were in flight, for the dispatcher to recover.
func (r *Robot) MarkOffline() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Status = RobotOffline
	inflight := slices.Clone(r.CurrentJobs)
	r.CurrentJobs = nil
	return inflight
}

// Heartbeat refreshes liveness and reported metrics.
func (r *Robot) Heartbeat(now time.Time, metrics ResourceMetrics) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.LastHeartbeat = now.UTC()
	r.Metrics = metrics
}

// HasCapacity reports whether the robot can take another job.
func (r *Robot) HasCapacity() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.Status == RobotOnline && len(r.CurrentJobs) < r.MaxConcurrentJobs
}

// Utilization is current_jobs / max_concurrent_jobs in [0,1].
func (r *Robot) Utilization() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.MaxConcurrentJobs == 0 {
		return 1
	}
	return float64(len(r.CurrentJobs)) / float64(r.MaxConcurrentJobs)
}

// HasCapabilities reports whether the robot advertises every required
// capability.
func (r *Robot) HasCapabilities(required []Capability) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range required {
		if !slices.Contains(r.Capabilities, c) {
			return false
		}
	}
	return true
}

// Clone returns a deep copy safe to hand to readers outside the registry's
// writer goroutine.
func (r *Robot) Clone() *Robot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return &Robot{
		ID:                r.ID,
		Name:              r.Name,
		TenantID:          r.TenantID,
		Status:            r.Status,
		Environment:       r.Environment,
		MaxConcurrentJobs: r.MaxConcurrentJobs,
		CurrentJobs:       slices.Clone(r.CurrentJobs),
		Capabilities:      slices.Clone(r.Capabilities),
		Tags:              slices.Clone(r.Tags),
		LastHeartbeat:     r.LastHeartbeat,
		Metrics:           r.Metrics,
		WorkflowAffinity:  slices.Clone(r.WorkflowAffinity),
	}
}
