// Copyright 2025 The CasareRPA Authors
// SPDX-License-Identifier: Apache-2.0

package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// WorkflowStatus is the publication state of a workflow definition.
type WorkflowStatus string

const (
	WorkflowDraft     WorkflowStatus = "draft"
	WorkflowPublished WorkflowStatus = "published"
	WorkflowArchived  WorkflowStatus = "archived"
)

// Workflow is metadata about an externally authored automation definition.
// The orchestrator never interprets Definition; it is an opaque blob handed
// to the robot on assignment.
type Workflow struct {
	ID          string
	TenantID    string
	Name        string
	Description string
	Version     int
	Status      WorkflowStatus
	Definition  json.RawMessage
	// RetrySafe marks the workflow as safe to re-queue when its robot is
	// lost mid-run. Unsafe workflows fail instead.
	RetrySafe bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Publish moves the workflow to Published and bumps the version.
func (w *Workflow) Publish(now time.Time) error {
	if w.Status == WorkflowArchived {
		return fmt.Errorf("workflow %s is archived: %w", w.ID, ErrInvalidTransition)
	}
	w.Status = WorkflowPublished
	w.Version++
	w.UpdatedAt = now.UTC()
	return nil
}

// Archive retires the workflow. Archived workflows may not be executed or
// republished.
func (w *Workflow) Archive(now time.Time) {
	w.Status = WorkflowArchived
	w.UpdatedAt = now.UTC()
}

// Executable reports whether jobs may be materialized for this workflow.
func (w *Workflow) Executable() bool {
	return w.Status == WorkflowPublished
}
