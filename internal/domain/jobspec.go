// Copyright 2025 The CasareRPA Authors
// SPDX-License-Identifier: Apache-2.0

package domain

import "time"

// JobSpec is a request to materialize a Job, produced by manual submission,
// a schedule firing, or a trigger event. The submitter resolves the
// workflow blob and enforces publication state.
type JobSpec struct {
	WorkflowID     string
	TenantID       string
	TargetRobotID  string
	Priority       JobPriority
	Parameters     map[string]any
	ScheduledStart *time.Time
	IdempotencyKey string
	TimeoutSeconds int
	// Source records what produced the job: "manual", "schedule:<id>",
	// "trigger:<id>", "retry:<job-id>".
	Source string
}
