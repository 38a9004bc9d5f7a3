// Copyright 2025 The CasareRPA Authors
// SPDX-License-Identifier: Apache-2.0

package domain

import (
	"errors"
	"fmt"
)

// Sentinel domain errors. Callers branch on these with errors.Is; the
// dispatcher's rollback logic depends on the distinction between a race
// (ErrAtCapacity, ErrInvalidTransition) and a hard failure.
var (
	ErrInvalidTransition       = errors.New("invalid status transition")
	ErrAtCapacity              = errors.New("robot at capacity")
	ErrDuplicateAssignment     = errors.New("job already assigned to robot")
	ErrNotFound                = errors.New("not found")
	ErrInvariantViolation      = errors.New("invariant violation")
	ErrNoAvailableRobot        = errors.New("no available robot")
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")
	ErrRobotNotOnline          = errors.New("robot not online")
	ErrWorkflowNotPublished    = errors.New("workflow not published")
	ErrRateLimited             = errors.New("rate limited")
	ErrFilterMismatch          = errors.New("event does not match trigger filter")
)

// TransitionError wraps ErrInvalidTransition with the attempted edge so logs
// carry the full context.
type TransitionError struct {
	JobID string
	From  JobStatus
	To    JobStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("job %s: invalid status transition %s -> %s", e.JobID, e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }
