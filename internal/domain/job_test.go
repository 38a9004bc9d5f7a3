// Copyright 2025 The CasareRPA Authors
// SPDX-License-Identifier: Apache-2.0

package domain

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)

func TestJobLegalLifecycle(t *testing.T) {
	j := NewJob("j1", "w1", nil, PriorityNormal, t0)
	require.Equal(t, JobPending, j.Status)

	require.NoError(t, j.TransitionTo(JobQueued, t0.Add(time.Second)))
	require.NoError(t, j.TransitionTo(JobRunning, t0.Add(2*time.Second)))
	require.NotNil(t, j.StartedAt)

	require.NoError(t, j.Complete(map[string]any{"rows": 42}, t0.Add(10*time.Second)))
	assert.Equal(t, JobCompleted, j.Status)
	assert.Equal(t, 100, j.Progress)
	assert.Equal(t, 42, j.Result["rows"])
	assert.Nil(t, j.Error)
	require.NotNil(t, j.CompletedAt)
	assert.False(t, j.CompletedAt.Before(*j.StartedAt))
}

func TestJobIllegalTransitions(t *testing.T) {
	cases := []struct {
		name string
		from JobStatus
		to   JobStatus
	}{
		{"pending to running", JobPending, JobRunning},
		{"pending to completed", JobPending, JobCompleted},
		{"queued to completed", JobQueued, JobCompleted},
		{"queued to failed", JobQueued, JobFailed},
		{"completed to running", JobCompleted, JobRunning},
		{"failed to queued", JobFailed, JobQueued},
		{"cancelled to running", JobCancelled, JobRunning},
		{"timeout to queued", JobTimeout, JobQueued},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			j := NewJob("j1", "w1", nil, PriorityNormal, t0)
			j.Status = tc.from
			err := j.TransitionTo(tc.to, t0.Add(time.Second))
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidTransition)

			var te *TransitionError
			require.True(t, errors.As(err, &te))
			assert.Equal(t, tc.from, te.From)
			assert.Equal(t, tc.to, te.To)
		})
	}
}

func TestJobTerminalStatesNeverTransition(t *testing.T) {
	for _, terminal := range []JobStatus{JobCompleted, JobFailed, JobTimeout, JobCancelled} {
		j := NewJob("j1", "w1", nil, PriorityNormal, t0)
		j.Status = terminal
		for _, next := range []JobStatus{JobPending, JobQueued, JobRunning, JobCompleted, JobFailed, JobTimeout, JobCancelled} {
			assert.ErrorIs(t, j.TransitionTo(next, t0), ErrInvalidTransition,
				"%s -> %s must be rejected", terminal, next)
		}
	}
}

func TestJobRunningBackToQueuedForRecovery(t *testing.T) {
	j := NewJob("j1", "w1", nil, PriorityNormal, t0)
	require.NoError(t, j.TransitionTo(JobQueued, t0))
	require.NoError(t, j.TransitionTo(JobRunning, t0.Add(time.Second)))
	require.NoError(t, j.TransitionTo(JobQueued, t0.Add(2*time.Second)))
	assert.Equal(t, JobQueued, j.Status)
	// A later completion still stamps CompletedAt after StartedAt.
	require.NoError(t, j.TransitionTo(JobRunning, t0.Add(3*time.Second)))
	require.NoError(t, j.Complete(nil, t0.Add(4*time.Second)))
}

func TestJobProgressBounds(t *testing.T) {
	j := NewJob("j1", "w1", nil, PriorityNormal, t0)
	require.NoError(t, j.TransitionTo(JobQueued, t0))
	require.NoError(t, j.TransitionTo(JobRunning, t0))

	require.NoError(t, j.SetProgress(50, "node-3"))
	assert.Equal(t, 50, j.Progress)
	assert.Equal(t, "node-3", j.CurrentNode)

	assert.ErrorIs(t, j.SetProgress(-1, ""), ErrInvariantViolation)
	assert.ErrorIs(t, j.SetProgress(101, ""), ErrInvariantViolation)
}

func TestJobFailRecordsErrorOnly(t *testing.T) {
	j := NewJob("j1", "w1", nil, PriorityNormal, t0)
	require.NoError(t, j.TransitionTo(JobQueued, t0))
	require.NoError(t, j.TransitionTo(JobRunning, t0))

	require.NoError(t, j.Fail(&JobError{Message: "boom", Type: "NodeError", FailedNode: "n7"}, t0.Add(time.Second)))
	assert.Equal(t, JobFailed, j.Status)
	assert.Nil(t, j.Result)
	require.NotNil(t, j.Error)
	assert.Equal(t, "boom", j.Error.Message)
}

func TestJobTimestampsMonotonic(t *testing.T) {
	j := NewJob("j1", "w1", nil, PriorityNormal, t0)
	require.NoError(t, j.TransitionTo(JobQueued, t0.Add(-time.Hour)))
	require.NoError(t, j.TransitionTo(JobRunning, t0.Add(-time.Hour)))
	// Clock skew earlier than CreatedAt gets clamped.
	assert.False(t, j.StartedAt.Before(j.CreatedAt))

	require.NoError(t, j.Complete(nil, j.StartedAt.Add(-time.Minute)))
	assert.False(t, j.CompletedAt.Before(*j.StartedAt))
}

func TestJobReadyHonorsScheduledStart(t *testing.T) {
	j := NewJob("j1", "w1", nil, PriorityCritical, t0)
	start := t0.Add(10 * time.Second)
	j.ScheduledStart = &start

	assert.False(t, j.Ready(t0))
	assert.False(t, j.Ready(t0.Add(9*time.Second)))
	assert.True(t, j.Ready(start))
	assert.True(t, j.Ready(start.Add(time.Minute)))
}

func TestJobNewRetryReferencesOriginal(t *testing.T) {
	j := NewJob("j1", "w1", nil, PriorityHigh, t0)
	j.Status = JobFailed

	retry := j.NewRetry("j2", t0.Add(time.Minute))
	assert.Equal(t, "j1", retry.RetryOf)
	assert.Equal(t, JobPending, retry.Status)
	assert.Equal(t, PriorityHigh, retry.Priority)
	assert.Equal(t, JobFailed, j.Status, "original stays terminal")
}

func TestParseJobPriority(t *testing.T) {
	p, err := ParseJobPriority("critical")
	require.NoError(t, err)
	assert.Equal(t, PriorityCritical, p)

	_, err = ParseJobPriority("urgent")
	assert.Error(t, err)
}
