// Copyright 2025 The CasareRPA Authors
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/casare-rpa/orchestrator/internal/domain"
)

func TestJobRepositoryRoundTrip(t *testing.T) {
	repo := NewJobRepository()
	ctx := context.Background()

	_, err := repo.Get(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	job := domain.NewJob("j1", "wf-1", nil, domain.PriorityNormal, time.Now())
	require.NoError(t, repo.Save(ctx, job))

	got, err := repo.Get(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, "wf-1", got.WorkflowID)

	require.NoError(t, repo.Delete(ctx, "j1"))
	_, err = repo.Get(ctx, "j1")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestJobRepositoryListByStatus(t *testing.T) {
	repo := NewJobRepository()
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)

	for i, id := range []string{"a", "b", "c"} {
		job := domain.NewJob(id, "wf-1", nil, domain.PriorityNormal, now.Add(time.Duration(i)*time.Minute))
		if id != "c" {
			require.NoError(t, job.TransitionTo(domain.JobQueued, now))
		}
		require.NoError(t, repo.Save(ctx, job))
	}

	queued, err := repo.ListByStatus(ctx, domain.JobQueued)
	require.NoError(t, err)
	require.Len(t, queued, 2)
	assert.Equal(t, "a", queued[0].ID)
	assert.Equal(t, "b", queued[1].ID)
}

func TestFindByIdempotencyKeySkipsTerminal(t *testing.T) {
	repo := NewJobRepository()
	ctx := context.Background()
	now := time.Now()

	done := domain.NewJob("j1", "wf-1", nil, domain.PriorityNormal, now)
	done.IdempotencyKey = "k1"
	require.NoError(t, done.TransitionTo(domain.JobQueued, now))
	require.NoError(t, done.TransitionTo(domain.JobRunning, now))
	require.NoError(t, done.Complete(nil, now))
	require.NoError(t, repo.Save(ctx, done))

	_, err := repo.FindByIdempotencyKey(ctx, "k1")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	live := domain.NewJob("j2", "wf-1", nil, domain.PriorityNormal, now)
	live.IdempotencyKey = "k1"
	require.NoError(t, live.TransitionTo(domain.JobQueued, now))
	require.NoError(t, repo.Save(ctx, live))

	found, err := repo.FindByIdempotencyKey(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, "j2", found.ID)
}

func TestScheduleListEnabled(t *testing.T) {
	repo := NewScheduleRepository()
	ctx := context.Background()

	require.NoError(t, repo.Save(ctx, &domain.Schedule{ID: "s1", Enabled: true}))
	require.NoError(t, repo.Save(ctx, &domain.Schedule{ID: "s2", Enabled: false}))

	enabled, err := repo.ListEnabled(ctx)
	require.NoError(t, err)
	require.Len(t, enabled, 1)
	assert.Equal(t, "s1", enabled[0].ID)
}

func TestTriggerListEnabled(t *testing.T) {
	repo := NewTriggerRepository()
	ctx := context.Background()

	require.NoError(t, repo.Save(ctx, &domain.Trigger{ID: "t1", Enabled: true}))
	require.NoError(t, repo.Save(ctx, &domain.Trigger{ID: "t2", Enabled: false}))

	enabled, err := repo.ListEnabled(ctx)
	require.NoError(t, err)
	require.Len(t, enabled, 1)
	assert.Equal(t, "t1", enabled[0].ID)
}

func TestAssignmentOverrides(t *testing.T) {
	repo := NewAssignmentRepository()
	ctx := context.Background()

	require.NoError(t, repo.SaveAssignment(ctx, domain.RobotAssignment{WorkflowID: "wf-1", RobotID: "r1"}))
	require.NoError(t, repo.SaveAssignment(ctx, domain.RobotAssignment{WorkflowID: "wf-1", RobotID: "r2"}))
	require.NoError(t, repo.SaveAssignment(ctx, domain.RobotAssignment{WorkflowID: "wf-2", RobotID: "r3"}))

	got, err := repo.ListByWorkflow(ctx, "wf-1")
	require.NoError(t, err)
	assert.Len(t, got, 2)

	require.NoError(t, repo.DeleteAssignment(ctx, "wf-1", "r1"))
	got, err = repo.ListByWorkflow(ctx, "wf-1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "r2", got[0].RobotID)

	want := []domain.NodeRobotOverride{{WorkflowID: "wf-1", NodeID: "n1", RobotID: "r2", Strict: true, Active: true}}
	require.NoError(t, repo.SaveOverride(ctx, want[0]))
	overrides, err := repo.ListOverrides(ctx, "wf-1")
	require.NoError(t, err)
	if diff := cmp.Diff(want, overrides); diff != "" {
		t.Fatalf("overrides mismatch (-want +got):\n%s", diff)
	}
}
