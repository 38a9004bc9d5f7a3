// Copyright 2025 The CasareRPA Authors
// SPDX-License-Identifier: Apache-2.0

package orchestrator

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/casare-rpa/orchestrator/internal/domain"
	"github.com/casare-rpa/orchestrator/internal/metrics"
	"github.com/casare-rpa/orchestrator/internal/queue"
	"github.com/casare-rpa/orchestrator/internal/repository"
	"github.com/casare-rpa/orchestrator/internal/repository/memory"
)

func newServiceFixture(t *testing.T) (*Service, *repository.Stores, *queue.Queue) {
	t.Helper()
	stores := memory.NewStores()
	q := queue.New(nil)
	svc := NewService(stores, q, nil, metrics.New(), slog.New(slog.DiscardHandler), nil)

	require.NoError(t, stores.Workflows.Save(context.Background(), &domain.Workflow{
		ID:         "wf-1",
		Name:       "invoices",
		Status:     domain.WorkflowPublished,
		Definition: json.RawMessage(`{"nodes":[]}`),
		RetrySafe:  true,
	}))
	return svc, stores, q
}

func TestSubmitQueuesAndPersists(t *testing.T) {
	svc, stores, q := newServiceFixture(t)

	job, err := svc.Submit(context.Background(), domain.JobSpec{
		WorkflowID: "wf-1",
		Priority:   domain.PriorityHigh,
		Parameters: map[string]any{"invoice": "42"},
		Source:     "manual",
	})
	require.NoError(t, err)

	assert.Equal(t, domain.JobQueued, job.CurrentStatus())
	assert.Equal(t, "invoices", job.WorkflowName)
	assert.JSONEq(t, `{"nodes":[]}`, string(job.WorkflowBlob))
	assert.True(t, q.Contains(job.ID))

	saved, err := stores.Jobs.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobQueued, saved.CurrentStatus())
}

func TestSubmitRejectsUnpublishedWorkflow(t *testing.T) {
	svc, stores, _ := newServiceFixture(t)
	require.NoError(t, stores.Workflows.Save(context.Background(), &domain.Workflow{
		ID: "wf-draft", Name: "draft", Status: domain.WorkflowDraft,
	}))

	_, err := svc.Submit(context.Background(), domain.JobSpec{WorkflowID: "wf-draft"})
	assert.ErrorIs(t, err, domain.ErrWorkflowNotPublished)
}

func TestSubmitRejectsUnknownWorkflow(t *testing.T) {
	svc, _, _ := newServiceFixture(t)

	_, err := svc.Submit(context.Background(), domain.JobSpec{WorkflowID: "missing"})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestSubmitDuplicateIdempotencyKeyReturnsExisting(t *testing.T) {
	svc, _, _ := newServiceFixture(t)

	first, err := svc.Submit(context.Background(), domain.JobSpec{
		WorkflowID:     "wf-1",
		IdempotencyKey: "batch-7",
	})
	require.NoError(t, err)

	dup, err := svc.Submit(context.Background(), domain.JobSpec{
		WorkflowID:     "wf-1",
		IdempotencyKey: "batch-7",
	})
	assert.ErrorIs(t, err, domain.ErrDuplicateIdempotencyKey)
	require.NotNil(t, dup)
	assert.Equal(t, first.ID, dup.ID)
}

func TestSubmitKeyReopensAfterTerminalState(t *testing.T) {
	svc, stores, q := newServiceFixture(t)
	ctx := context.Background()

	first, err := svc.Submit(ctx, domain.JobSpec{WorkflowID: "wf-1", IdempotencyKey: "batch-7"})
	require.NoError(t, err)

	// Drive the first job to a terminal state and free the key.
	require.NotNil(t, q.Take(first.ID))
	require.NoError(t, first.TransitionTo(domain.JobRunning, time.Now()))
	require.NoError(t, first.Complete(nil, time.Now()))
	require.NoError(t, stores.Jobs.Save(ctx, first))
	q.ReleaseKey(first.IdempotencyKey)

	second, err := svc.Submit(ctx, domain.JobSpec{WorkflowID: "wf-1", IdempotencyKey: "batch-7"})
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)
}

func TestRetryTerminalJob(t *testing.T) {
	svc, stores, q := newServiceFixture(t)
	ctx := context.Background()

	orig, err := svc.Submit(ctx, domain.JobSpec{WorkflowID: "wf-1", Priority: domain.PriorityCritical})
	require.NoError(t, err)
	require.NotNil(t, q.Take(orig.ID))
	require.NoError(t, orig.TransitionTo(domain.JobRunning, time.Now()))
	require.NoError(t, orig.Fail(&domain.JobError{Message: "boom"}, time.Now()))
	require.NoError(t, stores.Jobs.Save(ctx, orig))

	retry, err := svc.Retry(ctx, orig.ID)
	require.NoError(t, err)
	assert.Equal(t, orig.ID, retry.RetryOf)
	assert.Equal(t, domain.PriorityCritical, retry.Priority)
	assert.Equal(t, domain.JobQueued, retry.CurrentStatus())
	assert.True(t, q.Contains(retry.ID))

	// The original stays terminal.
	saved, err := stores.Jobs.Get(ctx, orig.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobFailed, saved.CurrentStatus())
}

func TestRetryNonTerminalJobRejected(t *testing.T) {
	svc, _, _ := newServiceFixture(t)

	job, err := svc.Submit(context.Background(), domain.JobSpec{WorkflowID: "wf-1"})
	require.NoError(t, err)

	_, err = svc.Retry(context.Background(), job.ID)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}
