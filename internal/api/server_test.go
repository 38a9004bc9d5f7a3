// Copyright 2025 The CasareRPA Authors
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/casare-rpa/orchestrator/internal/domain"
	"github.com/casare-rpa/orchestrator/internal/events"
	"github.com/casare-rpa/orchestrator/internal/metrics"
	"github.com/casare-rpa/orchestrator/internal/protocol"
	"github.com/casare-rpa/orchestrator/internal/queue"
	"github.com/casare-rpa/orchestrator/internal/registry"
	"github.com/casare-rpa/orchestrator/internal/repository/memory"
)

type fakeSubmitter struct {
	specs []domain.JobSpec
	err   error
}

func (f *fakeSubmitter) Submit(_ context.Context, spec domain.JobSpec) (*domain.Job, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.specs = append(f.specs, spec)
	job := domain.NewJob(fmt.Sprintf("job-%d", len(f.specs)), spec.WorkflowID, nil, spec.Priority, time.Now())
	_ = job.TransitionTo(domain.JobQueued, time.Now())
	return job, nil
}

func (f *fakeSubmitter) Retry(_ context.Context, jobID string) (*domain.Job, error) {
	if f.err != nil {
		return nil, f.err
	}
	job := domain.NewJob("retry-1", "wf-1", nil, domain.PriorityNormal, time.Now())
	job.RetryOf = jobID
	_ = job.TransitionTo(domain.JobQueued, time.Now())
	return job, nil
}

type fakeCanceller struct {
	cancelled []string
	err       error
}

func (f *fakeCanceller) Cancel(_ context.Context, jobID string) error {
	if f.err != nil {
		return f.err
	}
	f.cancelled = append(f.cancelled, jobID)
	return nil
}

type fakeFirer struct {
	job      *domain.Job
	cooldown time.Duration
	err      error
}

func (f *fakeFirer) FireByID(context.Context, string, string, map[string]any) (*domain.Job, time.Duration, error) {
	return f.job, f.cooldown, f.err
}

type fakeLogReader struct {
	entries []domain.LogEntry
}

func (f *fakeLogReader) ListByJob(context.Context, string, int) ([]domain.LogEntry, error) {
	return f.entries, nil
}

type fakeSender struct {
	frames []*protocol.Envelope
}

func (f *fakeSender) Send(env *protocol.Envelope) error {
	f.frames = append(f.frames, env)
	return nil
}

func (f *fakeSender) Close() error { return nil }

func newFixture(t *testing.T) (*Server, Deps, *fakeSubmitter, *fakeCanceller, *fakeFirer) {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)
	stores := memory.NewStores()
	q := queue.New(nil)
	pub := events.NewPublisher(16, logger)
	reg := registry.New(registry.Config{HeartbeatTimeout: 90 * time.Second}, stores.Robots, pub, logger, nil)

	sub := &fakeSubmitter{}
	can := &fakeCanceller{}
	fir := &fakeFirer{}
	deps := Deps{
		Submitter: sub,
		Canceller: can,
		Triggers:  fir,
		Logs:      &fakeLogReader{},
		Registry:  reg,
		Stores:    stores,
		Queue:     q,
		Publisher: pub,
		Metrics:   metrics.New(),
	}
	srv := New(Config{Port: 0}, deps, logger, nil)
	return srv, deps, sub, can, fir
}

func doJSON(t *testing.T, srv *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeResponse(t *testing.T, rec *httptest.ResponseRecorder) response {
	t.Helper()
	var resp response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func TestSubmitJob(t *testing.T) {
	srv, _, sub, _, _ := newFixture(t)

	rec := doJSON(t, srv, http.MethodPost, "/api/v1/jobs", map[string]any{
		"workflow_id": "wf-1",
		"priority":    "high",
		"parameters":  map[string]any{"invoice": "42"},
	})

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	resp := decodeResponse(t, rec)
	assert.True(t, resp.Success)

	require.Len(t, sub.specs, 1)
	assert.Equal(t, "wf-1", sub.specs[0].WorkflowID)
	assert.Equal(t, domain.PriorityHigh, sub.specs[0].Priority)
	assert.Equal(t, "manual", sub.specs[0].Source)
}

func TestSubmitJobRejectsMissingWorkflow(t *testing.T) {
	srv, _, _, _, _ := newFixture(t)

	rec := doJSON(t, srv, http.MethodPost, "/api/v1/jobs", map[string]any{"priority": "low"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSubmitJobUnpublishedWorkflowConflicts(t *testing.T) {
	srv, _, sub, _, _ := newFixture(t)
	sub.err = fmt.Errorf("workflow wf-1 is draft: %w", domain.ErrWorkflowNotPublished)

	rec := doJSON(t, srv, http.MethodPost, "/api/v1/jobs", map[string]any{"workflow_id": "wf-1"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	resp := decodeResponse(t, rec)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "WORKFLOW_NOT_PUBLISHED", resp.Error.Code)
}

func TestGetJobNotFound(t *testing.T) {
	srv, _, _, _, _ := newFixture(t)

	rec := doJSON(t, srv, http.MethodGet, "/api/v1/jobs/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetAndListJobs(t *testing.T) {
	srv, deps, _, _, _ := newFixture(t)

	job := domain.NewJob("j1", "wf-1", nil, domain.PriorityNormal, time.Now())
	require.NoError(t, job.TransitionTo(domain.JobQueued, time.Now()))
	require.NoError(t, deps.Stores.Jobs.Save(context.Background(), job))

	rec := doJSON(t, srv, http.MethodGet, "/api/v1/jobs/j1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, srv, http.MethodGet, "/api/v1/jobs?status=queued", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeResponse(t, rec)
	items, ok := resp.Data.([]any)
	require.True(t, ok)
	assert.Len(t, items, 1)
}

func TestCancelJob(t *testing.T) {
	srv, _, _, can, _ := newFixture(t)

	rec := doJSON(t, srv, http.MethodPost, "/api/v1/jobs/j1/cancel", nil)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, []string{"j1"}, can.cancelled)
}

func TestRobotControlWithoutConnection(t *testing.T) {
	srv, _, _, _, _ := newFixture(t)

	rec := doJSON(t, srv, http.MethodPost, "/api/v1/robots/r1/pause", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRobotControlForwardsFrame(t *testing.T) {
	srv, deps, _, _, _ := newFixture(t)

	sender := &fakeSender{}
	_, err := deps.Registry.Register(context.Background(), &protocol.RegisterPayload{
		RobotID: "r1", Name: "bot", MaxConcurrentJobs: 1,
	}, sender)
	require.NoError(t, err)

	rec := doJSON(t, srv, http.MethodPost, "/api/v1/robots/r1/pause", map[string]any{"graceful": true})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	require.Len(t, sender.frames, 1)
	assert.Equal(t, protocol.TypePause, sender.frames[0].Type)

	var p protocol.ControlPayload
	require.NoError(t, sender.frames[0].Decode(&p))
	assert.True(t, p.Graceful)
}

func TestWorkflowLifecycle(t *testing.T) {
	srv, _, _, _, _ := newFixture(t)

	rec := doJSON(t, srv, http.MethodPost, "/api/v1/workflows", map[string]any{
		"name":       "invoices",
		"definition": map[string]any{"nodes": []any{}},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	resp := decodeResponse(t, rec)
	data := resp.Data.(map[string]any)
	id := data["id"].(string)
	assert.Equal(t, "draft", data["status"])

	rec = doJSON(t, srv, http.MethodPost, "/api/v1/workflows/"+id+"/publish", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	data = decodeResponse(t, rec).Data.(map[string]any)
	assert.Equal(t, "published", data["status"])
	assert.Equal(t, float64(1), data["version"])

	rec = doJSON(t, srv, http.MethodPost, "/api/v1/workflows/"+id+"/archive", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	// Archived workflows may not be republished.
	rec = doJSON(t, srv, http.MethodPost, "/api/v1/workflows/"+id+"/publish", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestCreateScheduleValidation(t *testing.T) {
	srv, deps, _, _, _ := newFixture(t)
	require.NoError(t, deps.Stores.Workflows.Save(context.Background(), &domain.Workflow{
		ID: "wf-1", Name: "wf", Status: domain.WorkflowPublished,
	}))

	rec := doJSON(t, srv, http.MethodPost, "/api/v1/schedules", map[string]any{
		"workflow_id": "wf-1", "frequency": "fortnightly",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, srv, http.MethodPost, "/api/v1/schedules", map[string]any{
		"workflow_id": "wf-1", "frequency": "cron",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, srv, http.MethodPost, "/api/v1/schedules", map[string]any{
		"workflow_id": "wf-1", "frequency": "cron", "cron_expr": "0 9 * * *",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	data := decodeResponse(t, rec).Data.(map[string]any)
	assert.NotEmpty(t, data["next_run"])
}

func TestScheduleDisableClearsNextRun(t *testing.T) {
	srv, deps, _, _, _ := newFixture(t)
	next := time.Now().Add(time.Hour)
	require.NoError(t, deps.Stores.Schedules.Save(context.Background(), &domain.Schedule{
		ID: "s1", WorkflowID: "wf-1", Frequency: domain.FrequencyDaily, Enabled: true, NextRun: &next,
	}))

	rec := doJSON(t, srv, http.MethodPost, "/api/v1/schedules/s1/disable", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	data := decodeResponse(t, rec).Data.(map[string]any)
	assert.Equal(t, false, data["enabled"])
	assert.Nil(t, data["next_run"])
}

func TestFireTriggerRateLimited(t *testing.T) {
	srv, _, _, _, fir := newFixture(t)
	fir.err = domain.ErrRateLimited
	fir.cooldown = 42 * time.Second

	rec := doJSON(t, srv, http.MethodPost, "/api/v1/triggers/t1/fire", map[string]any{"event_type": "push"})
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Contains(t, rec.Body.String(), "42s")
}

func TestFireTriggerAccepted(t *testing.T) {
	srv, _, _, _, fir := newFixture(t)
	fir.job = domain.NewJob("j9", "wf-1", nil, domain.PriorityNormal, time.Now())

	rec := doJSON(t, srv, http.MethodPost, "/api/v1/triggers/t1/fire", map[string]any{"event_type": "push"})
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Contains(t, rec.Body.String(), "j9")
}

func TestHealthz(t *testing.T) {
	srv, _, _, _, _ := newFixture(t)

	rec := doJSON(t, srv, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)
}

func TestMetricsEndpoint(t *testing.T) {
	srv, deps, _, _, _ := newFixture(t)
	deps.Metrics.JobsSubmitted.Inc()

	rec := doJSON(t, srv, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "casare_jobs_submitted_total"))
}

func TestQueueStats(t *testing.T) {
	srv, deps, _, _, _ := newFixture(t)
	job := domain.NewJob("j1", "wf-1", nil, domain.PriorityCritical, time.Now())
	require.NoError(t, job.TransitionTo(domain.JobQueued, time.Now()))
	require.NoError(t, deps.Queue.Enqueue(job))

	rec := doJSON(t, srv, http.MethodGet, "/api/v1/queue", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	data := decodeResponse(t, rec).Data.(map[string]any)
	assert.Equal(t, float64(1), data["depth"])
}
