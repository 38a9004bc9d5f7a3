// Copyright 2025 The CasareRPA Authors
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/casare-rpa/orchestrator/internal/domain"
	"github.com/casare-rpa/orchestrator/internal/protocol"
	"github.com/casare-rpa/orchestrator/internal/scheduler"
)

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeSuccess(w, http.StatusOK, map[string]any{
		"status":           "ok",
		"connected_robots": len(s.deps.Registry.Snapshot()),
		"queue_depth":      s.deps.Queue.Size(),
	})
}

func decodeBody(w http.ResponseWriter, r *http.Request, out any) bool {
	if err := json.NewDecoder(r.Body).Decode(out); err != nil {
		writeError(w, http.StatusBadRequest, "MALFORMED_BODY", "request body is not valid JSON")
		return false
	}
	return true
}

// Jobs

func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	var req submitJobRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.WorkflowID == "" {
		writeError(w, http.StatusBadRequest, "MISSING_WORKFLOW", "workflow_id is required")
		return
	}
	priority, err := domain.ParseJobPriority(req.Priority)
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_PRIORITY", err.Error())
		return
	}

	job, err := s.deps.Submitter.Submit(r.Context(), domain.JobSpec{
		WorkflowID:     req.WorkflowID,
		TenantID:       req.TenantID,
		TargetRobotID:  req.TargetRobotID,
		Priority:       priority,
		Parameters:     req.Parameters,
		ScheduledStart: req.ScheduledStart,
		IdempotencyKey: req.IdempotencyKey,
		TimeoutSeconds: req.TimeoutSeconds,
		Source:         "manual",
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeSuccess(w, http.StatusCreated, newJobView(job))
}

// listStatuses is the enumeration order for unfiltered job listings.
var listStatuses = []domain.JobStatus{
	domain.JobPending, domain.JobQueued, domain.JobRunning,
	domain.JobCompleted, domain.JobFailed, domain.JobTimeout, domain.JobCancelled,
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	statuses := listStatuses
	if f := r.URL.Query().Get("status"); f != "" {
		statuses = []domain.JobStatus{domain.JobStatus(f)}
	}

	views := make([]jobView, 0)
	for _, status := range statuses {
		jobs, err := s.deps.Stores.Jobs.ListByStatus(r.Context(), status)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		for _, j := range jobs {
			views = append(views, newJobView(j))
		}
	}
	writeSuccess(w, http.StatusOK, views)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.deps.Stores.Jobs.Get(r.Context(), r.PathValue("job_id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, newJobView(job))
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("job_id")
	if err := s.deps.Canceller.Cancel(r.Context(), jobID); err != nil {
		writeDomainError(w, err)
		return
	}
	writeSuccess(w, http.StatusAccepted, map[string]any{"job_id": jobID, "status": "cancelling"})
}

func (s *Server) handleRetryJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.deps.Submitter.Retry(r.Context(), r.PathValue("job_id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeSuccess(w, http.StatusCreated, newJobView(job))
}

func (s *Server) handleJobLogs(w http.ResponseWriter, r *http.Request) {
	limit := 500
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "INVALID_LIMIT", "limit must be a positive integer")
			return
		}
		limit = n
	}
	entries, err := s.deps.Logs.ListByJob(r.Context(), r.PathValue("job_id"), limit)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	views := make([]logEntryView, 0, len(entries))
	for _, e := range entries {
		views = append(views, newLogEntryView(e))
	}
	writeSuccess(w, http.StatusOK, views)
}

// Robots

func (s *Server) handleListRobots(w http.ResponseWriter, r *http.Request) {
	robots, err := s.deps.Stores.Robots.List(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	views := make([]robotView, 0, len(robots))
	for _, rb := range robots {
		views = append(views, newRobotView(rb))
	}
	writeSuccess(w, http.StatusOK, views)
}

func (s *Server) handleGetRobot(w http.ResponseWriter, r *http.Request) {
	robot, err := s.deps.Stores.Robots.Get(r.Context(), r.PathValue("robot_id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, newRobotView(robot))
}

// handleRobotControl forwards pause/resume/shutdown frames to the robot's
// live connection.
func (s *Server) handleRobotControl(w http.ResponseWriter, r *http.Request) {
	robotID := r.PathValue("robot_id")

	var msgType protocol.MessageType
	switch {
	case strings.HasSuffix(r.URL.Path, "/pause"):
		msgType = protocol.TypePause
	case strings.HasSuffix(r.URL.Path, "/resume"):
		msgType = protocol.TypeResume
	case strings.HasSuffix(r.URL.Path, "/shutdown"):
		msgType = protocol.TypeShutdown
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "unknown control operation")
		return
	}

	var req controlRequest
	if r.ContentLength > 0 && !decodeBody(w, r, &req) {
		return
	}

	env, err := protocol.NewEnvelope(msgType, &protocol.ControlPayload{RobotID: robotID, Graceful: req.Graceful})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
		return
	}
	if err := s.deps.Registry.Send(robotID, env); err != nil {
		writeDomainError(w, err)
		return
	}
	writeSuccess(w, http.StatusAccepted, map[string]any{"robot_id": robotID, "command": string(msgType)})
}

// handleRobotStatus requests a fresh status report and returns the last
// cached one; the fresh response lands in the cache asynchronously.
func (s *Server) handleRobotStatus(w http.ResponseWriter, r *http.Request) {
	robotID := r.PathValue("robot_id")

	env, err := protocol.NewEnvelope(protocol.TypeStatusRequest, &protocol.StatusRequestPayload{RobotID: robotID})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
		return
	}
	if err := s.deps.Registry.Send(robotID, env); err != nil {
		writeDomainError(w, err)
		return
	}
	writeSuccess(w, http.StatusAccepted, map[string]any{
		"robot_id": robotID,
		"cached":   s.deps.Registry.CachedStatus(robotID),
	})
}

// Workflows

func (s *Server) handleCreateWorkflow(w http.ResponseWriter, r *http.Request) {
	var req createWorkflowRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Name == "" || len(req.Definition) == 0 {
		writeError(w, http.StatusBadRequest, "MISSING_FIELDS", "name and definition are required")
		return
	}

	now := s.nowFunc().UTC()
	wf := &domain.Workflow{
		ID:          uuid.New().String(),
		TenantID:    req.TenantID,
		Name:        req.Name,
		Description: req.Description,
		Status:      domain.WorkflowDraft,
		Definition:  req.Definition,
		RetrySafe:   req.RetrySafe,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.deps.Stores.Workflows.Save(r.Context(), wf); err != nil {
		writeDomainError(w, err)
		return
	}
	writeSuccess(w, http.StatusCreated, newWorkflowView(wf))
}

func (s *Server) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	workflows, err := s.deps.Stores.Workflows.List(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	views := make([]workflowView, 0, len(workflows))
	for _, wf := range workflows {
		views = append(views, newWorkflowView(wf))
	}
	writeSuccess(w, http.StatusOK, views)
}

func (s *Server) handlePublishWorkflow(w http.ResponseWriter, r *http.Request) {
	wf, err := s.deps.Stores.Workflows.Get(r.Context(), r.PathValue("workflow_id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if err := wf.Publish(s.nowFunc()); err != nil {
		writeDomainError(w, err)
		return
	}
	if err := s.deps.Stores.Workflows.Save(r.Context(), wf); err != nil {
		writeDomainError(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, newWorkflowView(wf))
}

func (s *Server) handleArchiveWorkflow(w http.ResponseWriter, r *http.Request) {
	wf, err := s.deps.Stores.Workflows.Get(r.Context(), r.PathValue("workflow_id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	wf.Archive(s.nowFunc())
	if err := s.deps.Stores.Workflows.Save(r.Context(), wf); err != nil {
		writeDomainError(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, newWorkflowView(wf))
}

// Schedules

func validFrequency(f domain.ScheduleFrequency) bool {
	switch f {
	case domain.FrequencyOnce, domain.FrequencyHourly, domain.FrequencyDaily,
		domain.FrequencyWeekly, domain.FrequencyMonthly, domain.FrequencyCron:
		return true
	}
	return false
}

func (s *Server) handleCreateSchedule(w http.ResponseWriter, r *http.Request) {
	var req createScheduleRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.WorkflowID == "" {
		writeError(w, http.StatusBadRequest, "MISSING_WORKFLOW", "workflow_id is required")
		return
	}
	freq := domain.ScheduleFrequency(req.Frequency)
	if !validFrequency(freq) {
		writeError(w, http.StatusBadRequest, "INVALID_FREQUENCY", fmt.Sprintf("unknown frequency %q", req.Frequency))
		return
	}
	if freq == domain.FrequencyCron && req.CronExpr == "" {
		writeError(w, http.StatusBadRequest, "MISSING_CRON", "cron frequency requires cron_expr")
		return
	}
	priority, err := domain.ParseJobPriority(req.Priority)
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_PRIORITY", err.Error())
		return
	}
	if _, err := s.deps.Stores.Workflows.Get(r.Context(), req.WorkflowID); err != nil {
		writeDomainError(w, err)
		return
	}

	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	sched := &domain.Schedule{
		ID:         uuid.New().String(),
		Name:       req.Name,
		TenantID:   req.TenantID,
		WorkflowID: req.WorkflowID,
		RobotID:    req.RobotID,
		Priority:   priority,
		Frequency:  freq,
		CronExpr:   req.CronExpr,
		Timezone:   req.Timezone,
		Enabled:    enabled,
		Parameters: req.Parameters,
	}
	next, err := scheduler.InitialNextRun(sched, s.nowFunc())
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_SCHEDULE", err.Error())
		return
	}
	sched.NextRun = next

	if err := s.deps.Stores.Schedules.Save(r.Context(), sched); err != nil {
		writeDomainError(w, err)
		return
	}
	writeSuccess(w, http.StatusCreated, newScheduleView(sched))
}

func (s *Server) handleListSchedules(w http.ResponseWriter, r *http.Request) {
	schedules, err := s.deps.Stores.Schedules.List(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	views := make([]scheduleView, 0, len(schedules))
	for _, sched := range schedules {
		views = append(views, newScheduleView(sched))
	}
	writeSuccess(w, http.StatusOK, views)
}

func (s *Server) handleScheduleEnable(w http.ResponseWriter, r *http.Request) {
	sched, err := s.deps.Stores.Schedules.Get(r.Context(), r.PathValue("schedule_id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}

	enable := strings.HasSuffix(r.URL.Path, "/enable")
	sched.Enabled = enable
	if enable {
		next, err := scheduler.InitialNextRun(sched, s.nowFunc())
		if err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_SCHEDULE", err.Error())
			return
		}
		sched.NextRun = next
	} else {
		sched.NextRun = nil
	}

	if err := s.deps.Stores.Schedules.Save(r.Context(), sched); err != nil {
		writeDomainError(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, newScheduleView(sched))
}

// Triggers

func validTriggerKind(k domain.TriggerKind) bool {
	switch k {
	case domain.TriggerWebhook, domain.TriggerFile, domain.TriggerExternal:
		return true
	}
	return false
}

func (s *Server) handleCreateTrigger(w http.ResponseWriter, r *http.Request) {
	var req createTriggerRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.WorkflowID == "" {
		writeError(w, http.StatusBadRequest, "MISSING_WORKFLOW", "workflow_id is required")
		return
	}
	kind := domain.TriggerKind(req.Kind)
	if !validTriggerKind(kind) {
		writeError(w, http.StatusBadRequest, "INVALID_KIND", fmt.Sprintf("unknown trigger kind %q", req.Kind))
		return
	}
	if kind == domain.TriggerFile && req.PathGlob == "" {
		writeError(w, http.StatusBadRequest, "MISSING_PATH_GLOB", "file triggers require path_glob")
		return
	}
	priority, err := domain.ParseJobPriority(req.Priority)
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_PRIORITY", err.Error())
		return
	}
	if _, err := s.deps.Stores.Workflows.Get(r.Context(), req.WorkflowID); err != nil {
		writeDomainError(w, err)
		return
	}

	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	trig := &domain.Trigger{
		ID:         uuid.New().String(),
		Name:       req.Name,
		TenantID:   req.TenantID,
		Kind:       kind,
		WorkflowID: req.WorkflowID,
		RobotID:    req.RobotID,
		Priority:   priority,
		Enabled:    enabled,
		Filter:     req.Filter,
		Secret:     req.Secret,
		PathGlob:   req.PathGlob,
		EventType:  req.EventType,
		RateLimit:  req.RateLimit,
		RateWindow: time.Duration(req.RateWindowSeconds) * time.Second,
	}
	if err := s.deps.Stores.Triggers.Save(r.Context(), trig); err != nil {
		writeDomainError(w, err)
		return
	}
	writeSuccess(w, http.StatusCreated, newTriggerView(trig))
}

func (s *Server) handleListTriggers(w http.ResponseWriter, r *http.Request) {
	triggers, err := s.deps.Stores.Triggers.ListEnabled(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	views := make([]triggerView, 0, len(triggers))
	for _, t := range triggers {
		views = append(views, newTriggerView(t))
	}
	writeSuccess(w, http.StatusOK, views)
}

func (s *Server) handleFireTrigger(w http.ResponseWriter, r *http.Request) {
	var req fireTriggerRequest
	if r.ContentLength > 0 && !decodeBody(w, r, &req) {
		return
	}

	job, cooldown, err := s.deps.Triggers.FireByID(r.Context(), r.PathValue("trigger_id"), req.EventType, req.Data)
	switch {
	case err == nil:
		writeSuccess(w, http.StatusCreated, map[string]any{"status": "accepted", "job": newJobView(job)})
	case errors.Is(err, domain.ErrFilterMismatch):
		writeSuccess(w, http.StatusOK, map[string]any{"status": "ignored"})
	case errors.Is(err, domain.ErrRateLimited):
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_ = json.NewEncoder(w).Encode(response{Success: false, Error: &apiError{
			Code:    "RATE_LIMITED",
			Message: fmt.Sprintf("cooldown active, retry in %.0fs", cooldown.Seconds()),
		}})
	default:
		writeDomainError(w, err)
	}
}

// Queue and events

func (s *Server) handleQueueStats(w http.ResponseWriter, _ *http.Request) {
	counts := s.deps.Queue.CountByPriority()
	byPriority := make(map[string]int, len(counts))
	for p, n := range counts {
		byPriority[p.String()] = n
	}
	writeSuccess(w, http.StatusOK, map[string]any{
		"depth":       s.deps.Queue.Size(),
		"by_priority": byPriority,
	})
}

// handleEvents streams the change feed as server-sent events until the
// client goes away.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "UNSUPPORTED", "streaming not supported")
		return
	}

	ch, cancel := s.deps.Publisher.Subscribe()
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, open := <-ch:
			if !open {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Kind, data)
			flusher.Flush()
		}
	}
}
