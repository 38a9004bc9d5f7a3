// Copyright 2025 The CasareRPA Authors
// SPDX-License-Identifier: Apache-2.0

// Package api serves the operator HTTP surface: job submission and control,
// fleet inspection, schedule/trigger management, the change-event stream,
// health, and prometheus metrics.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/casare-rpa/orchestrator/internal/domain"
	"github.com/casare-rpa/orchestrator/internal/events"
	"github.com/casare-rpa/orchestrator/internal/metrics"
	"github.com/casare-rpa/orchestrator/internal/queue"
	"github.com/casare-rpa/orchestrator/internal/registry"
	"github.com/casare-rpa/orchestrator/internal/repository"
)

// Submitter is the job intake surface the API depends on.
type Submitter interface {
	Submit(ctx context.Context, spec domain.JobSpec) (*domain.Job, error)
	Retry(ctx context.Context, jobID string) (*domain.Job, error)
}

// Canceller requests cancellation of a job in any non-terminal state.
type Canceller interface {
	Cancel(ctx context.Context, jobID string) error
}

// TriggerFirer delivers an external event to a trigger.
type TriggerFirer interface {
	FireByID(ctx context.Context, triggerID, eventType string, data map[string]any) (*domain.Job, time.Duration, error)
}

// LogReader serves stored robot logs.
type LogReader interface {
	ListByJob(ctx context.Context, jobID string, limit int) ([]domain.LogEntry, error)
}

// Config carries the API server's tunables.
type Config struct {
	Port int
}

// Deps bundles the collaborators the handlers call into.
type Deps struct {
	Submitter Submitter
	Canceller Canceller
	Triggers  TriggerFirer
	Logs      LogReader
	Registry  *registry.Registry
	Stores    *repository.Stores
	Queue     *queue.Queue
	Publisher *events.Publisher
	Metrics   *metrics.Metrics
}

// Server is the operator HTTP server.
type Server struct {
	cfg     Config
	deps    Deps
	logger  *slog.Logger
	nowFunc func() time.Time

	httpServer *http.Server
}

// New constructs the server. nowFunc may be nil (defaults to time.Now).
func New(cfg Config, deps Deps, logger *slog.Logger, nowFunc func() time.Time) *Server {
	if nowFunc == nil {
		nowFunc = time.Now
	}
	s := &Server{
		cfg:     cfg,
		deps:    deps,
		logger:  logger.With("component", "api"),
		nowFunc: nowFunc,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.HandlerFor(deps.Metrics.Registry,
		promhttp.HandlerOpts{Registry: deps.Metrics.Registry}))

	mux.HandleFunc("POST /api/v1/jobs", s.handleSubmitJob)
	mux.HandleFunc("GET /api/v1/jobs", s.handleListJobs)
	mux.HandleFunc("GET /api/v1/jobs/{job_id}", s.handleGetJob)
	mux.HandleFunc("POST /api/v1/jobs/{job_id}/cancel", s.handleCancelJob)
	mux.HandleFunc("POST /api/v1/jobs/{job_id}/retry", s.handleRetryJob)
	mux.HandleFunc("GET /api/v1/jobs/{job_id}/logs", s.handleJobLogs)

	mux.HandleFunc("GET /api/v1/robots", s.handleListRobots)
	mux.HandleFunc("GET /api/v1/robots/{robot_id}", s.handleGetRobot)
	mux.HandleFunc("POST /api/v1/robots/{robot_id}/pause", s.handleRobotControl)
	mux.HandleFunc("POST /api/v1/robots/{robot_id}/resume", s.handleRobotControl)
	mux.HandleFunc("POST /api/v1/robots/{robot_id}/shutdown", s.handleRobotControl)
	mux.HandleFunc("POST /api/v1/robots/{robot_id}/status", s.handleRobotStatus)

	mux.HandleFunc("POST /api/v1/workflows", s.handleCreateWorkflow)
	mux.HandleFunc("GET /api/v1/workflows", s.handleListWorkflows)
	mux.HandleFunc("POST /api/v1/workflows/{workflow_id}/publish", s.handlePublishWorkflow)
	mux.HandleFunc("POST /api/v1/workflows/{workflow_id}/archive", s.handleArchiveWorkflow)

	mux.HandleFunc("POST /api/v1/schedules", s.handleCreateSchedule)
	mux.HandleFunc("GET /api/v1/schedules", s.handleListSchedules)
	mux.HandleFunc("POST /api/v1/schedules/{schedule_id}/enable", s.handleScheduleEnable)
	mux.HandleFunc("POST /api/v1/schedules/{schedule_id}/disable", s.handleScheduleEnable)

	mux.HandleFunc("POST /api/v1/triggers", s.handleCreateTrigger)
	mux.HandleFunc("GET /api/v1/triggers", s.handleListTriggers)
	mux.HandleFunc("POST /api/v1/triggers/{trigger_id}/fire", s.handleFireTrigger)

	mux.HandleFunc("GET /api/v1/queue", s.handleQueueStats)
	mux.HandleFunc("GET /api/v1/events", s.handleEvents)

	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: accessLog(s.logger, mux),
	}
	return s
}

// Handler exposes the routed handler for tests.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Start serves until the listener closes.
func (s *Server) Start() error {
	s.logger.Info("api server listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
