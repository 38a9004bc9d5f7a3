// Copyright 2025 The CasareRPA Authors
// SPDX-License-Identifier: Apache-2.0

package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/gorm"

	"github.com/casare-rpa/orchestrator/internal/api"
	"github.com/casare-rpa/orchestrator/internal/config"
	"github.com/casare-rpa/orchestrator/internal/dispatcher"
	"github.com/casare-rpa/orchestrator/internal/domain"
	"github.com/casare-rpa/orchestrator/internal/events"
	"github.com/casare-rpa/orchestrator/internal/gateway"
	"github.com/casare-rpa/orchestrator/internal/logsink"
	"github.com/casare-rpa/orchestrator/internal/metrics"
	"github.com/casare-rpa/orchestrator/internal/queue"
	"github.com/casare-rpa/orchestrator/internal/registry"
	"github.com/casare-rpa/orchestrator/internal/repository"
	"github.com/casare-rpa/orchestrator/internal/repository/sqlite"
	"github.com/casare-rpa/orchestrator/internal/scheduler"
	"github.com/casare-rpa/orchestrator/internal/selection"
	"github.com/casare-rpa/orchestrator/internal/trigger"
)

const shutdownTimeout = 15 * time.Second

// Orchestrator owns every component and their lifecycles.
type Orchestrator struct {
	cfg    *config.Config
	logger *slog.Logger

	db         *gorm.DB
	stores     *repository.Stores
	metrics    *metrics.Metrics
	pub        *events.Publisher
	queue      *queue.Queue
	registry   *registry.Registry
	service    *Service
	scheduler  *scheduler.Scheduler
	bus        *trigger.Bus
	dispatcher *dispatcher.Dispatcher
	sink       *logsink.Sink
	gateway    *gateway.Server
	webhook    *trigger.WebhookServer
	api        *api.Server
}

// New wires the control plane from configuration. The database is opened
// and migrated here; everything else starts in Run.
func New(cfg *config.Config, logger *slog.Logger) (*Orchestrator, error) {
	stores, db, err := sqlite.Open(cfg.DatabasePath, logger)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	m := metrics.New()
	pub := events.NewPublisher(0, logger)
	q := queue.New(nil)

	reg := registry.New(registry.Config{
		HeartbeatTimeout: cfg.HeartbeatTimeout(),
		SweepInterval:    cfg.HeartbeatSweepInterval(),
	}, stores.Robots, pub, logger, nil)
	reg.SetConnectedGauge(func(n int) { m.ConnectedRobots.Set(float64(n)) })

	service := NewService(stores, q, pub, m, logger, nil)

	disp := dispatcher.New(dispatcher.Config{
		DispatchInterval:  cfg.DispatchInterval(),
		AckTimeout:        cfg.AssignAckTimeout(),
		CancelGrace:       cfg.CancelGrace(),
		DefaultJobTimeout: cfg.DefaultJobTimeout(),
		MaxRejectRetries:  cfg.MaxRejectRetries,
		SkipBlockedHead:   cfg.SkipBlockedHead,
		Strategy:          selection.Strategy(cfg.LoadBalancing),
	}, q, reg, stores, pub, m, logger, nil)

	sched := scheduler.New(stores.Schedules, service, pub, logger, cfg.SchedulerTick(), nil)
	bus := trigger.New(stores.Triggers, service, pub, logger, nil)

	logStore := sqlite.NewLogStore(db)
	sink := logsink.New(logsink.Config{
		BufferSize: cfg.LogBufferSize,
		Retention:  cfg.LogRetentionDuration(),
	}, logStore, m, logger, nil)

	gw := gateway.New(gateway.Config{Port: cfg.WebSocketPort}, reg, disp, sink, m, logger)
	webhook := trigger.NewWebhookServer(bus, trigger.WebhookConfig{
		Port:         cfg.WebhookPort,
		SharedSecret: cfg.WebhookSharedSecret,
	}, logger)

	apiServer := api.New(api.Config{Port: cfg.APIPort}, api.Deps{
		Submitter: service,
		Canceller: disp,
		Triggers:  bus,
		Logs:      logStore,
		Registry:  reg,
		Stores:    stores,
		Queue:     q,
		Publisher: pub,
		Metrics:   m,
	}, logger, nil)

	return &Orchestrator{
		cfg:        cfg,
		logger:     logger.With("component", "orchestrator"),
		db:         db,
		stores:     stores,
		metrics:    m,
		pub:        pub,
		queue:      q,
		registry:   reg,
		service:    service,
		scheduler:  sched,
		bus:        bus,
		dispatcher: disp,
		sink:       sink,
		gateway:    gw,
		webhook:    webhook,
		api:        apiServer,
	}, nil
}

// Run recovers persisted state, starts every loop and server, and blocks
// until the context is cancelled. Shutdown is graceful: listeners close,
// loops drain, buffered logs flush.
func (o *Orchestrator) Run(ctx context.Context) error {
	if err := o.recover(ctx); err != nil {
		return err
	}

	errCh := make(chan error, 3)
	go func() { errCh <- o.gateway.Start() }()
	go func() { errCh <- o.webhook.Start() }()
	go func() { errCh <- o.api.Start() }()

	loopCtx, stopLoops := context.WithCancel(context.Background())
	go o.dispatcher.Run(loopCtx)
	go o.scheduler.Run(loopCtx)
	go o.bus.RunFilePoll(loopCtx, o.cfg.FilePollInterval())
	go o.registry.RunSweep(loopCtx, o.cfg.HeartbeatSweepInterval())
	go o.sink.Run(loopCtx)
	go o.sink.RunRetention(loopCtx, time.Hour)

	o.logger.Info("orchestrator running",
		"websocketPort", o.cfg.WebSocketPort,
		"webhookPort", o.cfg.WebhookPort,
		"apiPort", o.cfg.APIPort,
		"database", o.cfg.DatabasePath,
	)

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
		if runErr != nil {
			o.logger.Error("server failed", "error", runErr)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := o.api.Shutdown(shutdownCtx); err != nil {
		o.logger.Warn("api shutdown", "error", err)
	}
	if err := o.webhook.Shutdown(shutdownCtx); err != nil {
		o.logger.Warn("webhook shutdown", "error", err)
	}
	if err := o.gateway.Shutdown(shutdownCtx); err != nil {
		o.logger.Warn("gateway shutdown", "error", err)
	}
	stopLoops()
	o.sink.Flush(shutdownCtx)

	if sqlDB, err := o.db.DB(); err == nil {
		_ = sqlDB.Close()
	}
	o.logger.Info("orchestrator stopped")
	return runErr
}

// recover reloads non-terminal jobs after a restart: Running jobs fall back
// to Queued (their robots must re-accept) and queued jobs rejoin the queue.
func (o *Orchestrator) recover(ctx context.Context) error {
	running, err := o.stores.Jobs.ListByStatus(ctx, domain.JobRunning)
	if err != nil {
		return fmt.Errorf("recover running jobs: %w", err)
	}
	now := time.Now()
	for _, job := range running {
		if err := job.TransitionTo(domain.JobQueued, now); err != nil {
			o.logger.Error("cannot requeue recovered job", "job", job.ID, "error", err)
			continue
		}
		job.AssignedRobot = ""
		if err := o.stores.Jobs.Save(ctx, job); err != nil {
			o.logger.Error("cannot persist recovered job", "job", job.ID, "error", err)
		}
	}

	queued, err := o.stores.Jobs.ListByStatus(ctx, domain.JobQueued)
	if err != nil {
		return fmt.Errorf("recover queued jobs: %w", err)
	}
	requeued := 0
	for _, job := range queued {
		if err := o.queue.Enqueue(job); err != nil {
			o.logger.Warn("cannot re-enqueue recovered job", "job", job.ID, "error", err)
			continue
		}
		requeued++
	}
	if requeued > 0 || len(running) > 0 {
		o.logger.Info("recovered persisted jobs", "requeued", requeued, "demotedFromRunning", len(running))
	}
	return nil
}
