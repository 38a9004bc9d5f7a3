// Copyright 2025 The CasareRPA Authors
// SPDX-License-Identifier: Apache-2.0

// Package logsink ingests robot log traffic. Producers (protocol server
// connections) never block: batches land on a bounded channel, and when it
// overflows the oldest batch is dropped and counted. A single writer
// goroutine drains the channel into the store.
package logsink

import (
	"context"
	"log/slog"
	"time"

	"github.com/casare-rpa/orchestrator/internal/domain"
	"github.com/casare-rpa/orchestrator/internal/metrics"
	"github.com/casare-rpa/orchestrator/internal/protocol"
)

// Store is the persistence half of the sink. Implemented by
// sqlite.LogStore.
type Store interface {
	InsertBatch(ctx context.Context, batch domain.LogBatch) error
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
	ListByJob(ctx context.Context, jobID string, limit int) ([]domain.LogEntry, error)
}

// Sink is the bounded log ingest pipeline.
type Sink struct {
	store   Store
	buf     chan domain.LogBatch
	metrics *metrics.Metrics
	logger  *slog.Logger
	nowFunc func() time.Time

	retention time.Duration
}

// Config carries the sink's tunables.
type Config struct {
	BufferSize int
	Retention  time.Duration
}

// New constructs a Sink. nowFunc may be nil (defaults to time.Now).
func New(cfg Config, store Store, m *metrics.Metrics, logger *slog.Logger, nowFunc func() time.Time) *Sink {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1000
	}
	if nowFunc == nil {
		nowFunc = time.Now
	}
	return &Sink{
		store:     store,
		buf:       make(chan domain.LogBatch, cfg.BufferSize),
		metrics:   m,
		logger:    logger.With("component", "logsink"),
		nowFunc:   nowFunc,
		retention: cfg.Retention,
	}
}

// IngestEntry accepts a single log line as a one-entry batch.
func (s *Sink) IngestEntry(p *protocol.LogEntryPayload) {
	s.IngestBatch(&protocol.LogBatchPayload{
		RobotID: p.RobotID,
		Entries: []protocol.LogEntryPayload{*p},
	})
}

// IngestBatch queues a batch without blocking. On overflow the oldest
// queued batch is evicted to make room.
func (s *Sink) IngestBatch(p *protocol.LogBatchPayload) {
	batch := domain.LogBatch{
		RobotID: p.RobotID,
		Entries: make([]domain.LogEntry, 0, len(p.Entries)),
	}
	for _, e := range p.Entries {
		ts := e.Timestamp
		if ts.IsZero() {
			ts = s.nowFunc()
		}
		batch.Entries = append(batch.Entries, domain.LogEntry{
			JobID:     e.JobID,
			RobotID:   e.RobotID,
			NodeID:    e.NodeID,
			Level:     domain.LogLevel(e.Level),
			Message:   e.Message,
			Timestamp: ts.UTC(),
			Extra:     e.Extra,
		})
	}

	for {
		select {
		case s.buf <- batch:
			return
		default:
		}
		// Full: evict the oldest and retry.
		select {
		case dropped := <-s.buf:
			s.metrics.LogsDropped.Inc()
			s.logger.Warn("log buffer full, dropping oldest batch",
				"droppedRobot", dropped.RobotID,
				"droppedEntries", len(dropped.Entries),
			)
		default:
		}
	}
}

// Run drains batches into the store until the context is cancelled, then
// flushes what is left.
func (s *Sink) Run(ctx context.Context) {
	s.logger.Info("log sink started", "bufferSize", cap(s.buf), "retention", s.retention)
	for {
		select {
		case <-ctx.Done():
			s.Flush(context.WithoutCancel(ctx))
			s.logger.Info("log sink stopped")
			return
		case batch := <-s.buf:
			s.write(ctx, batch)
		}
	}
}

// Flush synchronously writes everything currently buffered.
func (s *Sink) Flush(ctx context.Context) {
	for {
		select {
		case batch := <-s.buf:
			s.write(ctx, batch)
		default:
			return
		}
	}
}

func (s *Sink) write(ctx context.Context, batch domain.LogBatch) {
	if err := s.store.InsertBatch(ctx, batch); err != nil {
		s.logger.Error("failed to store log batch",
			"robot", batch.RobotID,
			"entries", len(batch.Entries),
			"error", err,
		)
		return
	}
	s.metrics.LogBatchesStored.Inc()
}

// RunRetention deletes entries past the retention window on the given
// interval. A zero retention disables the sweep.
func (s *Sink) RunRetention(ctx context.Context, interval time.Duration) {
	if s.retention <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.SweepOnce(ctx)
		}
	}
}

// SweepOnce runs one retention pass. Exported for tests.
func (s *Sink) SweepOnce(ctx context.Context) {
	cutoff := s.nowFunc().Add(-s.retention)
	n, err := s.store.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		s.logger.Error("log retention sweep failed", "error", err)
		return
	}
	if n > 0 {
		s.logger.Info("log retention sweep", "deleted", n, "cutoff", cutoff)
	}
}

// Pending returns the number of batches waiting to be written.
func (s *Sink) Pending() int { return len(s.buf) }
