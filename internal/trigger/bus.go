// Copyright 2025 The CasareRPA Authors
// SPDX-License-Identifier: Apache-2.0

// Package trigger turns external events into jobs. Webhook triggers arrive
// over the HTTP server in this package, file triggers are polled, and
// external triggers fire through the operator API. Every fire is subject to
// the trigger's cooldown window.
package trigger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/casare-rpa/orchestrator/internal/domain"
	"github.com/casare-rpa/orchestrator/internal/events"
	"github.com/casare-rpa/orchestrator/internal/repository"
)

// Submitter accepts materialized job specs. Implemented by the
// orchestrator's intake service.
type Submitter interface {
	Submit(ctx context.Context, spec domain.JobSpec) (*domain.Job, error)
}

// Bus owns the trigger configs and their rate limiters.
type Bus struct {
	triggers  repository.TriggerRepository
	submitter Submitter
	pub       *events.Publisher
	logger    *slog.Logger
	nowFunc   func() time.Time

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	// file trigger bookkeeping: path -> last seen mtime
	seen map[string]time.Time
}

// New constructs a Bus. nowFunc may be nil (defaults to time.Now).
func New(triggers repository.TriggerRepository, submitter Submitter, pub *events.Publisher, logger *slog.Logger, nowFunc func() time.Time) *Bus {
	if nowFunc == nil {
		nowFunc = time.Now
	}
	return &Bus{
		triggers:  triggers,
		submitter: submitter,
		pub:       pub,
		logger:    logger.With("component", "trigger"),
		nowFunc:   nowFunc,
		limiters:  make(map[string]*rate.Limiter),
		seen:      make(map[string]time.Time),
	}
}

// Get loads a trigger config by id.
func (b *Bus) Get(ctx context.Context, id string) (*domain.Trigger, error) {
	return b.triggers.Get(ctx, id)
}

// Fire runs one event through a trigger: filter, cooldown, job
// materialization, bookkeeping. On cooldown it returns
// domain.ErrRateLimited together with the remaining wait.
func (b *Bus) Fire(ctx context.Context, trig *domain.Trigger, eventType string, data map[string]any) (*domain.Job, time.Duration, error) {
	if !trig.Enabled {
		return nil, 0, fmt.Errorf("trigger %s disabled: %w", trig.ID, domain.ErrNotFound)
	}
	if !trig.Matches(eventType, data) {
		return nil, 0, domain.ErrFilterMismatch
	}

	now := b.nowFunc()
	if wait := b.reserve(trig, now); wait > 0 {
		return nil, wait, fmt.Errorf("trigger %s in cooldown: %w", trig.ID, domain.ErrRateLimited)
	}

	spec := domain.JobSpec{
		WorkflowID:    trig.WorkflowID,
		TenantID:      trig.TenantID,
		TargetRobotID: trig.RobotID,
		Priority:      trig.Priority,
		Parameters:    data,
		Source:        "trigger:" + trig.ID,
	}
	job, err := b.submitter.Submit(ctx, spec)
	if err != nil {
		return nil, 0, fmt.Errorf("trigger %s: %w", trig.ID, err)
	}

	t := now.UTC()
	trig.FireCount++
	trig.LastFired = &t
	if err := b.triggers.Save(ctx, trig); err != nil {
		b.logger.Error("failed to persist trigger state", "trigger", trig.ID, "error", err)
	}

	b.logger.Info("trigger fired",
		"trigger", trig.ID,
		"kind", trig.Kind,
		"workflow", trig.WorkflowID,
		"job", job.ID,
	)
	if b.pub != nil {
		b.pub.Publish(events.Event{
			Kind:  events.KindTriggerFire,
			JobID: job.ID,
			Detail: map[string]any{
				"trigger_id":  trig.ID,
				"workflow_id": trig.WorkflowID,
				"event_type":  eventType,
			},
		})
	}
	return job, 0, nil
}

// FireByID resolves a trigger and fires it; used by the operator API for
// external triggers.
func (b *Bus) FireByID(ctx context.Context, triggerID, eventType string, data map[string]any) (*domain.Job, time.Duration, error) {
	trig, err := b.triggers.Get(ctx, triggerID)
	if err != nil {
		return nil, 0, err
	}
	return b.Fire(ctx, trig, eventType, data)
}

// reserve takes one token from the trigger's limiter, returning the
// remaining cooldown when none is available. Triggers without a rate limit
// always pass.
func (b *Bus) reserve(trig *domain.Trigger, now time.Time) time.Duration {
	if trig.RateLimit <= 0 || trig.RateWindow <= 0 {
		return 0
	}
	b.mu.Lock()
	lim, ok := b.limiters[trig.ID]
	if !ok {
		lim = rate.NewLimiter(rate.Every(trig.RateWindow/time.Duration(trig.RateLimit)), trig.RateLimit)
		b.limiters[trig.ID] = lim
	}
	b.mu.Unlock()

	res := lim.ReserveN(now, 1)
	if wait := res.DelayFrom(now); wait > 0 {
		res.CancelAt(now)
		return wait
	}
	return 0
}

// RunFilePoll scans the enabled file triggers' globs until the context is
// cancelled. A path whose mtime advanced since the previous scan fires the
// trigger with the path in the event payload.
func (b *Bus) RunFilePoll(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	b.logger.Info("file trigger polling started", "interval", interval)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.PollOnce(ctx)
		}
	}
}

// PollOnce runs a single file trigger scan. Exported for tests.
func (b *Bus) PollOnce(ctx context.Context) {
	enabled, err := b.triggers.ListEnabled(ctx)
	if err != nil {
		b.logger.Error("failed to list enabled triggers", "error", err)
		return
	}

	for _, trig := range enabled {
		if trig.Kind != domain.TriggerFile || trig.PathGlob == "" {
			continue
		}
		matches, err := filepath.Glob(trig.PathGlob)
		if err != nil {
			b.logger.Error("bad file trigger glob", "trigger", trig.ID, "glob", trig.PathGlob, "error", err)
			continue
		}
		for _, path := range matches {
			info, err := os.Stat(path)
			if err != nil {
				continue
			}
			b.mu.Lock()
			prev, known := b.seen[path]
			b.seen[path] = info.ModTime()
			b.mu.Unlock()
			if known && !info.ModTime().After(prev) {
				continue
			}
			_, _, err = b.Fire(ctx, trig, "file", map[string]any{
				"path":     path,
				"modified": info.ModTime().UTC().Format(time.RFC3339),
			})
			if err != nil && !errors.Is(err, domain.ErrRateLimited) && !errors.Is(err, domain.ErrFilterMismatch) {
				b.logger.Error("file trigger fire failed", "trigger", trig.ID, "path", path, "error", err)
			}
		}
	}
}
