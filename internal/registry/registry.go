// Copyright 2025 The CasareRPA Authors
// SPDX-License-Identifier: Apache-2.0

// Package registry tracks connected robots, their live protocol connections,
// and heartbeat liveness. All mutations serialize through the registry's
// lock; readers receive point-in-time snapshots of cloned robots.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/casare-rpa/orchestrator/internal/domain"
	"github.com/casare-rpa/orchestrator/internal/events"
	"github.com/casare-rpa/orchestrator/internal/protocol"
	"github.com/casare-rpa/orchestrator/internal/repository"
)

// Sender is the write half of a robot's protocol connection. Implemented by
// the gateway's connection; Send never blocks on the network (frames go to
// the connection's send queue).
type Sender interface {
	Send(env *protocol.Envelope) error
	Close() error
}

// LostRobot is emitted when a robot goes Offline with jobs still in flight.
type LostRobot struct {
	RobotID      string
	InflightJobs []string
	Reason       string
}

type record struct {
	robot    *domain.Robot
	sender   Sender
	lastBeat time.Time
	status   *protocol.StatusResponsePayload
}

// Registry is the process-wide robot registration table.
type Registry struct {
	mu      sync.Mutex
	records map[string]*record

	robots  repository.RobotRepository
	pub     *events.Publisher
	logger  *slog.Logger
	nowFunc func() time.Time

	timeout   time.Duration
	lost      chan LostRobot
	available chan struct{}

	onCount func(n int)
}

// Config carries the registry's tunables.
type Config struct {
	HeartbeatTimeout time.Duration
	SweepInterval    time.Duration
}

// New constructs a Registry. nowFunc may be nil (defaults to time.Now).
func New(cfg Config, robots repository.RobotRepository, pub *events.Publisher, logger *slog.Logger, nowFunc func() time.Time) *Registry {
	if nowFunc == nil {
		nowFunc = time.Now
	}
	return &Registry{
		records:   make(map[string]*record),
		robots:    robots,
		pub:       pub,
		logger:    logger.With("component", "registry"),
		nowFunc:   nowFunc,
		timeout:   cfg.HeartbeatTimeout,
		lost:      make(chan LostRobot, 64),
		available: make(chan struct{}, 1),
	}
}

// SetConnectedGauge installs a callback invoked with the connected robot
// count after every change; used to drive the prometheus gauge.
func (r *Registry) SetConnectedGauge(fn func(n int)) { r.onCount = fn }

// Lost returns the channel of robots that went Offline with in-flight jobs.
func (r *Registry) Lost() <-chan LostRobot { return r.lost }

// Available signals when a robot may have capacity again (registered or
// came back online); the dispatcher selects on it.
func (r *Registry) Available() <-chan struct{} { return r.available }

func (r *Registry) signalAvailable() {
	select {
	case r.available <- struct{}{}:
	default:
	}
}

// Register creates or refreshes a robot record from a register payload and
// marks the robot Online. The previous connection, if any, is closed.
func (r *Registry) Register(ctx context.Context, p *protocol.RegisterPayload, sender Sender) (*domain.Robot, error) {
	if p.RobotID == "" {
		return nil, fmt.Errorf("register without robot_id: %w", domain.ErrInvariantViolation)
	}
	now := r.nowFunc()

	r.mu.Lock()
	rec, exists := r.records[p.RobotID]
	if exists && rec.sender != nil && rec.sender != sender {
		// Replaced connection: the old one is stale.
		_ = rec.sender.Close()
	}

	var robot *domain.Robot
	if exists {
		robot = rec.robot
	} else {
		robot = domain.NewRobot(p.RobotID, p.Name, p.MaxConcurrentJobs)
		rec = &record{robot: robot}
		r.records[p.RobotID] = rec
	}

	caps := make([]domain.Capability, 0, len(p.Capabilities))
	for _, c := range p.Capabilities {
		caps = append(caps, domain.Capability(c))
	}
	// Field updates go through the robot's own lock; the dispatcher may be
	// assigning to this robot concurrently.
	maxJobs := robot.UpdateRegistration(p.Name, p.TenantID, p.Environment, p.MaxConcurrentJobs, p.Tags, caps)
	robot.MarkOnline(now)

	rec.sender = sender
	rec.lastBeat = now
	count := r.connectedLocked()
	r.mu.Unlock()

	if err := r.robots.Save(ctx, robot.Clone()); err != nil {
		r.logger.Error("failed to persist robot registration", "robot", p.RobotID, "error", err)
	}

	r.logger.Info("robot registered",
		"robot", p.RobotID,
		"name", p.Name,
		"environment", p.Environment,
		"maxConcurrentJobs", maxJobs,
		"capabilities", p.Capabilities,
		"connected", count,
	)
	r.publishRobotStatus(robot)
	r.reportCount(count)
	r.signalAvailable()
	return robot, nil
}

// Heartbeat refreshes liveness and reported metrics. Unknown robots get
// domain.ErrNotFound so the server can answer with an error frame.
func (r *Registry) Heartbeat(p *protocol.HeartbeatPayload) error {
	now := r.nowFunc()

	r.mu.Lock()
	rec, ok := r.records[p.RobotID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("heartbeat from unknown robot %s: %w", p.RobotID, domain.ErrNotFound)
	}
	rec.lastBeat = now
	robot := rec.robot
	r.mu.Unlock()

	wasOffline := robot.CurrentStatus() == domain.RobotOffline
	robot.Heartbeat(now, domain.ResourceMetrics{
		CPUPercent:    p.CPUPercent,
		MemoryPercent: p.MemoryPercent,
		DiskPercent:   p.DiskPercent,
	})
	if wasOffline {
		robot.MarkOnline(now)
		r.publishRobotStatus(robot)
		r.signalAvailable()
	}
	return nil
}

// UpdateStatus caches the latest status_response payload for a robot.
func (r *Registry) UpdateStatus(p *protocol.StatusResponsePayload) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.records[p.RobotID]; ok {
		rec.status = p
	}
}

// CachedStatus returns the last status_response for a robot, if any.
func (r *Registry) CachedStatus(robotID string) *protocol.StatusResponsePayload {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.records[robotID]; ok {
		return rec.status
	}
	return nil
}

// Disconnect handles a graceful disconnect or a dropped connection: the
// robot goes Offline and its in-flight jobs are surfaced on Lost().
func (r *Registry) Disconnect(ctx context.Context, robotID, reason string) {
	r.mu.Lock()
	rec, ok := r.records[robotID]
	if !ok {
		r.mu.Unlock()
		return
	}
	rec.sender = nil
	robot := rec.robot
	count := r.connectedLocked()
	r.mu.Unlock()

	inflight := robot.MarkOffline()
	if err := r.robots.Save(ctx, robot.Clone()); err != nil {
		r.logger.Error("failed to persist robot disconnect", "robot", robotID, "error", err)
	}

	r.logger.Info("robot disconnected", "robot", robotID, "reason", reason, "inflightJobs", len(inflight))
	r.publishRobotStatus(robot)
	r.reportCount(count)
	if len(inflight) > 0 {
		select {
		case r.lost <- LostRobot{RobotID: robotID, InflightJobs: inflight, Reason: reason}:
		default:
			// Never block the sweep or a connection teardown on a stalled
			// consumer. The jobs stay Running until an operator retries them.
			r.logger.Error("lost-robot channel full, dropping recovery notice",
				"robot", robotID, "jobs", inflight)
		}
	}
}

// Send queues an envelope on the robot's connection.
func (r *Registry) Send(robotID string, env *protocol.Envelope) error {
	r.mu.Lock()
	rec, ok := r.records[robotID]
	var sender Sender
	if ok {
		sender = rec.sender
	}
	r.mu.Unlock()

	if sender == nil {
		return fmt.Errorf("robot %s has no live connection: %w", robotID, domain.ErrNotFound)
	}
	return sender.Send(env)
}

// Get returns the live robot entity. Mutations on it go through the
// entity's own lock; use Snapshot for read-side views.
func (r *Registry) Get(robotID string) (*domain.Robot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[robotID]
	if !ok {
		return nil, fmt.Errorf("robot %s: %w", robotID, domain.ErrNotFound)
	}
	return rec.robot, nil
}

// Snapshot returns cloned robots, safe to hand to the selection service.
func (r *Registry) Snapshot() []*domain.Robot {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*domain.Robot, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, rec.robot.Clone())
	}
	return out
}

// RunSweep periodically marks robots with stale heartbeats Offline until
// the context is cancelled.
func (r *Registry) RunSweep(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.SweepOnce(ctx)
		}
	}
}

// SweepOnce runs a single liveness pass. Exported for tests and for the
// orchestrator's shutdown path.
func (r *Registry) SweepOnce(ctx context.Context) {
	now := r.nowFunc()

	r.mu.Lock()
	var stale []*record
	for _, rec := range r.records {
		if rec.robot.CurrentStatus() == domain.RobotOffline {
			continue
		}
		if now.Sub(rec.lastBeat) > r.timeout {
			stale = append(stale, rec)
		}
	}
	r.mu.Unlock()

	for _, rec := range stale {
		robotID := rec.robot.ID
		r.logger.Warn("robot heartbeat stale, marking offline",
			"robot", robotID,
			"lastBeat", rec.lastBeat,
			"timeout", r.timeout,
		)
		if rec.sender != nil {
			_ = rec.sender.Close()
		}
		r.Disconnect(ctx, robotID, "heartbeat timeout")
	}
}

func (r *Registry) connectedLocked() int {
	n := 0
	for _, rec := range r.records {
		if rec.sender != nil {
			n++
		}
	}
	return n
}

func (r *Registry) reportCount(n int) {
	if r.onCount != nil {
		r.onCount(n)
	}
}

func (r *Registry) publishRobotStatus(robot *domain.Robot) {
	if r.pub == nil {
		return
	}
	r.pub.Publish(events.Event{
		Kind:    events.KindRobotStatus,
		RobotID: robot.ID,
		Status:  string(robot.CurrentStatus()),
	})
}
