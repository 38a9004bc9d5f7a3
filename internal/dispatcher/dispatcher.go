// Copyright 2025 The CasareRPA Authors
// SPDX-License-Identifier: Apache-2.0

// Package dispatcher pairs queued jobs with eligible robots. One goroutine
// runs the dispatch loop; protocol handlers for job lifecycle messages are
// called from connection readers and serialize on the dispatcher's lock.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/casare-rpa/orchestrator/internal/domain"
	"github.com/casare-rpa/orchestrator/internal/events"
	"github.com/casare-rpa/orchestrator/internal/metrics"
	"github.com/casare-rpa/orchestrator/internal/protocol"
	"github.com/casare-rpa/orchestrator/internal/queue"
	"github.com/casare-rpa/orchestrator/internal/registry"
	"github.com/casare-rpa/orchestrator/internal/repository"
	"github.com/casare-rpa/orchestrator/internal/selection"
)

// Config carries the dispatcher's tunables.
type Config struct {
	DispatchInterval  time.Duration
	AckTimeout        time.Duration
	CancelGrace       time.Duration
	DefaultJobTimeout time.Duration
	MaxRejectRetries  int
	// SkipBlockedHead lets the dispatcher try jobs behind a head that has no
	// eligible robot. Off by default to preserve strict priority order.
	SkipBlockedHead bool
	Strategy        selection.Strategy
}

type cancelKind string

const (
	cancelNone    cancelKind = ""
	cancelUser    cancelKind = "user"
	cancelTimeout cancelKind = "timeout"
)

// pendingAssign tracks a job_assign awaiting its ack.
type pendingAssign struct {
	job           *domain.Job
	robotID       string
	correlationID string
	deadline      time.Time
	sentAt        time.Time
}

// runningJob tracks an accepted assignment through execution.
type runningJob struct {
	job            *domain.Job
	robotID        string
	timeoutAt      time.Time
	cancel         cancelKind
	cancelDeadline time.Time
}

// Dispatcher owns the pending-ack and running maps and the dispatch loop.
type Dispatcher struct {
	cfg      Config
	queue    *queue.Queue
	registry *registry.Registry
	jobs     repository.JobRepository
	flows    repository.WorkflowRepository
	assigns  repository.AssignmentRepository
	pub      *events.Publisher
	metrics  *metrics.Metrics
	logger   *slog.Logger
	nowFunc  func() time.Time

	mu      sync.Mutex
	pending map[string]*pendingAssign
	running map[string]*runningJob
	rejects map[string]int
	kicked  chan struct{}
}

// New constructs a Dispatcher. nowFunc may be nil (defaults to time.Now).
func New(cfg Config, q *queue.Queue, reg *registry.Registry, stores *repository.Stores, pub *events.Publisher, m *metrics.Metrics, logger *slog.Logger, nowFunc func() time.Time) *Dispatcher {
	if nowFunc == nil {
		nowFunc = time.Now
	}
	if cfg.DispatchInterval <= 0 {
		cfg.DispatchInterval = 5 * time.Second
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = 10 * time.Second
	}
	if cfg.CancelGrace <= 0 {
		cfg.CancelGrace = 30 * time.Second
	}
	if cfg.DefaultJobTimeout <= 0 {
		cfg.DefaultJobTimeout = time.Hour
	}
	if cfg.MaxRejectRetries <= 0 {
		cfg.MaxRejectRetries = 3
	}
	return &Dispatcher{
		cfg:      cfg,
		queue:    q,
		registry: reg,
		jobs:     stores.Jobs,
		flows:    stores.Workflows,
		assigns:  stores.Assignments,
		pub:      pub,
		metrics:  m,
		logger:   logger.With("component", "dispatcher"),
		nowFunc:  nowFunc,
		pending:  make(map[string]*pendingAssign),
		running:  make(map[string]*runningJob),
		rejects:  make(map[string]int),
		kicked:   make(chan struct{}, 1),
	}
}

// Run drives the dispatch loop until the context is cancelled. The loop
// ticks at the dispatch interval and wakes early on enqueue, on robot
// availability, and on robot loss.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.DispatchInterval)
	defer ticker.Stop()

	d.logger.Info("dispatcher started", "interval", d.cfg.DispatchInterval)
	for {
		select {
		case <-ctx.Done():
			d.logger.Info("dispatcher stopped")
			return
		case <-ticker.C:
		case <-d.queue.Woken():
		case <-d.registry.Available():
		case <-d.kicked:
		case lost := <-d.registry.Lost():
			d.HandleRobotLost(ctx, lost)
		}
		d.TickOnce(ctx)
	}
}

func (d *Dispatcher) kick() {
	select {
	case d.kicked <- struct{}{}:
	default:
	}
}

// TickOnce runs deadline sweeps and then dispatches as many ready jobs as
// the fleet will take. Exported for tests.
func (d *Dispatcher) TickOnce(ctx context.Context) {
	now := d.nowFunc()
	d.expireAcks(ctx, now)
	d.expireJobTimeouts(ctx, now)
	d.dispatchReady(ctx)
	d.metrics.QueueDepth.Set(float64(d.queue.Size()))
}

func (d *Dispatcher) dispatchReady(ctx context.Context) {
	var skipped []*domain.Job
	for {
		job := d.queue.Peek()
		if job == nil {
			break
		}

		robot, err := d.selectRobot(ctx, job)
		if err != nil {
			if errors.Is(err, domain.ErrNoAvailableRobot) {
				d.metrics.SelectionNoRobot.Inc()
				if !d.cfg.SkipBlockedHead {
					break
				}
				if taken := d.queue.Take(job.ID); taken != nil {
					skipped = append(skipped, taken)
				}
				continue
			}
			d.logger.Error("selection failed", "job", job.ID, "error", err)
			break
		}

		if taken := d.queue.Take(job.ID); taken == nil {
			// Cancelled between peek and take.
			continue
		}
		d.assign(ctx, job, robot.ID)
	}
	for _, job := range skipped {
		if err := d.queue.Enqueue(job); err != nil {
			d.logger.Error("failed to requeue skipped job", "job", job.ID, "error", err)
		}
	}
}

func (d *Dispatcher) selectRobot(ctx context.Context, job *domain.Job) (*domain.Robot, error) {
	assignments, err := d.assigns.ListByWorkflow(ctx, job.WorkflowID)
	if err != nil {
		return nil, fmt.Errorf("load assignments for %s: %w", job.WorkflowID, err)
	}
	overrides, err := d.assigns.ListOverrides(ctx, job.WorkflowID)
	if err != nil {
		return nil, fmt.Errorf("load overrides for %s: %w", job.WorkflowID, err)
	}
	return selection.Select(selection.Input{
		Job:         job,
		Robots:      d.registry.Snapshot(),
		Assignments: assignments,
		Overrides:   overrides,
		Strategy:    d.cfg.Strategy,
	})
}

// assign moves the job to Running, reserves robot capacity, and sends
// job_assign. Every failure path rolls back and requeues.
func (d *Dispatcher) assign(ctx context.Context, job *domain.Job, robotID string) {
	now := d.nowFunc()

	if err := job.TransitionTo(domain.JobRunning, now); err != nil {
		d.logger.Error("job not dispatchable", "job", job.ID, "error", err)
		return
	}

	robot, err := d.registry.Get(robotID)
	if err == nil {
		err = robot.AssignJob(job.ID)
	}
	if err != nil {
		// Robot filled up (or vanished) between selection and assignment.
		d.logger.Warn("assignment raced, requeueing", "job", job.ID, "robot", robotID, "error", err)
		d.requeue(ctx, job)
		return
	}
	job.AssignedRobot = robotID

	env, err := protocol.NewEnvelope(protocol.TypeJobAssign, &protocol.JobAssignPayload{
		JobID:          job.ID,
		WorkflowID:     job.WorkflowID,
		WorkflowName:   job.WorkflowName,
		WorkflowJSON:   job.WorkflowBlob,
		Priority:       job.Priority.String(),
		TimeoutSeconds: job.TimeoutSeconds,
		Parameters:     job.Parameters,
	})
	if err == nil {
		err = d.registry.Send(robotID, env)
	}
	if err != nil {
		d.logger.Warn("job_assign send failed, requeueing", "job", job.ID, "robot", robotID, "error", err)
		_ = robot.CompleteJob(job.ID)
		job.AssignedRobot = ""
		d.requeue(ctx, job)
		return
	}

	d.mu.Lock()
	d.pending[job.ID] = &pendingAssign{
		job:           job,
		robotID:       robotID,
		correlationID: env.ID,
		deadline:      now.Add(d.cfg.AckTimeout),
		sentAt:        now,
	}
	d.mu.Unlock()

	d.persist(ctx, job)
	d.publishStatus(job)
	d.logger.Info("job assigned", "job", job.ID, "robot", robotID, "priority", job.Priority.String())
}

// requeue returns a Running job to Queued and puts it back on the queue.
func (d *Dispatcher) requeue(ctx context.Context, job *domain.Job) {
	if err := job.TransitionTo(domain.JobQueued, d.nowFunc()); err != nil {
		d.logger.Error("requeue transition failed", "job", job.ID, "error", err)
		return
	}
	job.AssignedRobot = ""
	if err := d.queue.Requeue(job); err != nil {
		d.logger.Error("requeue failed", "job", job.ID, "error", err)
	}
	d.persist(ctx, job)
	d.publishStatus(job)
}

// HandleAccept confirms a pending assignment. Late or unknown acks are
// dropped.
func (d *Dispatcher) HandleAccept(ctx context.Context, p *protocol.JobAcceptPayload, correlationID string) {
	now := d.nowFunc()

	d.mu.Lock()
	pa, ok := d.pending[p.JobID]
	if !ok || (correlationID != "" && correlationID != pa.correlationID) {
		d.mu.Unlock()
		d.logger.Debug("dropping stale job_accept", "job", p.JobID, "robot", p.RobotID)
		return
	}
	delete(d.pending, p.JobID)
	delete(d.rejects, p.JobID)
	d.running[p.JobID] = &runningJob{
		job:       pa.job,
		robotID:   pa.robotID,
		timeoutAt: now.Add(d.jobTimeout(pa.job)),
	}
	sentAt := pa.sentAt
	d.mu.Unlock()

	d.metrics.DispatchSeconds.Observe(now.Sub(sentAt).Seconds())
	d.persist(ctx, pa.job)
	d.logger.Info("job accepted", "job", p.JobID, "robot", pa.robotID)
}

// HandleReject rolls a declined assignment back. After max consecutive
// rejects the job fails with reason "no robot accepted".
func (d *Dispatcher) HandleReject(ctx context.Context, p *protocol.JobRejectPayload) {
	d.mu.Lock()
	pa, ok := d.pending[p.JobID]
	if ok {
		delete(d.pending, p.JobID)
	}
	d.mu.Unlock()
	if !ok {
		d.logger.Debug("dropping stale job_reject", "job", p.JobID)
		return
	}
	d.metrics.AssignRejects.Inc()
	d.logger.Warn("job rejected", "job", p.JobID, "robot", pa.robotID, "reason", p.Reason)
	d.rollbackAssign(ctx, pa, "rejected")
}

// expireAcks treats overdue job_assign acks as rejects.
func (d *Dispatcher) expireAcks(ctx context.Context, now time.Time) {
	d.mu.Lock()
	var overdue []*pendingAssign
	for id, pa := range d.pending {
		if now.After(pa.deadline) {
			overdue = append(overdue, pa)
			delete(d.pending, id)
		}
	}
	d.mu.Unlock()

	for _, pa := range overdue {
		d.metrics.AssignRejects.Inc()
		d.logger.Warn("job_assign ack timeout", "job", pa.job.ID, "robot", pa.robotID)
		d.rollbackAssign(ctx, pa, "ack timeout")
	}
}

func (d *Dispatcher) rollbackAssign(ctx context.Context, pa *pendingAssign, reason string) {
	if robot, err := d.registry.Get(pa.robotID); err == nil {
		_ = robot.CompleteJob(pa.job.ID)
	}

	d.mu.Lock()
	d.rejects[pa.job.ID]++
	n := d.rejects[pa.job.ID]
	d.mu.Unlock()

	if n >= d.cfg.MaxRejectRetries {
		d.mu.Lock()
		delete(d.rejects, pa.job.ID)
		d.mu.Unlock()
		d.failJob(ctx, pa.job, &domain.JobError{Message: "no robot accepted", Type: reason})
		return
	}
	d.requeue(ctx, pa.job)
}

// HandleProgress updates progress on a running job. No status change.
func (d *Dispatcher) HandleProgress(ctx context.Context, p *protocol.JobProgressPayload) {
	d.mu.Lock()
	rj, ok := d.running[p.JobID]
	d.mu.Unlock()
	if !ok {
		d.logger.Debug("progress for unknown job", "job", p.JobID)
		return
	}
	if err := rj.job.SetProgress(p.Progress, p.CurrentNode); err != nil {
		d.logger.Warn("progress rejected", "job", p.JobID, "error", err)
		return
	}
	d.persist(ctx, rj.job)
	if d.pub != nil {
		d.pub.Publish(events.Event{
			Kind:  events.KindJobProgress,
			JobID: p.JobID,
			Detail: map[string]any{
				"progress":     p.Progress,
				"current_node": p.CurrentNode,
			},
		})
	}
}

// HandleComplete finishes a job. A completion arriving after the robot was
// declared lost no longer matches a running assignment and is dropped.
func (d *Dispatcher) HandleComplete(ctx context.Context, p *protocol.JobCompletePayload) {
	rj := d.takeRunning(p.JobID)
	if rj == nil {
		d.logger.Debug("dropping late job_complete", "job", p.JobID)
		return
	}
	if err := rj.job.Complete(p.Result, d.nowFunc()); err != nil {
		d.logger.Warn("complete rejected", "job", p.JobID, "error", err)
		return
	}
	d.releaseRobot(rj)
	d.metrics.JobsCompleted.Inc()
	d.finishJob(ctx, rj.job)
	d.logger.Info("job completed",
		"job", p.JobID,
		"robot", rj.robotID,
		"durationMs", p.DurationMS,
	)
}

// HandleFailed fails a job with the robot's error payload.
func (d *Dispatcher) HandleFailed(ctx context.Context, p *protocol.JobFailedPayload) {
	rj := d.takeRunning(p.JobID)
	if rj == nil {
		d.logger.Debug("dropping late job_failed", "job", p.JobID)
		return
	}
	d.releaseRobot(rj)
	d.failJob(ctx, rj.job, &domain.JobError{
		Message:    p.ErrorMessage,
		Type:       p.ErrorType,
		FailedNode: p.FailedNode,
		StackTrace: p.StackTrace,
	})
	d.logger.Warn("job failed", "job", p.JobID, "robot", rj.robotID, "error", p.ErrorMessage)
}

// HandleCancelled settles a cancellation the robot confirmed. A timeout
// cancel lands in Timeout, a user cancel in Cancelled.
func (d *Dispatcher) HandleCancelled(ctx context.Context, p *protocol.JobCancelledPayload) {
	rj := d.takeRunning(p.JobID)
	if rj == nil {
		d.logger.Debug("dropping late job_cancelled", "job", p.JobID)
		return
	}
	d.releaseRobot(rj)
	d.settleCancel(ctx, rj)
}

func (d *Dispatcher) settleCancel(ctx context.Context, rj *runningJob) {
	now := d.nowFunc()
	target := domain.JobCancelled
	if rj.cancel == cancelTimeout {
		target = domain.JobTimeout
	}
	if err := rj.job.TransitionTo(target, now); err != nil {
		d.logger.Warn("cancel settle rejected", "job", rj.job.ID, "error", err)
		return
	}
	if target == domain.JobTimeout {
		d.metrics.JobsFailed.Inc()
	} else {
		d.metrics.JobsCancelled.Inc()
	}
	d.finishJob(ctx, rj.job)
	d.logger.Info("job cancelled", "job", rj.job.ID, "status", target)
}

// Cancel handles an operator cancellation request. Idempotent: cancelling a
// terminal or already-cancelling job is a no-op.
func (d *Dispatcher) Cancel(ctx context.Context, jobID string) error {
	now := d.nowFunc()

	// Still queued: synchronous cancel.
	if job := d.queue.Cancel(jobID); job != nil {
		if err := job.TransitionTo(domain.JobCancelled, now); err != nil {
			return err
		}
		d.metrics.JobsCancelled.Inc()
		d.finishJob(ctx, job)
		return nil
	}

	// Awaiting ack or running: ask the robot.
	d.mu.Lock()
	if pa, ok := d.pending[jobID]; ok {
		// Promote to running so the cancel handshake has a home; the ack
		// outcome no longer matters.
		delete(d.pending, jobID)
		d.running[jobID] = &runningJob{
			job:       pa.job,
			robotID:   pa.robotID,
			timeoutAt: now.Add(d.jobTimeout(pa.job)),
		}
	}
	rj, ok := d.running[jobID]
	shouldSend := false
	if ok && rj.cancel == cancelNone {
		rj.cancel = cancelUser
		rj.cancelDeadline = now.Add(d.cfg.CancelGrace)
		shouldSend = true
	}
	d.mu.Unlock()

	if ok {
		if shouldSend {
			d.sendCancel(rj, "cancelled by operator")
		}
		return nil
	}

	// Not in memory: Pending in the repo, terminal, or unknown.
	job, err := d.jobs.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if job.CurrentStatus().IsTerminal() {
		return nil
	}
	if err := job.TransitionTo(domain.JobCancelled, now); err != nil {
		return err
	}
	d.metrics.JobsCancelled.Inc()
	d.finishJob(ctx, job)
	return nil
}

// expireJobTimeouts cancels jobs past their execution budget and forcibly
// settles cancels whose grace elapsed.
func (d *Dispatcher) expireJobTimeouts(ctx context.Context, now time.Time) {
	d.mu.Lock()
	var toCancel, toForce []*runningJob
	for _, rj := range d.running {
		switch {
		case rj.cancel != cancelNone && now.After(rj.cancelDeadline):
			toForce = append(toForce, rj)
		case rj.cancel == cancelNone && now.After(rj.timeoutAt):
			rj.cancel = cancelTimeout
			rj.cancelDeadline = now.Add(d.cfg.CancelGrace)
			toCancel = append(toCancel, rj)
		}
	}
	for _, rj := range toForce {
		delete(d.running, rj.job.ID)
	}
	d.mu.Unlock()

	for _, rj := range toCancel {
		d.logger.Warn("job exceeded timeout, cancelling", "job", rj.job.ID, "robot", rj.robotID)
		d.sendCancel(rj, "job timeout")
	}
	for _, rj := range toForce {
		d.logger.Warn("cancel grace elapsed, forcing terminal state", "job", rj.job.ID)
		d.releaseRobot(rj)
		d.settleCancel(ctx, rj)
	}
}

func (d *Dispatcher) sendCancel(rj *runningJob, reason string) {
	env, err := protocol.NewEnvelope(protocol.TypeJobCancel, &protocol.JobCancelPayload{
		JobID:  rj.job.ID,
		Reason: reason,
	})
	if err == nil {
		err = d.registry.Send(rj.robotID, env)
	}
	if err != nil {
		// Connection already gone; the grace deadline settles it.
		d.logger.Debug("job_cancel send failed", "job", rj.job.ID, "robot", rj.robotID, "error", err)
	}
}

// HandleRobotLost resolves the in-flight jobs of a robot that went Offline.
// Retry-safe workflows go back to the queue; the rest fail with "robot
// lost". At-least-once: a completion that arrived first already removed the
// job from the running map and wins.
func (d *Dispatcher) HandleRobotLost(ctx context.Context, lost registry.LostRobot) {
	d.logger.Warn("robot lost with in-flight jobs",
		"robot", lost.RobotID,
		"jobs", lost.InflightJobs,
		"reason", lost.Reason,
	)
	for _, jobID := range lost.InflightJobs {
		d.mu.Lock()
		var job *domain.Job
		if pa, ok := d.pending[jobID]; ok && pa.robotID == lost.RobotID {
			job = pa.job
			delete(d.pending, jobID)
		} else if rj, ok := d.running[jobID]; ok && rj.robotID == lost.RobotID {
			job = rj.job
			delete(d.running, jobID)
		}
		d.mu.Unlock()
		if job == nil {
			continue
		}

		if d.retrySafe(ctx, job.WorkflowID) {
			d.logger.Info("requeueing job from lost robot", "job", jobID, "robot", lost.RobotID)
			d.requeue(ctx, job)
			continue
		}
		d.failJob(ctx, job, &domain.JobError{Message: "robot lost", Type: "robot_lost"})
	}
	d.kick()
}

func (d *Dispatcher) retrySafe(ctx context.Context, workflowID string) bool {
	wf, err := d.flows.Get(ctx, workflowID)
	if err != nil {
		d.logger.Warn("workflow lookup failed during robot loss", "workflow", workflowID, "error", err)
		return false
	}
	return wf.RetrySafe
}

// RunningCount returns the number of accepted in-flight jobs.
func (d *Dispatcher) RunningCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.running)
}

func (d *Dispatcher) takeRunning(jobID string) *runningJob {
	d.mu.Lock()
	defer d.mu.Unlock()
	rj, ok := d.running[jobID]
	if !ok {
		return nil
	}
	delete(d.running, jobID)
	return rj
}

func (d *Dispatcher) releaseRobot(rj *runningJob) {
	if robot, err := d.registry.Get(rj.robotID); err == nil {
		_ = robot.CompleteJob(rj.job.ID)
	}
	d.kick()
}

func (d *Dispatcher) failJob(ctx context.Context, job *domain.Job, jobErr *domain.JobError) {
	if err := job.Fail(jobErr, d.nowFunc()); err != nil {
		d.logger.Warn("fail transition rejected", "job", job.ID, "error", err)
		return
	}
	d.metrics.JobsFailed.Inc()
	d.finishJob(ctx, job)
}

// finishJob runs the terminal bookkeeping shared by every exit path:
// persist, free the idempotency key, publish.
func (d *Dispatcher) finishJob(ctx context.Context, job *domain.Job) {
	d.queue.ReleaseKey(job.IdempotencyKey)
	d.persist(ctx, job)
	d.publishStatus(job)
}

func (d *Dispatcher) jobTimeout(job *domain.Job) time.Duration {
	if job.TimeoutSeconds > 0 {
		return time.Duration(job.TimeoutSeconds) * time.Second
	}
	return d.cfg.DefaultJobTimeout
}

func (d *Dispatcher) persist(ctx context.Context, job *domain.Job) {
	if err := d.jobs.Save(ctx, job); err != nil {
		d.logger.Error("failed to persist job", "job", job.ID, "error", err)
	}
}

func (d *Dispatcher) publishStatus(job *domain.Job) {
	if d.pub == nil {
		return
	}
	d.pub.Publish(events.Event{
		Kind:    events.KindJobStatus,
		JobID:   job.ID,
		RobotID: job.AssignedRobot,
		Status:  string(job.CurrentStatus()),
	})
}
