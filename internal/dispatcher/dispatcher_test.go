// Copyright 2025 The CasareRPA Authors
// SPDX-License-Identifier: Apache-2.0

package dispatcher

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/casare-rpa/orchestrator/internal/domain"
	"github.com/casare-rpa/orchestrator/internal/metrics"
	"github.com/casare-rpa/orchestrator/internal/protocol"
	"github.com/casare-rpa/orchestrator/internal/queue"
	"github.com/casare-rpa/orchestrator/internal/registry"
	"github.com/casare-rpa/orchestrator/internal/repository/memory"
)

var t0 = time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)

// fakeSender records outbound frames in order.
type fakeSender struct {
	frames []*protocol.Envelope
	closed bool
}

func (s *fakeSender) Send(env *protocol.Envelope) error {
	s.frames = append(s.frames, env)
	return nil
}

func (s *fakeSender) Close() error {
	s.closed = true
	return nil
}

func (s *fakeSender) last() *protocol.Envelope {
	if len(s.frames) == 0 {
		return nil
	}
	return s.frames[len(s.frames)-1]
}

type fixture struct {
	t        *testing.T
	now      time.Time
	queue    *queue.Queue
	registry *registry.Registry
	disp     *Dispatcher
	stores   *repositoryStores
}

type repositoryStores struct {
	jobs      *memory.JobRepository
	workflows *memory.WorkflowRepository
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{t: t, now: t0}
	nowFunc := func() time.Time { return f.now }

	logger := slog.New(slog.DiscardHandler)
	stores := memory.NewStores()
	f.stores = &repositoryStores{
		jobs:      stores.Jobs.(*memory.JobRepository),
		workflows: stores.Workflows.(*memory.WorkflowRepository),
	}

	f.queue = queue.New(nowFunc)
	f.registry = registry.New(registry.Config{
		HeartbeatTimeout: 90 * time.Second,
		SweepInterval:    30 * time.Second,
	}, stores.Robots, nil, logger, nowFunc)

	f.disp = New(Config{
		DispatchInterval:  5 * time.Second,
		AckTimeout:        10 * time.Second,
		CancelGrace:       30 * time.Second,
		DefaultJobTimeout: time.Hour,
		MaxRejectRetries:  3,
	}, f.queue, f.registry, stores, nil, metrics.New(), logger, nowFunc)
	return f
}

func (f *fixture) connectRobot(id string, maxJobs int) *fakeSender {
	f.t.Helper()
	sender := &fakeSender{}
	_, err := f.registry.Register(context.Background(), &protocol.RegisterPayload{
		RobotID:           id,
		Name:              id,
		MaxConcurrentJobs: maxJobs,
	}, sender)
	require.NoError(f.t, err)
	return sender
}

func (f *fixture) submit(id string, priority domain.JobPriority) *domain.Job {
	f.t.Helper()
	job := domain.NewJob(id, "w1", nil, priority, f.now)
	require.NoError(f.t, job.TransitionTo(domain.JobQueued, f.now))
	require.NoError(f.t, f.queue.Enqueue(job))
	require.NoError(f.t, f.stores.jobs.Save(context.Background(), job))
	return job
}

func (f *fixture) advance(d time.Duration) { f.now = f.now.Add(d) }

func assignPayload(t *testing.T, env *protocol.Envelope) *protocol.JobAssignPayload {
	t.Helper()
	require.NotNil(t, env)
	require.Equal(t, protocol.TypeJobAssign, env.Type)
	var p protocol.JobAssignPayload
	require.NoError(t, env.Decode(&p))
	return &p
}

func TestHappyPath(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sender := f.connectRobot("r1", 2)
	job := f.submit("j1", domain.PriorityNormal)

	f.disp.TickOnce(ctx)

	env := sender.last()
	p := assignPayload(t, env)
	assert.Equal(t, "j1", p.JobID)
	assert.Equal(t, domain.JobRunning, job.CurrentStatus())

	f.disp.HandleAccept(ctx, &protocol.JobAcceptPayload{JobID: "j1", RobotID: "r1"}, env.ID)
	assert.Equal(t, 1, f.disp.RunningCount())

	f.disp.HandleProgress(ctx, &protocol.JobProgressPayload{JobID: "j1", Progress: 50, CurrentNode: "n3"})
	assert.Equal(t, 50, job.Progress)
	assert.Equal(t, "n3", job.CurrentNode)

	f.disp.HandleComplete(ctx, &protocol.JobCompletePayload{
		JobID:      "j1",
		RobotID:    "r1",
		Result:     map[string]any{"rows": float64(42)},
		DurationMS: 12000,
	})

	assert.Equal(t, domain.JobCompleted, job.CurrentStatus())
	assert.Equal(t, 100, job.Progress)
	assert.Equal(t, float64(42), job.Result["rows"])

	robot, err := f.registry.Get("r1")
	require.NoError(t, err)
	assert.Empty(t, robot.CurrentJobs)
}

func TestNoAvailableRobotLeavesJobQueued(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Both robots full.
	f.connectRobot("r1", 1)
	f.connectRobot("r2", 1)
	for _, id := range []string{"r1", "r2"} {
		robot, err := f.registry.Get(id)
		require.NoError(t, err)
		require.NoError(t, robot.AssignJob("busy-"+id))
	}

	job := f.submit("j1", domain.PriorityNormal)
	f.disp.TickOnce(ctx)
	assert.True(t, f.queue.Contains("j1"))
	assert.Equal(t, domain.JobQueued, job.CurrentStatus())

	// Capacity frees on r1; next tick assigns.
	robot, err := f.registry.Get("r1")
	require.NoError(t, err)
	require.NoError(t, robot.CompleteJob("busy-r1"))

	f.disp.TickOnce(ctx)
	assert.False(t, f.queue.Contains("j1"))
	assert.Equal(t, domain.JobRunning, job.CurrentStatus())
	assert.Equal(t, "r1", job.AssignedRobot)
}

func TestRejectStormFailsJob(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.connectRobot("r1", 2)
	job := f.submit("j1", domain.PriorityNormal)

	for i := 0; i < 3; i++ {
		f.disp.TickOnce(ctx)
		require.Equal(t, domain.JobRunning, job.CurrentStatus(), "attempt %d", i+1)
		f.disp.HandleReject(ctx, &protocol.JobRejectPayload{JobID: "j1", RobotID: "r1", Reason: "busy"})
	}

	assert.Equal(t, domain.JobFailed, job.CurrentStatus())
	require.NotNil(t, job.Error)
	assert.Equal(t, "no robot accepted", job.Error.Message)
	assert.False(t, f.queue.Contains("j1"))
}

func TestRejectedKeyedJobRequeues(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.connectRobot("r1", 2)

	job := domain.NewJob("j1", "w1", nil, domain.PriorityNormal, f.now)
	job.IdempotencyKey = "key-1"
	require.NoError(t, job.TransitionTo(domain.JobQueued, f.now))
	require.NoError(t, f.queue.Enqueue(job))
	require.NoError(t, f.stores.jobs.Save(ctx, job))

	f.disp.TickOnce(ctx)
	require.Equal(t, domain.JobRunning, job.CurrentStatus())

	f.disp.HandleReject(ctx, &protocol.JobRejectPayload{JobID: "j1", RobotID: "r1", Reason: "busy"})

	// The job's own key reservation must not block its way back.
	assert.Equal(t, domain.JobQueued, job.CurrentStatus())
	assert.True(t, f.queue.Contains("j1"))
}

func TestAckTimeoutRequeues(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.connectRobot("r1", 2)
	job := f.submit("j1", domain.PriorityNormal)

	f.disp.TickOnce(ctx)
	require.Equal(t, domain.JobRunning, job.CurrentStatus())

	f.advance(11 * time.Second)
	f.disp.TickOnce(ctx)

	// Rolled back and immediately redispatched within the same tick.
	assert.Equal(t, domain.JobRunning, job.CurrentStatus())
	robot, err := f.registry.Get("r1")
	require.NoError(t, err)
	assert.Equal(t, []string{"j1"}, robot.CurrentJobs)
}

func TestRobotLostRetrySafeRequeues(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.stores.workflows.Save(ctx, &domain.Workflow{
		ID: "w1", Status: domain.WorkflowPublished, RetrySafe: true,
	}))

	sender := f.connectRobot("r1", 2)
	job := f.submit("j1", domain.PriorityNormal)

	f.disp.TickOnce(ctx)
	env := sender.last()
	f.disp.HandleAccept(ctx, &protocol.JobAcceptPayload{JobID: "j1", RobotID: "r1"}, env.ID)

	// Heartbeats stop; sweep 91s later marks r1 offline and surfaces the
	// in-flight job.
	f.advance(91 * time.Second)
	f.registry.SweepOnce(ctx)
	lost := <-f.registry.Lost()
	f.disp.HandleRobotLost(ctx, lost)

	assert.Equal(t, domain.JobQueued, job.CurrentStatus())
	assert.True(t, f.queue.Contains("j1"))

	// A second robot picks it up on the next tick.
	f.connectRobot("r2", 2)
	f.disp.TickOnce(ctx)
	assert.Equal(t, domain.JobRunning, job.CurrentStatus())
	assert.Equal(t, "r2", job.AssignedRobot)
}

func TestRobotLostNotRetrySafeFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.stores.workflows.Save(ctx, &domain.Workflow{
		ID: "w1", Status: domain.WorkflowPublished, RetrySafe: false,
	}))

	sender := f.connectRobot("r1", 2)
	job := f.submit("j1", domain.PriorityNormal)
	f.disp.TickOnce(ctx)
	f.disp.HandleAccept(ctx, &protocol.JobAcceptPayload{JobID: "j1", RobotID: "r1"}, sender.last().ID)

	f.registry.Disconnect(ctx, "r1", "connection dropped")
	f.disp.HandleRobotLost(ctx, <-f.registry.Lost())

	assert.Equal(t, domain.JobFailed, job.CurrentStatus())
	require.NotNil(t, job.Error)
	assert.Equal(t, "robot lost", job.Error.Message)
}

func TestLateCompletionAfterLossIsDropped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sender := f.connectRobot("r1", 2)
	job := f.submit("j1", domain.PriorityNormal)
	f.disp.TickOnce(ctx)
	f.disp.HandleAccept(ctx, &protocol.JobAcceptPayload{JobID: "j1", RobotID: "r1"}, sender.last().ID)

	f.registry.Disconnect(ctx, "r1", "dropped")
	f.disp.HandleRobotLost(ctx, <-f.registry.Lost())
	require.Equal(t, domain.JobFailed, job.CurrentStatus())

	// Completion arriving after the loss decision no longer matches.
	f.disp.HandleComplete(ctx, &protocol.JobCompletePayload{JobID: "j1", RobotID: "r1"})
	assert.Equal(t, domain.JobFailed, job.CurrentStatus())
}

func TestCancelQueuedJobIsSynchronous(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job := f.submit("j1", domain.PriorityNormal)

	require.NoError(t, f.disp.Cancel(ctx, "j1"))
	assert.Equal(t, domain.JobCancelled, job.CurrentStatus())
	assert.False(t, f.queue.Contains("j1"))

	// Idempotent.
	require.NoError(t, f.disp.Cancel(ctx, "j1"))
	assert.Equal(t, domain.JobCancelled, job.CurrentStatus())
}

func TestCancelRunningJobWaitsForRobot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sender := f.connectRobot("r1", 2)
	job := f.submit("j1", domain.PriorityNormal)
	f.disp.TickOnce(ctx)
	f.disp.HandleAccept(ctx, &protocol.JobAcceptPayload{JobID: "j1", RobotID: "r1"}, sender.last().ID)

	require.NoError(t, f.disp.Cancel(ctx, "j1"))
	env := sender.last()
	require.Equal(t, protocol.TypeJobCancel, env.Type)
	assert.Equal(t, domain.JobRunning, job.CurrentStatus(), "still running until the robot confirms")

	f.disp.HandleCancelled(ctx, &protocol.JobCancelledPayload{JobID: "j1", RobotID: "r1"})
	assert.Equal(t, domain.JobCancelled, job.CurrentStatus())

	robot, err := f.registry.Get("r1")
	require.NoError(t, err)
	assert.Empty(t, robot.CurrentJobs)
}

func TestCancelGraceForcesTerminalState(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sender := f.connectRobot("r1", 2)
	job := f.submit("j1", domain.PriorityNormal)
	f.disp.TickOnce(ctx)
	f.disp.HandleAccept(ctx, &protocol.JobAcceptPayload{JobID: "j1", RobotID: "r1"}, sender.last().ID)

	require.NoError(t, f.disp.Cancel(ctx, "j1"))
	f.advance(31 * time.Second)
	f.disp.TickOnce(ctx)

	assert.Equal(t, domain.JobCancelled, job.CurrentStatus())
}

func TestJobTimeoutCancelsThenTimesOut(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sender := f.connectRobot("r1", 2)
	job := f.submit("j1", domain.PriorityNormal)
	job.TimeoutSeconds = 60

	f.disp.TickOnce(ctx)
	f.disp.HandleAccept(ctx, &protocol.JobAcceptPayload{JobID: "j1", RobotID: "r1"}, sender.last().ID)

	f.advance(61 * time.Second)
	f.disp.TickOnce(ctx)
	env := sender.last()
	require.Equal(t, protocol.TypeJobCancel, env.Type)
	assert.Equal(t, domain.JobRunning, job.CurrentStatus())

	f.disp.HandleCancelled(ctx, &protocol.JobCancelledPayload{JobID: "j1", RobotID: "r1"})
	assert.Equal(t, domain.JobTimeout, job.CurrentStatus())
}

func TestStaleAcceptDropped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.connectRobot("r1", 2)
	f.submit("j1", domain.PriorityNormal)
	f.disp.TickOnce(ctx)

	f.disp.HandleAccept(ctx, &protocol.JobAcceptPayload{JobID: "j1", RobotID: "r1"}, "wrong-correlation")
	assert.Equal(t, 0, f.disp.RunningCount())
}

func TestSkipBlockedHead(t *testing.T) {
	f := newFixture(t)
	f.disp.cfg.SkipBlockedHead = true
	ctx := context.Background()

	// High-priority job pinned to a missing robot blocks the head.
	blocked := f.submit("j-high", domain.PriorityHigh)
	blocked.TargetRobotID = "missing"
	runnable := f.submit("j-low", domain.PriorityLow)

	f.connectRobot("r1", 1)
	f.disp.TickOnce(ctx)

	assert.Equal(t, domain.JobRunning, runnable.CurrentStatus())
	assert.True(t, f.queue.Contains("j-high"), "blocked head stays queued")
	assert.Equal(t, domain.JobQueued, blocked.CurrentStatus())
}
