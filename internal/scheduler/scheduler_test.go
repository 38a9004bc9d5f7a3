// Copyright 2025 The CasareRPA Authors
// SPDX-License-Identifier: Apache-2.0

package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/casare-rpa/orchestrator/internal/domain"
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
	return domain.NewJob("job-"+spec.Source, spec.WorkflowID, nil, spec.Priority, time.Now()), nil
}

func discard() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func TestCronScheduleFires(t *testing.T) {
	repo := memory.NewScheduleRepository()
	sub := &fakeSubmitter{}

	fireAt := time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)
	now := fireAt
	s := New(repo, sub, nil, discard(), time.Second, func() time.Time { return now })

	sched := &domain.Schedule{
		ID:         "s1",
		Name:       "morning run",
		WorkflowID: "w2",
		Frequency:  domain.FrequencyCron,
		CronExpr:   "0 9 * * *",
		Enabled:    true,
		NextRun:    &fireAt,
	}
	require.NoError(t, repo.Save(context.Background(), sched))

	s.TickOnce(context.Background())

	require.Len(t, sub.specs, 1)
	assert.Equal(t, "w2", sub.specs[0].WorkflowID)
	assert.Equal(t, "schedule:s1", sub.specs[0].Source)

	got, err := repo.Get(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, 1, got.RunCount)
	assert.Equal(t, 1, got.SuccessCount)
	require.NotNil(t, got.LastRun)
	assert.Equal(t, fireAt, *got.LastRun)
	require.NotNil(t, got.NextRun)
	assert.Equal(t, fireAt.AddDate(0, 0, 1), *got.NextRun, "next run is next day 09:00")
}

func TestScheduleNotDueDoesNotFire(t *testing.T) {
	repo := memory.NewScheduleRepository()
	sub := &fakeSubmitter{}

	fireAt := time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)
	now := fireAt.Add(-time.Minute)
	s := New(repo, sub, nil, discard(), time.Second, func() time.Time { return now })

	require.NoError(t, repo.Save(context.Background(), &domain.Schedule{
		ID: "s1", WorkflowID: "w1", Frequency: domain.FrequencyHourly,
		Enabled: true, NextRun: &fireAt,
	}))

	s.TickOnce(context.Background())
	assert.Empty(t, sub.specs)
}

func TestOnceScheduleSelfDisables(t *testing.T) {
	repo := memory.NewScheduleRepository()
	sub := &fakeSubmitter{}

	fireAt := time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)
	now := fireAt
	s := New(repo, sub, nil, discard(), time.Second, func() time.Time { return now })

	require.NoError(t, repo.Save(context.Background(), &domain.Schedule{
		ID: "s1", WorkflowID: "w1", Frequency: domain.FrequencyOnce,
		Enabled: true, NextRun: &fireAt,
	}))

	s.TickOnce(context.Background())
	require.Len(t, sub.specs, 1)

	got, err := repo.Get(context.Background(), "s1")
	require.NoError(t, err)
	assert.False(t, got.Enabled)
	assert.Nil(t, got.NextRun)

	// A later tick does nothing.
	now = now.Add(time.Hour)
	s.TickOnce(context.Background())
	assert.Len(t, sub.specs, 1)
}

func TestCatchUpEmitsAtMostOne(t *testing.T) {
	repo := memory.NewScheduleRepository()
	sub := &fakeSubmitter{}

	// Orchestrator was down for three days; three fire times elapsed.
	missed := time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)
	now := missed.AddDate(0, 0, 3)
	s := New(repo, sub, nil, discard(), time.Second, func() time.Time { return now })

	require.NoError(t, repo.Save(context.Background(), &domain.Schedule{
		ID: "s1", WorkflowID: "w1", Frequency: domain.FrequencyCron,
		CronExpr: "0 9 * * *", Enabled: true, NextRun: &missed,
	}))

	s.TickOnce(context.Background())
	assert.Len(t, sub.specs, 1, "one catch-up job, not a backfill")

	got, err := repo.Get(context.Background(), "s1")
	require.NoError(t, err)
	require.NotNil(t, got.NextRun)
	assert.True(t, got.NextRun.After(now), "next run computed from now, not from the missed slot")
}

func TestSubmitFailureStillAdvancesNextRun(t *testing.T) {
	repo := memory.NewScheduleRepository()
	sub := &fakeSubmitter{err: errors.New("workflow not published")}

	fireAt := time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)
	now := fireAt
	s := New(repo, sub, nil, discard(), time.Second, func() time.Time { return now })

	require.NoError(t, repo.Save(context.Background(), &domain.Schedule{
		ID: "s1", WorkflowID: "w1", Frequency: domain.FrequencyHourly,
		Enabled: true, NextRun: &fireAt,
	}))

	s.TickOnce(context.Background())

	got, err := repo.Get(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, 1, got.RunCount)
	assert.Equal(t, 0, got.SuccessCount)
	require.NotNil(t, got.NextRun)
	assert.Equal(t, fireAt.Add(time.Hour), *got.NextRun)
}

func TestNextRunBadCronDisables(t *testing.T) {
	repo := memory.NewScheduleRepository()
	sub := &fakeSubmitter{}

	fireAt := time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)
	now := fireAt
	s := New(repo, sub, nil, discard(), time.Second, func() time.Time { return now })

	require.NoError(t, repo.Save(context.Background(), &domain.Schedule{
		ID: "s1", WorkflowID: "w1", Frequency: domain.FrequencyCron,
		CronExpr: "not a cron", Enabled: true, NextRun: &fireAt,
	}))

	s.TickOnce(context.Background())

	got, err := repo.Get(context.Background(), "s1")
	require.NoError(t, err)
	assert.False(t, got.Enabled)
}
