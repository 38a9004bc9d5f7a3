// Copyright 2025 The CasareRPA Authors
// SPDX-License-Identifier: Apache-2.0

package logsink

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/casare-rpa/orchestrator/internal/domain"
	"github.com/casare-rpa/orchestrator/internal/metrics"
	"github.com/casare-rpa/orchestrator/internal/protocol"
)

type fakeStore struct {
	mu      sync.Mutex
	batches []domain.LogBatch
	deleted time.Time
}

func (s *fakeStore) InsertBatch(_ context.Context, batch domain.LogBatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, batch)
	return nil
}

func (s *fakeStore) DeleteOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleted = cutoff
	return 7, nil
}

func (s *fakeStore) ListByJob(context.Context, string, int) ([]domain.LogEntry, error) {
	return nil, nil
}

func newSink(store Store, bufferSize int) *Sink {
	return New(Config{BufferSize: bufferSize, Retention: 30 * 24 * time.Hour},
		store, metrics.New(), slog.New(slog.DiscardHandler), nil)
}

func batch(robotID string, n int) *protocol.LogBatchPayload {
	entries := make([]protocol.LogEntryPayload, n)
	for i := range entries {
		entries[i] = protocol.LogEntryPayload{
			JobID:   "j1",
			RobotID: robotID,
			Level:   "info",
			Message: "line",
		}
	}
	return &protocol.LogBatchPayload{RobotID: robotID, Entries: entries}
}

func TestIngestAndFlush(t *testing.T) {
	store := &fakeStore{}
	s := newSink(store, 10)

	s.IngestBatch(batch("r1", 3))
	s.IngestEntry(&protocol.LogEntryPayload{JobID: "j1", RobotID: "r1", Level: "error", Message: "boom"})
	require.Equal(t, 2, s.Pending())

	s.Flush(context.Background())
	assert.Equal(t, 0, s.Pending())

	store.mu.Lock()
	defer store.mu.Unlock()
	require.Len(t, store.batches, 2)
	assert.Len(t, store.batches[0].Entries, 3)
	assert.Equal(t, domain.LogError, store.batches[1].Entries[0].Level)
}

func TestOverflowDropsOldest(t *testing.T) {
	store := &fakeStore{}
	s := newSink(store, 2)

	s.IngestBatch(batch("r1", 1))
	s.IngestBatch(batch("r2", 1))
	s.IngestBatch(batch("r3", 1)) // evicts r1

	require.Equal(t, 2, s.Pending())
	s.Flush(context.Background())

	store.mu.Lock()
	defer store.mu.Unlock()
	require.Len(t, store.batches, 2)
	assert.Equal(t, "r2", store.batches[0].RobotID)
	assert.Equal(t, "r3", store.batches[1].RobotID)
}

func TestIngestNeverBlocks(t *testing.T) {
	store := &fakeStore{}
	s := newSink(store, 1)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			s.IngestBatch(batch("r1", 1))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("ingest blocked on a full buffer")
	}
}

func TestZeroTimestampStamped(t *testing.T) {
	store := &fakeStore{}
	s := newSink(store, 10)

	s.IngestEntry(&protocol.LogEntryPayload{JobID: "j1", RobotID: "r1", Level: "info", Message: "x"})
	s.Flush(context.Background())

	store.mu.Lock()
	defer store.mu.Unlock()
	require.Len(t, store.batches, 1)
	assert.False(t, store.batches[0].Entries[0].Timestamp.IsZero())
}

func TestRetentionSweepUsesWindow(t *testing.T) {
	store := &fakeStore{}
	now := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	s := New(Config{BufferSize: 10, Retention: 30 * 24 * time.Hour},
		store, metrics.New(), slog.New(slog.DiscardHandler), func() time.Time { return now })

	s.SweepOnce(context.Background())

	store.mu.Lock()
	defer store.mu.Unlock()
	assert.Equal(t, now.Add(-30*24*time.Hour), store.deleted)
}
