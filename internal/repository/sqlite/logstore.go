// Copyright 2025 The CasareRPA Authors
// SPDX-License-Identifier: Apache-2.0

package sqlite

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/casare-rpa/orchestrator/internal/domain"
)

// LogStore persists robot log batches and enforces the retention window.
type LogStore struct {
	db *gorm.DB
}

// NewLogStore wraps the shared gorm handle for log persistence.
func NewLogStore(db *gorm.DB) *LogStore {
	return &LogStore{db: db}
}

// InsertBatch writes one batch in a single transaction.
func (s *LogStore) InsertBatch(ctx context.Context, batch domain.LogBatch) error {
	if len(batch.Entries) == 0 {
		return nil
	}
	rows := make([]logEntryRow, 0, len(batch.Entries))
	for _, e := range batch.Entries {
		var extra []byte
		if len(e.Extra) > 0 {
			var err error
			if extra, err = json.Marshal(e.Extra); err != nil {
				return fmt.Errorf("log entry for job %s: %w", e.JobID, err)
			}
		}
		robotID := e.RobotID
		if robotID == "" {
			robotID = batch.RobotID
		}
		rows = append(rows, logEntryRow{
			JobID:     e.JobID,
			RobotID:   robotID,
			TenantID:  e.TenantID,
			NodeID:    e.NodeID,
			Level:     string(e.Level),
			Message:   e.Message,
			Timestamp: e.Timestamp.UTC(),
			Extra:     extra,
		})
	}
	return s.db.WithContext(ctx).Create(&rows).Error
}

// DeleteOlderThan drops entries past the retention window and returns the
// number removed.
func (s *LogStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Delete(&logEntryRow{}, "timestamp < ?", cutoff.UTC())
	return res.RowsAffected, res.Error
}

// ListByJob returns the retained log lines for a job, oldest first.
func (s *LogStore) ListByJob(ctx context.Context, jobID string, limit int) ([]domain.LogEntry, error) {
	if limit <= 0 {
		limit = 1000
	}
	var rows []logEntryRow
	if err := s.db.WithContext(ctx).
		Where("job_id = ?", jobID).
		Order("timestamp asc, id asc").
		Limit(limit).
		Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]domain.LogEntry, 0, len(rows))
	for _, row := range rows {
		var extra map[string]any
		if len(row.Extra) > 0 {
			if err := json.Unmarshal(row.Extra, &extra); err != nil {
				return nil, fmt.Errorf("log entry %d: %w", row.ID, err)
			}
		}
		out = append(out, domain.LogEntry{
			JobID:     row.JobID,
			RobotID:   row.RobotID,
			TenantID:  row.TenantID,
			NodeID:    row.NodeID,
			Level:     domain.LogLevel(row.Level),
			Message:   row.Message,
			Timestamp: row.Timestamp,
			Extra:     extra,
		})
	}
	return out, nil
}
