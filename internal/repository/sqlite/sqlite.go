// Copyright 2025 The CasareRPA Authors
// SPDX-License-Identifier: Apache-2.0

// Package sqlite implements the repository ports on SQLite via gorm. Saves
// are write-through: gorm commits before Save returns, so lifecycle
// transitions survive a restart.
package sqlite

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/casare-rpa/orchestrator/internal/domain"
	"github.com/casare-rpa/orchestrator/internal/repository"
)

// Open initializes the SQLite database, migrates the schema, and returns the
// full store set.
func Open(dbPath string, logger *slog.Logger) (*repository.Stores, *gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	if err := db.AutoMigrate(
		&jobRow{}, &robotRow{}, &scheduleRow{}, &workflowRow{},
		&triggerRow{}, &assignmentRow{}, &overrideRow{}, &logEntryRow{},
	); err != nil {
		return nil, nil, fmt.Errorf("failed to auto-migrate tables: %w", err)
	}

	logger.Info("sqlite store opened", "path", dbPath)

	return &repository.Stores{
		Jobs:        &JobRepository{db: db},
		Robots:      &RobotRepository{db: db},
		Schedules:   &ScheduleRepository{db: db},
		Workflows:   &WorkflowRepository{db: db},
		Triggers:    &TriggerRepository{db: db},
		Assignments: &AssignmentRepository{db: db},
	}, db, nil
}

func translateErr(err error, what, id string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%s %s: %w", what, id, domain.ErrNotFound)
	}
	return err
}

// JobRepository persists jobs in the jobs table.
type JobRepository struct {
	db *gorm.DB
}

func (r *JobRepository) Get(ctx context.Context, id string) (*domain.Job, error) {
	var row jobRow
	if err := r.db.WithContext(ctx).First(&row, "id = ?", id).Error; err != nil {
		return nil, translateErr(err, "job", id)
	}
	return row.toDomain()
}

func (r *JobRepository) Save(ctx context.Context, job *domain.Job) error {
	row, err := jobToRow(job)
	if err != nil {
		return err
	}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(row).Error
}

func (r *JobRepository) Delete(ctx context.Context, id string) error {
	res := r.db.WithContext(ctx).Delete(&jobRow{}, "id = ?", id)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("job %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

func (r *JobRepository) ListByStatus(ctx context.Context, status domain.JobStatus) ([]*domain.Job, error) {
	var rows []jobRow
	if err := r.db.WithContext(ctx).
		Where("status = ?", string(status)).
		Order("created_at asc, id asc").
		Find(&rows).Error; err != nil {
		return nil, err
	}
	return jobsFromRows(rows)
}

func (r *JobRepository) ListByRobot(ctx context.Context, robotID string) ([]*domain.Job, error) {
	var rows []jobRow
	if err := r.db.WithContext(ctx).
		Where("assigned_robot = ?", robotID).
		Order("created_at asc, id asc").
		Find(&rows).Error; err != nil {
		return nil, err
	}
	return jobsFromRows(rows)
}

func (r *JobRepository) FindByIdempotencyKey(ctx context.Context, key string) (*domain.Job, error) {
	var row jobRow
	err := r.db.WithContext(ctx).
		Where("idempotency_key = ? AND status NOT IN ?", key, terminalStatuses()).
		Order("created_at desc").
		First(&row).Error
	if err != nil {
		return nil, translateErr(err, "idempotency key", key)
	}
	return row.toDomain()
}

func jobsFromRows(rows []jobRow) ([]*domain.Job, error) {
	out := make([]*domain.Job, 0, len(rows))
	for i := range rows {
		j, err := rows[i].toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, nil
}

func terminalStatuses() []string {
	return []string{
		string(domain.JobCompleted),
		string(domain.JobFailed),
		string(domain.JobTimeout),
		string(domain.JobCancelled),
	}
}

// RobotRepository persists robot records in the robots table.
type RobotRepository struct {
	db *gorm.DB
}

func (r *RobotRepository) Get(ctx context.Context, id string) (*domain.Robot, error) {
	var row robotRow
	if err := r.db.WithContext(ctx).First(&row, "id = ?", id).Error; err != nil {
		return nil, translateErr(err, "robot", id)
	}
	return row.toDomain()
}

func (r *RobotRepository) Save(ctx context.Context, robot *domain.Robot) error {
	row, err := robotToRow(robot)
	if err != nil {
		return err
	}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(row).Error
}

func (r *RobotRepository) Delete(ctx context.Context, id string) error {
	res := r.db.WithContext(ctx).Delete(&robotRow{}, "id = ?", id)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("robot %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

func (r *RobotRepository) List(ctx context.Context) ([]*domain.Robot, error) {
	var rows []robotRow
	if err := r.db.WithContext(ctx).Order("id asc").Find(&rows).Error; err != nil {
		return nil, err
	}
	return robotsFromRows(rows)
}

func (r *RobotRepository) ListByStatus(ctx context.Context, status domain.RobotStatus) ([]*domain.Robot, error) {
	var rows []robotRow
	if err := r.db.WithContext(ctx).
		Where("status = ?", string(status)).
		Order("id asc").
		Find(&rows).Error; err != nil {
		return nil, err
	}
	return robotsFromRows(rows)
}

func robotsFromRows(rows []robotRow) ([]*domain.Robot, error) {
	out := make([]*domain.Robot, 0, len(rows))
	for i := range rows {
		robot, err := rows[i].toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, robot)
	}
	return out, nil
}

// ScheduleRepository persists schedules.
type ScheduleRepository struct {
	db *gorm.DB
}

func (r *ScheduleRepository) Get(ctx context.Context, id string) (*domain.Schedule, error) {
	var row scheduleRow
	if err := r.db.WithContext(ctx).First(&row, "id = ?", id).Error; err != nil {
		return nil, translateErr(err, "schedule", id)
	}
	return row.toDomain()
}

func (r *ScheduleRepository) Save(ctx context.Context, schedule *domain.Schedule) error {
	row, err := scheduleToRow(schedule)
	if err != nil {
		return err
	}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(row).Error
}

func (r *ScheduleRepository) Delete(ctx context.Context, id string) error {
	res := r.db.WithContext(ctx).Delete(&scheduleRow{}, "id = ?", id)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("schedule %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

func (r *ScheduleRepository) List(ctx context.Context) ([]*domain.Schedule, error) {
	return r.list(ctx, r.db.WithContext(ctx))
}

func (r *ScheduleRepository) ListEnabled(ctx context.Context) ([]*domain.Schedule, error) {
	return r.list(ctx, r.db.WithContext(ctx).Where("enabled = ?", true))
}

func (r *ScheduleRepository) list(_ context.Context, tx *gorm.DB) ([]*domain.Schedule, error) {
	var rows []scheduleRow
	if err := tx.Order("id asc").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]*domain.Schedule, 0, len(rows))
	for i := range rows {
		s, err := rows[i].toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// WorkflowRepository persists workflow metadata.
type WorkflowRepository struct {
	db *gorm.DB
}

func (r *WorkflowRepository) Get(ctx context.Context, id string) (*domain.Workflow, error) {
	var row workflowRow
	if err := r.db.WithContext(ctx).First(&row, "id = ?", id).Error; err != nil {
		return nil, translateErr(err, "workflow", id)
	}
	return row.toDomain(), nil
}

func (r *WorkflowRepository) Save(ctx context.Context, workflow *domain.Workflow) error {
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(workflowToRow(workflow)).Error
}

func (r *WorkflowRepository) Delete(ctx context.Context, id string) error {
	res := r.db.WithContext(ctx).Delete(&workflowRow{}, "id = ?", id)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("workflow %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

func (r *WorkflowRepository) List(ctx context.Context) ([]*domain.Workflow, error) {
	var rows []workflowRow
	if err := r.db.WithContext(ctx).Order("id asc").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]*domain.Workflow, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toDomain())
	}
	return out, nil
}

// TriggerRepository persists triggers.
type TriggerRepository struct {
	db *gorm.DB
}

func (r *TriggerRepository) Get(ctx context.Context, id string) (*domain.Trigger, error) {
	var row triggerRow
	if err := r.db.WithContext(ctx).First(&row, "id = ?", id).Error; err != nil {
		return nil, translateErr(err, "trigger", id)
	}
	return row.toDomain()
}

func (r *TriggerRepository) Save(ctx context.Context, trigger *domain.Trigger) error {
	row, err := triggerToRow(trigger)
	if err != nil {
		return err
	}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(row).Error
}

func (r *TriggerRepository) Delete(ctx context.Context, id string) error {
	res := r.db.WithContext(ctx).Delete(&triggerRow{}, "id = ?", id)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("trigger %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

func (r *TriggerRepository) ListEnabled(ctx context.Context) ([]*domain.Trigger, error) {
	var rows []triggerRow
	if err := r.db.WithContext(ctx).
		Where("enabled = ?", true).
		Order("id asc").
		Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]*domain.Trigger, 0, len(rows))
	for i := range rows {
		t, err := rows[i].toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// AssignmentRepository persists workflow->robot bindings and node overrides.
type AssignmentRepository struct {
	db *gorm.DB
}

func (r *AssignmentRepository) ListByWorkflow(ctx context.Context, workflowID string) ([]domain.RobotAssignment, error) {
	var rows []assignmentRow
	if err := r.db.WithContext(ctx).
		Where("workflow_id = ?", workflowID).
		Order("priority desc, robot_id asc").
		Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]domain.RobotAssignment, 0, len(rows))
	for _, row := range rows {
		out = append(out, domain.RobotAssignment{
			WorkflowID: row.WorkflowID,
			RobotID:    row.RobotID,
			Priority:   row.Priority,
			IsDefault:  row.IsDefault,
			CreatedAt:  row.CreatedAt,
		})
	}
	return out, nil
}

func (r *AssignmentRepository) SaveAssignment(ctx context.Context, a domain.RobotAssignment) error {
	row := &assignmentRow{
		WorkflowID: a.WorkflowID,
		RobotID:    a.RobotID,
		Priority:   a.Priority,
		IsDefault:  a.IsDefault,
		CreatedAt:  a.CreatedAt,
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now().UTC()
	}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(row).Error
}

func (r *AssignmentRepository) DeleteAssignment(ctx context.Context, workflowID, robotID string) error {
	res := r.db.WithContext(ctx).
		Delete(&assignmentRow{}, "workflow_id = ? AND robot_id = ?", workflowID, robotID)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("assignment %s/%s: %w", workflowID, robotID, domain.ErrNotFound)
	}
	return nil
}

func (r *AssignmentRepository) ListOverrides(ctx context.Context, workflowID string) ([]domain.NodeRobotOverride, error) {
	var rows []overrideRow
	if err := r.db.WithContext(ctx).
		Where("workflow_id = ?", workflowID).
		Order("node_id asc").
		Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]domain.NodeRobotOverride, 0, len(rows))
	for _, row := range rows {
		var caps []domain.Capability
		if len(row.RequiredCapabilities) > 0 {
			if err := json.Unmarshal(row.RequiredCapabilities, &caps); err != nil {
				return nil, fmt.Errorf("override %s/%s: %w", row.WorkflowID, row.NodeID, err)
			}
		}
		out = append(out, domain.NodeRobotOverride{
			WorkflowID:           row.WorkflowID,
			NodeID:               row.NodeID,
			RobotID:              row.RobotID,
			RequiredCapabilities: caps,
			Strict:               row.Strict,
			Active:               row.Active,
		})
	}
	return out, nil
}

func (r *AssignmentRepository) SaveOverride(ctx context.Context, o domain.NodeRobotOverride) error {
	var caps []byte
	if len(o.RequiredCapabilities) > 0 {
		var err error
		if caps, err = json.Marshal(o.RequiredCapabilities); err != nil {
			return fmt.Errorf("override %s/%s: %w", o.WorkflowID, o.NodeID, err)
		}
	}
	row := &overrideRow{
		WorkflowID:           o.WorkflowID,
		NodeID:               o.NodeID,
		RobotID:              o.RobotID,
		RequiredCapabilities: caps,
		Strict:               o.Strict,
		Active:               o.Active,
	}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(row).Error
}
