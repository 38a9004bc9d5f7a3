// Copyright 2025 The CasareRPA Authors
// SPDX-License-Identifier: Apache-2.0

package domain

import (
	"time"
)

// ScheduleFrequency is how often a schedule materializes jobs.
type ScheduleFrequency string

const (
	FrequencyOnce    ScheduleFrequency = "once"
	FrequencyHourly  ScheduleFrequency = "hourly"
	FrequencyDaily   ScheduleFrequency = "daily"
	FrequencyWeekly  ScheduleFrequency = "weekly"
	FrequencyMonthly ScheduleFrequency = "monthly"
	FrequencyCron    ScheduleFrequency = "cron"
)

// Schedule is a time-based job producer.
type Schedule struct {
	ID           string
	Name         string
	TenantID     string
	WorkflowID   string
	RobotID      string
	Priority     JobPriority
	Frequency    ScheduleFrequency
	CronExpr     string
	Timezone     string
	Enabled      bool
	RunCount     int
	SuccessCount int
	LastRun      *time.Time
	NextRun      *time.Time
	Parameters   map[string]any
}

// Due reports whether the schedule should fire at the given instant.
func (s *Schedule) Due(now time.Time) bool {
	return s.Enabled && s.NextRun != nil && !now.Before(*s.NextRun)
}

// MarkFired updates counters and run bookkeeping after a job was
// materialized. Once schedules self-disable.
func (s *Schedule) MarkFired(now time.Time, next *time.Time) {
	t := now.UTC()
	s.LastRun = &t
	s.RunCount++
	s.NextRun = next
	if s.Frequency == FrequencyOnce {
		s.Enabled = false
		s.NextRun = nil
	}
}

// Location resolves the schedule's timezone, defaulting to UTC.
func (s *Schedule) Location() *time.Location {
	if s.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
