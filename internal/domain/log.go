// Copyright 2025 The CasareRPA Authors
// SPDX-License-Identifier: Apache-2.0

package domain

import "time"

// LogLevel is the severity of a robot-originated log line.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// LogEntry is a single robot-originated log line.
type LogEntry struct {
	JobID     string         `json:"job_id"`
	RobotID   string         `json:"robot_id"`
	TenantID  string         `json:"tenant_id,omitempty"`
	NodeID    string         `json:"node_id,omitempty"`
	Level     LogLevel       `json:"level"`
	Message   string         `json:"message"`
	Timestamp time.Time      `json:"timestamp"`
	Extra     map[string]any `json:"extra,omitempty"`
}

// LogBatch groups log entries shipped together over the wire.
type LogBatch struct {
	RobotID string     `json:"robot_id"`
	Entries []LogEntry `json:"entries"`
}
