// Copyright 2025 The CasareRPA Authors
// SPDX-License-Identifier: Apache-2.0

// Package protocol defines the robot wire protocol: a JSON envelope plus
// per-type payloads exchanged over the WebSocket connection between the
// orchestrator and its robots.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MessageType discriminates envelope payloads.
type MessageType string

// Robot -> orchestrator message types.
const (
	TypeRegister       MessageType = "register"
	TypeHeartbeat      MessageType = "heartbeat"
	TypeDisconnect     MessageType = "disconnect"
	TypeJobAccept      MessageType = "job_accept"
	TypeJobReject      MessageType = "job_reject"
	TypeJobProgress    MessageType = "job_progress"
	TypeJobComplete    MessageType = "job_complete"
	TypeJobFailed      MessageType = "job_failed"
	TypeJobCancelled   MessageType = "job_cancelled"
	TypeLogEntry       MessageType = "log_entry"
	TypeLogBatch       MessageType = "log_batch"
	TypeStatusResponse MessageType = "status_response"
)

// Orchestrator -> robot message types.
const (
	TypeRegisterAck   MessageType = "register_ack"
	TypeHeartbeatAck  MessageType = "heartbeat_ack"
	TypeJobAssign     MessageType = "job_assign"
	TypeJobCancel     MessageType = "job_cancel"
	TypePause         MessageType = "pause"
	TypeResume        MessageType = "resume"
	TypeShutdown      MessageType = "shutdown"
	TypeStatusRequest MessageType = "status_request"
)

// TypeError flows in either direction.
const TypeError MessageType = "error"

// Error codes carried in error frames.
const (
	CodeInvalidJSON          = "INVALID_JSON"
	CodeInvalidMessage       = "INVALID_MESSAGE"
	CodeInvalidPayload       = "INVALID_PAYLOAD"
	CodeAuthenticationFailed = "AUTHENTICATION_FAILED"
	CodeNotFound             = "NOT_FOUND"
	CodeRateLimited          = "RATE_LIMITED"
	CodeHandlerError         = "HANDLER_ERROR"
	CodeTimeout              = "TIMEOUT"
)

// Envelope is the common frame wrapping every message. Payload stays raw
// until the type-specific handler decodes it.
type Envelope struct {
	Type          MessageType     `json:"type"`
	ID            string          `json:"id"`
	Timestamp     time.Time       `json:"timestamp"`
	Payload       json.RawMessage `json:"payload"`
	CorrelationID string          `json:"correlation_id,omitempty"`
}

// NewEnvelope wraps a payload in a fresh envelope. It panics only on
// payloads that cannot be JSON-encoded, which indicates a programming error.
func NewEnvelope(t MessageType, payload any) (*Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", t, err)
	}
	return &Envelope{
		Type:      t,
		ID:        uuid.New().String(),
		Timestamp: time.Now().UTC(),
		Payload:   raw,
	}, nil
}

// Reply builds an envelope correlated to a received request.
func Reply(to *Envelope, t MessageType, payload any) (*Envelope, error) {
	env, err := NewEnvelope(t, payload)
	if err != nil {
		return nil, err
	}
	env.CorrelationID = to.ID
	return env, nil
}

// Decode unmarshals the payload into out, mapping failures to a protocol
// error the server answers with an INVALID_PAYLOAD frame.
func (e *Envelope) Decode(out any) error {
	if err := json.Unmarshal(e.Payload, out); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return nil
}

// RegisterPayload announces a robot and its capabilities.
type RegisterPayload struct {
	RobotID           string   `json:"robot_id"`
	Name              string   `json:"name"`
	TenantID          string   `json:"tenant_id,omitempty"`
	Environment       string   `json:"environment,omitempty"`
	MaxConcurrentJobs int      `json:"max_concurrent_jobs"`
	Tags              []string `json:"tags,omitempty"`
	Capabilities      []string `json:"capabilities,omitempty"`
}

// RegisterAckPayload confirms or rejects a registration.
type RegisterAckPayload struct {
	RobotID string         `json:"robot_id"`
	Success bool           `json:"success"`
	Message string         `json:"message,omitempty"`
	Config  map[string]any `json:"config,omitempty"`
}

// HeartbeatPayload refreshes liveness and reports utilization.
type HeartbeatPayload struct {
	RobotID       string   `json:"robot_id"`
	Status        string   `json:"status"`
	CurrentJobs   int      `json:"current_jobs"`
	CPUPercent    float64  `json:"cpu_percent"`
	MemoryPercent float64  `json:"memory_percent"`
	DiskPercent   float64  `json:"disk_percent"`
	ActiveJobIDs  []string `json:"active_job_ids,omitempty"`
}

// HeartbeatAckPayload acknowledges a heartbeat.
type HeartbeatAckPayload struct {
	RobotID string `json:"robot_id"`
}

// DisconnectPayload announces a graceful disconnect.
type DisconnectPayload struct {
	RobotID string `json:"robot_id"`
	Reason  string `json:"reason,omitempty"`
}

// JobAssignPayload hands a job to a robot. WorkflowJSON is opaque to the
// orchestrator.
type JobAssignPayload struct {
	JobID          string          `json:"job_id"`
	WorkflowID     string          `json:"workflow_id"`
	WorkflowName   string          `json:"workflow_name,omitempty"`
	WorkflowJSON   json.RawMessage `json:"workflow_json"`
	Priority       string          `json:"priority"`
	TimeoutSeconds int             `json:"timeout_seconds"`
	Parameters     map[string]any  `json:"parameters,omitempty"`
}

// JobAcceptPayload confirms an assignment.
type JobAcceptPayload struct {
	JobID   string `json:"job_id"`
	RobotID string `json:"robot_id"`
}

// JobRejectPayload declines an assignment.
type JobRejectPayload struct {
	JobID   string `json:"job_id"`
	RobotID string `json:"robot_id"`
	Reason  string `json:"reason,omitempty"`
}

// JobProgressPayload reports execution progress.
type JobProgressPayload struct {
	JobID       string `json:"job_id"`
	Progress    int    `json:"progress"`
	CurrentNode string `json:"current_node,omitempty"`
	Message     string `json:"message,omitempty"`
}

// JobCompletePayload reports successful completion.
type JobCompletePayload struct {
	JobID      string         `json:"job_id"`
	RobotID    string         `json:"robot_id"`
	Result     map[string]any `json:"result,omitempty"`
	DurationMS int64          `json:"duration_ms"`
}

// JobFailedPayload reports execution failure.
type JobFailedPayload struct {
	JobID        string `json:"job_id"`
	RobotID      string `json:"robot_id"`
	ErrorMessage string `json:"error_message"`
	ErrorType    string `json:"error_type,omitempty"`
	StackTrace   string `json:"stack_trace,omitempty"`
	FailedNode   string `json:"failed_node,omitempty"`
}

// JobCancelPayload asks a robot to stop a job.
type JobCancelPayload struct {
	JobID  string `json:"job_id"`
	Reason string `json:"reason,omitempty"`
}

// JobCancelledPayload confirms cancellation.
type JobCancelledPayload struct {
	JobID   string `json:"job_id"`
	RobotID string `json:"robot_id"`
}

// LogEntryPayload carries a single log line.
type LogEntryPayload struct {
	JobID     string         `json:"job_id"`
	RobotID   string         `json:"robot_id"`
	Level     string         `json:"level"`
	Message   string         `json:"message"`
	NodeID    string         `json:"node_id,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Extra     map[string]any `json:"extra,omitempty"`
}

// LogBatchPayload carries multiple log lines shipped together.
type LogBatchPayload struct {
	RobotID string            `json:"robot_id"`
	Entries []LogEntryPayload `json:"entries"`
}

// ControlPayload covers pause/resume/shutdown.
type ControlPayload struct {
	RobotID  string `json:"robot_id"`
	Graceful bool   `json:"graceful,omitempty"`
}

// StatusRequestPayload asks a robot for its current state.
type StatusRequestPayload struct {
	RobotID string `json:"robot_id"`
}

// StatusResponsePayload reports a robot's current state.
type StatusResponsePayload struct {
	RobotID       string         `json:"robot_id"`
	Status        string         `json:"status"`
	CurrentJobs   int            `json:"current_jobs"`
	ActiveJobIDs  []string       `json:"active_job_ids,omitempty"`
	UptimeSeconds int64          `json:"uptime"`
	SystemInfo    map[string]any `json:"system_info,omitempty"`
}

// ErrorPayload is the structured error frame.
type ErrorPayload struct {
	ErrorCode    string         `json:"error_code"`
	ErrorMessage string         `json:"error_message"`
	Details      map[string]any `json:"details,omitempty"`
}
