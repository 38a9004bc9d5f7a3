// Copyright 2025 The CasareRPA Authors
// SPDX-License-Identifier: Apache-2.0

package domain

import "time"

// TriggerKind is the input surface a trigger listens on.
type TriggerKind string

const (
	TriggerWebhook  TriggerKind = "webhook"
	TriggerFile     TriggerKind = "file"
	TriggerExternal TriggerKind = "external"
)

// Trigger is an event-based job producer. When an event arrives and passes
// the filter, a job for WorkflowID is materialized, subject to the cooldown
// window (at most RateLimit events per RateWindow).
type Trigger struct {
	ID         string
	Name       string
	TenantID   string
	Kind       TriggerKind
	WorkflowID string
	RobotID    string
	Priority   JobPriority
	Enabled    bool
	// Filter is a flat equality predicate over the event payload; empty
	// means accept everything.
	Filter map[string]string
	// Webhook triggers: shared secret override (falls back to the global
	// webhook secret when empty).
	Secret string
	// File triggers: glob pattern to poll.
	PathGlob string
	// EventType restricts webhook events to a single event_type; empty
	// accepts all.
	EventType  string
	RateLimit  int
	RateWindow time.Duration
	FireCount  int
	LastFired  *time.Time
}

// Matches applies the trigger's filter predicate to an event payload.
func (t *Trigger) Matches(eventType string, data map[string]any) bool {
	if t.EventType != "" && eventType != t.EventType {
		return false
	}
	for k, want := range t.Filter {
		got, ok := data[k]
		if !ok {
			return false
		}
		if s, ok := got.(string); !ok || s != want {
			return false
		}
	}
	return true
}
