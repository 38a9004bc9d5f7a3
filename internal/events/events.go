// Copyright 2025 The CasareRPA Authors
// SPDX-License-Identifier: Apache-2.0

// Package events publishes the orchestrator's change stream. Operator UIs
// subscribe to observe job and fleet state transitions; the orchestrator
// never blocks on a slow subscriber.
package events

import (
	"log/slog"
	"sync"
	"time"
)

// Kind classifies change events.
type Kind string

const (
	KindJobStatus    Kind = "job_status"
	KindJobProgress  Kind = "job_progress"
	KindRobotStatus  Kind = "robot_status"
	KindQueueDepth   Kind = "queue_depth"
	KindScheduleFire Kind = "schedule_fire"
	KindTriggerFire  Kind = "trigger_fire"
	KindError        Kind = "error"
)

// Event is one entry on the change stream.
type Event struct {
	Kind      Kind           `json:"kind"`
	Timestamp time.Time      `json:"timestamp"`
	JobID     string         `json:"job_id,omitempty"`
	RobotID   string         `json:"robot_id,omitempty"`
	Status    string         `json:"status,omitempty"`
	Detail    map[string]any `json:"detail,omitempty"`
}

// Publisher fans events out to subscriber channels. Events for subscribers
// with full buffers are dropped, not queued.
type Publisher struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]chan Event
	buffer int
	logger *slog.Logger
}

// NewPublisher creates a publisher with the given per-subscriber buffer.
func NewPublisher(buffer int, logger *slog.Logger) *Publisher {
	if buffer <= 0 {
		buffer = 64
	}
	return &Publisher{
		subs:   make(map[int]chan Event),
		buffer: buffer,
		logger: logger.With("component", "events"),
	}
}

// Subscribe registers a new subscriber. The returned cancel func must be
// called to release the channel.
func (p *Publisher) Subscribe() (<-chan Event, func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextID
	p.nextID++
	ch := make(chan Event, p.buffer)
	p.subs[id] = ch
	return ch, func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		if c, ok := p.subs[id]; ok {
			delete(p.subs, id)
			close(c)
		}
	}
}

// Publish delivers the event to every subscriber that has buffer room.
func (p *Publisher) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, ch := range p.subs {
		select {
		case ch <- ev:
		default:
			p.logger.Debug("dropping event for slow subscriber", "subscriber", id, "kind", ev.Kind)
		}
	}
}

// SubscriberCount returns the number of active subscribers.
func (p *Publisher) SubscriberCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.subs)
}
