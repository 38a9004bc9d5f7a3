// Copyright 2025 The CasareRPA Authors
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/casare-rpa/orchestrator/internal/protocol"
)

const (
	sendQueueSize = 256
	writeTimeout  = 10 * time.Second
)

// connection wraps one robot's websocket. The writer goroutine drains the
// send queue so outbound frames keep submission order; it satisfies
// registry.Sender.
type connection struct {
	ws     *websocket.Conn
	send   chan *protocol.Envelope
	logger *slog.Logger

	mu      sync.Mutex
	robotID string
	closed  bool
}

func newConnection(ws *websocket.Conn, logger *slog.Logger) *connection {
	return &connection{
		ws:     ws,
		send:   make(chan *protocol.Envelope, sendQueueSize),
		logger: logger,
	}
}

// Send queues an envelope for the writer goroutine. It fails rather than
// blocks when the queue is full; a robot that cannot drain its queue is
// better dropped by the caller than allowed to stall the dispatcher.
// The queue write happens under the same lock Close holds while closing the
// channel, so a concurrent Close cannot turn it into a send on a closed
// channel.
func (c *connection) Send(env *protocol.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("connection closed")
	}
	select {
	case c.send <- env:
		return nil
	default:
		return fmt.Errorf("send queue full for robot %s", c.robotID)
	}
}

// Close shuts the connection down; safe to call more than once.
func (c *connection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.send)
	c.mu.Unlock()
	return c.ws.Close()
}

func (c *connection) setRobotID(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.robotID = id
}

// RobotID returns the robot bound to this connection, empty before
// registration completes.
func (c *connection) RobotID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.robotID
}

// writeLoop serializes all outbound frames for this connection.
func (c *connection) writeLoop() {
	for env := range c.send {
		if err := c.ws.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
			c.logger.Debug("failed to set write deadline", "robot", c.RobotID(), "error", err)
		}
		if err := c.ws.WriteJSON(env); err != nil {
			c.logger.Debug("write failed, dropping connection", "robot", c.RobotID(), "error", err)
			_ = c.Close()
			// Drain remaining frames so senders never block.
			for range c.send {
			}
			return
		}
	}
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
}
