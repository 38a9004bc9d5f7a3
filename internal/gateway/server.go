// Copyright 2025 The CasareRPA Authors
// SPDX-License-Identifier: Apache-2.0

// Package gateway is the robot-facing protocol server: a WebSocket endpoint
// accepting robot connections, enforcing the registration handshake, and
// routing inbound frames to the registry, dispatcher, and log sink.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/casare-rpa/orchestrator/internal/metrics"
	"github.com/casare-rpa/orchestrator/internal/protocol"
	"github.com/casare-rpa/orchestrator/internal/registry"
)

// JobHandler receives job lifecycle frames. Implemented by the dispatcher.
type JobHandler interface {
	HandleAccept(ctx context.Context, p *protocol.JobAcceptPayload, correlationID string)
	HandleReject(ctx context.Context, p *protocol.JobRejectPayload)
	HandleProgress(ctx context.Context, p *protocol.JobProgressPayload)
	HandleComplete(ctx context.Context, p *protocol.JobCompletePayload)
	HandleFailed(ctx context.Context, p *protocol.JobFailedPayload)
	HandleCancelled(ctx context.Context, p *protocol.JobCancelledPayload)
}

// LogIngester receives robot log frames. Implemented by the log sink.
type LogIngester interface {
	IngestEntry(p *protocol.LogEntryPayload)
	IngestBatch(p *protocol.LogBatchPayload)
}

// Config carries the protocol server's tunables.
type Config struct {
	Port             int
	HandshakeTimeout time.Duration
	// Inbound frames allowed per robot per window.
	RateLimit  int
	RateWindow time.Duration
	// Protocol errors tolerated per window before the connection drops.
	ErrorLimit int
}

// Server is the WebSocket protocol server.
type Server struct {
	cfg      Config
	registry *registry.Registry
	jobs     JobHandler
	logs     LogIngester
	metrics  *metrics.Metrics
	logger   *slog.Logger

	upgrader   websocket.Upgrader
	httpServer *http.Server
}

// New constructs the protocol server.
func New(cfg Config, reg *registry.Registry, jobs JobHandler, logs LogIngester, m *metrics.Metrics, logger *slog.Logger) *Server {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 15 * time.Second
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 100
	}
	if cfg.RateWindow <= 0 {
		cfg.RateWindow = time.Minute
	}
	if cfg.ErrorLimit <= 0 {
		cfg.ErrorLimit = 5
	}
	s := &Server{
		cfg:      cfg,
		registry: reg,
		jobs:     jobs,
		logs:     logs,
		metrics:  m,
		logger:   logger.With("component", "gateway"),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler exposes the mux for tests.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("protocol server listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("protocol server: %w", err)
	}
	return nil
}

// Shutdown stops accepting connections and closes the listener. Live robot
// connections drop and robots reconnect on restart.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("failed to upgrade connection", "remote", r.RemoteAddr, "error", err)
		return
	}

	conn := newConnection(ws, s.logger)
	go conn.writeLoop()
	// net/http cancels the request context the moment this handler returns,
	// hijacked connections included; the frame loop and every store write it
	// drives need a context that outlives the handler.
	go s.serveConnection(context.WithoutCancel(r.Context()), conn)
}

// serveConnection runs the registration handshake and then the frame loop
// for one robot.
func (s *Server) serveConnection(ctx context.Context, conn *connection) {
	defer func() {
		robotID := conn.RobotID()
		_ = conn.Close()
		if robotID != "" {
			s.registry.Disconnect(ctx, robotID, "connection closed")
		}
	}()

	if !s.handshake(ctx, conn) {
		return
	}

	frameLim := rate.NewLimiter(rate.Every(s.cfg.RateWindow/time.Duration(s.cfg.RateLimit)), s.cfg.RateLimit)
	errLim := rate.NewLimiter(rate.Every(s.cfg.RateWindow/time.Duration(s.cfg.ErrorLimit)), s.cfg.ErrorLimit)

	for {
		env, err := s.readEnvelope(conn)
		if err != nil {
			if !errors.Is(err, errConnClosed) {
				s.sendError(conn, nil, protocol.CodeInvalidJSON, err.Error())
				if !errLim.Allow() {
					s.logger.Warn("too many protocol errors, dropping connection", "robot", conn.RobotID())
					return
				}
				continue
			}
			return
		}

		if !frameLim.Allow() {
			s.sendError(conn, env, protocol.CodeRateLimited, "message rate limit exceeded")
			if !errLim.Allow() {
				s.logger.Warn("robot exceeded rate limit repeatedly, dropping connection", "robot", conn.RobotID())
				return
			}
			continue
		}

		if done := s.route(ctx, conn, env, errLim); done {
			return
		}
	}
}

// handshake enforces that the first frame is a register within the deadline.
func (s *Server) handshake(ctx context.Context, conn *connection) bool {
	_ = conn.ws.SetReadDeadline(time.Now().Add(s.cfg.HandshakeTimeout))
	env, err := s.readEnvelope(conn)
	_ = conn.ws.SetReadDeadline(time.Time{})
	if err != nil {
		s.logger.Info("connection dropped before registration", "error", err)
		return false
	}
	if env.Type != protocol.TypeRegister {
		s.sendError(conn, env, protocol.CodeInvalidMessage, "expected register")
		return false
	}

	var p protocol.RegisterPayload
	if err := env.Decode(&p); err != nil {
		s.sendError(conn, env, protocol.CodeInvalidPayload, err.Error())
		return false
	}

	robot, err := s.registry.Register(ctx, &p, conn)
	if err != nil {
		s.sendError(conn, env, protocol.CodeHandlerError, err.Error())
		s.reply(conn, env, protocol.TypeRegisterAck, &protocol.RegisterAckPayload{
			RobotID: p.RobotID,
			Success: false,
			Message: err.Error(),
		})
		return false
	}
	conn.setRobotID(robot.ID)

	s.reply(conn, env, protocol.TypeRegisterAck, &protocol.RegisterAckPayload{
		RobotID: robot.ID,
		Success: true,
	})
	return true
}

// route dispatches one frame by type. Returns true when the connection
// should close.
func (s *Server) route(ctx context.Context, conn *connection, env *protocol.Envelope, errLim *rate.Limiter) bool {
	fail := func(code, msg string) bool {
		s.sendError(conn, env, code, msg)
		if !errLim.Allow() {
			s.logger.Warn("too many protocol errors, dropping connection", "robot", conn.RobotID())
			return true
		}
		return false
	}

	switch env.Type {
	case protocol.TypeHeartbeat:
		var p protocol.HeartbeatPayload
		if err := env.Decode(&p); err != nil {
			return fail(protocol.CodeInvalidPayload, err.Error())
		}
		if err := s.registry.Heartbeat(&p); err != nil {
			return fail(protocol.CodeNotFound, err.Error())
		}
		s.reply(conn, env, protocol.TypeHeartbeatAck, &protocol.HeartbeatAckPayload{RobotID: p.RobotID})

	case protocol.TypeJobAccept:
		var p protocol.JobAcceptPayload
		if err := env.Decode(&p); err != nil {
			return fail(protocol.CodeInvalidPayload, err.Error())
		}
		s.jobs.HandleAccept(ctx, &p, env.CorrelationID)

	case protocol.TypeJobReject:
		var p protocol.JobRejectPayload
		if err := env.Decode(&p); err != nil {
			return fail(protocol.CodeInvalidPayload, err.Error())
		}
		s.jobs.HandleReject(ctx, &p)

	case protocol.TypeJobProgress:
		var p protocol.JobProgressPayload
		if err := env.Decode(&p); err != nil {
			return fail(protocol.CodeInvalidPayload, err.Error())
		}
		s.jobs.HandleProgress(ctx, &p)

	case protocol.TypeJobComplete:
		var p protocol.JobCompletePayload
		if err := env.Decode(&p); err != nil {
			return fail(protocol.CodeInvalidPayload, err.Error())
		}
		s.jobs.HandleComplete(ctx, &p)

	case protocol.TypeJobFailed:
		var p protocol.JobFailedPayload
		if err := env.Decode(&p); err != nil {
			return fail(protocol.CodeInvalidPayload, err.Error())
		}
		s.jobs.HandleFailed(ctx, &p)

	case protocol.TypeJobCancelled:
		var p protocol.JobCancelledPayload
		if err := env.Decode(&p); err != nil {
			return fail(protocol.CodeInvalidPayload, err.Error())
		}
		s.jobs.HandleCancelled(ctx, &p)

	case protocol.TypeLogEntry:
		var p protocol.LogEntryPayload
		if err := env.Decode(&p); err != nil {
			return fail(protocol.CodeInvalidPayload, err.Error())
		}
		s.logs.IngestEntry(&p)

	case protocol.TypeLogBatch:
		var p protocol.LogBatchPayload
		if err := env.Decode(&p); err != nil {
			return fail(protocol.CodeInvalidPayload, err.Error())
		}
		s.logs.IngestBatch(&p)

	case protocol.TypeStatusResponse:
		var p protocol.StatusResponsePayload
		if err := env.Decode(&p); err != nil {
			return fail(protocol.CodeInvalidPayload, err.Error())
		}
		s.registry.UpdateStatus(&p)

	case protocol.TypeDisconnect:
		var p protocol.DisconnectPayload
		_ = env.Decode(&p)
		s.logger.Info("robot requested disconnect", "robot", conn.RobotID(), "reason", p.Reason)
		return true

	case protocol.TypeError:
		var p protocol.ErrorPayload
		_ = env.Decode(&p)
		s.logger.Warn("error frame from robot",
			"robot", conn.RobotID(),
			"code", p.ErrorCode,
			"message", p.ErrorMessage,
		)

	default:
		return fail(protocol.CodeInvalidMessage, fmt.Sprintf("unknown message type %q", env.Type))
	}
	return false
}

var errConnClosed = errors.New("connection closed")

// readEnvelope reads one frame. Malformed JSON comes back as a decode error;
// transport-level failures map to errConnClosed.
func (s *Server) readEnvelope(conn *connection) (*protocol.Envelope, error) {
	_, data, err := conn.ws.ReadMessage()
	if err != nil {
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
			s.logger.Debug("websocket read error", "robot", conn.RobotID(), "error", err)
		}
		return nil, errConnClosed
	}
	var env protocol.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("malformed frame: %w", err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("frame without type")
	}
	return &env, nil
}

func (s *Server) reply(conn *connection, to *protocol.Envelope, t protocol.MessageType, payload any) {
	env, err := protocol.Reply(to, t, payload)
	if err != nil {
		s.logger.Error("failed to build reply", "type", t, "error", err)
		return
	}
	if err := conn.Send(env); err != nil {
		s.logger.Debug("failed to queue reply", "type", t, "robot", conn.RobotID(), "error", err)
	}
}

func (s *Server) sendError(conn *connection, to *protocol.Envelope, code, message string) {
	s.metrics.ProtocolErrors.WithLabelValues(code).Inc()
	payload := &protocol.ErrorPayload{ErrorCode: code, ErrorMessage: message}

	var env *protocol.Envelope
	var err error
	if to != nil {
		env, err = protocol.Reply(to, protocol.TypeError, payload)
	} else {
		env, err = protocol.NewEnvelope(protocol.TypeError, payload)
	}
	if err != nil {
		return
	}
	if sendErr := conn.Send(env); sendErr != nil {
		s.logger.Debug("failed to queue error frame", "robot", conn.RobotID(), "error", sendErr)
	}
}
