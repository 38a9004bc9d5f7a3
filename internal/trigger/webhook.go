// Copyright 2025 The CasareRPA Authors
// SPDX-License-Identifier: Apache-2.0

package trigger

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/casare-rpa/orchestrator/internal/domain"
)

const webhookRequestTimeout = 5 * time.Second

// WebhookConfig carries the webhook server's tunables.
type WebhookConfig struct {
	Port         int
	SharedSecret string
}

// WebhookServer exposes POST /webhook/{trigger_id} for webhook triggers.
type WebhookServer struct {
	bus    *Bus
	cfg    WebhookConfig
	logger *slog.Logger
	server *http.Server
}

// webhookRequest is the inbound event body.
type webhookRequest struct {
	EventType string         `json:"event_type"`
	Data      map[string]any `json:"data"`
	Timestamp string         `json:"timestamp,omitempty"`
}

// NewWebhookServer constructs the webhook HTTP server. Start must be called
// to begin serving.
func NewWebhookServer(bus *Bus, cfg WebhookConfig, logger *slog.Logger) *WebhookServer {
	s := &WebhookServer{
		bus:    bus,
		cfg:    cfg,
		logger: logger.With("component", "webhook"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /webhook/{trigger_id}", s.handleWebhook)

	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           mux,
		ReadHeaderTimeout: webhookRequestTimeout,
		ReadTimeout:       webhookRequestTimeout,
		WriteTimeout:      webhookRequestTimeout,
	}
	return s
}

// Start serves until the listener fails or Shutdown is called.
func (s *WebhookServer) Start() error {
	s.logger.Info("webhook server listening", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("webhook server: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *WebhookServer) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// Handler exposes the mux for tests.
func (s *WebhookServer) Handler() http.Handler { return s.server.Handler }

func (s *WebhookServer) handleWebhook(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), webhookRequestTimeout)
	defer cancel()

	triggerID := r.PathValue("trigger_id")
	trig, err := s.bus.Get(ctx, triggerID)
	if err != nil || !trig.Enabled || trig.Kind != domain.TriggerWebhook {
		respondJSON(w, http.StatusNotFound, map[string]string{"status": "unknown_trigger"})
		return
	}

	if !s.secretValid(trig, r.Header.Get("X-Webhook-Secret")) {
		s.logger.Warn("webhook secret mismatch", "trigger", triggerID, "remote", r.RemoteAddr)
		respondJSON(w, http.StatusUnauthorized, map[string]string{"status": "unauthorized"})
		return
	}

	var req webhookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondJSON(w, http.StatusBadRequest, map[string]string{"status": "malformed_payload"})
		return
	}

	job, cooldown, err := s.bus.Fire(ctx, trig, req.EventType, req.Data)
	switch {
	case errors.Is(err, domain.ErrRateLimited):
		respondJSON(w, http.StatusTooManyRequests, map[string]any{
			"status":             "rate_limited",
			"cooldown_remaining": cooldown.Seconds(),
		})
	case errors.Is(err, domain.ErrFilterMismatch):
		respondJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
	case err != nil:
		s.logger.Error("webhook fire failed", "trigger", triggerID, "error", err)
		respondJSON(w, http.StatusInternalServerError, map[string]string{"status": "error"})
	default:
		respondJSON(w, http.StatusOK, map[string]string{
			"status": "accepted",
			"job_id": job.ID,
		})
	}
}

// secretValid compares the presented secret against the trigger's own secret
// or, when unset, the global shared secret. Constant-time compare.
func (s *WebhookServer) secretValid(trig *domain.Trigger, presented string) bool {
	expected := trig.Secret
	if expected == "" {
		expected = s.cfg.SharedSecret
	}
	if expected == "" {
		return true
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(expected)) == 1
}

func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}
