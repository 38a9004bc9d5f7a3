// Copyright 2025 The CasareRPA Authors
// SPDX-License-Identifier: Apache-2.0

// Package metrics holds the orchestrator's prometheus collectors. The set is
// constructed once at startup and passed to components; tests build a fresh
// instance per case.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles every collector with its owning registry.
type Metrics struct {
	Registry *prometheus.Registry

	JobsSubmitted    prometheus.Counter
	JobsCompleted    prometheus.Counter
	JobsFailed       prometheus.Counter
	JobsCancelled    prometheus.Counter
	QueueDepth       prometheus.Gauge
	ConnectedRobots  prometheus.Gauge
	DispatchSeconds  prometheus.Histogram
	SelectionNoRobot prometheus.Counter
	AssignRejects    prometheus.Counter
	LogsDropped      prometheus.Counter
	LogBatchesStored prometheus.Counter
	ProtocolErrors   *prometheus.CounterVec
}

// New registers all collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		JobsSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "casare_jobs_submitted_total",
			Help: "Jobs accepted into the queue.",
		}),
		JobsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "casare_jobs_completed_total",
			Help: "Jobs that reached Completed.",
		}),
		JobsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "casare_jobs_failed_total",
			Help: "Jobs that reached Failed or Timeout.",
		}),
		JobsCancelled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "casare_jobs_cancelled_total",
			Help: "Jobs that reached Cancelled.",
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "casare_queue_depth",
			Help: "Jobs currently queued.",
		}),
		ConnectedRobots: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "casare_connected_robots",
			Help: "Robots with a live protocol connection.",
		}),
		DispatchSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "casare_dispatch_duration_seconds",
			Help:    "Time from pop to accepted assignment.",
			Buckets: prometheus.DefBuckets,
		}),
		SelectionNoRobot: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "casare_selection_no_robot_total",
			Help: "Selection attempts that found no eligible robot.",
		}),
		AssignRejects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "casare_assign_rejects_total",
			Help: "job_assign frames rejected or timed out.",
		}),
		LogsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "casare_logs_dropped_total",
			Help: "Log batches dropped due to ingest backpressure.",
		}),
		LogBatchesStored: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "casare_log_batches_stored_total",
			Help: "Log batches durably stored.",
		}),
		ProtocolErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "casare_protocol_errors_total",
			Help: "Error frames sent to robots, by code.",
		}, []string{"code"}),
	}

	reg.MustRegister(
		m.JobsSubmitted, m.JobsCompleted, m.JobsFailed, m.JobsCancelled,
		m.QueueDepth, m.ConnectedRobots, m.DispatchSeconds,
		m.SelectionNoRobot, m.AssignRejects,
		m.LogsDropped, m.LogBatchesStored, m.ProtocolErrors,
	)
	return m
}
