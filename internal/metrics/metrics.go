// Kestrel - Structured Logging and Security Observability
// Copyright 2026 Kestrel Security Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kestrelsec/kestrel

// Package metrics provides Prometheus instrumentation for the Kestrel core:
// log emission, sanitization, access tracking and compaction.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Logger core metrics.

	LogRecordsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kestrel_log_records_total",
			Help: "Total number of log records emitted, by level",
		},
		[]string{"level"},
	)

	PolicyViolationsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "kestrel_policy_violations_total",
			Help: "Total number of emits rejected by strict-mode PII detection",
		},
	)

	SinkFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kestrel_sink_failures_total",
			Help: "Total number of sink Accept failures redirected to the fallback",
		},
		[]string{"sink"},
	)

	// Sanitizer metrics.

	SanitizeDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "kestrel_sanitize_duration_seconds",
			Help:    "Duration of value sanitization traversals",
			Buckets: []float64{0.00001, 0.0001, 0.001, 0.01, 0.1, 1},
		},
	)

	// Access tracker metrics.

	AccessEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kestrel_access_events_total",
			Help: "Total number of access events ingested, by outcome",
		},
		[]string{"outcome"}, // "success", "failure"
	)

	AlertsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kestrel_alerts_total",
			Help: "Total number of security alerts produced, by type",
		},
		[]string{"type"},
	)

	TrackedIPs = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "kestrel_tracked_ips",
			Help: "Current number of IPs with live statistics",
		},
	)

	BlockedIPs = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "kestrel_blocked_ips",
			Help: "Current number of blocked IPs",
		},
	)

	AutoBlocksTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "kestrel_auto_blocks_total",
			Help: "Total number of IPs blocked automatically by the tracker",
		},
	)

	CompactionSweepsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "kestrel_compaction_sweeps_total",
			Help: "Total number of compaction sweeps completed",
		},
	)

	CompactionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "kestrel_compaction_duration_seconds",
			Help:    "Duration of compaction sweeps",
			Buckets: prometheus.DefBuckets,
		},
	)

	CompactionEvicted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kestrel_compaction_evicted_total",
			Help: "Entries evicted by compaction, by reason",
		},
		[]string{"reason"}, // "ttl", "capacity"
	)

	// Admin API metrics.

	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kestrel_api_requests_total",
			Help: "Total number of admin API requests",
		},
		[]string{"method", "endpoint", "status_code"},
	)
)
