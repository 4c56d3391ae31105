// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability holds the Prometheus metrics for the orchestrator.
// Metrics are registered once at package load via promauto; hot paths
// record through the exported vars.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "heartbeat"
	subsystem = "orchestrator"
)

var (
	// QueriesTotal counts completed queries by response status.
	QueriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "queries_total",
		Help:      "Completed queries by response status.",
	}, []string{"status"})

	// QueryDuration observes end-to-end query latency.
	QueryDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "query_duration_seconds",
		Help:      "End-to-end query latency.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
	})

	// ToolInvocationsTotal counts tool invocations by tool and terminal status.
	ToolInvocationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "tool_invocations_total",
		Help:      "Tool invocations by tool and terminal status.",
	}, []string{"tool", "status"})

	// ToolLatency observes per-invocation tool latency, excluding cache hits.
	ToolLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "tool_latency_seconds",
		Help:      "Tool execution latency, cache hits excluded.",
		Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
	}, []string{"tool"})

	// ToolRetriesTotal counts retry attempts by tool.
	ToolRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "tool_retries_total",
		Help:      "Retry attempts by tool.",
	}, []string{"tool"})

	// CacheEventsTotal counts fingerprint-cache hits and misses.
	CacheEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "cache_events_total",
		Help:      "Fingerprint cache lookups by outcome.",
	}, []string{"event"})

	// SingleflightDedupTotal counts invocations that waited on an identical
	// in-flight execution instead of running.
	SingleflightDedupTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "singleflight_dedup_total",
		Help:      "Invocations deduplicated against an identical in-flight execution.",
	})

	// ClarificationsTotal counts queries answered with a clarification
	// request instead of evidence.
	ClarificationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "clarifications_total",
		Help:      "Queries that returned ranked candidate interpretations.",
	})
)
