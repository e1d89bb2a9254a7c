// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package history

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("refgraph.history")

var (
	// stepsTotal counts RecordStep calls by mode and result
	stepsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "refgraph_history_steps_total",
		Help: "Total recordStep calls by mode and result (recorded, noop, error)",
	}, []string{"mode", "result"})

	// navigationTotal counts undo/redo calls by direction and result
	navigationTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "refgraph_history_navigation_total",
		Help: "Total undo/redo calls by direction and result (moved, bound, error)",
	}, []string{"direction", "result"})

	// evictionsTotal counts checkpoints evicted for capacity
	evictionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "refgraph_history_evictions_total",
		Help: "Total checkpoints evicted by capacity, by mode",
	}, []string{"mode"})

	// checkpointsGauge tracks retained checkpoints of the last engine touched
	checkpointsGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "refgraph_history_checkpoints",
		Help: "Retained checkpoints by mode",
	}, []string{"mode"})

	// materializeDuration tracks checkpoint materialization latency
	materializeDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "refgraph_history_materialize_duration_seconds",
		Help:    "Checkpoint materialization duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.00001, 2, 16), // 10us to ~330ms
	}, []string{"mode"})
)
