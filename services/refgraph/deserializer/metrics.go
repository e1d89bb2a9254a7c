// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package deserializer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("refgraph.deserializer")

var (
	// deserializeDuration tracks Deserialize latency
	deserializeDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "refgraph_deserialize_duration_seconds",
		Help:    "Graph deserialization duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.00005, 2, 14),
	})

	// deserializeInstances tracks instances constructed per call
	deserializeInstances = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "refgraph_deserialize_instances",
		Help:    "Registered instances constructed per deserialization",
		Buckets: []float64{1, 10, 100, 1000, 10000, 100000},
	})

	// deserializeErrors counts failed calls by reason
	deserializeErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "refgraph_deserialize_errors_total",
		Help: "Total deserialization failures by reason",
	}, []string{"reason"})
)
