// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package serializer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("refgraph.serializer")

var (
	// serializeDuration tracks Serialize latency
	serializeDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "refgraph_serialize_duration_seconds",
		Help:    "Graph serialization duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.00005, 2, 14), // 50us to ~400ms
	})

	// serializeNodes tracks tagged nodes emitted per call
	serializeNodes = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "refgraph_serialize_nodes",
		Help:    "Tagged nodes emitted per serialization",
		Buckets: []float64{1, 10, 100, 1000, 10000, 100000},
	})

	// serializeRefs counts reference pointers emitted
	serializeRefs = promauto.NewCounter(prometheus.CounterOpts{
		Name: "refgraph_serialize_refs_total",
		Help: "Total reference pointers emitted",
	})

	// serializeErrors counts failed calls by reason
	serializeErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "refgraph_serialize_errors_total",
		Help: "Total serialization failures by reason",
	}, []string{"reason"})
)
