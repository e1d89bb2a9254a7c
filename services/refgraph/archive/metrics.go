// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package archive

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("refgraph.archive")

var (
	// operationsTotal counts archive operations by operation and status
	operationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "refgraph_archive_operations_total",
		Help: "Total archive operations by operation and status",
	}, []string{"operation", "status"})

	// operationDuration tracks archive operation latency
	operationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "refgraph_archive_operation_duration_seconds",
		Help:    "Archive operation duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.0001, 2, 16), // 100us to ~3.3s
	}, []string{"operation"})

	// bytesWritten counts compressed bytes written by record kind
	bytesWritten = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "refgraph_archive_bytes_written_total",
		Help: "Compressed bytes written by record kind (document, history)",
	}, []string{"kind"})
)
