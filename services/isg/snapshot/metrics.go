// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package snapshot

import (
	"context"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("isg.snapshot")

var (
	snapshotOpsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "isg_snapshot_operations_total",
		Help: "Snapshot saves and loads, by operation and status",
	}, []string{"op", "status"})

	snapshotDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "isg_snapshot_duration_seconds",
		Help:    "Time to save or load a snapshot",
		Buckets: prometheus.ExponentialBuckets(0.001, 4, 8),
	}, []string{"op"})

	snapshotBytes = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "isg_snapshot_size_bytes",
		Help: "Encoded size of the last snapshot saved or loaded",
	}, []string{"op"})
)

// loggerWithTrace returns a logger with trace context attached.
func loggerWithTrace(ctx context.Context, logger *slog.Logger) *slog.Logger {
	spanCtx := trace.SpanContextFromContext(ctx)
	if !spanCtx.IsValid() {
		return logger
	}
	return logger.With(
		slog.String("trace_id", spanCtx.TraceID().String()),
		slog.String("span_id", spanCtx.SpanID().String()),
	)
}

func startSnapshotSpan(ctx context.Context, op, location string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "Snapshot."+op,
		trace.WithAttributes(
			attribute.String("isg.snapshot.op", op),
			attribute.String("isg.snapshot.location", location),
		),
	)
}

func setSpanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
