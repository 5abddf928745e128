// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package update

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

var tracer = otel.Tracer("isg.update")

var (
	updateDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "isg_update_duration_seconds",
		Help:    "Time to apply a batch of file changes",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 5},
	}, []string{"status"})

	updateFilesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "isg_update_files_total",
		Help: "Files processed by the update pipeline, by outcome",
	}, []string{"outcome"})

	updateBudgetOverruns = promauto.NewCounter(prometheus.CounterOpts{
		Name: "isg_update_budget_overruns_total",
		Help: "Batches that exceeded the configured latency budget",
	})

	updateUnresolved = promauto.NewCounter(prometheus.CounterOpts{
		Name: "isg_update_unresolved_relationships_total",
		Help: "Relationships skipped because an endpoint did not resolve",
	})

	pendingGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "isg_update_pending_relationships",
		Help: "Relationships waiting for an endpoint to be indexed",
	})

	dirtyFilesGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "isg_update_dirty_files",
		Help: "Files whose last parse failed",
	})
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

func startUpdateSpan(ctx context.Context, op string, files int) (context.Context, trace.Span) {
	return tracer.Start(ctx, "Pipeline."+op,
		trace.WithAttributes(
			attribute.String("isg.update.op", op),
			attribute.Int("isg.update.files", files),
		),
	)
}

func setSpanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
