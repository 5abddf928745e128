// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package query

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/isg/services/isg/graph"
	"github.com/AleutianAI/isg/services/isg/identity"
)

var (
	tracer = otel.Tracer("isg.query")
	meter  = otel.Meter("isg.query")
)

var (
	queryLatency metric.Float64Histogram
	queryResults metric.Int64Histogram
	queryErrors  metric.Int64Counter

	metricsOnce sync.Once
	metricsErr  error
)

// initMetrics initializes the metrics. Safe to call multiple times.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		queryLatency, err = meter.Float64Histogram(
			"isg_query_duration_seconds",
			metric.WithDescription("Duration of graph queries"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		queryResults, err = meter.Int64Histogram(
			"isg_query_result_size",
			metric.WithDescription("Number of entities or cycles returned per query"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		queryErrors, err = meter.Int64Counter(
			"isg_query_errors_total",
			metric.WithDescription("Queries that failed, by error kind"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

func errorKind(err error) string {
	switch {
	case errors.Is(err, graph.ErrNotFound):
		return "not_found"
	case errors.Is(err, graph.ErrTimeout):
		return "timeout"
	case errors.Is(err, graph.ErrResultTooLarge):
		return "result_too_large"
	default:
		return "other"
	}
}

// recordQueryMetrics records metrics for a query operation.
func recordQueryMetrics(ctx context.Context, queryType string, duration time.Duration, resultCount int, err error) {
	if initMetrics() != nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("query_type", queryType))
	queryLatency.Record(ctx, duration.Seconds(), attrs)
	if err != nil {
		queryErrors.Add(ctx, 1, metric.WithAttributes(
			attribute.String("query_type", queryType),
			attribute.String("error_kind", errorKind(err)),
		))
		return
	}
	queryResults.Record(ctx, int64(resultCount), attrs)
}

// startQuerySpan creates a span for a query operation.
func startQuerySpan(ctx context.Context, queryType string, hash identity.Hash) (context.Context, trace.Span) {
	return tracer.Start(ctx, "Query."+queryType,
		trace.WithAttributes(
			attribute.String("isg.query_type", queryType),
			attribute.String("isg.hash", hash.String()),
		),
	)
}

func setSpanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
