// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package parse

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var (
	tracer = otel.Tracer("isg.parse")
	meter  = otel.Meter("isg.parse")
)

var (
	parseLatency  metric.Float64Histogram
	parseTotal    metric.Int64Counter
	parseEntities metric.Int64Histogram

	metricsOnce sync.Once
	metricsErr  error
)

func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		parseLatency, err = meter.Float64Histogram(
			"isg_parse_duration_seconds",
			metric.WithDescription("Duration of single-file parses"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		parseTotal, err = meter.Int64Counter(
			"isg_parse_total",
			metric.WithDescription("Parses by language and outcome"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		parseEntities, err = meter.Int64Histogram(
			"isg_parse_entities",
			metric.WithDescription("Entities extracted per file"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

func recordParseMetrics(ctx context.Context, language string, duration time.Duration, entities int, success bool) {
	if initMetrics() != nil {
		return
	}
	lang := attribute.String("language", language)
	parseLatency.Record(ctx, duration.Seconds(), metric.WithAttributes(lang))
	parseTotal.Add(ctx, 1, metric.WithAttributes(lang, attribute.Bool("success", success)))
	if success {
		parseEntities.Record(ctx, int64(entities), metric.WithAttributes(lang))
	}
}

func startParseSpan(ctx context.Context, language, filePath string, size int) (context.Context, trace.Span) {
	return tracer.Start(ctx, "Parser.Parse",
		trace.WithAttributes(
			attribute.String("parse.language", language),
			attribute.String("parse.file", filePath),
			attribute.Int("parse.size_bytes", size),
		),
	)
}

func setSpanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
