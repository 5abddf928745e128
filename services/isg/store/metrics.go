// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package store

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var (
	tracer = otel.Tracer("isg.store")
	meter  = otel.Meter("isg.store")
)

var (
	lockWait    metric.Float64Histogram
	lockHold    metric.Float64Histogram
	writesTotal metric.Int64Counter

	metricsOnce sync.Once
	metricsErr  error
)

// initMetrics initializes the metrics. Safe to call multiple times.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		lockWait, err = meter.Float64Histogram(
			"isg_store_lock_wait_seconds",
			metric.WithDescription("Time spent waiting for the write lock"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		lockHold, err = meter.Float64Histogram(
			"isg_store_lock_hold_seconds",
			metric.WithDescription("Time the write lock was held"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		writesTotal, err = meter.Int64Counter(
			"isg_store_writes_total",
			metric.WithDescription("Total number of completed store writes"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

func recordLockMetrics(ctx context.Context, op string, wait, hold time.Duration) {
	if err := initMetrics(); err != nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("op", op))
	lockWait.Record(ctx, wait.Seconds(), attrs)
	lockHold.Record(ctx, hold.Seconds(), attrs)
	writesTotal.Add(ctx, 1, attrs)
}

func startWriteSpan(ctx context.Context, op string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "Store."+op,
		trace.WithAttributes(attribute.String("store.op", op)),
	)
}
