// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package connpool

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var meter = otel.Meter("aleutian.xref.connpool")

var (
	dialLatency     metric.Float64Histogram
	dialTotal       metric.Int64Counter
	evictionTotal   metric.Int64Counter
	liveConnections metric.Int64UpDownCounter

	metricsOnce sync.Once
	metricsErr  error
)

func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		dialLatency, err = meter.Float64Histogram(
			"xref_connpool_dial_duration_seconds",
			metric.WithDescription("Duration of backend dials including the handshake"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		dialTotal, err = meter.Int64Counter(
			"xref_connpool_dial_total",
			metric.WithDescription("Total number of backend dial attempts"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		evictionTotal, err = meter.Int64Counter(
			"xref_connpool_eviction_total",
			metric.WithDescription("Connections removed from the pool after closing"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		liveConnections, err = meter.Int64UpDownCounter(
			"xref_connpool_live_connections",
			metric.WithDescription("Connections currently cached"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

func recordDial(ctx context.Context, d time.Duration, success bool) {
	if err := initMetrics(); err != nil {
		return
	}
	attrs := metric.WithAttributes(attribute.Bool("success", success))
	dialLatency.Record(ctx, d.Seconds(), attrs)
	dialTotal.Add(ctx, 1, attrs)
}

func recordEviction(ctx context.Context) {
	if err := initMetrics(); err != nil {
		return
	}
	evictionTotal.Add(ctx, 1)
	liveConnections.Add(ctx, -1)
}

func recordLive(ctx context.Context, delta int64) {
	if err := initMetrics(); err != nil {
		return
	}
	liveConnections.Add(ctx, delta)
}
