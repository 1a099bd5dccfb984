// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package limiter

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

var meter = otel.Meter("aleutian.xref.limiter")

var (
	inFlightSlots metric.Int64UpDownCounter
	waitLatency   metric.Float64Histogram

	metricsOnce sync.Once
	metricsErr  error
)

func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		inFlightSlots, err = meter.Int64UpDownCounter(
			"xref_limiter_in_flight",
			metric.WithDescription("Dependent lookups currently holding a slot"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		waitLatency, err = meter.Float64Histogram(
			"xref_limiter_wait_seconds",
			metric.WithDescription("Time spent waiting for a free slot"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

func recordInFlight(ctx context.Context, delta int64) {
	if err := initMetrics(); err != nil {
		return
	}
	inFlightSlots.Add(ctx, delta)
}

func recordWait(ctx context.Context, d time.Duration) {
	if err := initMetrics(); err != nil {
		return
	}
	waitLatency.Record(ctx, d.Seconds())
}
