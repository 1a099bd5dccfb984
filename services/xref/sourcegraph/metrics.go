// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.


package sourcegraph

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var meter = otel.Meter("aleutian.xref.sourcegraph")

var (
	requestLatency metric.Float64Histogram
	requestTotal   metric.Int64Counter
	revisionCache  metric.Int64Counter

	metricsOnce sync.Once
	metricsErr  error
)

func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		requestLatency, err = meter.Float64Histogram(
			"xref_sourcegraph_request_duration_seconds",
			metric.WithDescription("Duration of Sourcegraph API requests"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		requestTotal, err = meter.Int64Counter(
			"xref_sourcegraph_request_total",
			metric.WithDescription("Total Sourcegraph API requests"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		revisionCache, err = meter.Int64Counter(
			"xref_sourcegraph_revision_cache_total",
			metric.WithDescription("Revision cache lookups by result"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

func recordRequest(ctx context.Context, operation string, d time.Duration, success bool) {
	if err := initMetrics(); err != nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.Bool("success", success),
	)
	requestLatency.Record(ctx, d.Seconds(), attrs)
	requestTotal.Add(ctx, 1, attrs)
}

func recordRevisionCache(ctx context.Context, hit bool) {
	if err := initMetrics(); err != nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	revisionCache.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}
