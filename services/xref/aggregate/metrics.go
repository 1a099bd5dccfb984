// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package aggregate

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
	tracer = otel.Tracer("aleutian.xref.aggregate")
	meter  = otel.Meter("aleutian.xref.aggregate")
)

var (
	aggregationLatency metric.Float64Histogram
	aggregationTotal   metric.Int64Counter
	dependentTotal     metric.Int64Counter

	metricsOnce sync.Once
	metricsErr  error
)

func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		aggregationLatency, err = meter.Float64Histogram(
			"xref_aggregate_duration_seconds",
			metric.WithDescription("Duration of cross-repository reference searches"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		aggregationTotal, err = meter.Int64Counter(
			"xref_aggregate_total",
			metric.WithDescription("Cross-repository reference searches by outcome"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		dependentTotal, err = meter.Int64Counter(
			"xref_aggregate_dependent_total",
			metric.WithDescription("Dependent repository lookups by outcome"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

func startReferencesSpan(ctx context.Context, document string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "Aggregator.References",
		trace.WithAttributes(attribute.String("xref.document", document)),
	)
}

func recordAggregation(ctx context.Context, d time.Duration, outcome string) {
	if err := initMetrics(); err != nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	aggregationLatency.Record(ctx, d.Seconds(), attrs)
	aggregationTotal.Add(ctx, 1, attrs)
}

func recordDependent(ctx context.Context, outcome string) {
	if err := initMetrics(); err != nil {
		return
	}
	dependentTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}
