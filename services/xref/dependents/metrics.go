// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.


package dependents

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var meter = otel.Meter("aleutian.xref.dependents")

var (
	foundTotal  metric.Int64Counter
	cacheLookup metric.Int64Counter

	metricsOnce sync.Once
	metricsErr  error
)

func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		foundTotal, err = meter.Int64Counter(
			"xref_dependents_found_total",
			metric.WithDescription("Dependent repositories discovered, by source"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		cacheLookup, err = meter.Int64Counter(
			"xref_dependents_cache_total",
			metric.WithDescription("Dependents cache lookups by result"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

func recordFound(ctx context.Context, source string, n int) {
	if n == 0 {
		return
	}
	if err := initMetrics(); err != nil {
		return
	}
	foundTotal.Add(ctx, int64(n), metric.WithAttributes(attribute.String("source", source)))
}

func recordCache(ctx context.Context, source string, hit bool) {
	if err := initMetrics(); err != nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	cacheLookup.Add(ctx, 1, metric.WithAttributes(
		attribute.String("source", source),
		attribute.String("result", result),
	))
}
