// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package telemetry

import (
	"context"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// InjectContext writes the trace context of ctx into outgoing HTTP headers.
// Used for calls to the Sourcegraph API and the npm registry.
func InjectContext(ctx context.Context, headers http.Header) {
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(headers))
}

// MapCarrier adapts map[string]string to propagation.TextMapCarrier.
//
// JSON-RPC requests carry trace context in their "meta" field, which is a
// plain string map.
type MapCarrier map[string]string

// Get returns the value for key.
func (c MapCarrier) Get(key string) string {
	return c[key]
}

// Set stores value under key.
func (c MapCarrier) Set(key, value string) {
	c[key] = value
}

// Keys lists the carrier keys.
func (c MapCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}

// ExtractFromMap returns ctx with the trace context found in carrier.
func ExtractFromMap(ctx context.Context, carrier map[string]string) context.Context {
	return otel.GetTextMapPropagator().Extract(ctx, MapCarrier(carrier))
}

// InjectToMap writes the trace context of ctx into carrier and returns it.
// A nil carrier is allocated. The result is empty when ctx has no span or
// no propagator is installed.
func InjectToMap(ctx context.Context, carrier map[string]string) map[string]string {
	if carrier == nil {
		carrier = make(map[string]string)
	}
	otel.GetTextMapPropagator().Inject(ctx, MapCarrier(carrier))
	return carrier
}
