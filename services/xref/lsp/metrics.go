// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package lsp

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

	"github.com/AleutianAI/AleutianXRef/services/xref/uris"
)

const instrumentationName = "aleutian.xref.lsp"

// backendInstruments are the metrics recorded against repository backends.
type backendInstruments struct {
	requestSeconds metric.Float64Histogram
	requests       metric.Int64Counter
	handshakes     metric.Int64Counter
	locations      metric.Int64Histogram
}

// instruments builds the instrument set once against the global meter.
// A nil result disables recording.
var instruments = sync.OnceValue(func() *backendInstruments {
	m := otel.Meter(instrumentationName)
	var (
		in   backendInstruments
		errs [4]error
	)
	in.requestSeconds, errs[0] = m.Float64Histogram("xref_lsp_operation_duration_seconds",
		metric.WithDescription("Duration of LSP requests to repository backends"),
		metric.WithUnit("s"))
	in.requests, errs[1] = m.Int64Counter("xref_lsp_operation_total",
		metric.WithDescription("LSP requests to repository backends by operation and outcome"))
	in.handshakes, errs[2] = m.Int64Counter("xref_lsp_handshake_total",
		metric.WithDescription("Backend initialize handshakes by outcome"))
	in.locations, errs[3] = m.Int64Histogram("xref_lsp_result_count",
		metric.WithDescription("Locations returned per successful LSP request"))
	if errors.Join(errs[:]...) != nil {
		return nil
	}
	return &in
})

// requestObservation times one backend request and closes its span.
type requestObservation struct {
	ctx       context.Context
	span      trace.Span
	operation string
	start     time.Time
}

// observe starts a client span for operation on documentURI. The caller
// must call end exactly once.
func (c *Conn) observe(ctx context.Context, operation, documentURI string) (context.Context, *requestObservation) {
	ctx, span := otel.Tracer(instrumentationName).Start(ctx, "Conn."+operation,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("lsp.operation", operation),
			attribute.String("lsp.root", uris.Redact(c.root)),
			attribute.String("lsp.document", uris.Redact(documentURI)),
		),
	)
	return ctx, &requestObservation{ctx: ctx, span: span, operation: operation, start: time.Now()}
}

// end records the outcome. count is the number of results on success.
func (o *requestObservation) end(count int, err error) {
	defer o.span.End()

	ok := err == nil
	o.span.SetAttributes(attribute.Int("lsp.result_count", count), attribute.Bool("lsp.success", ok))
	if !ok {
		o.span.RecordError(err)
		o.span.SetStatus(codes.Error, err.Error())
	}

	in := instruments()
	if in == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("operation", o.operation), attribute.Bool("success", ok))
	in.requestSeconds.Record(o.ctx, time.Since(o.start).Seconds(), attrs)
	in.requests.Add(o.ctx, 1, attrs)
	if ok {
		in.locations.Record(o.ctx, int64(count), metric.WithAttributes(attribute.String("operation", o.operation)))
	}
}

func recordHandshake(ctx context.Context, success bool) {
	if in := instruments(); in != nil {
		in.handshakes.Add(ctx, 1, metric.WithAttributes(attribute.Bool("success", success)))
	}
}
