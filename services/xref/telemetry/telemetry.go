// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package telemetry wires OpenTelemetry tracing and metrics for the XRef
// service.
//
// Init installs the global TracerProvider, MeterProvider, and W3C
// propagator. Packages then use otel.Tracer and otel.Meter directly with
// their own instrumentation names. When the Prometheus metric exporter is
// selected, MetricsHandler serves /metrics.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	oteltrace "go.opentelemetry.io/otel/trace"
)

var (
	ErrNilContext      = errors.New("context must not be nil")
	ErrUnknownExporter = errors.New("unknown exporter type")
)

// Exporter names accepted in Config. "none" (or empty) disables a signal.
const (
	ExporterNone       = "none"
	ExporterOTLP       = "otlp"
	ExporterStdout     = "stdout"
	ExporterPrometheus = "prometheus"
)

// Config is the telemetry section of the service config.
type Config struct {
	ServiceName    string `yaml:"service_name" json:"service_name"`
	ServiceVersion string `yaml:"service_version" json:"service_version"`
	Environment    string `yaml:"environment" json:"environment"`

	// TraceExporter sends spans to an OTLP/gRPC collector or stdout.
	TraceExporter string `yaml:"trace_exporter" json:"trace_exporter" validate:"omitempty,oneof=otlp stdout none"`

	// MetricExporter exposes metrics on /metrics or prints them to stdout.
	MetricExporter string `yaml:"metric_exporter" json:"metric_exporter" validate:"omitempty,oneof=prometheus stdout none"`

	// OTLPEndpoint is host:port of the collector, used with "otlp".
	OTLPEndpoint string `yaml:"otlp_endpoint" json:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure" json:"otlp_insecure"`
}

// DefaultConfig traces nothing and serves Prometheus metrics. XREF_ENV,
// OTEL_TRACES_EXPORTER, OTEL_METRICS_EXPORTER and
// OTEL_EXPORTER_OTLP_ENDPOINT override the matching fields.
func DefaultConfig() Config {
	return Config{
		ServiceName:    "aleutian-xref",
		ServiceVersion: "1.0.0",
		Environment:    envOr("XREF_ENV", "development"),
		TraceExporter:  envOr("OTEL_TRACES_EXPORTER", ExporterNone),
		MetricExporter: envOr("OTEL_METRICS_EXPORTER", ExporterPrometheus),
		OTLPEndpoint:   envOr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
		OTLPInsecure:   true,
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// Init installs the global providers and the trace-context propagator.
//
// Description:
//
//	Called once from serve before the Service is built, so every
//	package-level otel.Tracer and otel.Meter resolves to these providers.
//	The returned shutdown flushes both providers and must be called on
//	exit, even when only one signal is enabled.
//
// Outputs:
//
//	shutdown - Flushes and stops the installed providers
//	error - ErrNilContext, ErrUnknownExporter, or an exporter setup error
func Init(ctx context.Context, cfg Config) (shutdown func(context.Context) error, err error) {
	if ctx == nil {
		return nil, ErrNilContext
	}

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	res := resource.NewWithAttributes("",
		attribute.String("service.name", cfg.ServiceName),
		attribute.String("service.version", cfg.ServiceVersion),
		attribute.String("deployment.environment", cfg.Environment),
	)

	var stops []func(context.Context) error
	shutdown = func(ctx context.Context) error {
		var errs []error
		for _, stop := range stops {
			errs = append(errs, stop(ctx))
		}
		return errors.Join(errs...)
	}

	if enabled(cfg.TraceExporter) {
		tp, err := newTracerProvider(ctx, cfg, res)
		if err != nil {
			return nil, fmt.Errorf("init tracer: %w", err)
		}
		otel.SetTracerProvider(tp)
		stops = append(stops, tp.Shutdown)
	}

	if enabled(cfg.MetricExporter) {
		mp, err := newMeterProvider(cfg, res)
		if err != nil {
			_ = shutdown(ctx)
			return nil, fmt.Errorf("init meter: %w", err)
		}
		otel.SetMeterProvider(mp)
		stops = append(stops, mp.Shutdown)
	}

	return shutdown, nil
}

func enabled(exporter string) bool {
	return exporter != "" && exporter != ExporterNone
}

func newTracerProvider(ctx context.Context, cfg Config, res *resource.Resource) (*trace.TracerProvider, error) {
	var (
		exporter trace.SpanExporter
		err      error
	)
	switch cfg.TraceExporter {
	case ExporterOTLP:
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint)}
		if cfg.OTLPInsecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		exporter, err = otlptracegrpc.New(ctx, opts...)
	case ExporterStdout:
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownExporter, cfg.TraceExporter)
	}
	if err != nil {
		return nil, fmt.Errorf("%s span exporter: %w", cfg.TraceExporter, err)
	}

	return trace.NewTracerProvider(
		trace.WithBatcher(exporter),
		trace.WithResource(res),
	), nil
}

// metricsHandler holds the /metrics handler once the Prometheus exporter
// is installed.
var metricsHandler atomic.Pointer[http.Handler]

// MetricsHandler returns the /metrics handler, or nil when the Prometheus
// exporter is not in use.
func MetricsHandler() http.Handler {
	if h := metricsHandler.Load(); h != nil {
		return *h
	}
	return nil
}

func newMeterProvider(cfg Config, res *resource.Resource) (*metric.MeterProvider, error) {
	var reader metric.Reader
	switch cfg.MetricExporter {
	case ExporterPrometheus:
		// Registers with the default Prometheus registry served by promhttp.
		exporter, err := promexporter.New()
		if err != nil {
			return nil, fmt.Errorf("prometheus exporter: %w", err)
		}
		h := promhttp.Handler()
		metricsHandler.Store(&h)
		reader = exporter
	case ExporterStdout:
		exporter, err := stdoutmetric.New(stdoutmetric.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("stdout metric exporter: %w", err)
		}
		reader = metric.NewPeriodicReader(exporter)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownExporter, cfg.MetricExporter)
	}

	return metric.NewMeterProvider(metric.WithResource(res), metric.WithReader(reader)), nil
}

// LoggerWithTrace adds trace_id and span_id from the span in ctx to
// logger, so request logs can be joined with traces.
func LoggerWithTrace(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if logger == nil {
		logger = slog.Default()
	}
	if ctx == nil {
		return logger
	}
	sc := oteltrace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return logger
	}
	return logger.With(
		slog.String("trace_id", sc.TraceID().String()),
		slog.String("span_id", sc.SpanID().String()),
	)
}
