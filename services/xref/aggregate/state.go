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
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/AleutianXRef/services/xref/telemetry"
)

// State is a step of an aggregation or of one dependent lookup.
type State string

// Aggregation states.
const (
	StateStarted               State = "started"
	StateDiscoveringDependents State = "discovering_dependents"
	StateCompleted             State = "completed"
	StateCancelled             State = "cancelled"
)

// Dependent lookup states.
const (
	StateResolving  State = "resolving"
	StateConnecting State = "connecting"
	StateQuerying   State = "querying"
	StateDone       State = "done"
	StateFailed     State = "failed"
)

// enter logs the state at Debug and records it as a span event.
func (a *Aggregator) enter(ctx context.Context, logger *slog.Logger, state State, attrs ...slog.Attr) {
	args := make([]any, 0, len(attrs)+1)
	args = append(args, slog.String("state", string(state)))
	for _, attr := range attrs {
		args = append(args, attr)
	}
	logger.Debug("Aggregation state", args...)

	telemetry.AddSpanEvent(trace.SpanFromContext(ctx), string(state),
		attribute.String("state", string(state)),
	)
}
