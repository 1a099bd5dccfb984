// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package xref

import (
	"github.com/AleutianAI/AleutianXRef/services/xref/lsp"
)

// ServiceVersion is reported by the health endpoint.
const ServiceVersion = "1.0.0"

// =============================================================================
// REQUEST TYPES
// =============================================================================

// PositionRequest identifies a position in a host document.
type PositionRequest struct {
	// TextDocument is the host URI (git://repo?rev#path).
	TextDocument string `json:"textDocument" validate:"required"`

	// Position is 0-indexed.
	Position lsp.Position `json:"position"`
}

// =============================================================================
// RESPONSE TYPES
// =============================================================================

// LocationsResponse carries locations in host space.
//
// Error and Code are set when a references aggregation failed after
// some locations were found.
type LocationsResponse struct {
	Locations []lsp.Location `json:"locations"`
	Error     string         `json:"error,omitempty"`
	Code      string         `json:"code,omitempty"`
}

// HoverResponse carries hover content, or null when there is none.
type HoverResponse struct {
	Hover *lsp.Hover `json:"hover"`
}

// HealthResponse is returned by GET /v1/xref/health.
type HealthResponse struct {
	Status      string `json:"status"`
	Version     string `json:"version"`
	Connections int    `json:"connections"`
	Documents   int    `json:"documents"`
	Concurrency int    `json:"concurrency"`
}

// ErrorResponse is the body of every error response.
type ErrorResponse struct {
	// Error is a human-readable message.
	Error string `json:"error"`

	// Code is a stable machine-readable code.
	Code string `json:"code,omitempty"`

	// Details carries optional extra context.
	Details string `json:"details,omitempty"`
}

// StreamMessage is one websocket frame of a streamed references search.
//
// Locations is the complete list found so far. The final frame has Done
// set, or Error and Code set when the search failed.
type StreamMessage struct {
	Locations []lsp.Location `json:"locations,omitempty"`
	Done      bool           `json:"done"`
	Error     string         `json:"error,omitempty"`
	Code      string         `json:"code,omitempty"`
}
