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
	"encoding/json"
	"fmt"
)

// parseLocationResponse parses a location or array of locations response.
func parseLocationResponse(data json.RawMessage) ([]Location, error) {
	if len(data) == 0 || string(data) == "null" {
		return nil, nil
	}

	if data[0] == '[' {
		// Try array of LocationLinks first (has targetUri field)
		var links []LocationLink
		if err := json.Unmarshal(data, &links); err == nil && len(links) > 0 && links[0].TargetURI != "" {
			locations := make([]Location, len(links))
			for i, link := range links {
				locations[i] = Location{
					URI:   link.TargetURI,
					Range: link.TargetSelectionRange,
				}
			}
			return locations, nil
		}

		var locations []Location
		if err := json.Unmarshal(data, &locations); err == nil {
			return locations, nil
		}
	}

	var single Location
	if err := json.Unmarshal(data, &single); err == nil && single.URI != "" {
		return []Location{single}, nil
	}

	var link LocationLink
	if err := json.Unmarshal(data, &link); err == nil && link.TargetURI != "" {
		return []Location{{URI: link.TargetURI, Range: link.TargetSelectionRange}}, nil
	}

	return nil, ErrInvalidResponse
}

// locationRequest runs a request whose result is Location | Location[] |
// LocationLink[] | null.
func (c *Conn) locationRequest(ctx context.Context, operation, method, documentURI string, params interface{}) (locations []Location, err error) {
	ctx, obs := c.observe(ctx, operation, documentURI)
	defer func() { obs.end(len(locations), err) }()

	raw, err := c.protocol.SendRequest(ctx, method, params)
	if err != nil {
		return nil, fmt.Errorf("%s request: %w", operation, err)
	}
	return parseLocationResponse(raw)
}

// Definition returns the definition location(s) for the symbol at pos.
//
// Inputs:
//
//	ctx - Context for cancellation and timeout
//	documentURI - Server-space document URI
//	pos - 0-indexed position
//
// Outputs:
//
//	[]Location - Server-space locations, empty if none
//	error - Non-nil on failure
func (c *Conn) Definition(ctx context.Context, documentURI string, pos Position) ([]Location, error) {
	params := TextDocumentPositionParams{
		TextDocument: TextDocumentIdentifier{URI: documentURI},
		Position:     pos,
	}
	return c.locationRequest(ctx, "definition", MethodDefinition, documentURI, params)
}

// References returns all references to the symbol at pos.
//
// Description:
//
//	The declaration itself is excluded unless includeDeclaration is set.
//
// Outputs:
//
//	[]Location - Server-space locations, empty if none
//	error - Non-nil on failure
func (c *Conn) References(ctx context.Context, documentURI string, pos Position, includeDeclaration bool) ([]Location, error) {
	params := ReferenceParams{
		TextDocumentPositionParams: TextDocumentPositionParams{
			TextDocument: TextDocumentIdentifier{URI: documentURI},
			Position:     pos,
		},
		Context: ReferenceContext{IncludeDeclaration: includeDeclaration},
	}
	return c.locationRequest(ctx, "references", MethodReferences, documentURI, params)
}

// Implementation returns the implementations of the symbol at pos.
func (c *Conn) Implementation(ctx context.Context, documentURI string, pos Position) ([]Location, error) {
	params := TextDocumentPositionParams{
		TextDocument: TextDocumentIdentifier{URI: documentURI},
		Position:     pos,
	}
	return c.locationRequest(ctx, "implementation", MethodImplementation, documentURI, params)
}

// Hover returns hover information for the symbol at pos.
//
// Outputs:
//
//	*Hover - Hover information, nil if the server has none
//	error - Non-nil on failure
func (c *Conn) Hover(ctx context.Context, documentURI string, pos Position) (hover *Hover, err error) {
	ctx, obs := c.observe(ctx, "hover", documentURI)
	defer func() {
		n := 0
		if hover != nil {
			n = 1
		}
		obs.end(n, err)
	}()

	params := TextDocumentPositionParams{
		TextDocument: TextDocumentIdentifier{URI: documentURI},
		Position:     pos,
	}
	raw, err := c.protocol.SendRequest(ctx, MethodHover, params)
	if err != nil {
		return nil, fmt.Errorf("hover request: %w", err)
	}
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}

	var result Hover
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("%w: parse hover result: %v", ErrInvalidResponse, err)
	}
	return &result, nil
}
