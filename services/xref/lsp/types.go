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
	"encoding/json"
	"strings"
)

// LSP method names used by the bridge.
const (
	MethodInitialize     = "initialize"
	MethodInitialized    = "initialized"
	MethodHover          = "textDocument/hover"
	MethodDefinition     = "textDocument/definition"
	MethodReferences     = "textDocument/references"
	MethodImplementation = "textDocument/implementation"
	MethodDidOpen        = "textDocument/didOpen"
	MethodLogMessage     = "window/logMessage"
)

// =============================================================================
// POSITION & RANGE TYPES
// =============================================================================

// Position represents a position in a text document.
// Line and character are 0-indexed per LSP specification.
type Position struct {
	// Line is the 0-indexed line number.
	Line int `json:"line"`

	// Character is the 0-indexed character offset within the line.
	Character int `json:"character"`
}

// Range represents a range in a text document.
type Range struct {
	// Start is the inclusive start position.
	Start Position `json:"start"`

	// End is the exclusive end position.
	End Position `json:"end"`
}

// Location represents a location in a document.
type Location struct {
	// URI is the document URI. Server-space on the wire, host-space once rewritten.
	URI string `json:"uri"`

	// Range is the range within the document.
	Range Range `json:"range"`
}

// LocationLink represents a link between a source and target location.
type LocationLink struct {
	// OriginSelectionRange is the span in the source that was used.
	OriginSelectionRange *Range `json:"originSelectionRange,omitempty"`

	// TargetURI is the target document URI.
	TargetURI string `json:"targetUri"`

	// TargetRange is the full range of the target (for highlighting).
	TargetRange Range `json:"targetRange"`

	// TargetSelectionRange is the precise range to reveal.
	TargetSelectionRange Range `json:"targetSelectionRange"`
}

// =============================================================================
// DOCUMENT IDENTIFIERS
// =============================================================================

// TextDocumentIdentifier identifies a text document by URI.
type TextDocumentIdentifier struct {
	URI string `json:"uri"`
}

// TextDocumentItem represents a text document with its content.
type TextDocumentItem struct {
	// URI is the document's URI.
	URI string `json:"uri"`

	// LanguageID is the language identifier (e.g., "typescript").
	LanguageID string `json:"languageId"`

	// Version is the version number of this document.
	Version int `json:"version"`

	// Text is the content of the document.
	Text string `json:"text"`
}

// =============================================================================
// REQUEST PARAMETER TYPES
// =============================================================================

// TextDocumentPositionParams identifies a position in a text document.
type TextDocumentPositionParams struct {
	TextDocument TextDocumentIdentifier `json:"textDocument"`
	Position     Position               `json:"position"`
}

// ReferenceParams extends TextDocumentPositionParams for find references.
type ReferenceParams struct {
	TextDocumentPositionParams

	// Context contains additional context for the request.
	Context ReferenceContext `json:"context"`
}

// ReferenceContext contains options for find references requests.
type ReferenceContext struct {
	// IncludeDeclaration indicates whether to include the declaration.
	IncludeDeclaration bool `json:"includeDeclaration"`
}

// DidOpenTextDocumentParams contains params for textDocument/didOpen.
type DidOpenTextDocumentParams struct {
	TextDocument TextDocumentItem `json:"textDocument"`
}

// =============================================================================
// HOVER
// =============================================================================

// MarkupContent represents documentation content.
type MarkupContent struct {
	// Kind is the type of markup: "plaintext" or "markdown".
	Kind string `json:"kind"`

	// Value is the actual content.
	Value string `json:"value"`
}

// Hover contains hover information normalized to a single MarkupContent.
type Hover struct {
	Contents MarkupContent `json:"contents"`
	Range    *Range        `json:"range,omitempty"`
}

// UnmarshalJSON accepts MarkupContent, a MarkedString, a plain string, or
// an array of those, and folds them into markdown.
func (h *Hover) UnmarshalJSON(data []byte) error {
	var raw struct {
		Contents json.RawMessage `json:"contents"`
		Range    *Range          `json:"range,omitempty"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	h.Range = raw.Range
	content, err := parseHoverContents(raw.Contents)
	if err != nil {
		return err
	}
	h.Contents = content
	return nil
}

func parseHoverContents(data json.RawMessage) (MarkupContent, error) {
	if len(data) == 0 || string(data) == "null" {
		return MarkupContent{Kind: "markdown"}, nil
	}
	switch data[0] {
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return MarkupContent{}, err
		}
		return MarkupContent{Kind: "markdown", Value: s}, nil
	case '[':
		var items []json.RawMessage
		if err := json.Unmarshal(data, &items); err != nil {
			return MarkupContent{}, err
		}
		parts := make([]string, 0, len(items))
		for _, item := range items {
			part, err := parseHoverContents(item)
			if err != nil {
				return MarkupContent{}, err
			}
			if part.Value != "" {
				parts = append(parts, part.Value)
			}
		}
		return MarkupContent{Kind: "markdown", Value: strings.Join(parts, "\n\n---\n\n")}, nil
	}

	var probe struct {
		Kind     string `json:"kind"`
		Language string `json:"language"`
		Value    string `json:"value"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return MarkupContent{}, err
	}
	if probe.Kind != "" {
		return MarkupContent{Kind: probe.Kind, Value: probe.Value}, nil
	}
	// Legacy MarkedString {language, value}.
	return MarkupContent{Kind: "markdown", Value: "```" + probe.Language + "\n" + probe.Value + "\n```"}, nil
}

// =============================================================================
// INITIALIZE TYPES
// =============================================================================

// InitializeParams contains initialization parameters.
type InitializeParams struct {
	// ProcessID is always 0: the backend is remote and must not watch us.
	ProcessID int `json:"processId"`

	// RootURI is the server root URI of the repository at a revision.
	RootURI string `json:"rootUri"`

	// Capabilities is sent empty.
	Capabilities struct{} `json:"capabilities"`

	// InitializationOptions carries the host configuration.
	InitializationOptions *InitializationOptions `json:"initializationOptions,omitempty"`

	// WorkspaceFolders has one unnamed folder at RootURI.
	WorkspaceFolders []WorkspaceFolder `json:"workspaceFolders"`
}

// InitializationOptions passes host configuration to the backend until
// workspace/configuration is allowed during initialize.
type InitializationOptions struct {
	Configuration map[string]interface{} `json:"configuration"`
}

// WorkspaceFolder represents a workspace folder.
type WorkspaceFolder struct {
	URI  string `json:"uri"`
	Name string `json:"name"`
}

// InitializeResult contains the server's response to initialize.
type InitializeResult struct {
	Capabilities json.RawMessage `json:"capabilities"`
	ServerInfo   *ServerInfo     `json:"serverInfo,omitempty"`
}

// ServerInfo describes the server.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
}

// =============================================================================
// WINDOW NOTIFICATIONS
// =============================================================================

// MessageType is the severity of a window/logMessage notification.
type MessageType int

// Message types as defined by the LSP specification.
const (
	MessageTypeError   MessageType = 1
	MessageTypeWarning MessageType = 2
	MessageTypeInfo    MessageType = 3
	MessageTypeLog     MessageType = 4
)

// LogMessageParams contains params for window/logMessage.
type LogMessageParams struct {
	Type    MessageType `json:"type"`
	Message string      `json:"message"`
}
