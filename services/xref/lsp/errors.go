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
	"errors"
	"fmt"
)

// Dial and connection failures. Service handlers map these to HTTP status
// codes, so wrap them with %w.
var (
	// ErrServerURLNotSet is returned by Dial when typescript.serverUrl is
	// empty. It is only ever surfaced at dial time.
	ErrServerURLNotSet = errors.New("setting typescript.serverUrl must be set to the WebSocket endpoint of the TypeScript language service")

	ErrUnsupportedScheme = errors.New("unsupported backend endpoint scheme")
	ErrTransport         = errors.New("backend transport could not be opened")
	ErrInitializeFailed  = errors.New("lsp initialize failed")

	// ErrConnectionClosed fails every request pending on, or sent to, a
	// connection whose transport has gone away.
	ErrConnectionClosed = errors.New("lsp connection closed")

	// ErrRequestTimeout wraps the context error of a request the caller
	// stopped waiting for.
	ErrRequestTimeout = errors.New("lsp request timeout")

	ErrInvalidResponse = errors.New("invalid lsp response")

	// ErrMessageTooLarge is returned by a transport when a backend frame
	// exceeds MaxMessageSize. The connection is unusable afterwards.
	ErrMessageTooLarge = errors.New("lsp message exceeds maximum size")
)

// JSON-RPC codes this client produces or inspects.
const (
	CodeMethodNotFound   = -32601
	CodeRequestCancelled = -32800
)

// LSPError is a JSON-RPC error response from a repository backend.
type LSPError struct {
	Code    int
	Message string
	Data    interface{}
}

func (e *LSPError) Error() string {
	if e.Data == nil {
		return fmt.Sprintf("backend error %d: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("backend error %d: %s (%v)", e.Code, e.Message, e.Data)
}

// IsRequestCancelled reports whether the backend answered with
// RequestCancelled, which it does after a $/cancelRequest.
func (e *LSPError) IsRequestCancelled() bool {
	return e.Code == CodeRequestCancelled
}
