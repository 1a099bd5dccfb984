// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package lsp is a thin JSON-RPC client for remote TypeScript language
// backends.
//
// A Conn is scoped to one repository at one revision (its root URI). Dial
// opens the transport, performs the initialize handshake with the host
// configuration, and replays didOpen for the open documents under the
// root. The connection then serves hover, definition, references, and
// implementation requests until the transport closes.
//
// Transports:
//
//	ws:// wss://  one JSON-RPC message per websocket text frame
//	tcp://        LSP base protocol with Content-Length headers
//
// Backend window/logMessage notifications are forwarded to a
// LogMessageHandler, by default the process slog logger.
package lsp
