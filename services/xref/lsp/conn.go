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
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/AleutianAI/AleutianXRef/services/xref/uris"
)

// =============================================================================
// LOG MESSAGE OBSERVER
// =============================================================================

// LogMessageHandler observes window/logMessage notifications from a backend.
//
// Each notification is delivered once, in arrival order, on the
// connection's read goroutine. Implementations must not block.
type LogMessageHandler interface {
	HandleLogMessage(root string, params LogMessageParams)
}

// LogMessageFunc adapts a function to LogMessageHandler.
type LogMessageFunc func(root string, params LogMessageParams)

// HandleLogMessage calls f.
func (f LogMessageFunc) HandleLogMessage(root string, params LogMessageParams) {
	f(root, params)
}

// SlogLogHandler forwards backend log messages to logger unmodified.
//
// Description:
//
//	Maps LSP message types to slog levels: Error to Error, Warning to
//	Warn, Info to Info, and Log or anything else to Debug.
func SlogLogHandler(logger *slog.Logger) LogMessageHandler {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "typescript-backend"))
	return LogMessageFunc(func(root string, params LogMessageParams) {
		attrs := []any{slog.String("root", uris.Redact(root))}
		switch params.Type {
		case MessageTypeError:
			logger.Error(params.Message, attrs...)
		case MessageTypeWarning:
			logger.Warn(params.Message, attrs...)
		case MessageTypeInfo:
			logger.Info(params.Message, attrs...)
		default:
			logger.Debug(params.Message, attrs...)
		}
	})
}

// =============================================================================
// DIAL
// =============================================================================

// DialOptions configures a connection to one repository backend.
type DialOptions struct {
	// Endpoint is the backend address (typescript.serverUrl). Required.
	Endpoint string

	// RootURI is the server root of the repository at a revision. It may
	// carry an access token as URL username.
	RootURI string

	// Configuration is sent as initializationOptions.configuration.
	Configuration map[string]interface{}

	// Documents returns the currently open documents in server space.
	// Those under RootURI are replayed with didOpen after initialize.
	Documents func() []TextDocumentItem

	// LogHandler receives window/logMessage notifications. Defaults to
	// SlogLogHandler(slog.Default()).
	LogHandler LogMessageHandler

	// Header is sent with the websocket upgrade request.
	Header http.Header
}

// Conn is an initialized connection to one repository backend.
//
// Description:
//
//	Created by Dial after a successful handshake. The connection stays
//	usable until the transport fails or Close is called, after which
//	Done is closed and every request fails with ErrConnectionClosed.
//
// Thread Safety:
//
//	Safe for concurrent use.
type Conn struct {
	root       string
	protocol   *Protocol
	serverInfo *ServerInfo
	createdAt  time.Time
}

// Dial opens the transport, performs the initialize handshake, and replays
// didOpen for the open documents under the root.
//
// Description:
//
//	This is the per-repository session bootstrap. Failures at any step
//	close the transport and are returned; nothing is left running.
//
// Inputs:
//
//	ctx - Bounds the transport open and the handshake round trip
//	opts - Connection options. Endpoint must be set.
//
// Outputs:
//
//	*Conn - The ready connection
//	error - ErrServerURLNotSet, ErrUnsupportedScheme, ErrTransport, or
//	        ErrInitializeFailed
func Dial(ctx context.Context, opts DialOptions) (*Conn, error) {
	if ctx == nil {
		return nil, fmt.Errorf("ctx must not be nil")
	}
	if strings.TrimSpace(opts.Endpoint) == "" {
		return nil, ErrServerURLNotSet
	}

	stream, err := OpenStream(ctx, opts.Endpoint, opts.Header)
	if err != nil {
		slog.Error("Backend transport error",
			slog.String("endpoint", uris.Redact(opts.Endpoint)),
			slog.String("error", err.Error()),
		)
		return nil, err
	}
	slog.Info("Connection to TypeScript backend opened",
		slog.String("endpoint", uris.Redact(opts.Endpoint)),
	)

	return NewConn(ctx, stream, opts)
}

// NewConn performs the session bootstrap over an already open stream.
//
// Description:
//
//	Starts the read loop, sends initialize and initialized, then replays
//	didOpen. On failure the stream is closed.
func NewConn(ctx context.Context, stream MessageStream, opts DialOptions) (*Conn, error) {
	protocol := NewProtocol(stream)
	c := &Conn{
		root:     opts.RootURI,
		protocol: protocol,
	}

	logHandler := opts.LogHandler
	if logHandler == nil {
		logHandler = SlogLogHandler(nil)
	}
	protocol.OnNotification(MethodLogMessage, func(params json.RawMessage) {
		var p LogMessageParams
		if err := json.Unmarshal(params, &p); err != nil {
			return
		}
		logHandler.HandleLogMessage(opts.RootURI, p)
	})

	go protocol.ReadLoop()

	if err := c.initialize(ctx, opts.Configuration); err != nil {
		recordHandshake(ctx, false)
		protocol.Close(err)
		return nil, fmt.Errorf("%w: %w", ErrInitializeFailed, err)
	}
	recordHandshake(ctx, true)

	// Documents opened after this instant are not in the replay snapshot.
	c.createdAt = time.Now()
	if opts.Documents != nil {
		for _, doc := range opts.Documents() {
			if !strings.HasPrefix(doc.URI, opts.RootURI) || !uris.IsTypeScriptFile(doc.URI) {
				continue
			}
			doc.Version = 1
			if err := c.DidOpen(doc); err != nil {
				protocol.Close(err)
				return nil, fmt.Errorf("%w: replay didOpen: %w", ErrInitializeFailed, err)
			}
		}
	}

	return c, nil
}

// initialize performs the LSP initialize handshake.
func (c *Conn) initialize(ctx context.Context, configuration map[string]interface{}) error {
	params := InitializeParams{
		ProcessID: 0,
		RootURI:   c.root,
		WorkspaceFolders: []WorkspaceFolder{
			{Name: "", URI: c.root},
		},
	}
	if configuration != nil {
		params.InitializationOptions = &InitializationOptions{Configuration: configuration}
	}

	slog.Debug("Initializing TypeScript backend", slog.String("root", uris.Redact(c.root)))

	raw, err := c.protocol.SendRequest(ctx, MethodInitialize, params)
	if err != nil {
		return fmt.Errorf("initialize request: %w", err)
	}

	var result InitializeResult
	if len(raw) > 0 && string(raw) != "null" {
		if err := json.Unmarshal(raw, &result); err != nil {
			return fmt.Errorf("parse initialize result: %w", err)
		}
	}
	c.serverInfo = result.ServerInfo

	if err := c.protocol.SendNotification(MethodInitialized, struct{}{}); err != nil {
		return fmt.Errorf("initialized notification: %w", err)
	}

	slog.Debug("TypeScript backend initialized", slog.String("root", uris.Redact(c.root)))
	return nil
}

// =============================================================================
// ACCESSORS
// =============================================================================

// Root returns the server root URI this connection is scoped to.
func (c *Conn) Root() string {
	return c.root
}

// ServerInfo returns the server's self-description, or nil.
func (c *Conn) ServerInfo() *ServerInfo {
	return c.serverInfo
}

// CreatedAt returns when the connection finished its handshake, taken
// just before the open documents were snapshotted for replay.
func (c *Conn) CreatedAt() time.Time {
	return c.createdAt
}

// Done is closed when the connection closes for any reason.
func (c *Conn) Done() <-chan struct{} {
	return c.protocol.Done()
}

// Err returns the transport error that closed the connection, if any.
func (c *Conn) Err() error {
	return c.protocol.Err()
}

// Closed reports whether the connection has closed.
func (c *Conn) Closed() bool {
	select {
	case <-c.Done():
		return true
	default:
		return false
	}
}

// Close closes the connection. Safe to call multiple times.
func (c *Conn) Close() error {
	c.protocol.Close(nil)
	return nil
}

// DidOpen tells the backend a document was opened.
func (c *Conn) DidOpen(doc TextDocumentItem) error {
	return c.protocol.SendNotification(MethodDidOpen, DidOpenTextDocumentParams{TextDocument: doc})
}
