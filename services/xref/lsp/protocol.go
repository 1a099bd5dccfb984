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
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/AleutianAI/AleutianXRef/services/xref/telemetry"
)

// JSONRPCVersion is the JSON-RPC version used by LSP.
const JSONRPCVersion = "2.0"

// =============================================================================
// JSON-RPC MESSAGE TYPES
// =============================================================================

// Request represents a JSON-RPC request.
type Request struct {
	// JSONRPC is the protocol version, always "2.0".
	JSONRPC string `json:"jsonrpc"`

	// ID is the request identifier.
	ID int64 `json:"id"`

	// Method is the method to invoke.
	Method string `json:"method"`

	// Params contains the method parameters.
	Params interface{} `json:"params,omitempty"`

	// Meta carries W3C trace context for the backend.
	Meta map[string]string `json:"meta,omitempty"`
}

// Response represents a JSON-RPC response.
type Response struct {
	// JSONRPC is the protocol version, always "2.0".
	JSONRPC string `json:"jsonrpc"`

	// ID is the request identifier this response corresponds to.
	ID json.RawMessage `json:"id"`

	// Result contains the method result (mutually exclusive with Error).
	Result json.RawMessage `json:"result,omitempty"`

	// Error contains error information (mutually exclusive with Result).
	Error *ResponseError `json:"error,omitempty"`
}

// ResponseError represents a JSON-RPC error.
type ResponseError struct {
	// Code is the error code.
	Code int `json:"code"`

	// Message is a short description of the error.
	Message string `json:"message"`

	// Data contains additional error information.
	Data interface{} `json:"data,omitempty"`
}

// Notification represents a JSON-RPC notification (no ID, no response).
type Notification struct {
	// JSONRPC is the protocol version, always "2.0".
	JSONRPC string `json:"jsonrpc"`

	// Method is the method to invoke.
	Method string `json:"method"`

	// Params contains the method parameters.
	Params interface{} `json:"params,omitempty"`
}

// incoming is the union of every message shape the server may send.
type incoming struct {
	ID     json.RawMessage `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *ResponseError  `json:"error,omitempty"`
}

// cancelParams are the params of $/cancelRequest.
type cancelParams struct {
	ID int64 `json:"id"`
}

// NotificationHandler receives the raw params of a server notification.
// Handlers run on the read loop goroutine, in arrival order.
type NotificationHandler func(params json.RawMessage)

// =============================================================================
// PROTOCOL HANDLER
// =============================================================================

// Protocol handles JSON-RPC communication over a MessageStream.
//
// Description:
//
//	Manages request/response correlation, dispatches server notifications
//	to registered handlers, and answers server-initiated requests with
//	MethodNotFound.
//
// Thread Safety:
//
//	Safe for concurrent use. Multiple goroutines can send requests
//	and notifications simultaneously.
type Protocol struct {
	stream MessageStream
	nextID int64

	pending   map[int64]chan *incoming
	pendingMu sync.Mutex

	handlers   map[string]NotificationHandler
	handlersMu sync.RWMutex

	closed    int32 // atomic: 1 if closed
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// NewProtocol creates a new protocol handler over the stream.
//
// Outputs:
//
//	*Protocol - The protocol handler. Call ReadLoop in a goroutine.
func NewProtocol(stream MessageStream) *Protocol {
	return &Protocol{
		stream:   stream,
		pending:  make(map[int64]chan *incoming),
		handlers: make(map[string]NotificationHandler),
		done:     make(chan struct{}),
	}
}

// OnNotification registers the handler for a notification method,
// replacing any previous one.
func (p *Protocol) OnNotification(method string, handler NotificationHandler) {
	p.handlersMu.Lock()
	defer p.handlersMu.Unlock()
	p.handlers[method] = handler
}

// SendRequest sends a request and waits for the response.
//
// Description:
//
//	Sends a JSON-RPC request and blocks until a response arrives, the
//	connection closes, or ctx is done. On ctx cancellation a
//	$/cancelRequest notification is sent so the backend can stop work.
//
// Inputs:
//
//	ctx - Context for cancellation and timeout
//	method - The LSP method to invoke (e.g., "textDocument/references")
//	params - Method parameters (will be JSON-marshaled)
//
// Outputs:
//
//	json.RawMessage - The result payload (may be "null")
//	error - *LSPError for error responses, ErrConnectionClosed, or a
//	        wrapped ctx error
//
// Thread Safety:
//
//	Safe for concurrent use.
func (p *Protocol) SendRequest(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	if ctx == nil {
		return nil, fmt.Errorf("ctx must not be nil")
	}
	if atomic.LoadInt32(&p.closed) == 1 {
		return nil, p.closedError()
	}

	id := atomic.AddInt64(&p.nextID, 1)
	req := Request{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Method:  method,
		Params:  params,
	}
	if meta := telemetry.InjectToMap(ctx, nil); len(meta) > 0 {
		req.Meta = meta
	}

	respCh := make(chan *incoming, 1)
	p.pendingMu.Lock()
	p.pending[id] = respCh
	p.pendingMu.Unlock()

	defer func() {
		p.pendingMu.Lock()
		delete(p.pending, id)
		p.pendingMu.Unlock()
	}()

	if err := p.write(req); err != nil {
		return nil, fmt.Errorf("write request: %w", err)
	}

	select {
	case <-ctx.Done():
		_ = p.SendNotification("$/cancelRequest", cancelParams{ID: id})
		return nil, fmt.Errorf("%w: %s: %w", ErrRequestTimeout, method, ctx.Err())
	case <-p.done:
		return nil, p.closedError()
	case resp := <-respCh:
		if resp.Error != nil {
			return nil, &LSPError{
				Code:    resp.Error.Code,
				Message: resp.Error.Message,
				Data:    resp.Error.Data,
			}
		}
		return resp.Result, nil
	}
}

// SendNotification sends a notification (no response expected).
//
// Thread Safety:
//
//	Safe for concurrent use.
func (p *Protocol) SendNotification(method string, params interface{}) error {
	if atomic.LoadInt32(&p.closed) == 1 {
		return p.closedError()
	}
	return p.write(Notification{
		JSONRPC: JSONRPCVersion,
		Method:  method,
		Params:  params,
	})
}

func (p *Protocol) write(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	return p.stream.WriteMessage(data)
}

// ReadLoop reads messages and dispatches them until the stream fails.
//
// Description:
//
//	Responses are matched to pending requests. Notifications go to the
//	registered handler for their method. When reading fails the protocol
//	is closed with the read error, failing every pending request.
//
// Thread Safety:
//
//	Must be called from a single goroutine.
func (p *Protocol) ReadLoop() {
	for {
		data, err := p.stream.ReadMessage()
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = nil
			}
			p.Close(err)
			return
		}
		p.handleMessage(data)
	}
}

// handleMessage dispatches a received message.
func (p *Protocol) handleMessage(data []byte) {
	var msg incoming
	if err := json.Unmarshal(data, &msg); err != nil {
		slog.Warn("Discarding malformed LSP message", slog.String("error", err.Error()))
		return
	}

	hasID := len(msg.ID) > 0 && string(msg.ID) != "null"

	switch {
	case msg.Method == "" && hasID:
		var id int64
		if err := json.Unmarshal(msg.ID, &id); err != nil {
			return
		}
		p.pendingMu.Lock()
		ch, ok := p.pending[id]
		p.pendingMu.Unlock()
		if ok {
			// Non-blocking send in case the waiter already left
			select {
			case ch <- &msg:
			default:
			}
		}

	case msg.Method != "" && hasID:
		// Server-to-client requests are not supported by this client.
		_ = p.write(Response{
			JSONRPC: JSONRPCVersion,
			ID:      msg.ID,
			Error: &ResponseError{
				Code:    CodeMethodNotFound,
				Message: "unhandled method " + msg.Method,
			},
		})

	case msg.Method != "":
		p.handlersMu.RLock()
		handler := p.handlers[msg.Method]
		p.handlersMu.RUnlock()
		if handler != nil {
			handler(msg.Params)
		}
	}
}

// Close closes the protocol and the underlying stream.
//
// Description:
//
//	Marks the protocol closed, wakes every pending request with
//	ErrConnectionClosed, and closes the stream. Only the first call has
//	effect; cause is recorded as the close reason when non-nil.
//
// Thread Safety:
//
//	Safe for concurrent use.
func (p *Protocol) Close(cause error) {
	p.closeOnce.Do(func() {
		p.closeErr = cause
		atomic.StoreInt32(&p.closed, 1)
		close(p.done)
		_ = p.stream.Close()
	})
}

// Done is closed when the protocol closes.
func (p *Protocol) Done() <-chan struct{} {
	return p.done
}

// Err returns the close reason, or nil if closed cleanly or still open.
func (p *Protocol) Err() error {
	select {
	case <-p.done:
		return p.closeErr
	default:
		return nil
	}
}

func (p *Protocol) closedError() error {
	if err := p.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrConnectionClosed, err)
	}
	return ErrConnectionClosed
}
