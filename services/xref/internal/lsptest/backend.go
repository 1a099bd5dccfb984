// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package lsptest provides a fake websocket TypeScript backend for tests.
package lsptest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/AleutianAI/AleutianXRef/services/xref/lsp"
)

// Handler answers one request on a connection initialized with root. A
// nil error response sends result.
type Handler func(root, method string, params json.RawMessage) (interface{}, *lsp.ResponseError)

// Notification is a client notification received by the backend.
type Notification struct {
	Root   string
	Method string
	Params json.RawMessage
}

type message struct {
	ID     json.RawMessage `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Meta   json.RawMessage `json:"meta,omitempty"`
}

// Backend is a websocket JSON-RPC server speaking enough LSP for tests.
//
// Every connection must start with initialize. The initialize params are
// recorded, then requests are answered by the Handler.
type Backend struct {
	// URL is the ws:// endpoint.
	URL string

	// InitDelay delays every initialize response.
	InitDelay time.Duration

	// FailInitialize answers initialize with an error.
	FailInitialize bool

	// OnInitialized is called after the initialize response is written,
	// with a function that sends a notification on that connection.
	OnInitialized func(root string, notify func(method string, params interface{}))

	server   *httptest.Server
	upgrader websocket.Upgrader
	handler  Handler

	mu            sync.Mutex
	inits         []lsp.InitializeParams
	notifications []Notification
	requests      []string
	metas         []json.RawMessage
	conns         map[*websocket.Conn]struct{}
}

// NewBackend starts a backend that answers requests with handler. The
// server is closed when the test ends.
func NewBackend(t testing.TB, handler Handler) *Backend {
	t.Helper()
	b := &Backend{
		handler: handler,
		conns:   make(map[*websocket.Conn]struct{}),
	}
	b.server = httptest.NewServer(http.HandlerFunc(b.serve))
	b.URL = "ws" + strings.TrimPrefix(b.server.URL, "http")
	t.Cleanup(b.Close)
	return b
}

// Handshakes returns the number of initialize requests received.
func (b *Backend) Handshakes() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.inits)
}

// Inits returns the initialize params received, in order.
func (b *Backend) Inits() []lsp.InitializeParams {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]lsp.InitializeParams(nil), b.inits...)
}

// Notifications returns the client notifications received, in order.
func (b *Backend) Notifications() []Notification {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Notification(nil), b.notifications...)
}

// Requests returns the request methods received after initialize.
func (b *Backend) Requests() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.requests...)
}

// Metas returns the meta fields of every request, in order.
func (b *Backend) Metas() []json.RawMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]json.RawMessage(nil), b.metas...)
}

// DropConnections closes every open connection from the server side.
func (b *Backend) DropConnections() {
	b.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(b.conns))
	for c := range b.conns {
		conns = append(conns, c)
	}
	b.mu.Unlock()
	for _, c := range conns {
		_ = c.Close()
	}
}

// Close drops every connection and stops the server.
func (b *Backend) Close() {
	b.DropConnections()
	b.server.Close()
}

func (b *Backend) serve(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	b.mu.Lock()
	b.conns[conn] = struct{}{}
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.conns, conn)
		b.mu.Unlock()
		_ = conn.Close()
	}()

	var writeMu sync.Mutex
	write := func(v interface{}) {
		data, err := json.Marshal(v)
		if err != nil {
			return
		}
		writeMu.Lock()
		defer writeMu.Unlock()
		_ = conn.WriteMessage(websocket.TextMessage, data)
	}
	notify := func(method string, params interface{}) {
		write(lsp.Notification{JSONRPC: lsp.JSONRPCVersion, Method: method, Params: params})
	}

	var root string
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var msg message
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}

		if len(msg.ID) == 0 {
			b.mu.Lock()
			b.notifications = append(b.notifications, Notification{Root: root, Method: msg.Method, Params: msg.Params})
			b.mu.Unlock()
			continue
		}

		if msg.Method == lsp.MethodInitialize {
			var params lsp.InitializeParams
			_ = json.Unmarshal(msg.Params, &params)
			root = params.RootURI
			b.mu.Lock()
			b.inits = append(b.inits, params)
			b.mu.Unlock()

			if b.InitDelay > 0 {
				time.Sleep(b.InitDelay)
			}
			if b.FailInitialize {
				write(lsp.Response{
					JSONRPC: lsp.JSONRPCVersion,
					ID:      msg.ID,
					Error:   &lsp.ResponseError{Code: -32603, Message: "initialize refused"},
				})
				continue
			}
			write(map[string]interface{}{
				"jsonrpc": lsp.JSONRPCVersion,
				"id":      msg.ID,
				"result": map[string]interface{}{
					"capabilities": map[string]interface{}{},
					"serverInfo":   map[string]interface{}{"name": "fake-typescript", "version": "0.0.1"},
				},
			})
			if b.OnInitialized != nil {
				b.OnInitialized(root, notify)
			}
			continue
		}

		b.mu.Lock()
		b.requests = append(b.requests, msg.Method)
		b.metas = append(b.metas, msg.Meta)
		b.mu.Unlock()

		// Requests are answered concurrently so a slow handler does not
		// block the connection.
		go func(msg message, root string) {
			var (
				result interface{}
				rerr   *lsp.ResponseError
			)
			if b.handler != nil {
				result, rerr = b.handler(root, msg.Method, msg.Params)
			} else {
				rerr = &lsp.ResponseError{Code: lsp.CodeMethodNotFound, Message: "no handler"}
			}
			if rerr != nil {
				write(lsp.Response{JSONRPC: lsp.JSONRPCVersion, ID: msg.ID, Error: rerr})
				return
			}
			raw, err := json.Marshal(result)
			if err != nil {
				return
			}
			write(lsp.Response{JSONRPC: lsp.JSONRPCVersion, ID: msg.ID, Result: raw})
		}(msg, root)
	}
}

// Locations returns a handler result listing one location per uri.
func Locations(uris ...string) []lsp.Location {
	out := make([]lsp.Location, len(uris))
	for i, u := range uris {
		out[i] = lsp.Location{URI: u}
	}
	return out
}
