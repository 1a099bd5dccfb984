// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package lsp_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/AleutianAI/AleutianXRef/services/xref/internal/lsptest"
	"github.com/AleutianAI/AleutianXRef/services/xref/lsp"
)

const testRoot = "https://sourcegraph.test/github.com/a/b@c0ffee/-/raw/"

func dial(t *testing.T, b *lsptest.Backend, opts lsp.DialOptions) *lsp.Conn {
	t.Helper()
	opts.Endpoint = b.URL
	if opts.RootURI == "" {
		opts.RootURI = testRoot
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := lsp.Dial(ctx, opts)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestDial_ServerURLNotSet(t *testing.T) {
	for _, endpoint := range []string{"", "   "} {
		_, err := lsp.Dial(context.Background(), lsp.DialOptions{Endpoint: endpoint, RootURI: testRoot})
		if !errors.Is(err, lsp.ErrServerURLNotSet) {
			t.Errorf("endpoint %q: got %v, want ErrServerURLNotSet", endpoint, err)
		}
	}
}

func TestDial_TransportFailure(t *testing.T) {
	b := lsptest.NewBackend(t, nil)
	url := b.URL
	b.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := lsp.Dial(ctx, lsp.DialOptions{Endpoint: url, RootURI: testRoot})
	if !errors.Is(err, lsp.ErrTransport) {
		t.Errorf("got %v, want ErrTransport", err)
	}
}

func TestDial_InitializeFailure(t *testing.T) {
	b := lsptest.NewBackend(t, nil)
	b.FailInitialize = true

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := lsp.Dial(ctx, lsp.DialOptions{Endpoint: b.URL, RootURI: testRoot})
	if !errors.Is(err, lsp.ErrInitializeFailed) {
		t.Errorf("got %v, want ErrInitializeFailed", err)
	}
}

func TestDial_Handshake(t *testing.T) {
	b := lsptest.NewBackend(t, nil)

	conn := dial(t, b, lsp.DialOptions{
		Configuration: map[string]interface{}{
			"sourcegraph.url":      "https://sourcegraph.test",
			"typescript.serverUrl": b.URL,
			"typescript.progress":  true,
		},
	})

	inits := b.Inits()
	if len(inits) != 1 {
		t.Fatalf("handshakes = %d, want 1", len(inits))
	}
	params := inits[0]
	if params.ProcessID != 0 {
		t.Errorf("processId = %d, want 0", params.ProcessID)
	}
	if params.RootURI != testRoot {
		t.Errorf("rootUri = %q", params.RootURI)
	}
	if len(params.WorkspaceFolders) != 1 || params.WorkspaceFolders[0].URI != testRoot || params.WorkspaceFolders[0].Name != "" {
		t.Errorf("workspaceFolders = %+v", params.WorkspaceFolders)
	}
	if params.InitializationOptions == nil {
		t.Fatal("initializationOptions missing")
	}
	if got := params.InitializationOptions.Configuration["sourcegraph.url"]; got != "https://sourcegraph.test" {
		t.Errorf("configuration sourcegraph.url = %v", got)
	}

	waitFor(t, func() bool {
		for _, n := range b.Notifications() {
			if n.Method == lsp.MethodInitialized {
				return true
			}
		}
		return false
	})

	if info := conn.ServerInfo(); info == nil || info.Name != "fake-typescript" {
		t.Errorf("ServerInfo = %+v", info)
	}
	if conn.Root() != testRoot {
		t.Errorf("Root = %q", conn.Root())
	}
}

func TestDial_ReplaysDidOpenUnderRoot(t *testing.T) {
	b := lsptest.NewBackend(t, nil)

	docs := []lsp.TextDocumentItem{
		{URI: testRoot + "src/a.ts", LanguageID: "typescript", Version: 9, Text: "export const a = 1"},
		{URI: "https://sourcegraph.test/github.com/other/repo@c0ffee/-/raw/x.ts", LanguageID: "typescript", Text: "x"},
		{URI: testRoot + "src/b.tsx", LanguageID: "typescript", Text: "b"},
	}
	dial(t, b, lsp.DialOptions{Documents: func() []lsp.TextDocumentItem { return docs }})

	var opened []lsp.DidOpenTextDocumentParams
	waitFor(t, func() bool {
		opened = opened[:0]
		for _, n := range b.Notifications() {
			if n.Method != lsp.MethodDidOpen {
				continue
			}
			var p lsp.DidOpenTextDocumentParams
			_ = json.Unmarshal(n.Params, &p)
			opened = append(opened, p)
		}
		return len(opened) == 2
	})

	if opened[0].TextDocument.URI != docs[0].URI || opened[1].TextDocument.URI != docs[2].URI {
		t.Errorf("opened = %+v", opened)
	}
	for _, p := range opened {
		if p.TextDocument.Version != 1 {
			t.Errorf("version = %d, want 1", p.TextDocument.Version)
		}
	}
}

func TestDial_CreatedAtFollowsHandshake(t *testing.T) {
	const delay = 50 * time.Millisecond
	b := lsptest.NewBackend(t, nil)
	b.InitDelay = delay

	var snapshot time.Time
	start := time.Now()
	conn := dial(t, b, lsp.DialOptions{Documents: func() []lsp.TextDocumentItem {
		snapshot = time.Now()
		return nil
	}})

	// A document opened while initialize was in flight is part of the
	// replay snapshot, so it must predate CreatedAt.
	if conn.CreatedAt().Before(start.Add(delay)) {
		t.Errorf("CreatedAt %v is before the handshake finished (>= %v)", conn.CreatedAt(), start.Add(delay))
	}
	if snapshot.IsZero() {
		t.Fatal("Documents was not called")
	}
	if conn.CreatedAt().After(snapshot) {
		t.Errorf("CreatedAt %v is after the replay snapshot %v", conn.CreatedAt(), snapshot)
	}
}

func TestConn_LogMessages(t *testing.T) {
	b := lsptest.NewBackend(t, nil)
	b.OnInitialized = func(root string, notify func(string, interface{})) {
		for i, typ := range []lsp.MessageType{lsp.MessageTypeError, lsp.MessageTypeWarning, lsp.MessageTypeInfo, lsp.MessageTypeLog} {
			notify(lsp.MethodLogMessage, lsp.LogMessageParams{Type: typ, Message: "msg" + string(rune('0'+i))})
		}
	}

	var (
		mu   sync.Mutex
		seen []lsp.LogMessageParams
	)
	dial(t, b, lsp.DialOptions{
		LogHandler: lsp.LogMessageFunc(func(root string, p lsp.LogMessageParams) {
			mu.Lock()
			defer mu.Unlock()
			seen = append(seen, p)
		}),
	})

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 4
	})

	mu.Lock()
	defer mu.Unlock()
	for i, p := range seen {
		if p.Message != "msg"+string(rune('0'+i)) {
			t.Errorf("message %d = %q, out of order", i, p.Message)
		}
	}
}

func TestSlogLogHandler_Levels(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	h := lsp.SlogLogHandler(logger)

	h.HandleLogMessage("https://secret-token@sourcegraph.test/r@c/-/raw/", lsp.LogMessageParams{Type: lsp.MessageTypeError, Message: "e"})
	h.HandleLogMessage(testRoot, lsp.LogMessageParams{Type: lsp.MessageTypeWarning, Message: "w"})
	h.HandleLogMessage(testRoot, lsp.LogMessageParams{Type: lsp.MessageTypeInfo, Message: "i"})
	h.HandleLogMessage(testRoot, lsp.LogMessageParams{Type: lsp.MessageTypeLog, Message: "l"})
	h.HandleLogMessage(testRoot, lsp.LogMessageParams{Type: 42, Message: "other"})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 5 {
		t.Fatalf("got %d lines: %s", len(lines), buf.String())
	}
	wantLevels := []string{"ERROR", "WARN", "INFO", "DEBUG", "DEBUG"}
	for i, line := range lines {
		var rec map[string]interface{}
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			t.Fatalf("line %d: %v", i, err)
		}
		if rec["level"] != wantLevels[i] {
			t.Errorf("line %d level = %v, want %s", i, rec["level"], wantLevels[i])
		}
		if rec["component"] != "typescript-backend" {
			t.Errorf("line %d component = %v", i, rec["component"])
		}
	}
	if strings.Contains(buf.String(), "secret-token") {
		t.Error("token leaked into log output")
	}
}

func TestConn_Operations(t *testing.T) {
	var (
		mu        sync.Mutex
		refParams lsp.ReferenceParams
	)
	b := lsptest.NewBackend(t, func(root, method string, params json.RawMessage) (interface{}, *lsp.ResponseError) {
		switch method {
		case lsp.MethodReferences:
			mu.Lock()
			_ = json.Unmarshal(params, &refParams)
			mu.Unlock()
			return lsptest.Locations(root+"x.ts", root+"y.ts"), nil
		case lsp.MethodDefinition:
			return []lsp.LocationLink{{TargetURI: root + "def.ts", TargetSelectionRange: lsp.Range{Start: lsp.Position{Line: 4, Character: 2}}}}, nil
		case lsp.MethodImplementation:
			return nil, nil
		case lsp.MethodHover:
			return map[string]interface{}{"contents": []interface{}{"first", map[string]string{"language": "ts", "value": "const a: number"}}}, nil
		}
		return nil, &lsp.ResponseError{Code: lsp.CodeMethodNotFound, Message: method}
	})
	conn := dial(t, b, lsp.DialOptions{})
	ctx := context.Background()
	doc := testRoot + "src/a.ts"
	pos := lsp.Position{Line: 1, Character: 5}

	t.Run("references excludes declaration", func(t *testing.T) {
		locs, err := conn.References(ctx, doc, pos, false)
		if err != nil {
			t.Fatalf("References: %v", err)
		}
		if len(locs) != 2 {
			t.Fatalf("got %d locations", len(locs))
		}
		mu.Lock()
		defer mu.Unlock()
		if refParams.Context.IncludeDeclaration {
			t.Error("includeDeclaration = true")
		}
		if refParams.Position != pos || refParams.TextDocument.URI != doc {
			t.Errorf("params = %+v", refParams)
		}
	})

	t.Run("definition link", func(t *testing.T) {
		locs, err := conn.Definition(ctx, doc, pos)
		if err != nil {
			t.Fatalf("Definition: %v", err)
		}
		if len(locs) != 1 || locs[0].URI != testRoot+"def.ts" || locs[0].Range.Start.Line != 4 {
			t.Errorf("got %+v", locs)
		}
	})

	t.Run("implementation null", func(t *testing.T) {
		locs, err := conn.Implementation(ctx, doc, pos)
		if err != nil {
			t.Fatalf("Implementation: %v", err)
		}
		if len(locs) != 0 {
			t.Errorf("got %+v", locs)
		}
	})

	t.Run("hover", func(t *testing.T) {
		h, err := conn.Hover(ctx, doc, pos)
		if err != nil {
			t.Fatalf("Hover: %v", err)
		}
		if h == nil {
			t.Fatal("nil hover")
		}
		want := "first\n\n---\n\n```ts\nconst a: number\n```"
		if h.Contents.Value != want {
			t.Errorf("hover = %q, want %q", h.Contents.Value, want)
		}
	})
}

func TestConn_ServerDropFailsRequests(t *testing.T) {
	release := make(chan struct{})
	b := lsptest.NewBackend(t, func(root, method string, params json.RawMessage) (interface{}, *lsp.ResponseError) {
		<-release
		return nil, nil
	})
	defer close(release)
	conn := dial(t, b, lsp.DialOptions{})

	errCh := make(chan error, 1)
	go func() {
		_, err := conn.References(context.Background(), testRoot+"a.ts", lsp.Position{}, false)
		errCh <- err
	}()

	waitFor(t, func() bool { return len(b.Requests()) == 1 })
	b.DropConnections()

	select {
	case err := <-errCh:
		if !errors.Is(err, lsp.ErrConnectionClosed) {
			t.Errorf("got %v, want ErrConnectionClosed", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("request not failed after drop")
	}

	select {
	case <-conn.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("Done not closed")
	}
	if !conn.Closed() {
		t.Error("Closed() = false")
	}
}
