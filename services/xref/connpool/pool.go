// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package connpool caches one backend connection per server root.
package connpool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/AleutianAI/AleutianXRef/services/xref/lsp"
	"github.com/AleutianAI/AleutianXRef/services/xref/uris"
)

// ErrPoolClosed indicates the pool has been closed.
var ErrPoolClosed = errors.New("connection pool closed")

// DefaultConnectTimeout bounds transport open plus handshake.
const DefaultConnectTimeout = 30 * time.Second

// Dialer establishes a ready connection for a server root.
type Dialer func(ctx context.Context, root string) (*lsp.Conn, error)

// Config configures a Pool.
type Config struct {
	// ConnectTimeout bounds a single dial. Zero selects DefaultConnectTimeout.
	ConnectTimeout time.Duration
}

// Pool maps server roots to live connections.
//
// Description:
//
//	Get returns the cached connection for a root or establishes one. At
//	most one dial per root is in progress at any time; concurrent callers
//	for the same root share its outcome. Failed dials are not cached.
//	When a connection closes it is evicted, so the next Get dials again.
//
// Thread Safety:
//
//	Safe for concurrent use.
type Pool struct {
	dial           Dialer
	connectTimeout time.Duration

	mu     sync.Mutex
	conns  map[string]*lsp.Conn
	closed bool

	flight singleflight.Group
}

// New creates an empty pool.
func New(dial Dialer, cfg Config) *Pool {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	return &Pool{
		dial:           dial,
		connectTimeout: cfg.ConnectTimeout,
		conns:          make(map[string]*lsp.Conn),
	}
}

// Get returns the connection for root, dialing if necessary.
//
// Description:
//
//	The dial runs detached from the caller's cancellation (it keeps the
//	caller's context values) and is bounded by the connect timeout, so a
//	caller giving up does not fail other callers waiting on the same
//	root. Each caller stops waiting when its own ctx is done.
//
// Inputs:
//
//	ctx - Bounds this caller's wait
//	root - Server root href, possibly authenticated
//
// Outputs:
//
//	*lsp.Conn - A connection that was live when returned
//	error - The dial error shared by all waiters, ctx.Err(), or ErrPoolClosed
func (p *Pool) Get(ctx context.Context, root string) (*lsp.Conn, error) {
	if ctx == nil {
		return nil, fmt.Errorf("ctx must not be nil")
	}
	if conn, err := p.lookup(root); conn != nil || err != nil {
		return conn, err
	}

	ch := p.flight.DoChan(root, func() (interface{}, error) {
		// A connection may have been stored between lookup and DoChan.
		if conn, err := p.lookup(root); conn != nil || err != nil {
			return conn, err
		}
		return p.connect(ctx, root)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*lsp.Conn), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *Pool) lookup(root string) (*lsp.Conn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrPoolClosed
	}
	if conn, ok := p.conns[root]; ok && !conn.Closed() {
		return conn, nil
	}
	return nil, nil
}

func (p *Pool) connect(ctx context.Context, root string) (*lsp.Conn, error) {
	dialCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.connectTimeout)
	defer cancel()

	start := time.Now()
	conn, err := p.dial(dialCtx, root)
	recordDial(ctx, time.Since(start), err == nil)
	if err != nil {
		slog.Warn("Backend connection failed",
			slog.String("root", uris.Redact(root)),
			slog.String("error", err.Error()),
		)
		return nil, err
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		_ = conn.Close()
		return nil, ErrPoolClosed
	}
	p.conns[root] = conn
	p.mu.Unlock()
	recordLive(ctx, 1)

	go p.evictOnClose(root, conn)

	slog.Debug("Backend connection cached", slog.String("root", uris.Redact(root)))
	return conn, nil
}

// evictOnClose removes conn once it closes, unless root has since been
// mapped to a different connection.
func (p *Pool) evictOnClose(root string, conn *lsp.Conn) {
	<-conn.Done()

	p.mu.Lock()
	evicted := false
	if cur, ok := p.conns[root]; ok && cur == conn {
		delete(p.conns, root)
		evicted = true
	}
	p.mu.Unlock()

	if !evicted {
		return
	}
	recordEviction(context.Background())
	attrs := []any{slog.String("root", uris.Redact(root))}
	if err := conn.Err(); err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
	}
	slog.Info("Backend connection closed", attrs...)
}

// Len returns the number of cached connections.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns)
}

// Close closes every cached connection and empties the pool. Later Get
// calls fail with ErrPoolClosed.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	conns := p.conns
	p.conns = make(map[string]*lsp.Conn)
	p.mu.Unlock()

	recordLive(context.Background(), -int64(len(conns)))

	var errs []error
	for _, conn := range conns {
		if err := conn.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
