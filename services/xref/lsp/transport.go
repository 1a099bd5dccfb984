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
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// MaxMessageSize bounds a single backend message on every transport.
const MaxMessageSize = 64 << 20

// =============================================================================
// MESSAGE STREAM
// =============================================================================

// MessageStream carries whole JSON-RPC messages in both directions.
//
// Description:
//
//	Abstracts the framing of a backend transport. ReadMessage returns one
//	complete JSON body; WriteMessage sends one.
//
// Thread Safety:
//
//	ReadMessage is called from a single goroutine. WriteMessage and Close
//	must be safe for concurrent use.
type MessageStream interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

// =============================================================================
// WEBSOCKET STREAM
// =============================================================================

// WebSocketStream sends one JSON-RPC message per websocket text frame.
type WebSocketStream struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	once    sync.Once
}

// NewWebSocketStream wraps an established websocket connection. Frames
// larger than MaxMessageSize fail the read.
func NewWebSocketStream(conn *websocket.Conn) *WebSocketStream {
	conn.SetReadLimit(MaxMessageSize)
	return &WebSocketStream{conn: conn}
}

// ReadMessage reads the next text or binary frame.
func (s *WebSocketStream) ReadMessage() ([]byte, error) {
	_, data, err := s.conn.ReadMessage()
	if err != nil {
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			return nil, io.EOF
		}
		if errors.Is(err, websocket.ErrReadLimit) {
			return nil, fmt.Errorf("%w: %v", ErrMessageTooLarge, err)
		}
		return nil, err
	}
	return data, nil
}

// WriteMessage writes data as a single text frame.
func (s *WebSocketStream) WriteMessage(data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// Close sends a close frame and closes the socket. Safe to call multiple times.
func (s *WebSocketStream) Close() error {
	var err error
	s.once.Do(func() {
		s.writeMu.Lock()
		_ = s.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		s.writeMu.Unlock()
		err = s.conn.Close()
	})
	return err
}

// =============================================================================
// HEADER-FRAMED STREAM
// =============================================================================

// FramedStream implements the LSP base protocol (Content-Length headers)
// over a byte stream such as a TCP socket or a pipe.
type FramedStream struct {
	reader  *bufio.Reader
	writer  io.Writer
	closer  io.Closer
	maxSize int
	writeMu sync.Mutex
	once    sync.Once
}

// NewFramedStream creates a header-framed stream.
//
// Inputs:
//
//	r - Reader for server messages
//	w - Writer for client messages
//	c - Closer released by Close (may be nil)
func NewFramedStream(r io.Reader, w io.Writer, c io.Closer) *FramedStream {
	return &FramedStream{
		reader:  bufio.NewReader(r),
		writer:  w,
		closer:  c,
		maxSize: MaxMessageSize,
	}
}

// WriteMessage writes data with a Content-Length header.
func (s *FramedStream) WriteMessage(data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	header := fmt.Sprintf("Content-Length: %d\r\n\r\n", len(data))
	if _, err := s.writer.Write([]byte(header)); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	if _, err := s.writer.Write(data); err != nil {
		return fmt.Errorf("write body: %w", err)
	}
	return nil
}

// ReadMessage reads a single message body.
func (s *FramedStream) ReadMessage() ([]byte, error) {
	var contentLength int

	for {
		line, err := s.reader.ReadString('\n')
		if err != nil {
			return nil, err
		}
		line = strings.TrimSpace(line)

		// Empty line marks end of headers
		if line == "" {
			break
		}

		if strings.HasPrefix(line, "Content-Length:") {
			lenStr := strings.TrimSpace(strings.TrimPrefix(line, "Content-Length:"))
			contentLength, err = strconv.Atoi(lenStr)
			if err != nil {
				return nil, fmt.Errorf("invalid Content-Length value %q: %w", lenStr, err)
			}
			if contentLength < 0 {
				return nil, fmt.Errorf("negative Content-Length: %d", contentLength)
			}
		}
		// Ignore other headers (Content-Type, etc.)
	}

	if contentLength == 0 {
		return nil, fmt.Errorf("missing or zero Content-Length header")
	}
	if contentLength > s.maxSize {
		return nil, fmt.Errorf("%w: Content-Length %d > %d", ErrMessageTooLarge, contentLength, s.maxSize)
	}

	body := make([]byte, contentLength)
	if _, err := io.ReadFull(s.reader, body); err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return body, nil
}

// Close releases the underlying closer. Safe to call multiple times.
func (s *FramedStream) Close() error {
	var err error
	s.once.Do(func() {
		if s.closer != nil {
			err = s.closer.Close()
		}
	})
	return err
}

// =============================================================================
// DIALING
// =============================================================================

// OpenStream opens a message stream to the backend endpoint.
//
// Description:
//
//	ws:// and wss:// endpoints use a websocket with one message per frame.
//	tcp:// endpoints use Content-Length framing over a plain socket.
//
// Outputs:
//
//	MessageStream - The open stream
//	error - ErrUnsupportedScheme, or ErrTransport wrapping the dial error
func OpenStream(ctx context.Context, endpoint string, header http.Header) (MessageStream, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("%w: parse endpoint: %v", ErrTransport, err)
	}

	switch u.Scheme {
	case "ws", "wss":
		conn, resp, err := websocket.DefaultDialer.DialContext(ctx, endpoint, header)
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		if err != nil {
			return nil, fmt.Errorf("%w: the WebSocket to the TypeScript backend at %s: %v", ErrTransport, endpoint, err)
		}
		return NewWebSocketStream(conn), nil

	case "tcp":
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", u.Host)
		if err != nil {
			return nil, fmt.Errorf("%w: tcp %s: %v", ErrTransport, u.Host, err)
		}
		return NewFramedStream(conn, conn, conn), nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme)
	}
}
