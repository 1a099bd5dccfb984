// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package xref

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/AleutianAI/AleutianXRef/services/xref/aggregate"
	"github.com/AleutianAI/AleutianXRef/services/xref/connpool"
	"github.com/AleutianAI/AleutianXRef/services/xref/lsp"
	"github.com/AleutianAI/AleutianXRef/services/xref/stream"
	"github.com/AleutianAI/AleutianXRef/services/xref/uris"
	"github.com/AleutianAI/AleutianXRef/services/xref/workspace"
)

const (
	// streamWriteTimeout bounds a single websocket frame write.
	streamWriteTimeout = 10 * time.Second

	// maxStreamRequestBytes bounds the websocket request frame.
	maxStreamRequestBytes = 64 * 1024

	// statusClientClosedRequest is reported when the client went away.
	statusClientClosedRequest = 499
)

// requestValidate validates decoded request bodies.
var requestValidate = validator.New()

// Navigator is the service surface the handlers use.
type Navigator interface {
	DidOpen(ctx context.Context, doc workspace.Document) error
	Hover(ctx context.Context, hostURI string, pos lsp.Position) (*lsp.Hover, error)
	Definition(ctx context.Context, hostURI string, pos lsp.Position) ([]lsp.Location, error)
	Implementation(ctx context.Context, hostURI string, pos lsp.Position) ([]lsp.Location, error)
	References(ctx context.Context, hostURI string, pos lsp.Position) stream.Iterator[[]lsp.Location]
	Health() HealthResponse
}

// Handlers contains the HTTP handlers for the XRef API.
type Handlers struct {
	svc      Navigator
	upgrader websocket.Upgrader
}

// NewHandlers creates handlers for the given service.
func NewHandlers(svc Navigator) *Handlers {
	return &Handlers{
		svc: svc,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 64 * 1024,
		},
	}
}

// =============================================================================
// HANDLERS
// =============================================================================

// HandleHealth handles GET /v1/xref/health.
func (h *Handlers) HandleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, h.svc.Health())
}

// HandleOpenDocument handles POST /v1/xref/documents.
//
// Description:
//
//	Records a document opened in the host. TypeScript and JavaScript
//	documents are forwarded to their repository backend asynchronously.
//
// Request Body:
//
//	workspace.Document
//
// Response:
//
//	202 Accepted: No body
//	400 Bad Request: Validation error or not a host URI
//	503 Service Unavailable: Service closed
func (h *Handlers) HandleOpenDocument(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleOpenDocument")

	var doc workspace.Document
	if !bindAndValidate(c, logger, &doc) {
		return
	}

	if err := h.svc.DidOpen(c.Request.Context(), doc); err != nil {
		writeError(c, logger, err)
		return
	}
	logger.Debug("Document opened", "uri", uris.Redact(doc.URI), "language", doc.LanguageID)
	c.Status(http.StatusAccepted)
}

// HandleHover handles POST /v1/xref/hover.
//
// Response:
//
//	200 OK: HoverResponse
//	400 Bad Request: Validation error or unsupported language
//	502 Bad Gateway: Backend unavailable or failed
func (h *Handlers) HandleHover(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleHover")

	var req PositionRequest
	if !bindAndValidate(c, logger, &req) {
		return
	}

	hover, err := h.svc.Hover(c.Request.Context(), req.TextDocument, req.Position)
	if err != nil {
		writeError(c, logger, err)
		return
	}
	c.JSON(http.StatusOK, HoverResponse{Hover: hover})
}

// HandleDefinition handles POST /v1/xref/definition.
func (h *Handlers) HandleDefinition(c *gin.Context) {
	h.handleLocations(c, "HandleDefinition", h.svc.Definition)
}

// HandleImplementation handles POST /v1/xref/implementation.
func (h *Handlers) HandleImplementation(c *gin.Context) {
	h.handleLocations(c, "HandleImplementation", h.svc.Implementation)
}

// handleLocations runs a single-connection location request.
func (h *Handlers) handleLocations(
	c *gin.Context,
	name string,
	fn func(ctx context.Context, hostURI string, pos lsp.Position) ([]lsp.Location, error),
) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", name)

	var req PositionRequest
	if !bindAndValidate(c, logger, &req) {
		return
	}

	locs, err := fn(c.Request.Context(), req.TextDocument, req.Position)
	if err != nil {
		writeError(c, logger, err)
		return
	}
	if locs == nil {
		locs = []lsp.Location{}
	}
	c.JSON(http.StatusOK, LocationsResponse{Locations: locs})
}

// HandleReferences handles POST /v1/xref/references.
//
// Description:
//
//	Runs the cross-repository references search to completion and
//	returns the final list. When the search fails after finding some
//	references, the partial list is returned with the error.
//
// Request Body:
//
//	PositionRequest
//
// Response:
//
//	200 OK: LocationsResponse
//	400 Bad Request: Validation error or unsupported language
//	502 Bad Gateway: LocationsResponse with the partial list and error
func (h *Handlers) HandleReferences(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleReferences")

	var req PositionRequest
	if !bindAndValidate(c, logger, &req) {
		return
	}

	ctx := c.Request.Context()
	start := time.Now()
	locs, err := stream.Drain(ctx, h.svc.References(ctx, req.TextDocument, req.Position))
	if locs == nil {
		locs = []lsp.Location{}
	}
	if err != nil {
		status, code := errorStatus(err)
		if status == http.StatusInternalServerError {
			status = http.StatusBadGateway
		}
		logger.Error("References search failed", "error", err, "partial", len(locs))
		c.JSON(status, LocationsResponse{Locations: locs, Error: err.Error(), Code: code})
		return
	}

	logger.Info("References search completed",
		"uri", uris.Redact(req.TextDocument),
		"references", len(locs),
		"duration_ms", time.Since(start).Milliseconds())
	c.JSON(http.StatusOK, LocationsResponse{Locations: locs})
}

// HandleReferencesStream handles GET /v1/xref/references/stream.
//
// Description:
//
//	Upgrades to a websocket. The client sends one PositionRequest; the
//	server answers with one StreamMessage per growing total, then a final
//	message with Done or Error set, and closes. Closing the socket from
//	the client cancels the search.
func (h *Handlers) HandleReferencesStream(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleReferencesStream")

	ws, err := h.upgrader.Upgrade(c.Writer, c.Request, http.Header{"X-Request-ID": {requestID}})
	if err != nil {
		logger.Warn("Websocket upgrade failed", "error", err)
		return
	}
	defer ws.Close()
	ws.SetReadLimit(maxStreamRequestBytes)

	var req PositionRequest
	if err := ws.ReadJSON(&req); err != nil {
		logger.Warn("Invalid stream request", "error", err)
		_ = writeFrame(ws, StreamMessage{Error: "Invalid request body", Code: "INVALID_REQUEST"})
		return
	}
	if err := requestValidate.Struct(req); err != nil {
		logger.Warn("Invalid stream request", "error", err)
		_ = writeFrame(ws, StreamMessage{Error: err.Error(), Code: "INVALID_REQUEST"})
		return
	}

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	// The client sends nothing more; a read error means it went away.
	go func() {
		defer cancel()
		for {
			if _, _, err := ws.NextReader(); err != nil {
				return
			}
		}
	}()

	it := h.svc.References(ctx, req.TextDocument, req.Position)
	frames := 0
	for {
		locs, err := it.Next(ctx)
		if errors.Is(err, stream.Done) {
			_ = writeFrame(ws, StreamMessage{Done: true})
			_ = ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(streamWriteTimeout))
			logger.Info("References stream completed", "frames", frames)
			return
		}
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("References stream cancelled by client", "frames", frames)
				return
			}
			_, code := errorStatus(err)
			logger.Error("References stream failed", "error", err, "frames", frames)
			_ = writeFrame(ws, StreamMessage{Error: err.Error(), Code: code})
			return
		}
		if err := writeFrame(ws, StreamMessage{Locations: locs}); err != nil {
			logger.Info("References stream write failed", "error", err)
			return
		}
		frames++
	}
}

// =============================================================================
// HELPERS
// =============================================================================

// bindAndValidate decodes the JSON body into v and validates it. On
// failure it writes a 400 response and returns false.
func bindAndValidate(c *gin.Context, logger *slog.Logger, v interface{}) bool {
	if err := c.ShouldBindJSON(v); err != nil {
		logger.Warn("Invalid request body", "error", err)
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: "Invalid request body",
			Code:  "INVALID_REQUEST",
		})
		return false
	}
	if err := requestValidate.Struct(v); err != nil {
		logger.Warn("Request validation failed", "error", err)
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Request validation failed",
			Code:    "INVALID_REQUEST",
			Details: err.Error(),
		})
		return false
	}
	return true
}

// writeError writes the error response for err.
func writeError(c *gin.Context, logger *slog.Logger, err error) {
	status, code := errorStatus(err)
	if status >= http.StatusInternalServerError {
		logger.Error("Request failed", "error", err, "code", code)
	} else {
		logger.Warn("Request rejected", "error", err, "code", code)
	}
	c.JSON(status, ErrorResponse{Error: err.Error(), Code: code})
}

// errorStatus maps a service error to an HTTP status and error code.
func errorStatus(err error) (int, string) {
	var lspErr *lsp.LSPError
	switch {
	case errors.Is(err, ErrUnsupportedLanguage):
		return http.StatusBadRequest, "UNSUPPORTED_LANGUAGE"
	case errors.Is(err, uris.ErrNotHostURI):
		return http.StatusBadRequest, "INVALID_URI"
	case errors.Is(err, ErrServiceClosed), errors.Is(err, connpool.ErrPoolClosed):
		return http.StatusServiceUnavailable, "SERVICE_CLOSED"
	case errors.Is(err, lsp.ErrServerURLNotSet):
		return http.StatusServiceUnavailable, "SERVER_URL_NOT_SET"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "TIMEOUT"
	case aggregate.IsCancellation(err):
		return statusClientClosedRequest, "CANCELLED"
	case errors.Is(err, lsp.ErrTransport), errors.Is(err, lsp.ErrInitializeFailed),
		errors.Is(err, lsp.ErrConnectionClosed):
		return http.StatusBadGateway, "BACKEND_UNAVAILABLE"
	case errors.As(err, &lspErr), errors.Is(err, lsp.ErrRequestTimeout), errors.Is(err, lsp.ErrInvalidResponse):
		return http.StatusBadGateway, "BACKEND_ERROR"
	default:
		return http.StatusInternalServerError, "INTERNAL_ERROR"
	}
}

// writeFrame writes one JSON frame with a deadline.
func writeFrame(ws *websocket.Conn, msg StreamMessage) error {
	if err := ws.SetWriteDeadline(time.Now().Add(streamWriteTimeout)); err != nil {
		return err
	}
	return ws.WriteJSON(msg)
}

// getOrCreateRequestID returns the X-Request-ID header or a new UUID, and
// echoes it on the response.
func getOrCreateRequestID(c *gin.Context) string {
	requestID := c.GetHeader("X-Request-ID")
	if requestID == "" {
		requestID = uuid.NewString()
	}
	c.Header("X-Request-ID", requestID)
	return requestID
}
