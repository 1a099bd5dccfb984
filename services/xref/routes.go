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
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/AleutianAI/AleutianXRef/services/xref/telemetry"
)

// RegisterRoutes registers all XRef routes with the router.
//
// Description:
//
//	Registers all /v1/xref/* endpoints with the given Gin router group.
//	The router group should already have any required middleware applied.
//
// Inputs:
//
//	rg - Gin router group (typically /v1)
//	handlers - The handlers instance
//
// Endpoints:
//
//	GET  /v1/xref/health - Service health
//	POST /v1/xref/documents - Host opened a document
//	POST /v1/xref/hover - Hover content
//	POST /v1/xref/definition - Definition locations
//	POST /v1/xref/implementation - Implementation locations
//	POST /v1/xref/references - Cross-repository references, final list
//	GET  /v1/xref/references/stream - Cross-repository references over a websocket
func RegisterRoutes(rg *gin.RouterGroup, handlers *Handlers) {
	x := rg.Group("/xref")
	{
		x.GET("/health", handlers.HandleHealth)
		x.POST("/documents", handlers.HandleOpenDocument)
		x.POST("/hover", handlers.HandleHover)
		x.POST("/definition", handlers.HandleDefinition)
		x.POST("/implementation", handlers.HandleImplementation)
		x.POST("/references", handlers.HandleReferences)
		x.GET("/references/stream", handlers.HandleReferencesStream)
	}
}

// NewRouter builds the HTTP router: recovery and tracing middleware, the
// /v1/xref routes, and /metrics when the Prometheus exporter is enabled.
func NewRouter(serviceName string, handlers *Handlers, debug bool) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(serviceName))
	if debug {
		router.Use(gin.Logger())
	}

	v1 := router.Group("/v1")
	RegisterRoutes(v1, handlers)

	if h := telemetry.MetricsHandler(); h != nil {
		router.GET("/metrics", gin.WrapH(h))
	}
	return router
}
