// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianXRef/services/xref"
	"github.com/AleutianAI/AleutianXRef/services/xref/auth"
	"github.com/AleutianAI/AleutianXRef/services/xref/config"
	"github.com/AleutianAI/AleutianXRef/services/xref/telemetry"
)

// runServe runs the HTTP API until SIGINT or SIGTERM, then drains
// in-flight requests for up to server.shutdown_timeout.
func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if addr != "" {
		cfg.Server.Addr = addr
	}

	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer logger.Close()

	shutdownTelemetry, err := telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		if err := shutdownTelemetry(context.Background()); err != nil {
			slog.Warn("Telemetry shutdown failed", slog.String("error", err.Error()))
		}
	}()

	store := config.NewStaticStore(configPath, cfg, logger.Slog())
	svc, err := xref.NewService(ctx, store, logger.Slog())
	if err != nil {
		return fmt.Errorf("create service: %w", err)
	}
	defer auth.PurgeAll()
	defer func() {
		if err := svc.Close(); err != nil {
			slog.Warn("Service close failed", slog.String("error", err.Error()))
		}
	}()

	if debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	router := xref.NewRouter(cfg.Telemetry.ServiceName, xref.NewHandlers(svc), debug)

	server := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           router,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Starting Aleutian XRef server", slog.String("address", cfg.Server.Addr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	slog.Info("Shutting down Aleutian XRef server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
