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
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianXRef/services/xref"
	"github.com/AleutianAI/AleutianXRef/services/xref/auth"
	"github.com/AleutianAI/AleutianXRef/services/xref/config"
	"github.com/AleutianAI/AleutianXRef/services/xref/lsp"
	"github.com/AleutianAI/AleutianXRef/services/xref/stream"
)

// runReferences runs one references search and prints new locations as
// they are found, or the final list as JSON with --json.
func runReferences(cmd *cobra.Command, args []string) error {
	line, err := strconv.Atoi(args[1])
	if err != nil || line < 0 {
		return fmt.Errorf("invalid line %q", args[1])
	}
	character, err := strconv.Atoi(args[2])
	if err != nil || character < 0 {
		return fmt.Errorf("invalid character %q", args[2])
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	cfg.Logging.Quiet = cfg.Logging.Quiet || jsonOutput
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer logger.Close()

	svc, err := xref.NewService(ctx, config.NewStaticStore("", cfg, logger.Slog()), logger.Slog())
	if err != nil {
		return fmt.Errorf("create service: %w", err)
	}
	defer auth.PurgeAll()
	defer svc.Close()

	out := cmd.OutOrStdout()
	it := svc.References(ctx, args[0], lsp.Position{Line: line, Character: character})

	var total []lsp.Location
	for {
		locs, err := it.Next(ctx)
		if errors.Is(err, stream.Done) {
			break
		}
		if err != nil {
			if jsonOutput {
				_ = writeJSON(out, total)
			}
			return fmt.Errorf("references search failed after %d results: %w", len(total), err)
		}
		if !jsonOutput {
			for _, loc := range locs[len(total):] {
				fmt.Fprintf(out, "%s:%d:%d\n", loc.URI, loc.Range.Start.Line+1, loc.Range.Start.Character+1)
			}
		}
		total = locs
	}

	if jsonOutput {
		return writeJSON(out, total)
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "%d references\n", len(total))
	return nil
}

func writeJSON(w io.Writer, locs []lsp.Location) error {
	if locs == nil {
		locs = []lsp.Location{}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(locs)
}
