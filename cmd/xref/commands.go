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
	"errors"
	"fmt"
	"io/fs"
	"log/slog"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianXRef/pkg/logging"
	"github.com/AleutianAI/AleutianXRef/services/xref/config"
)

// --- Global Command Variables ---
var (
	configPath string
	envFile    string
	debug      bool
	addr       string
	jsonOutput bool
	showConfig bool

	rootCmd = &cobra.Command{
		Use:   "xref",
		Short: "Cross-repository code navigation for TypeScript on Sourcegraph",
		Long: `xref bridges a code host to remote TypeScript language backends.
It keeps one backend connection per repository revision and finds references
across every repository that depends on a symbol's package.`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: loadEnv,
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the XRef HTTP API",
		Args:  cobra.NoArgs,
		RunE:  runServe, // Defined in serve.go
	}

	referencesCmd = &cobra.Command{
		Use:   "references URI LINE CHARACTER",
		Short: "Find references to the symbol at a position, across dependents",
		Args:  cobra.ExactArgs(3),
		RunE:  runReferences, // Defined in references.go
	}

	configCmd = &cobra.Command{
		Use:   "config",
		Short: "Inspect the service configuration",
	}
	configValidateCmd = &cobra.Command{
		Use:   "validate [file]",
		Short: "Load and validate a configuration file",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runConfigValidate,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to the YAML configuration file")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", "", "Load environment variables from this file (default .env if present)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging and request logs")

	serveCmd.Flags().StringVar(&addr, "addr", "", "Listen address, overrides server.addr")

	referencesCmd.Flags().BoolVar(&jsonOutput, "json", false, "Print only the final list as JSON")

	configValidateCmd.Flags().BoolVar(&showConfig, "show", false, "Print the effective configuration with secrets redacted")

	configCmd.AddCommand(configValidateCmd)
	rootCmd.AddCommand(serveCmd, referencesCmd, configCmd)
}

// loadEnv loads the env file before configuration is read. A missing
// default .env is not an error.
func loadEnv(_ *cobra.Command, _ []string) error {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return fmt.Errorf("load env file: %w", err)
		}
		return nil
	}
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}
	return nil
}

// loadConfig reads the configuration and applies command line overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if debug {
		cfg.Logging.Level = "debug"
	}
	return cfg, nil
}

// newLogger builds the process logger from the logging section.
func newLogger(cfg *config.Config) (*logging.Logger, error) {
	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return nil, err
	}
	logger := logging.New(logging.Config{
		Level:   level,
		LogDir:  cfg.Logging.Dir,
		Service: "xref",
		Format:  logging.Format(cfg.Logging.Format),
		Quiet:   cfg.Logging.Quiet,
	})
	slog.SetDefault(logger.Slog())
	return logger, nil
}
