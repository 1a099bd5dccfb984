// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.


// Package config loads, validates, and hot-reloads the XRef service
// configuration.
//
// The file is YAML. Every section has defaults (DefaultConfig), and a few
// values can be overridden from the environment. The settings section is
// the host configuration forwarded to language backends and is read
// lazily: a missing typescript.serverUrl only fails the first connection.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/AleutianXRef/services/xref/telemetry"
)

// ErrInvalidConfig wraps validation failures.
var ErrInvalidConfig = errors.New("invalid configuration")

// configValidate validates Config structs.
var configValidate = validator.New()

// Config is the full service configuration.
type Config struct {
	Server      ServerConfig      `yaml:"server" json:"server"`
	Sourcegraph SourcegraphConfig `yaml:"sourcegraph" json:"sourcegraph"`
	Auth        AuthConfig        `yaml:"auth" json:"auth"`
	Aggregation AggregationConfig `yaml:"aggregation" json:"aggregation"`
	Cache       CacheConfig       `yaml:"cache" json:"cache"`
	NPM         NPMConfig         `yaml:"npm" json:"npm"`
	Logging     LoggingConfig     `yaml:"logging" json:"logging"`
	Telemetry   telemetry.Config  `yaml:"telemetry" json:"telemetry"`

	// Settings is the host configuration. Never validated here.
	Settings Settings `yaml:"settings" json:"settings" validate:"-"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Addr              string        `yaml:"addr" json:"addr" validate:"required,hostname_port"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" json:"read_header_timeout" validate:"gte=0"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout" validate:"gte=0"`

	// ConnectTimeout bounds one backend dial including the handshake.
	ConnectTimeout time.Duration `yaml:"connect_timeout" json:"connect_timeout" validate:"gte=0"`

	// MaxDocuments bounds the open document registry.
	MaxDocuments int `yaml:"max_documents" json:"max_documents" validate:"gte=0"`
}

// SourcegraphConfig configures the instance API client.
type SourcegraphConfig struct {
	URL               string        `yaml:"url" json:"url" validate:"required,url"`
	AccessToken       string        `yaml:"access_token" json:"-"`
	RequestsPerSecond float64       `yaml:"requests_per_second" json:"requests_per_second" validate:"gte=0"`
	Burst             int           `yaml:"burst" json:"burst" validate:"gte=0"`
	Timeout           time.Duration `yaml:"timeout" json:"timeout" validate:"gte=0"`
	RevisionCacheSize int           `yaml:"revision_cache_size" json:"revision_cache_size" validate:"gte=0"`
	RevisionCacheTTL  time.Duration `yaml:"revision_cache_ttl" json:"revision_cache_ttl" validate:"gte=0"`
}

// AuthConfig configures access token creation.
type AuthConfig struct {
	// CreateToken creates a token through the API when neither the host
	// setting nor sourcegraph.access_token supplies one.
	CreateToken bool `yaml:"create_token" json:"create_token"`

	// BootstrapToken authenticates the token creation request.
	BootstrapToken string `yaml:"bootstrap_token" json:"-" validate:"required_if=CreateToken true"`

	TokenNote string `yaml:"token_note" json:"token_note"`
}

// AggregationConfig configures cross-repository reference search.
type AggregationConfig struct {
	// Concurrency bounds in-flight dependent lookups per request.
	Concurrency int `yaml:"concurrency" json:"concurrency" validate:"gte=1,lte=64"`

	// SearchCount is the result count of the dependents code search.
	SearchCount int `yaml:"search_count" json:"search_count" validate:"gte=0"`

	// DependentsSource selects the dependents finder. "auto" uses npm on
	// sourcegraph.com and code search elsewhere.
	DependentsSource string `yaml:"dependents_source" json:"dependents_source" validate:"oneof=auto npm search"`
}

// CacheConfig configures the dependents cache.
type CacheConfig struct {
	Enabled  bool          `yaml:"enabled" json:"enabled"`
	Dir      string        `yaml:"dir" json:"dir" validate:"required_if=Enabled true InMemory false"`
	InMemory bool          `yaml:"in_memory" json:"in_memory"`
	TTL      time.Duration `yaml:"ttl" json:"ttl" validate:"gte=0"`
}

// NPMConfig configures the npm registry client.
type NPMConfig struct {
	RegistryURL       string  `yaml:"registry_url" json:"registry_url" validate:"omitempty,url"`
	PageSize          int     `yaml:"page_size" json:"page_size" validate:"gte=0,lte=250"`
	MaxResults        int     `yaml:"max_results" json:"max_results" validate:"gte=0"`
	RequestsPerSecond float64 `yaml:"requests_per_second" json:"requests_per_second" validate:"gte=0"`
}

// LoggingConfig configures process logging.
type LoggingConfig struct {
	Level string `yaml:"level" json:"level" validate:"oneof=debug info warn error"`
	Dir   string `yaml:"dir" json:"dir"`

	// Format is "text", "json", or "auto" (JSON unless stderr is a terminal).
	Format string `yaml:"format" json:"format" validate:"oneof=auto text json"`
	Quiet  bool   `yaml:"quiet" json:"quiet"`
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:              "127.0.0.1:8765",
			ReadHeaderTimeout: 10 * time.Second,
			ShutdownTimeout:   15 * time.Second,
			ConnectTimeout:    30 * time.Second,
			MaxDocuments:      4096,
		},
		Sourcegraph: SourcegraphConfig{
			URL:               "https://sourcegraph.com",
			RequestsPerSecond: 20,
			Burst:             10,
			Timeout:           30 * time.Second,
			RevisionCacheSize: 1024,
			RevisionCacheTTL:  5 * time.Minute,
		},
		Auth: AuthConfig{
			TokenNote: "aleutian-xref",
		},
		Aggregation: AggregationConfig{
			Concurrency:      7,
			SearchCount:      500,
			DependentsSource: "auto",
		},
		Cache: CacheConfig{
			Enabled:  true,
			InMemory: true,
			TTL:      6 * time.Hour,
		},
		NPM: NPMConfig{
			RegistryURL:       "https://registry.npmjs.org",
			PageSize:          250,
			MaxResults:        1000,
			RequestsPerSecond: 5,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "auto",
		},
		Telemetry: telemetry.DefaultConfig(),
		Settings:  Settings{},
	}
}

// Load reads the YAML file at path over the defaults, applies environment
// overrides, and validates the result. An empty path yields the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if cfg.Settings == nil {
		cfg.Settings = Settings{}
	}
	applyEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks struct constraints. Settings are not inspected.
func (c *Config) Validate() error {
	if err := configValidate.Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

// Redacted returns a YAML rendering with secrets masked.
func (c *Config) Redacted() ([]byte, error) {
	clone := *c
	if clone.Sourcegraph.AccessToken != "" {
		clone.Sourcegraph.AccessToken = "REDACTED"
	}
	if clone.Auth.BootstrapToken != "" {
		clone.Auth.BootstrapToken = "REDACTED"
	}
	clone.Settings = c.Settings.Redacted()
	return yaml.Marshal(&clone)
}

// applyEnv overrides cfg from the environment.
//
//	XREF_ADDR               server.addr
//	XREF_SOURCEGRAPH_URL    sourcegraph.url
//	SRC_ACCESS_TOKEN        sourcegraph.access_token
//	XREF_CONCURRENCY        aggregation.concurrency
//	XREF_LOG_LEVEL          logging.level
//	XREF_CACHE_DIR          cache.dir (and disables in_memory)
//	TYPESCRIPT_SERVER_URL   settings typescript.serverUrl, if unset
func applyEnv(cfg *Config) {
	cfg.Server.Addr = getEnvOr("XREF_ADDR", cfg.Server.Addr)
	cfg.Sourcegraph.URL = getEnvOr("XREF_SOURCEGRAPH_URL", cfg.Sourcegraph.URL)
	cfg.Sourcegraph.AccessToken = getEnvOr("SRC_ACCESS_TOKEN", cfg.Sourcegraph.AccessToken)
	cfg.Logging.Level = strings.ToLower(getEnvOr("XREF_LOG_LEVEL", cfg.Logging.Level))

	if v := os.Getenv("XREF_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Aggregation.Concurrency = n
		}
	}
	if dir := os.Getenv("XREF_CACHE_DIR"); dir != "" {
		cfg.Cache.Dir = dir
		cfg.Cache.InMemory = false
	}
	if v := os.Getenv("TYPESCRIPT_SERVER_URL"); v != "" {
		if _, ok := cfg.Settings[SettingServerURL]; !ok {
			cfg.Settings[SettingServerURL] = v
		}
	}
}

// getEnvOr returns the environment variable value or the fallback.
func getEnvOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
