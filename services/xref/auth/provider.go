// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.


// Package auth supplies the access token used for the instance API and
// embedded in server URIs.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/awnumar/memguard"
)

// DefaultTokenNote is the note attached to tokens created by the provider.
const DefaultTokenNote = "aleutian-xref"

// ErrDestroyed indicates the provider was destroyed.
var ErrDestroyed = errors.New("token provider destroyed")

// Creator creates access tokens for the current user.
// *sourcegraph.Client implements it.
type Creator interface {
	CreateAccessToken(ctx context.Context, note string) (string, error)
}

// Config configures a Provider.
type Config struct {
	// Setting returns the typescript.accessToken host setting. It is read
	// on every call so configuration reloads take effect. May be nil.
	Setting func() string

	// Configured is the token from the service configuration.
	Configured string

	// CreateToken enables creating a token when no other is available.
	CreateToken bool

	// Creator is used when CreateToken is set.
	Creator Creator

	// Note labels created tokens. Defaults to DefaultTokenNote.
	Note string

	Logger *slog.Logger
}

// Provider resolves the access token.
//
// # Description
//
// Sources are tried in order: the host setting, the configured token,
// and finally a token created through the API when enabled. Configured
// and created tokens are sealed in a memguard enclave and only decrypted
// while being read. A created token is reused for the provider's life.
//
// # Thread Safety
//
// Provider is safe for concurrent use.
type Provider struct {
	setting     func() string
	createToken bool
	creator     Creator
	note        string
	logger      *slog.Logger

	mu        sync.Mutex
	sealed    *memguard.Enclave
	destroyed bool
}

// NewProvider creates a provider. The configured token is sealed
// immediately.
func NewProvider(cfg Config) (*Provider, error) {
	if cfg.CreateToken && cfg.Creator == nil {
		return nil, fmt.Errorf("create token enabled without a creator")
	}
	note := cfg.Note
	if note == "" {
		note = DefaultTokenNote
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	p := &Provider{
		setting:     cfg.Setting,
		createToken: cfg.CreateToken,
		creator:     cfg.Creator,
		note:        note,
		logger:      logger.With(slog.String("component", "auth")),
	}
	if cfg.Configured != "" {
		p.sealed = seal(cfg.Configured)
	}
	return p, nil
}

// seal copies token into an enclave and wipes the copy.
func seal(token string) *memguard.Enclave {
	buf := []byte(token)
	return memguard.NewEnclave(buf)
}

// open decrypts the enclave and returns a heap copy of the token.
func open(e *memguard.Enclave) (string, error) {
	lb, err := e.Open()
	if err != nil {
		return "", fmt.Errorf("open token enclave: %w", err)
	}
	defer lb.Destroy()
	return strings.Clone(lb.String()), nil
}

// Token returns the access token, or "" when none is available and token
// creation is disabled.
func (p *Provider) Token(ctx context.Context) (string, error) {
	if p.setting != nil {
		if token := strings.TrimSpace(p.setting()); token != "" {
			return token, nil
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.destroyed {
		return "", ErrDestroyed
	}
	if p.sealed != nil {
		return open(p.sealed)
	}
	if !p.createToken {
		return "", nil
	}

	token, err := p.creator.CreateAccessToken(ctx, p.note)
	if err != nil {
		return "", fmt.Errorf("create access token: %w", err)
	}
	p.sealed = seal(token)
	p.logger.Info("Created access token", slog.String("note", p.note))
	return token, nil
}

// Destroy discards the sealed token. Later calls to Token only consult
// the host setting and otherwise fail with ErrDestroyed.
func (p *Provider) Destroy() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sealed = nil
	p.destroyed = true
}

// PurgeAll wipes every memguard allocation in the process. Call once at
// shutdown.
func PurgeAll() {
	memguard.Purge()
}
