// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package xref serves code navigation for TypeScript and JavaScript
// documents hosted on a Sourcegraph instance.
//
// A Service keeps one backend connection per repository revision, forwards
// opened documents to those connections, and answers hover, definition,
// implementation, and references requests. References span every
// repository that depends on the symbol's package.
package xref

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"path"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AleutianAI/AleutianXRef/services/xref/aggregate"
	"github.com/AleutianAI/AleutianXRef/services/xref/auth"
	"github.com/AleutianAI/AleutianXRef/services/xref/config"
	"github.com/AleutianAI/AleutianXRef/services/xref/connpool"
	"github.com/AleutianAI/AleutianXRef/services/xref/dependents"
	"github.com/AleutianAI/AleutianXRef/services/xref/limiter"
	"github.com/AleutianAI/AleutianXRef/services/xref/lsp"
	"github.com/AleutianAI/AleutianXRef/services/xref/sourcegraph"
	"github.com/AleutianAI/AleutianXRef/services/xref/storage/badger"
	"github.com/AleutianAI/AleutianXRef/services/xref/stream"
	"github.com/AleutianAI/AleutianXRef/services/xref/uris"
	"github.com/AleutianAI/AleutianXRef/services/xref/workspace"
)

// openQueueSize bounds opened documents waiting to be forwarded.
const openQueueSize = 256

// supportedLanguages are the language IDs the service answers for.
var supportedLanguages = map[string]bool{
	"typescript": true,
	"javascript": true,
	"json":       true,
}

// openEvent is an opened document waiting to be forwarded to its backend.
type openEvent struct {
	doc workspace.Document
	at  time.Time
}

// Service is the code navigation service.
//
// Description:
//
//	Owns the connection pool, the open document registry, the access
//	token, and the dependents cache. Everything is created by NewService
//	and released by Close. Host settings are read from the config store
//	on every connect, so a reloaded typescript.serverUrl applies to the
//	next new connection.
//
// Thread Safety:
//
//	Safe for concurrent use.
type Service struct {
	store    *config.Store
	logger   *slog.Logger
	rewriter *uris.Rewriter
	client   *sourcegraph.Client
	tokens   *auth.Provider
	registry *workspace.Registry
	pool     *connpool.Pool
	cache    *badger.DB
	agg      *aggregate.Aggregator

	unsubscribe func()
	opened      chan openEvent

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// NewService builds a service from the store's current configuration.
//
// Description:
//
//	Creates the instance API client, the token provider, the document
//	registry, the connection pool, the dependents finders (cached in
//	Badger when enabled), and the aggregator. Starts the config watcher
//	and the didOpen forwarder. Both stop when ctx is done or Close is
//	called.
//
// Inputs:
//
//	ctx - Bounds the background goroutines
//	store - Configuration source. Must not be nil.
//	logger - Service logger. Nil selects slog.Default().
//
// Outputs:
//
//	*Service - The ready service. Close must be called.
//	error - Non-nil if a component could not be created
func NewService(ctx context.Context, store *config.Store, logger *slog.Logger) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("config store must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	cfg := store.Config()

	rewriter, err := uris.NewRewriter(cfg.Sourcegraph.URL)
	if err != nil {
		return nil, fmt.Errorf("create uri rewriter: %w", err)
	}

	var creator auth.Creator
	if cfg.Auth.CreateToken {
		bootstrap, err := sourcegraph.New(clientConfig(cfg, sourcegraph.StaticToken(cfg.Auth.BootstrapToken)))
		if err != nil {
			return nil, fmt.Errorf("create bootstrap client: %w", err)
		}
		creator = bootstrap
	}
	tokens, err := auth.NewProvider(auth.Config{
		Setting:     func() string { return store.Settings().AccessToken() },
		Configured:  cfg.Sourcegraph.AccessToken,
		CreateToken: cfg.Auth.CreateToken,
		Creator:     creator,
		Note:        cfg.Auth.TokenNote,
		Logger:      logger,
	})
	if err != nil {
		return nil, fmt.Errorf("create token provider: %w", err)
	}

	client, err := sourcegraph.New(clientConfig(cfg, tokens.Token))
	if err != nil {
		tokens.Destroy()
		return nil, fmt.Errorf("create sourcegraph client: %w", err)
	}

	registry, err := workspace.New(cfg.Server.MaxDocuments)
	if err != nil {
		tokens.Destroy()
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	s := &Service{
		store:    store,
		logger:   logger.With(slog.String("component", "xref")),
		rewriter: rewriter,
		client:   client,
		tokens:   tokens,
		registry: registry,
		opened:   make(chan openEvent, openQueueSize),
		ctx:      ctx,
		cancel:   cancel,
	}
	s.pool = connpool.New(s.dial, connpool.Config{ConnectTimeout: cfg.Server.ConnectTimeout})

	npm, search, err := s.dependentsFinders(cfg)
	if err != nil {
		s.abort()
		return nil, err
	}

	s.agg, err = aggregate.New(aggregate.Config{
		Rewriter:  rewriter,
		Connector: aggregate.FromPool(s.pool),
		Revisions: client,
		Packages:  dependents.NewPackageNames(client),
		NPM:       npm,
		Search:    search,
		Tokens:    tokens,
		NewLimiter: func() *limiter.Limiter {
			return limiter.New(store.Config().Aggregation.Concurrency)
		},
		Logger: logger,
	})
	if err != nil {
		s.abort()
		return nil, fmt.Errorf("create aggregator: %w", err)
	}

	s.unsubscribe = registry.Subscribe(s.enqueueOpen)

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.forwardOpens()
	}()
	go func() {
		defer s.wg.Done()
		if err := store.Watch(ctx); err != nil {
			s.logger.Warn("Configuration watch unavailable", slog.String("error", err.Error()))
		}
	}()

	s.logger.Info("XRef service ready",
		slog.String("instance", rewriter.InstanceURL().String()),
		slog.Int("concurrency", cfg.Aggregation.Concurrency),
		slog.Bool("cache", s.cache != nil),
	)
	return s, nil
}

// clientConfig maps the instance section of cfg to a client config.
func clientConfig(cfg *config.Config, token sourcegraph.TokenFunc) sourcegraph.Config {
	return sourcegraph.Config{
		URL:               cfg.Sourcegraph.URL,
		Token:             token,
		Timeout:           cfg.Sourcegraph.Timeout,
		RequestsPerSecond: cfg.Sourcegraph.RequestsPerSecond,
		Burst:             cfg.Sourcegraph.Burst,
		RevisionCacheSize: cfg.Sourcegraph.RevisionCacheSize,
		RevisionCacheTTL:  cfg.Sourcegraph.RevisionCacheTTL,
	}
}

// dependentsFinders creates the npm and code search finders, wrapped in
// the Badger cache when enabled, and applies the source override.
func (s *Service) dependentsFinders(cfg *config.Config) (npm, search aggregate.DependentsFinder, err error) {
	npmFinder, err := dependents.NewNPMFinder(dependents.NPMConfig{
		RegistryURL:       cfg.NPM.RegistryURL,
		PageSize:          cfg.NPM.PageSize,
		MaxResults:        cfg.NPM.MaxResults,
		RequestsPerSecond: cfg.NPM.RequestsPerSecond,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("create npm finder: %w", err)
	}
	npm = npmFinder
	search = dependents.NewSearchFinder(s.client, cfg.Aggregation.SearchCount)

	if cfg.Cache.Enabled {
		dbCfg := badger.DefaultConfig()
		dbCfg.Path = cfg.Cache.Dir
		dbCfg.InMemory = cfg.Cache.InMemory
		dbCfg.Logger = s.logger
		db, err := badger.OpenDB(dbCfg)
		if err != nil {
			return nil, nil, fmt.Errorf("open dependents cache: %w", err)
		}
		s.cache = db
		npm = dependents.NewCachedFinder(npm, db, "npm", cfg.Cache.TTL, s.logger)
		search = dependents.NewCachedFinder(search, db, "search", cfg.Cache.TTL, s.logger)
	}

	switch cfg.Aggregation.DependentsSource {
	case "npm":
		search = npm
	case "search":
		npm = search
	}
	return npm, search, nil
}

// abort releases what NewService created before it failed.
func (s *Service) abort() {
	s.cancel()
	_ = s.pool.Close()
	if s.cache != nil {
		_ = s.cache.Close()
	}
	s.tokens.Destroy()
}

// =============================================================================
// CONNECTIONS
// =============================================================================

// dial opens a backend connection for root with the current settings.
func (s *Service) dial(ctx context.Context, root string) (*lsp.Conn, error) {
	settings := s.store.Settings()
	return lsp.Dial(ctx, lsp.DialOptions{
		Endpoint:      settings.ServerURL(),
		RootURI:       root,
		Configuration: settings.Configuration(s.rewriter.InstanceURL().String()),
		Documents:     s.serverDocuments(root),
		LogHandler:    lsp.SlogLogHandler(s.logger),
	})
}

// serverDocuments returns the open documents in server space, with the
// same access token as root so they match its prefix.
func (s *Service) serverDocuments(root string) func() []lsp.TextDocumentItem {
	return func() []lsp.TextDocumentItem {
		var token string
		if u, err := url.Parse(root); err == nil && u.User != nil {
			token = u.User.Username()
		}
		docs := s.registry.Documents()
		out := make([]lsp.TextDocumentItem, 0, len(docs))
		for _, doc := range docs {
			serverURI, err := s.rewriter.ServerDocumentURI(doc.URI)
			if err != nil {
				continue
			}
			serverURI, err = uris.Authenticate(serverURI, token)
			if err != nil {
				continue
			}
			out = append(out, lsp.TextDocumentItem{
				URI:        serverURI,
				LanguageID: doc.LanguageID,
				Text:       doc.Text,
			})
		}
		return out
	}
}

// serverURIs returns the authenticated server root and document URIs of a
// host document.
func (s *Service) serverURIs(ctx context.Context, hostURI string) (root, doc string, err error) {
	root, err = s.rewriter.ServerRootURI(hostURI)
	if err != nil {
		return "", "", err
	}
	doc, err = s.rewriter.ServerDocumentURI(hostURI)
	if err != nil {
		return "", "", err
	}
	token, err := s.tokens.Token(ctx)
	if err != nil {
		return "", "", fmt.Errorf("access token: %w", err)
	}
	if root, err = uris.Authenticate(root, token); err != nil {
		return "", "", err
	}
	if doc, err = uris.Authenticate(doc, token); err != nil {
		return "", "", err
	}
	return root, doc, nil
}

// connect checks the document and returns its connection and server URI.
func (s *Service) connect(ctx context.Context, hostURI string) (*lsp.Conn, string, error) {
	if s.closed.Load() {
		return nil, "", ErrServiceClosed
	}
	if err := s.checkLanguage(hostURI); err != nil {
		return nil, "", err
	}
	root, doc, err := s.serverURIs(ctx, hostURI)
	if err != nil {
		return nil, "", err
	}
	conn, err := s.pool.Get(ctx, root)
	if err != nil {
		return nil, "", err
	}
	return conn, doc, nil
}

// checkLanguage accepts documents whose language is supported. Documents
// that were never opened are judged by their file extension.
func (s *Service) checkLanguage(hostURI string) error {
	language := ""
	if doc, ok := s.registry.Get(hostURI); ok {
		language = doc.LanguageID
	} else {
		language = languageFromURI(hostURI)
	}
	if !supportedLanguages[language] {
		return fmt.Errorf("%w: %q", ErrUnsupportedLanguage, language)
	}
	return nil
}

// languageFromURI guesses the language ID of a host document from its
// file extension.
func languageFromURI(hostURI string) string {
	doc, err := uris.ParseHostURI(hostURI)
	if err != nil {
		return ""
	}
	switch strings.ToLower(path.Ext(doc.Path)) {
	case ".ts", ".tsx", ".mts", ".cts":
		return "typescript"
	case ".js", ".jsx", ".mjs", ".cjs":
		return "javascript"
	case ".json":
		return "json"
	default:
		return ""
	}
}

// =============================================================================
// DOCUMENTS
// =============================================================================

// DidOpen registers a document opened in the host.
//
// TypeScript and JavaScript documents are then forwarded to the backend
// for their repository in the background, creating the connection if
// needed. Forwarding errors are logged.
func (s *Service) DidOpen(_ context.Context, doc workspace.Document) error {
	if s.closed.Load() {
		return ErrServiceClosed
	}
	if _, err := uris.ParseHostURI(doc.URI); err != nil {
		return err
	}
	s.registry.Open(doc)
	return nil
}

// enqueueOpen is the registry subscription.
func (s *Service) enqueueOpen(doc workspace.Document) {
	select {
	case s.opened <- openEvent{doc: doc, at: time.Now()}:
	case <-s.ctx.Done():
	}
}

// forwardOpens forwards opened documents in order until the service stops.
func (s *Service) forwardOpens() {
	for {
		select {
		case ev := <-s.opened:
			s.forwardOpen(ev)
		case <-s.ctx.Done():
			return
		}
	}
}

// forwardOpen sends didOpen for ev. A connection created after the
// document was registered already replayed it during the handshake.
func (s *Service) forwardOpen(ev openEvent) {
	if !uris.IsTypeScriptFile(ev.doc.URI) {
		return
	}
	logger := s.logger.With(slog.String("uri", uris.Redact(ev.doc.URI)))

	root, docURI, err := s.serverURIs(s.ctx, ev.doc.URI)
	if err != nil {
		logger.Warn("Cannot forward opened document", slog.String("error", err.Error()))
		return
	}
	conn, err := s.pool.Get(s.ctx, root)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			logger.Error("Cannot connect for opened document", slog.String("error", err.Error()))
		}
		return
	}
	if conn.CreatedAt().After(ev.at) {
		return
	}
	err = conn.DidOpen(lsp.TextDocumentItem{
		URI:        docURI,
		LanguageID: ev.doc.LanguageID,
		Version:    1,
		Text:       ev.doc.Text,
	})
	if err != nil {
		logger.Error("didOpen failed", slog.String("error", err.Error()))
	}
}

// =============================================================================
// NAVIGATION
// =============================================================================

// Hover returns hover content for the position, or nil.
func (s *Service) Hover(ctx context.Context, hostURI string, pos lsp.Position) (*lsp.Hover, error) {
	conn, doc, err := s.connect(ctx, hostURI)
	if err != nil {
		return nil, err
	}
	return conn.Hover(ctx, doc, pos)
}

// Definition returns the definition locations of the symbol in host space.
func (s *Service) Definition(ctx context.Context, hostURI string, pos lsp.Position) ([]lsp.Location, error) {
	conn, doc, err := s.connect(ctx, hostURI)
	if err != nil {
		return nil, err
	}
	locs, err := conn.Definition(ctx, doc, pos)
	if err != nil {
		return nil, err
	}
	return s.toHost(locs), nil
}

// Implementation returns the implementation locations of the symbol in
// host space.
func (s *Service) Implementation(ctx context.Context, hostURI string, pos lsp.Position) ([]lsp.Location, error) {
	conn, doc, err := s.connect(ctx, hostURI)
	if err != nil {
		return nil, err
	}
	locs, err := conn.Implementation(ctx, doc, pos)
	if err != nil {
		return nil, err
	}
	return s.toHost(locs), nil
}

// References streams the growing list of references to the symbol across
// the repository and its dependents. See aggregate.Aggregator.References.
func (s *Service) References(ctx context.Context, hostURI string, pos lsp.Position) stream.Iterator[[]lsp.Location] {
	if s.closed.Load() {
		return stream.Fail[[]lsp.Location](ErrServiceClosed)
	}
	if err := s.checkLanguage(hostURI); err != nil {
		return stream.Fail[[]lsp.Location](err)
	}
	return s.agg.References(ctx, aggregate.Request{TextDocument: hostURI, Position: pos})
}

func (s *Service) toHost(locs []lsp.Location) []lsp.Location {
	out := make([]lsp.Location, len(locs))
	for i, loc := range locs {
		out[i] = lsp.Location{URI: s.rewriter.HostDocumentURI(loc.URI), Range: loc.Range}
	}
	return out
}

// =============================================================================
// LIFECYCLE
// =============================================================================

// Health reports the service state.
func (s *Service) Health() HealthResponse {
	status := "healthy"
	if s.closed.Load() {
		status = "closed"
	}
	return HealthResponse{
		Status:      status,
		Version:     ServiceVersion,
		Connections: s.pool.Len(),
		Documents:   s.registry.Len(),
		Concurrency: s.store.Config().Aggregation.Concurrency,
	}
}

// Close stops background work, closes every backend connection and the
// dependents cache, and destroys the access token. Safe to call multiple
// times.
func (s *Service) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.unsubscribe()
		s.cancel()
		s.wg.Wait()

		var errs []error
		if err := s.pool.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close connections: %w", err))
		}
		if s.cache != nil {
			if err := s.cache.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close dependents cache: %w", err))
			}
		}
		s.tokens.Destroy()
		s.closeErr = errors.Join(errs...)
		s.logger.Info("XRef service closed")
	})
	return s.closeErr
}
