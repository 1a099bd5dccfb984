// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package aggregate finds references to a symbol across repositories.
//
// For a symbol in one repository, References streams the references in
// that repository together with the references found in every repository
// that depends on the package defining the symbol. Dependent lookups run
// concurrently behind a per-request limiter; a dependent that fails is
// logged and skipped.
package aggregate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianXRef/services/xref/connpool"
	"github.com/AleutianAI/AleutianXRef/services/xref/limiter"
	"github.com/AleutianAI/AleutianXRef/services/xref/lsp"
	"github.com/AleutianAI/AleutianXRef/services/xref/stream"
	"github.com/AleutianAI/AleutianXRef/services/xref/telemetry"
	"github.com/AleutianAI/AleutianXRef/services/xref/uris"
)

// NPMHostname selects the npm registry as the dependents source.
const NPMHostname = "sourcegraph.com"

// Sentinel errors for aggregation.
var (
	// ErrNoDependentsSource indicates no dependents finder is configured
	// for the instance.
	ErrNoDependentsSource = errors.New("no dependents source configured")
)

// =============================================================================
// COLLABORATORS
// =============================================================================

// Querier is the part of a backend connection used for aggregation.
type Querier interface {
	Definition(ctx context.Context, documentURI string, pos lsp.Position) ([]lsp.Location, error)
	References(ctx context.Context, documentURI string, pos lsp.Position, includeDeclaration bool) ([]lsp.Location, error)
}

// Connector returns a ready connection for a server root.
type Connector interface {
	Connect(ctx context.Context, root string) (Querier, error)
}

// ConnectorFunc adapts a function to Connector.
type ConnectorFunc func(ctx context.Context, root string) (Querier, error)

// Connect calls f.
func (f ConnectorFunc) Connect(ctx context.Context, root string) (Querier, error) {
	return f(ctx, root)
}

// FromPool returns a Connector backed by the connection cache.
func FromPool(pool *connpool.Pool) Connector {
	return ConnectorFunc(func(ctx context.Context, root string) (Querier, error) {
		conn, err := pool.Get(ctx, root)
		if err != nil {
			return nil, err
		}
		return conn, nil
	})
}

// RevisionResolver resolves a revision of a repository to a commit ID.
type RevisionResolver interface {
	ResolveRev(ctx context.Context, repo, rev string) (string, error)
}

// PackageNameFinder names the package containing a server document.
type PackageNameFinder interface {
	FindPackageName(ctx context.Context, documentURI string) (string, error)
}

// DependentsFinder lists repositories that depend on a package.
type DependentsFinder interface {
	FindDependents(ctx context.Context, packageName string) stream.Iterator[string]
}

// TokenSource supplies the access token used to authenticate server URIs.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// =============================================================================
// AGGREGATOR
// =============================================================================

// Request identifies the symbol to find references for.
type Request struct {
	// TextDocument is the host URI (git://repo?rev#path).
	TextDocument string `json:"textDocument" validate:"required"`

	// Position is the 0-indexed position of the symbol.
	Position lsp.Position `json:"position"`
}

// Config wires an Aggregator.
type Config struct {
	Rewriter  *uris.Rewriter
	Connector Connector
	Revisions RevisionResolver
	Packages  PackageNameFinder

	// NPM is used when the instance is sourcegraph.com, Search otherwise.
	NPM    DependentsFinder
	Search DependentsFinder

	// Tokens may be nil, in which case URIs are not authenticated.
	Tokens TokenSource

	// Concurrency bounds in-flight dependent lookups per request.
	// Zero selects limiter.DefaultCapacity.
	Concurrency int

	// NewLimiter overrides limiter construction. Defaults to
	// limiter.New(Concurrency).
	NewLimiter func() *limiter.Limiter

	Logger *slog.Logger
}

// Aggregator runs cross-repository reference searches.
//
// Thread Safety:
//
//	Safe for concurrent use. Each request gets its own limiter.
type Aggregator struct {
	cfg    Config
	logger *slog.Logger
}

// New validates cfg and creates an Aggregator.
func New(cfg Config) (*Aggregator, error) {
	if cfg.Rewriter == nil {
		return nil, fmt.Errorf("rewriter must not be nil")
	}
	if cfg.Connector == nil {
		return nil, fmt.Errorf("connector must not be nil")
	}
	if cfg.Revisions == nil {
		return nil, fmt.Errorf("revision resolver must not be nil")
	}
	if cfg.Packages == nil {
		return nil, fmt.Errorf("package name finder must not be nil")
	}
	if cfg.NewLimiter == nil {
		capacity := cfg.Concurrency
		cfg.NewLimiter = func() *limiter.Limiter { return limiter.New(capacity) }
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Aggregator{cfg: cfg, logger: logger}, nil
}

// References streams the growing set of references to the symbol.
//
// Description:
//
//	Every value is the complete list found so far, in host space, and is
//	longer than the previous one. The stream ends with stream.Done when
//	every lookup has finished, or with an error if the same-repository
//	lookup, the definition lookup, package discovery, or a dependents
//	listing fails. Failures of individual dependents are logged and
//	skipped. Cancelling ctx stops new lookups and ends the stream.
//
// Inputs:
//
//	ctx - Cancels the whole aggregation
//	req - The symbol to search for
//
// Outputs:
//
//	stream.Iterator[[]lsp.Location] - Growing totals
func (a *Aggregator) References(ctx context.Context, req Request) stream.Iterator[[]lsp.Location] {
	return stream.Accumulate(a.Batches(ctx, req), a.toHost)
}

// Batches streams reference batches in server space as they are found.
// Empty batches are not emitted.
func (a *Aggregator) Batches(ctx context.Context, req Request) stream.Iterator[[]lsp.Location] {
	return stream.Produce(ctx, func(ctx context.Context, emit stream.EmitFunc[[]lsp.Location]) error {
		ctx, span := startReferencesSpan(ctx, uris.Redact(req.TextDocument))
		defer span.End()
		start := time.Now()

		logger := telemetry.LoggerWithTrace(ctx, a.logger).With(
			slog.String("document", req.TextDocument),
		)
		a.enter(ctx, logger, StateStarted)

		err := a.run(ctx, logger, req, emit)
		switch {
		case err == nil:
			a.enter(ctx, logger, StateCompleted)
			telemetry.SetSpanOK(span)
		case IsCancellation(err):
			a.enter(ctx, logger, StateCancelled)
		default:
			logger.Error("Cross-repository reference search failed", slog.String("error", err.Error()))
			telemetry.RecordError(span, err)
		}
		recordAggregation(ctx, time.Since(start), outcome(err))
		return err
	})
}

func (a *Aggregator) run(ctx context.Context, logger *slog.Logger, req Request, emit stream.EmitFunc[[]lsp.Location]) error {
	token, err := a.token(ctx)
	if err != nil {
		return fmt.Errorf("access token: %w", err)
	}

	root, err := a.cfg.Rewriter.ServerRootURI(req.TextDocument)
	if err != nil {
		return err
	}
	doc, err := a.cfg.Rewriter.ServerDocumentURI(req.TextDocument)
	if err != nil {
		return err
	}
	if root, err = uris.Authenticate(root, token); err != nil {
		return err
	}
	if doc, err = uris.Authenticate(doc, token); err != nil {
		return err
	}

	conn, err := a.cfg.Connector.Connect(ctx, root)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	merged := stream.Merge(ctx,
		a.sameRepo(ctx, logger, conn, doc, req.Position),
		a.crossRepo(ctx, logger, conn, doc, req.Position, token),
	)
	for {
		batch, err := merged.Next(ctx)
		if errors.Is(err, stream.Done) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := emit(batch); err != nil {
			return err
		}
	}
}

// sameRepo looks up references in the document's own repository.
func (a *Aggregator) sameRepo(ctx context.Context, logger *slog.Logger, conn Querier, doc string, pos lsp.Position) stream.Iterator[[]lsp.Location] {
	return stream.Produce(ctx, func(ctx context.Context, emit stream.EmitFunc[[]lsp.Location]) error {
		logger.Debug("Searching for same-repo references")
		refs, err := conn.References(ctx, doc, pos, false)
		if err != nil {
			return fmt.Errorf("same-repo references: %w", err)
		}
		logger.Debug("Found same-repo references", slog.Int("count", len(refs)))
		if len(refs) == 0 {
			return nil
		}
		return emit(refs)
	})
}

// crossRepo finds the canonical definitions and searches the dependents
// of each definition's package.
func (a *Aggregator) crossRepo(ctx context.Context, logger *slog.Logger, conn Querier, doc string, pos lsp.Position, token string) stream.Iterator[[]lsp.Location] {
	return stream.Produce(ctx, func(ctx context.Context, emit stream.EmitFunc[[]lsp.Location]) error {
		defs, err := conn.Definition(ctx, doc, pos)
		if err != nil {
			return fmt.Errorf("definition: %w", err)
		}
		logger.Debug("Got definitions", slog.Int("count", len(defs)))
		if len(defs) == 0 {
			return nil
		}

		finder, err := a.dependentsFinder()
		if err != nil {
			return err
		}

		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		lim := a.cfg.NewLimiter()
		sources := make([]stream.Iterator[[]lsp.Location], len(defs))
		for i, def := range defs {
			sources[i] = a.definitionReferences(ctx, logger, def, finder, lim, token)
		}

		merged := stream.Merge(ctx, sources...)
		for {
			batch, err := merged.Next(ctx)
			if errors.Is(err, stream.Done) {
				return nil
			}
			if err != nil {
				return err
			}
			if err := emit(batch); err != nil {
				return err
			}
		}
	})
}

// dependentsFinder picks the dependents source for the instance.
func (a *Aggregator) dependentsFinder() (DependentsFinder, error) {
	if a.cfg.Rewriter.Hostname() == NPMHostname {
		if a.cfg.NPM == nil {
			return nil, fmt.Errorf("%w: npm", ErrNoDependentsSource)
		}
		return a.cfg.NPM, nil
	}
	if a.cfg.Search == nil {
		return nil, fmt.Errorf("%w: search", ErrNoDependentsSource)
	}
	return a.cfg.Search, nil
}

// definitionReferences searches every dependent of the package that
// defines def.
//
// Description:
//
//	Dependents are pulled lazily. Before each one the context is checked
//	and a slot is acquired; the lookup then runs in its own goroutine and
//	releases the slot when it ends, whatever the outcome. The iterator
//	ends after every started lookup has finished.
func (a *Aggregator) definitionReferences(
	ctx context.Context,
	logger *slog.Logger,
	def lsp.Location,
	finder DependentsFinder,
	lim *limiter.Limiter,
	token string,
) stream.Iterator[[]lsp.Location] {
	return stream.Produce(ctx, func(ctx context.Context, emit stream.EmitFunc[[]lsp.Location]) error {
		defLogger := logger.With(slog.String("definition", uris.Redact(def.URI)))
		defLogger.Debug("Getting external references for definition")

		pkg, err := a.cfg.Packages.FindPackageName(ctx, def.URI)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			defLogger.Error("Error searching for external references for definition",
				slog.String("error", fmt.Sprintf("find package name: %v", err)),
			)
			return nil
		}

		a.enter(ctx, defLogger, StateDiscoveringDependents, slog.String("package", pkg))
		dependents := finder.FindDependents(ctx, pkg)

		var wg sync.WaitGroup
		defer wg.Wait()

		for {
			if err := ctx.Err(); err != nil {
				return err
			}
			repo, err := dependents.Next(ctx)
			if errors.Is(err, stream.Done) {
				break
			}
			if err != nil {
				return fmt.Errorf("dependents of %s: %w", pkg, err)
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			slot, err := lim.Acquire(ctx)
			if err != nil {
				return err
			}

			wg.Add(1)
			go func(repo string) {
				defer wg.Done()
				defer slot.Release()
				a.searchDependent(ctx, defLogger, repo, def, token, emit)
			}(repo)
		}

		wg.Wait()
		defLogger.Debug("Done going through dependents")
		return nil
	})
}

// searchDependent looks up references to def in one dependent repository.
// Errors are logged, never returned.
func (a *Aggregator) searchDependent(
	ctx context.Context,
	logger *slog.Logger,
	repo string,
	def lsp.Location,
	token string,
	emit stream.EmitFunc[[]lsp.Location],
) {
	logger = logger.With(slog.String("repo", repo))

	fail := func(err error) {
		// Only the request's own cancellation is silent. Backend timeouts
		// wrap DeadlineExceeded too and must be reported.
		if ctx.Err() != nil {
			recordDependent(ctx, "cancelled")
			return
		}
		a.enter(ctx, logger, StateFailed)
		recordDependent(ctx, "failed")
		logger.Error("Error searching dependent repo for references", slog.String("error", err.Error()))
	}

	a.enter(ctx, logger, StateResolving)
	commit, err := a.cfg.Revisions.ResolveRev(ctx, repo, "HEAD")
	if err != nil {
		fail(fmt.Errorf("resolve HEAD: %w", err))
		return
	}

	root, err := uris.Authenticate(a.cfg.Rewriter.DependentRootURI(repo, commit), token)
	if err != nil {
		fail(err)
		return
	}

	a.enter(ctx, logger, StateConnecting)
	conn, err := a.cfg.Connector.Connect(ctx, root)
	if err != nil {
		fail(fmt.Errorf("connect: %w", err))
		return
	}

	a.enter(ctx, logger, StateQuerying)
	refs, err := conn.References(ctx, def.URI, def.Range.Start, false)
	if err != nil {
		fail(fmt.Errorf("references: %w", err))
		return
	}

	logger.Debug("Found references in dependent repo", slog.Int("count", len(refs)))
	a.enter(ctx, logger, StateDone)
	recordDependent(ctx, "done")

	if len(refs) > 0 {
		_ = emit(refs)
	}
}

func (a *Aggregator) token(ctx context.Context) (string, error) {
	if a.cfg.Tokens == nil {
		return "", nil
	}
	return a.cfg.Tokens.Token(ctx)
}

// toHost rewrites a batch of server locations to host space.
func (a *Aggregator) toHost(batch []lsp.Location) []lsp.Location {
	out := make([]lsp.Location, len(batch))
	for i, loc := range batch {
		out[i] = lsp.Location{URI: a.cfg.Rewriter.HostDocumentURI(loc.URI), Range: loc.Range}
	}
	return out
}

// IsCancellation reports whether err stems from the caller cancelling
// rather than a failure: context.Canceled or a backend request cancelled
// by the client. Deadlines are failures.
func IsCancellation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return true
	}
	var lspErr *lsp.LSPError
	return errors.As(err, &lspErr) && lspErr.IsRequestCancelled()
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "completed"
	case IsCancellation(err):
		return "cancelled"
	default:
		return "failed"
	}
}
