// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package aggregate

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianXRef/services/xref/limiter"
	"github.com/AleutianAI/AleutianXRef/services/xref/lsp"
	"github.com/AleutianAI/AleutianXRef/services/xref/stream"
	"github.com/AleutianAI/AleutianXRef/services/xref/uris"
)

const (
	testInstance = "https://sourcegraph.test"
	testDocument = "git://github.com/acme/lib?abc123#src/index.ts"
	libRoot      = "https://sourcegraph.test/github.com/acme/lib@abc123/-/raw/"
)

var testDefinition = lsp.Location{
	URI:   libRoot + "src/index.ts",
	Range: lsp.Range{Start: lsp.Position{Line: 3, Character: 4}, End: lsp.Position{Line: 3, Character: 9}},
}

// =============================================================================
// FAKES
// =============================================================================

type fakeQuerier struct {
	definition func(ctx context.Context, doc string, pos lsp.Position) ([]lsp.Location, error)
	references func(ctx context.Context, doc string, pos lsp.Position) ([]lsp.Location, error)
}

func (q *fakeQuerier) Definition(ctx context.Context, doc string, pos lsp.Position) ([]lsp.Location, error) {
	if q.definition == nil {
		return nil, nil
	}
	return q.definition(ctx, doc, pos)
}

func (q *fakeQuerier) References(ctx context.Context, doc string, pos lsp.Position, includeDeclaration bool) ([]lsp.Location, error) {
	if includeDeclaration {
		return nil, errors.New("includeDeclaration must be false")
	}
	if q.references == nil {
		return nil, nil
	}
	return q.references(ctx, doc, pos)
}

type revFunc func(ctx context.Context, repo, rev string) (string, error)

func (f revFunc) ResolveRev(ctx context.Context, repo, rev string) (string, error) {
	return f(ctx, repo, rev)
}

type pkgFunc func(ctx context.Context, doc string) (string, error)

func (f pkgFunc) FindPackageName(ctx context.Context, doc string) (string, error) {
	return f(ctx, doc)
}

type depsFunc func(ctx context.Context, pkg string) stream.Iterator[string]

func (f depsFunc) FindDependents(ctx context.Context, pkg string) stream.Iterator[string] {
	return f(ctx, pkg)
}

type staticToken string

func (s staticToken) Token(context.Context) (string, error) { return string(s), nil }

func headCommit(_ context.Context, repo, rev string) (string, error) {
	if rev != "HEAD" {
		return "", fmt.Errorf("unexpected rev %q", rev)
	}
	return "c-" + repo[strings.LastIndex(repo, "/")+1:], nil
}

func fixedPackage(context.Context, string) (string, error) { return "acme-lib", nil }

func dependents(names ...string) DependentsFinder {
	return depsFunc(func(ctx context.Context, pkg string) stream.Iterator[string] {
		return stream.FromSlice(names...)
	})
}

// harness routes connections to the main querier or a per-repo dependent
// querier.
type harness struct {
	rewriter   *uris.Rewriter
	main       *fakeQuerier
	dependent  func(repo string) Querier
	connectErr func(repo string) error

	mu    sync.Mutex
	roots []string
}

func newHarness(t *testing.T, instance string) *harness {
	t.Helper()
	rw, err := uris.NewRewriter(instance)
	require.NoError(t, err)
	return &harness{
		rewriter: rw,
		main: &fakeQuerier{
			definition: func(context.Context, string, lsp.Position) ([]lsp.Location, error) {
				return []lsp.Location{testDefinition}, nil
			},
		},
	}
}

func (h *harness) Connect(_ context.Context, root string) (Querier, error) {
	h.mu.Lock()
	h.roots = append(h.roots, root)
	h.mu.Unlock()

	doc, ok := h.rewriter.ParseServerURI(root)
	if !ok {
		return nil, fmt.Errorf("unexpected root %q", root)
	}
	if doc.Repo == "github.com/acme/lib" {
		return h.main, nil
	}
	if h.connectErr != nil {
		if err := h.connectErr(doc.Repo); err != nil {
			return nil, err
		}
	}
	if h.dependent == nil {
		return nil, fmt.Errorf("no dependent querier for %s", doc.Repo)
	}
	return h.dependent(doc.Repo), nil
}

func (h *harness) config() Config {
	return Config{
		Rewriter:  h.rewriter,
		Connector: h,
		Revisions: revFunc(headCommit),
		Packages:  pkgFunc(fixedPackage),
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func newAggregator(t *testing.T, cfg Config) *Aggregator {
	t.Helper()
	a, err := New(cfg)
	require.NoError(t, err)
	return a
}

func request() Request {
	return Request{TextDocument: testDocument, Position: lsp.Position{Line: 10, Character: 2}}
}

func uriSet(locs []lsp.Location) []string {
	out := make([]string, len(locs))
	for i, l := range locs {
		out[i] = l.URI
	}
	sort.Strings(out)
	return out
}

// =============================================================================
// TESTS
// =============================================================================

func TestNew_Validation(t *testing.T) {
	rw, err := uris.NewRewriter(testInstance)
	require.NoError(t, err)

	_, err = New(Config{})
	assert.Error(t, err)

	_, err = New(Config{Rewriter: rw})
	assert.Error(t, err)

	_, err = New(Config{Rewriter: rw, Connector: ConnectorFunc(nil), Revisions: revFunc(headCommit)})
	assert.Error(t, err, "missing package finder")
}

func TestReferences_SomeDependentsFail(t *testing.T) {
	h := newHarness(t, testInstance)
	h.main.references = func(_ context.Context, doc string, pos lsp.Position) ([]lsp.Location, error) {
		return []lsp.Location{{URI: libRoot + "src/local.ts"}}, nil
	}

	var current, peak atomic.Int32
	h.dependent = func(repo string) Querier {
		return &fakeQuerier{references: func(ctx context.Context, doc string, pos lsp.Position) ([]lsp.Location, error) {
			n := current.Add(1)
			defer current.Add(-1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(15 * time.Millisecond)

			if doc != testDefinition.URI || pos != testDefinition.Range.Start {
				return nil, fmt.Errorf("wrong params %s %+v", doc, pos)
			}
			if strings.HasSuffix(repo, "/d3") {
				return nil, errors.New("backend exploded")
			}
			root := h.rewriter.DependentRootURI(repo, "c-"+repo[strings.LastIndex(repo, "/")+1:])
			return []lsp.Location{{URI: root + "use.ts"}}, nil
		}}
	}

	var lim *limiter.Limiter
	cfg := h.config()
	cfg.Search = dependents("github.com/dep/d1", "github.com/dep/d2", "github.com/dep/d3", "github.com/dep/d4", "github.com/dep/d5")
	cfg.NewLimiter = func() *limiter.Limiter {
		lim = limiter.New(2)
		return lim
	}
	a := newAggregator(t, cfg)

	totals, err := stream.Collect(context.Background(), a.References(context.Background(), request()))
	require.NoError(t, err)
	require.NotEmpty(t, totals)

	// Totals grow strictly.
	for i := 1; i < len(totals); i++ {
		assert.Greater(t, len(totals[i]), len(totals[i-1]))
	}

	final := totals[len(totals)-1]
	assert.Equal(t, []string{
		"git://github.com/acme/lib?abc123#src/local.ts",
		"git://github.com/dep/d1?c-d1#use.ts",
		"git://github.com/dep/d2?c-d2#use.ts",
		"git://github.com/dep/d4?c-d4#use.ts",
		"git://github.com/dep/d5?c-d5#use.ts",
	}, uriSet(final))

	assert.LessOrEqual(t, peak.Load(), int32(2))
	require.NotNil(t, lim)
	assert.Equal(t, int64(5), lim.Acquired())
	assert.Equal(t, lim.Acquired(), lim.Released())
	assert.Equal(t, 0, lim.InFlight())
}

func TestReferences_EmptyBatchesNeverEmitted(t *testing.T) {
	h := newHarness(t, testInstance)
	h.dependent = func(string) Querier { return &fakeQuerier{} }

	cfg := h.config()
	cfg.Search = dependents("github.com/dep/d1", "github.com/dep/d2")
	a := newAggregator(t, cfg)

	totals, err := stream.Collect(context.Background(), a.References(context.Background(), request()))
	require.NoError(t, err)
	assert.Empty(t, totals)

	batches, err := stream.Collect(context.Background(), a.Batches(context.Background(), request()))
	require.NoError(t, err)
	assert.Empty(t, batches)
}

func TestReferences_FatalErrors(t *testing.T) {
	boom := errors.New("boom")

	tests := []struct {
		name  string
		setup func(h *harness, cfg *Config)
	}{
		{
			name: "same-repo lookup fails",
			setup: func(h *harness, cfg *Config) {
				h.main.references = func(context.Context, string, lsp.Position) ([]lsp.Location, error) { return nil, boom }
			},
		},
		{
			name: "definition lookup fails",
			setup: func(h *harness, cfg *Config) {
				h.main.definition = func(context.Context, string, lsp.Position) ([]lsp.Location, error) { return nil, boom }
			},
		},
		{
			name: "dependents listing fails",
			setup: func(h *harness, cfg *Config) {
				cfg.Search = depsFunc(func(context.Context, string) stream.Iterator[string] { return stream.Fail[string](boom) })
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, testInstance)
			h.dependent = func(string) Querier { return &fakeQuerier{} }
			cfg := h.config()
			cfg.Search = dependents()
			tt.setup(h, &cfg)
			a := newAggregator(t, cfg)

			_, err := stream.Drain(context.Background(), a.References(context.Background(), request()))
			assert.ErrorIs(t, err, boom)
		})
	}
}

// syncBuffer is a log sink safe to read after concurrent writes.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func localReference(context.Context, string, lsp.Position) ([]lsp.Location, error) {
	return []lsp.Location{{URI: libRoot + "src/local.ts"}}, nil
}

func dependentUse(h *harness) func(repo string) Querier {
	return func(repo string) Querier {
		return &fakeQuerier{references: func(context.Context, string, lsp.Position) ([]lsp.Location, error) {
			root := h.rewriter.DependentRootURI(repo, "c-"+repo[strings.LastIndex(repo, "/")+1:])
			return []lsp.Location{{URI: root + "use.ts"}}, nil
		}}
	}
}

func TestReferences_PackageNameFailureKeepsSameRepoResults(t *testing.T) {
	h := newHarness(t, testInstance)
	h.main.references = func(ctx context.Context, doc string, pos lsp.Position) ([]lsp.Location, error) {
		time.Sleep(20 * time.Millisecond)
		return localReference(ctx, doc, pos)
	}
	h.dependent = dependentUse(h)

	logs := &syncBuffer{}
	cfg := h.config()
	cfg.Logger = slog.New(slog.NewTextHandler(logs, nil))
	cfg.Search = dependents("github.com/dep/d1")
	cfg.Packages = pkgFunc(func(context.Context, string) (string, error) {
		return "", errors.New("no package.json name")
	})
	a := newAggregator(t, cfg)

	final, err := stream.Drain(context.Background(), a.References(context.Background(), request()))
	require.NoError(t, err)
	assert.Equal(t, []string{"git://github.com/acme/lib?abc123#src/local.ts"}, uriSet(final))
	assert.Contains(t, logs.String(), "Error searching for external references for definition")
	assert.Contains(t, logs.String(), "no package.json name")
}

func TestReferences_PackageNameFailureSkipsOnlyThatDefinition(t *testing.T) {
	broken := lsp.Location{URI: libRoot + "src/vendored/broken.ts"}

	h := newHarness(t, testInstance)
	h.main.definition = func(context.Context, string, lsp.Position) ([]lsp.Location, error) {
		return []lsp.Location{broken, testDefinition}, nil
	}
	h.main.references = localReference

	var searched sync.Map
	h.dependent = func(repo string) Querier {
		return &fakeQuerier{references: func(ctx context.Context, doc string, pos lsp.Position) ([]lsp.Location, error) {
			searched.Store(doc, true)
			return dependentUse(h)(repo).References(ctx, doc, pos, false)
		}}
	}

	cfg := h.config()
	cfg.Search = dependents("github.com/dep/d1", "github.com/dep/d2")
	cfg.Packages = pkgFunc(func(_ context.Context, doc string) (string, error) {
		if doc == broken.URI {
			return "", errors.New("no package.json name")
		}
		return "acme-lib", nil
	})
	a := newAggregator(t, cfg)

	final, err := stream.Drain(context.Background(), a.References(context.Background(), request()))
	require.NoError(t, err)
	assert.Equal(t, []string{
		"git://github.com/acme/lib?abc123#src/local.ts",
		"git://github.com/dep/d1?c-d1#use.ts",
		"git://github.com/dep/d2?c-d2#use.ts",
	}, uriSet(final))

	_, ok := searched.Load(broken.URI)
	assert.False(t, ok, "dependents are not searched for the skipped definition")
	_, ok = searched.Load(testDefinition.URI)
	assert.True(t, ok)
}

func TestReferences_DependentTimeoutIsLogged(t *testing.T) {
	h := newHarness(t, testInstance)
	h.main.references = localReference
	h.dependent = dependentUse(h)
	h.connectErr = func(repo string) error {
		if strings.HasSuffix(repo, "/slow") {
			timeout := fmt.Errorf("%w: %w", lsp.ErrRequestTimeout, context.DeadlineExceeded)
			return fmt.Errorf("%w: %w", lsp.ErrInitializeFailed, timeout)
		}
		return nil
	}

	logs := &syncBuffer{}
	cfg := h.config()
	cfg.Logger = slog.New(slog.NewTextHandler(logs, nil))
	cfg.Search = dependents("github.com/dep/slow", "github.com/dep/d1")
	a := newAggregator(t, cfg)

	final, err := stream.Drain(context.Background(), a.References(context.Background(), request()))
	require.NoError(t, err)
	assert.Equal(t, []string{
		"git://github.com/acme/lib?abc123#src/local.ts",
		"git://github.com/dep/d1?c-d1#use.ts",
	}, uriSet(final))

	out := logs.String()
	assert.Contains(t, out, "Error searching dependent repo for references")
	assert.Contains(t, out, "repo=github.com/dep/slow")
}

func TestReferences_InvalidDocument(t *testing.T) {
	h := newHarness(t, testInstance)
	cfg := h.config()
	cfg.Search = dependents()
	a := newAggregator(t, cfg)

	_, err := stream.Drain(context.Background(), a.References(context.Background(), Request{TextDocument: "file:///tmp/x.ts"}))
	assert.ErrorIs(t, err, uris.ErrNotHostURI)
}

func TestReferences_NPMOnSourcegraphDotCom(t *testing.T) {
	h := newHarness(t, "https://sourcegraph.com")
	h.dependent = func(string) Querier { return &fakeQuerier{} }

	var npmCalls atomic.Int32
	cfg := h.config()
	cfg.NPM = depsFunc(func(_ context.Context, pkg string) stream.Iterator[string] {
		npmCalls.Add(1)
		assert.Equal(t, "acme-lib", pkg)
		return stream.FromSlice("github.com/dep/d1")
	})
	cfg.Search = depsFunc(func(context.Context, string) stream.Iterator[string] {
		t.Error("search finder must not be used on sourcegraph.com")
		return stream.FromSlice[string]()
	})
	a := newAggregator(t, cfg)

	_, err := stream.Drain(context.Background(), a.References(context.Background(), request()))
	require.NoError(t, err)
	assert.Equal(t, int32(1), npmCalls.Load())
}

func TestReferences_NoDependentsSource(t *testing.T) {
	h := newHarness(t, testInstance)
	a := newAggregator(t, h.config())

	_, err := stream.Drain(context.Background(), a.References(context.Background(), request()))
	assert.ErrorIs(t, err, ErrNoDependentsSource)
}

func TestReferences_AuthenticatesRoots(t *testing.T) {
	h := newHarness(t, testInstance)
	h.main.references = func(_ context.Context, doc string, _ lsp.Position) ([]lsp.Location, error) {
		if !strings.HasPrefix(doc, "https://sekrit@sourcegraph.test/") {
			return nil, fmt.Errorf("document not authenticated: %s", doc)
		}
		return []lsp.Location{{URI: "https://sekrit@sourcegraph.test/github.com/acme/lib@abc123/-/raw/a.ts"}}, nil
	}
	h.dependent = func(string) Querier { return &fakeQuerier{} }

	cfg := h.config()
	cfg.Search = dependents("github.com/dep/d1")
	cfg.Tokens = staticToken("sekrit")
	a := newAggregator(t, cfg)

	final, err := stream.Drain(context.Background(), a.References(context.Background(), request()))
	require.NoError(t, err)
	assert.Equal(t, []string{"git://github.com/acme/lib?abc123#a.ts"}, uriSet(final))

	h.mu.Lock()
	defer h.mu.Unlock()
	require.Len(t, h.roots, 2)
	for _, root := range h.roots {
		assert.True(t, strings.HasPrefix(root, "https://sekrit@sourcegraph.test/"), root)
	}
}

func TestReferences_CancellationReleasesSlots(t *testing.T) {
	const capacity = 3

	h := newHarness(t, testInstance)
	var starts atomic.Int32
	h.dependent = func(string) Querier {
		return &fakeQuerier{references: func(ctx context.Context, _ string, _ lsp.Position) ([]lsp.Location, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}}
	}

	var lim atomic.Pointer[limiter.Limiter]
	cfg := h.config()
	cfg.Revisions = revFunc(func(ctx context.Context, repo, rev string) (string, error) {
		starts.Add(1)
		return headCommit(ctx, repo, rev)
	})
	var n atomic.Int64
	cfg.Search = depsFunc(func(context.Context, string) stream.Iterator[string] {
		return stream.IteratorFunc[string](func(ctx context.Context) (string, error) {
			if err := ctx.Err(); err != nil {
				return "", err
			}
			return fmt.Sprintf("github.com/dep/d%d", n.Add(1)), nil
		})
	})
	cfg.NewLimiter = func() *limiter.Limiter {
		l := limiter.New(capacity)
		lim.Store(l)
		return l
	}
	a := newAggregator(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := stream.Drain(ctx, a.References(ctx, request()))
		done <- err
	}()

	require.Eventually(t, func() bool { return starts.Load() == capacity }, 2*time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("aggregation did not stop after cancel")
	}

	require.Eventually(t, func() bool {
		l := lim.Load()
		return l != nil && l.InFlight() == 0 && l.Acquired() == l.Released()
	}, 2*time.Second, time.Millisecond)
	assert.Equal(t, int64(capacity), lim.Load().Acquired())
	assert.Equal(t, int32(capacity), starts.Load(), "no lookups start after cancellation")
}

func TestIsCancellation(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"canceled", context.Canceled, true},
		{"deadline", context.DeadlineExceeded, false},
		{"wrapped deadline", fmt.Errorf("connect: %w", context.DeadlineExceeded), false},
		{"wrapped", fmt.Errorf("resolve: %w", context.Canceled), true},
		{"lsp cancelled", &lsp.LSPError{Code: lsp.CodeRequestCancelled}, true},
		{"lsp other", &lsp.LSPError{Code: lsp.CodeMethodNotFound}, false},
		{"plain", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsCancellation(tt.err))
		})
	}
}
