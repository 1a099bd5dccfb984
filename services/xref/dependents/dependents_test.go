// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.


package dependents

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianXRef/services/xref/sourcegraph"
	"github.com/AleutianAI/AleutianXRef/services/xref/storage/badger"
	"github.com/AleutianAI/AleutianXRef/services/xref/stream"
)

// =============================================================================
// NPM
// =============================================================================

// npmRegistry serves `total` fake dependents, each linked to a repository
// named github.com/dep/<i>. Every third package has no link, and package 4
// repeats package 1's repository.
func npmRegistry(t *testing.T, total int) (*httptest.Server, *atomic.Int64) {
	t.Helper()
	var pages atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/-/v1/search" {
			http.NotFound(w, r)
			return
		}
		pages.Add(1)
		assert.Equal(t, "dependencies:left-pad", r.URL.Query().Get("text"))
		from, _ := strconv.Atoi(r.URL.Query().Get("from"))
		size, _ := strconv.Atoi(r.URL.Query().Get("size"))

		type pkg struct {
			Name  string            `json:"name"`
			Links map[string]string `json:"links"`
		}
		var objects []map[string]pkg
		for i := from; i < from+size && i < total; i++ {
			p := pkg{Name: fmt.Sprintf("pkg-%d", i), Links: map[string]string{}}
			switch {
			case i%3 == 2:
			case i == 4:
				p.Links["repository"] = "git+https://github.com/dep/1.git"
			default:
				p.Links["repository"] = fmt.Sprintf("https://github.com/dep/%d", i)
			}
			objects = append(objects, map[string]pkg{"package": p})
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"objects": objects, "total": total})
	}))
	t.Cleanup(srv.Close)
	return srv, &pages
}

func TestNPMFinder(t *testing.T) {
	t.Run("pages lazily skipping unlinked and duplicate packages", func(t *testing.T) {
		srv, pages := npmRegistry(t, 7)
		f, err := NewNPMFinder(NPMConfig{RegistryURL: srv.URL, PageSize: 3, RequestsPerSecond: 1000})
		require.NoError(t, err)

		it := f.FindDependents(context.Background(), "left-pad")
		assert.Equal(t, int64(0), pages.Load())

		first, err := it.Next(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "github.com/dep/0", first)
		assert.Equal(t, int64(1), pages.Load())

		rest, err := stream.Collect(context.Background(), it)
		require.NoError(t, err)
		// 0 1 [2] 3 (4=dup of 1) [5] 6
		assert.Equal(t, []string{"github.com/dep/1", "github.com/dep/3", "github.com/dep/6"}, rest)
		assert.Equal(t, int64(3), pages.Load())
	})

	t.Run("max results stops paging", func(t *testing.T) {
		srv, pages := npmRegistry(t, 100)
		f, err := NewNPMFinder(NPMConfig{RegistryURL: srv.URL, PageSize: 10, MaxResults: 20, RequestsPerSecond: 1000})
		require.NoError(t, err)

		_, err = stream.Collect(context.Background(), f.FindDependents(context.Background(), "left-pad"))
		require.NoError(t, err)
		assert.Equal(t, int64(2), pages.Load())
	})

	t.Run("http error surfaces", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "down", http.StatusServiceUnavailable)
		}))
		defer srv.Close()
		f, err := NewNPMFinder(NPMConfig{RegistryURL: srv.URL, RequestsPerSecond: 1000})
		require.NoError(t, err)

		_, err = f.FindDependents(context.Background(), "left-pad").Next(context.Background())
		require.Error(t, err)
		assert.NotErrorIs(t, err, stream.Done)
		assert.Contains(t, err.Error(), "503")
	})
}

func TestRepoNameFromURL(t *testing.T) {
	tests := []struct {
		link string
		want string
	}{
		{"https://github.com/a/b", "github.com/a/b"},
		{"https://GitHub.com/a/b/", "github.com/a/b"},
		{"git+https://github.com/a/b.git", "github.com/a/b"},
		{"git://github.com/a/b.git", "github.com/a/b"},
		{"git@github.com:a/b.git", "github.com/a/b"},
		{"https://github.com/a/b/tree/master/packages/c", "github.com/a/b"},
		{"https://github.com/a", ""},
		{"not a url", ""},
		{"", ""},
	}
	for _, tt := range tests {
		t.Run(tt.link, func(t *testing.T) {
			assert.Equal(t, tt.want, RepoNameFromURL(tt.link))
		})
	}
}

// =============================================================================
// SEARCH
// =============================================================================

type fakeSearcher struct {
	calls atomic.Int64
	query atomic.Value
	repos []string
	err   error
}

func (s *fakeSearcher) SearchRepositories(_ context.Context, query string) ([]string, error) {
	s.calls.Add(1)
	s.query.Store(query)
	return s.repos, s.err
}

func TestSearchFinder(t *testing.T) {
	t.Run("query and dedup", func(t *testing.T) {
		s := &fakeSearcher{repos: []string{"github.com/a/x", "github.com/a/y", "github.com/a/x"}}
		f := NewSearchFinder(s, 0)

		it := f.FindDependents(context.Background(), "@acme/lib")
		assert.Equal(t, int64(0), s.calls.Load())

		repos, err := stream.Collect(context.Background(), it)
		require.NoError(t, err)
		assert.Equal(t, []string{"github.com/a/x", "github.com/a/y"}, repos)
		assert.Equal(t, `file:(^|/)package\.json$ "@acme/lib" count:500`, s.query.Load())
		assert.Equal(t, int64(1), s.calls.Load())
	})

	t.Run("error", func(t *testing.T) {
		f := NewSearchFinder(&fakeSearcher{err: assert.AnError}, 10)
		_, err := f.FindDependents(context.Background(), "lib").Next(context.Background())
		assert.ErrorIs(t, err, assert.AnError)
	})
}

// =============================================================================
// CACHE
// =============================================================================

type countingFinder struct {
	calls atomic.Int64
	repos []string
	err   error
}

func (f *countingFinder) FindDependents(context.Context, string) stream.Iterator[string] {
	f.calls.Add(1)
	if f.err != nil {
		return stream.Produce(context.Background(), func(ctx context.Context, emit stream.EmitFunc[string]) error {
			for _, r := range f.repos {
				if err := emit(r); err != nil {
					return err
				}
			}
			return f.err
		})
	}
	return stream.FromSlice(f.repos...)
}

func TestCachedFinder(t *testing.T) {
	db, err := badger.OpenDB(badger.InMemoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	ctx := context.Background()

	t.Run("complete listing is cached", func(t *testing.T) {
		inner := &countingFinder{repos: []string{"github.com/a/x", "github.com/a/y"}}
		f := NewCachedFinder(inner, db, "test-complete", 0, nil)

		first, err := stream.Collect(ctx, f.FindDependents(ctx, "lib"))
		require.NoError(t, err)
		second, err := stream.Collect(ctx, f.FindDependents(ctx, "lib"))
		require.NoError(t, err)

		assert.Equal(t, inner.repos, first)
		assert.Equal(t, first, second)
		assert.Equal(t, int64(1), inner.calls.Load())
	})

	t.Run("empty listing is cached", func(t *testing.T) {
		inner := &countingFinder{}
		f := NewCachedFinder(inner, db, "test-empty", 0, nil)

		for i := 0; i < 2; i++ {
			repos, err := stream.Collect(ctx, f.FindDependents(ctx, "lonely"))
			require.NoError(t, err)
			assert.Empty(t, repos)
		}
		assert.Equal(t, int64(1), inner.calls.Load())
	})

	t.Run("failed listing is not cached", func(t *testing.T) {
		inner := &countingFinder{repos: []string{"github.com/a/x"}, err: assert.AnError}
		f := NewCachedFinder(inner, db, "test-failed", 0, nil)

		_, err := stream.Collect(ctx, f.FindDependents(ctx, "lib"))
		require.ErrorIs(t, err, assert.AnError)

		inner.err = nil
		repos, err := stream.Collect(ctx, f.FindDependents(ctx, "lib"))
		require.NoError(t, err)
		assert.Equal(t, []string{"github.com/a/x"}, repos)
		assert.Equal(t, int64(2), inner.calls.Load())
	})

	t.Run("partial read is not cached", func(t *testing.T) {
		inner := &countingFinder{repos: []string{"github.com/a/x", "github.com/a/y"}}
		f := NewCachedFinder(inner, db, "test-partial", 0, nil)

		_, err := f.FindDependents(ctx, "lib").Next(ctx)
		require.NoError(t, err)

		_, err = stream.Collect(ctx, f.FindDependents(ctx, "lib"))
		require.NoError(t, err)
		assert.Equal(t, int64(2), inner.calls.Load())
	})

	t.Run("invalidate", func(t *testing.T) {
		inner := &countingFinder{repos: []string{"github.com/a/x"}}
		f := NewCachedFinder(inner, db, "test-invalidate", 0, nil)

		_, err := stream.Collect(ctx, f.FindDependents(ctx, "lib"))
		require.NoError(t, err)
		require.NoError(t, f.Invalidate(ctx, "lib"))
		_, err = stream.Collect(ctx, f.FindDependents(ctx, "lib"))
		require.NoError(t, err)
		assert.Equal(t, int64(2), inner.calls.Load())
	})
}

// =============================================================================
// PACKAGE NAMES
// =============================================================================

type fakeFetcher struct {
	files   map[string]string
	fetched []string
}

func (f *fakeFetcher) FetchRaw(_ context.Context, rawURL string) ([]byte, error) {
	f.fetched = append(f.fetched, rawURL)
	data, ok := f.files[rawURL]
	if !ok {
		return nil, fmt.Errorf("%w: %s", sourcegraph.ErrNotFound, rawURL)
	}
	return []byte(data), nil
}

func TestFindPackageName(t *testing.T) {
	const root = "https://sourcegraph.test/github.com/acme/mono@abc/-/raw/"
	ctx := context.Background()

	t.Run("node_modules path", func(t *testing.T) {
		p := NewPackageNames(&fakeFetcher{})
		name, err := p.FindPackageName(ctx, root+"node_modules/@types/node/index.d.ts")
		require.NoError(t, err)
		assert.Equal(t, "@types/node", name)

		name, err = p.FindPackageName(ctx, root+"packages/a/node_modules/lodash/lib/x.js")
		require.NoError(t, err)
		assert.Equal(t, "lodash", name)
	})

	t.Run("nearest package.json with a name", func(t *testing.T) {
		const authRoot = "https://tok@sourcegraph.test/github.com/acme/mono@abc/-/raw/"
		fetcher := &fakeFetcher{files: map[string]string{
			authRoot + "packages/a/package.json": `{"private": true}`,
			authRoot + "packages/package.json":   `{"name": "@acme/packages"}`,
			authRoot + "package.json":            `{"name": "mono"}`,
		}}
		p := NewPackageNames(fetcher)

		name, err := p.FindPackageName(ctx, authRoot+"packages/a/src/index.ts")
		require.NoError(t, err)
		assert.Equal(t, "@acme/packages", name)
		assert.Equal(t, []string{
			authRoot + "packages/a/src/package.json",
			authRoot + "packages/a/package.json",
			authRoot + "packages/package.json",
		}, fetcher.fetched)
	})

	t.Run("root package.json", func(t *testing.T) {
		p := NewPackageNames(&fakeFetcher{files: map[string]string{root + "package.json": `{"name": "mono"}`}})
		name, err := p.FindPackageName(ctx, root+"index.ts")
		require.NoError(t, err)
		assert.Equal(t, "mono", name)
	})

	t.Run("not found", func(t *testing.T) {
		p := NewPackageNames(&fakeFetcher{})
		_, err := p.FindPackageName(ctx, root+"src/index.ts")
		assert.ErrorIs(t, err, ErrPackageNameNotFound)
	})

	t.Run("not a raw url", func(t *testing.T) {
		p := NewPackageNames(&fakeFetcher{})
		_, err := p.FindPackageName(ctx, "https://sourcegraph.test/other/index.ts")
		assert.ErrorIs(t, err, ErrPackageNameNotFound)
	})

	t.Run("fetch error", func(t *testing.T) {
		p := NewPackageNames(fetcherFunc(func(context.Context, string) ([]byte, error) {
			return nil, assert.AnError
		}))
		_, err := p.FindPackageName(ctx, root+"index.ts")
		assert.ErrorIs(t, err, assert.AnError)
	})
}

type fetcherFunc func(ctx context.Context, rawURL string) ([]byte, error)

func (f fetcherFunc) FetchRaw(ctx context.Context, rawURL string) ([]byte, error) {
	return f(ctx, rawURL)
}
