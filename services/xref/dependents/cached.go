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
	"errors"
	"log/slog"
	"time"

	"github.com/AleutianAI/AleutianXRef/services/xref/storage/badger"
	"github.com/AleutianAI/AleutianXRef/services/xref/stream"
)

// DefaultCacheTTL is how long a complete dependents listing is reused.
const DefaultCacheTTL = 6 * time.Hour

// CachedFinder serves dependents listings from Badger and fills the cache
// from an inner Finder.
//
// Description:
//
//	On a miss the inner iterator is passed through unchanged while its
//	values are recorded. Only a listing that reaches stream.Done is
//	stored; one cut short by cancellation or failure is discarded.
//	Cache read and write failures are logged and otherwise ignored.
//
// Thread Safety:
//
//	Safe for concurrent use. Each returned iterator must be read from one
//	goroutine.
type CachedFinder struct {
	inner  Finder
	db     *badger.DB
	source string
	ttl    time.Duration
	logger *slog.Logger
}

// NewCachedFinder wraps inner. source namespaces the keys so listings from
// different finders do not mix.
func NewCachedFinder(inner Finder, db *badger.DB, source string, ttl time.Duration, logger *slog.Logger) *CachedFinder {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CachedFinder{
		inner:  inner,
		db:     db,
		source: source,
		ttl:    ttl,
		logger: logger.With(slog.String("component", "dependents_cache"), slog.String("source", source)),
	}
}

func (f *CachedFinder) key(packageName string) string {
	return "dependents/" + f.source + "/" + packageName
}

// FindDependents yields the cached listing or the inner finder's.
func (f *CachedFinder) FindDependents(ctx context.Context, packageName string) stream.Iterator[string] {
	var (
		it        stream.Iterator[string]
		collected []string
		miss      bool
	)
	return stream.IteratorFunc[string](func(nctx context.Context) (string, error) {
		if it == nil {
			var cached []string
			found, err := f.db.GetJSON(nctx, f.key(packageName), &cached)
			if err != nil {
				f.logger.Warn("Dependents cache read failed", slog.String("package", packageName), slog.String("error", err.Error()))
			}
			recordCache(nctx, f.source, found)
			if found {
				it = stream.FromSlice(cached...)
			} else {
				miss = true
				it = f.inner.FindDependents(ctx, packageName)
			}
		}

		repo, err := it.Next(nctx)
		if !miss {
			return repo, err
		}
		switch {
		case err == nil:
			collected = append(collected, repo)
		case errors.Is(err, stream.Done):
			miss = false
			if collected == nil {
				collected = []string{}
			}
			if perr := f.db.PutJSON(context.WithoutCancel(nctx), f.key(packageName), collected, f.ttl); perr != nil {
				f.logger.Warn("Dependents cache write failed", slog.String("package", packageName), slog.String("error", perr.Error()))
			}
		}
		return repo, err
	})
}

// Invalidate drops the cached listing for packageName.
func (f *CachedFinder) Invalidate(ctx context.Context, packageName string) error {
	return f.db.Delete(ctx, f.key(packageName))
}
