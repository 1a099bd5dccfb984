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
	"fmt"

	"github.com/AleutianAI/AleutianXRef/services/xref/stream"
)

// DefaultSearchCount is the result count requested from code search.
const DefaultSearchCount = 500

// Searcher runs code searches and returns the matching repositories.
// *sourcegraph.Client implements it.
type Searcher interface {
	SearchRepositories(ctx context.Context, query string) ([]string, error)
}

// SearchFinder finds dependents with a code search for package.json files
// that mention the package.
type SearchFinder struct {
	searcher Searcher
	count    int
}

// NewSearchFinder creates a finder. A count of zero selects
// DefaultSearchCount.
func NewSearchFinder(searcher Searcher, count int) *SearchFinder {
	if count <= 0 {
		count = DefaultSearchCount
	}
	return &SearchFinder{searcher: searcher, count: count}
}

// Query returns the search query used for packageName.
func (f *SearchFinder) Query(packageName string) string {
	return fmt.Sprintf(`file:(^|/)package\.json$ "%s" count:%d`, packageName, f.count)
}

// FindDependents runs the search on the first Next and yields each
// repository once.
func (f *SearchFinder) FindDependents(_ context.Context, packageName string) stream.Iterator[string] {
	var (
		repos   []string
		fetched bool
	)
	return stream.IteratorFunc[string](func(ctx context.Context) (string, error) {
		if !fetched {
			found, err := f.searcher.SearchRepositories(ctx, f.Query(packageName))
			if err != nil {
				return "", fmt.Errorf("search dependents of %s: %w", packageName, err)
			}
			seen := dedup{}
			for _, repo := range found {
				if seen.first(repo) {
					repos = append(repos, repo)
				}
			}
			fetched = true
			recordFound(ctx, "search", len(repos))
		}
		if len(repos) == 0 {
			return "", stream.Done
		}
		repo := repos[0]
		repos = repos[1:]
		return repo, nil
	})
}
