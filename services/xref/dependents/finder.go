// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.


// Package dependents discovers repositories that depend on an npm package
// and names the package that contains a document.
//
// Two sources are available. NPMFinder asks the npm registry search API
// for packages declaring the dependency and maps them to their source
// repositories. SearchFinder runs a Sourcegraph code search for
// package.json files mentioning the package. CachedFinder stores complete
// listings from either source in Badger.
package dependents

import (
	"context"
	"errors"

	"github.com/AleutianAI/AleutianXRef/services/xref/stream"
)

// ErrPackageNameNotFound indicates no enclosing package.json declares a name.
var ErrPackageNameNotFound = errors.New("package name not found")

// Finder lists repositories that depend on a package.
//
// The returned iterator yields repository names such as
// "github.com/owner/repo" without duplicates and ends with stream.Done.
type Finder interface {
	FindDependents(ctx context.Context, packageName string) stream.Iterator[string]
}

// dedup filters repeated names. Not safe for concurrent use.
type dedup map[string]struct{}

// first reports whether name is seen for the first time.
func (d dedup) first(name string) bool {
	if _, ok := d[name]; ok {
		return false
	}
	d[name] = struct{}{}
	return true
}
