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
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"

	"github.com/AleutianAI/AleutianXRef/services/xref/sourcegraph"
)

const (
	rawMarker         = "/-/raw/"
	nodeModulesMarker = "/node_modules/"
)

// Fetcher reads files through the instance raw API. *sourcegraph.Client
// implements it; a missing file returns an error wrapping
// sourcegraph.ErrNotFound.
type Fetcher interface {
	FetchRaw(ctx context.Context, rawURL string) ([]byte, error)
}

// PackageNames finds the npm package that contains a server document.
type PackageNames struct {
	fetcher Fetcher
}

// NewPackageNames creates a PackageNames over fetcher.
func NewPackageNames(fetcher Fetcher) *PackageNames {
	return &PackageNames{fetcher: fetcher}
}

// FindPackageName names the package containing documentURI.
//
// Description:
//
//	Documents inside node_modules are named from their path, e.g.
//	.../node_modules/@scope/pkg/lib/x.d.ts is "@scope/pkg". Otherwise the
//	directories from the document up to the raw API root are searched
//	for a package.json with a "name" field, nearest first.
//
// Inputs:
//
//	ctx - Bounds the package.json fetches
//	documentURI - Raw API URL of the document, possibly with userinfo
//
// Outputs:
//
//	string - The package name
//	error - ErrPackageNameNotFound, or a fetch error
func (p *PackageNames) FindPackageName(ctx context.Context, documentURI string) (string, error) {
	u, err := url.Parse(documentURI)
	if err != nil {
		return "", fmt.Errorf("parse document uri: %w", err)
	}

	if name := nameFromNodeModules(u.Path); name != "" {
		return name, nil
	}

	idx := strings.Index(u.Path, rawMarker)
	if idx < 0 {
		return "", fmt.Errorf("%w: %s is not a raw api url", ErrPackageNameNotFound, u.Path)
	}
	root := u.Path[:idx+len(rawMarker)]
	dir := path.Dir(u.Path[idx+len(rawMarker):])

	for {
		candidate := "package.json"
		if dir != "." && dir != "/" {
			candidate = dir + "/package.json"
		}
		name, err := p.readName(ctx, u, root+candidate)
		if err != nil {
			return "", err
		}
		if name != "" {
			return name, nil
		}
		if dir == "." || dir == "/" {
			break
		}
		dir = path.Dir(dir)
	}
	return "", fmt.Errorf("%w: %s", ErrPackageNameNotFound, u.Path)
}

// readName fetches the package.json at p on the same host as base. A
// missing file or a file without a name yields "".
func (p *PackageNames) readName(ctx context.Context, base *url.URL, filePath string) (string, error) {
	target := *base
	target.Path = filePath
	target.RawPath = ""
	target.RawQuery = ""
	target.Fragment = ""

	data, err := p.fetcher.FetchRaw(ctx, target.String())
	if errors.Is(err, sourcegraph.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("fetch %s: %w", filePath, err)
	}

	var manifest struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(data, &manifest); err != nil {
		return "", fmt.Errorf("parse %s: %w", filePath, err)
	}
	return manifest.Name, nil
}

// nameFromNodeModules returns the package name for a path inside
// node_modules, or "".
func nameFromNodeModules(p string) string {
	idx := strings.LastIndex(p, nodeModulesMarker)
	if idx < 0 {
		return ""
	}
	segments := strings.Split(p[idx+len(nodeModulesMarker):], "/")
	if strings.HasPrefix(segments[0], "@") {
		if len(segments) < 2 || segments[1] == "" {
			return ""
		}
		return segments[0] + "/" + segments[1]
	}
	return segments[0]
}
