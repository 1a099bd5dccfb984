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
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/AleutianAI/AleutianXRef/services/xref/stream"
	"github.com/AleutianAI/AleutianXRef/services/xref/telemetry"
)

const (
	// DefaultRegistryURL is the public npm registry.
	DefaultRegistryURL = "https://registry.npmjs.org"

	// DefaultPageSize is the npm search page size. The registry caps it at 250.
	DefaultPageSize = 250

	// DefaultMaxResults bounds how many search results are paged through.
	DefaultMaxResults = 1000
)

// NPMConfig configures an NPMFinder.
type NPMConfig struct {
	RegistryURL       string
	PageSize          int
	MaxResults        int
	RequestsPerSecond float64
	Timeout           time.Duration
	HTTPClient        *http.Client
}

// NPMFinder finds dependents through the npm registry search API.
//
// # Description
//
// Searches "dependencies:<package>" and pages lazily: the next page is
// only requested once the consumer has read every repository of the
// current one. Packages without a repository link are skipped.
//
// # Thread Safety
//
// NPMFinder is safe for concurrent use. Each returned iterator must be
// read from one goroutine.
type NPMFinder struct {
	registry   *url.URL
	httpClient *http.Client
	limiter    *rate.Limiter
	pageSize   int
	maxResults int
}

// NewNPMFinder creates a finder for the registry in cfg.
func NewNPMFinder(cfg NPMConfig) (*NPMFinder, error) {
	raw := cfg.RegistryURL
	if raw == "" {
		raw = DefaultRegistryURL
	}
	registry, err := url.Parse(strings.TrimSuffix(raw, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse registry url: %w", err)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	pageSize := cfg.PageSize
	if pageSize <= 0 || pageSize > DefaultPageSize {
		pageSize = DefaultPageSize
	}
	maxResults := cfg.MaxResults
	if maxResults <= 0 {
		maxResults = DefaultMaxResults
	}
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 5
	}

	return &NPMFinder{
		registry:   registry,
		httpClient: httpClient,
		limiter:    rate.NewLimiter(rate.Limit(rps), 1),
		pageSize:   pageSize,
		maxResults: maxResults,
	}, nil
}

// npmSearchResponse is the body of GET /-/v1/search.
type npmSearchResponse struct {
	Objects []struct {
		Package struct {
			Name  string `json:"name"`
			Links struct {
				Repository string `json:"repository"`
			} `json:"links"`
		} `json:"package"`
	} `json:"objects"`
	Total int `json:"total"`
}

// FindDependents pages through the registry search for packageName.
func (f *NPMFinder) FindDependents(_ context.Context, packageName string) stream.Iterator[string] {
	var (
		pending   []string
		from      int
		exhausted bool
		seen      = dedup{}
	)
	return stream.IteratorFunc[string](func(ctx context.Context) (string, error) {
		for len(pending) == 0 {
			if exhausted {
				return "", stream.Done
			}
			page, err := f.search(ctx, packageName, from)
			if err != nil {
				return "", err
			}
			from += len(page.Objects)
			if len(page.Objects) == 0 || from >= page.Total || from >= f.maxResults {
				exhausted = true
			}
			for _, obj := range page.Objects {
				repo := RepoNameFromURL(obj.Package.Links.Repository)
				if repo == "" || !seen.first(repo) {
					continue
				}
				pending = append(pending, repo)
			}
			recordFound(ctx, "npm", len(pending))
		}
		repo := pending[0]
		pending = pending[1:]
		return repo, nil
	})
}

// search fetches one page of results starting at from.
func (f *NPMFinder) search(ctx context.Context, packageName string, from int) (*npmSearchResponse, error) {
	if err := f.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit: %w", err)
	}

	u := *f.registry
	u.Path += "/-/v1/search"
	q := url.Values{}
	q.Set("text", "dependencies:"+packageName)
	q.Set("size", strconv.Itoa(f.pageSize))
	q.Set("from", strconv.Itoa(from))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	telemetry.InjectContext(ctx, req.Header)

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("npm search %s: %w", packageName, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("npm search %s returned status %d: %s", packageName, resp.StatusCode, string(body))
	}

	var page npmSearchResponse
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, fmt.Errorf("decode npm search response: %w", err)
	}
	return &page, nil
}

// RepoNameFromURL maps a repository link to a repository name.
//
// Accepts https, git+https, git and scp-style links:
//
//	https://github.com/a/b          -> github.com/a/b
//	git+https://github.com/a/b.git  -> github.com/a/b
//	git@github.com:a/b.git          -> github.com/a/b
//	https://github.com/a/b/tree/x   -> github.com/a/b
//
// Returns "" when no owner and name can be found.
func RepoNameFromURL(link string) string {
	link = strings.TrimSpace(link)
	if link == "" {
		return ""
	}
	link = strings.TrimPrefix(link, "git+")
	if rest, ok := strings.CutPrefix(link, "git@"); ok {
		host, path, found := strings.Cut(rest, ":")
		if !found {
			return ""
		}
		link = "ssh://" + host + "/" + path
	}

	u, err := url.Parse(link)
	if err != nil || u.Host == "" {
		return ""
	}
	segments := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(segments) < 2 || segments[0] == "" || segments[1] == "" {
		return ""
	}
	name := strings.TrimSuffix(segments[1], ".git")
	if name == "" {
		return ""
	}
	return strings.ToLower(u.Hostname()) + "/" + segments[0] + "/" + name
}
