// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package uris maps document identifiers between host space and backend
// space.
//
// Host URIs name a file in a repository at a revision:
//
//	git://github.com/owner/repo?<rev>#path/to/file.ts
//
// Backend (server) URIs point at the instance raw API:
//
//	https://sourcegraph.example.com/github.com/owner/repo@<rev>/-/raw/path/to/file.ts
//
// A server root is the raw API directory of a repository at a revision and
// may carry an access token as URL username.
package uris

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// ErrNotHostURI indicates the URI is not a git:// host document URI.
var ErrNotHostURI = errors.New("not a host document uri")

// rawPathPattern matches <repo>@<rev>/-/raw/<path> relative to the instance.
var rawPathPattern = regexp.MustCompile(`^([^@]+)@([^/]+)/-/raw/(.*)$`)

// typeScriptPattern matches TypeScript and JavaScript file names.
var typeScriptPattern = regexp.MustCompile(`\.m?(?:t|j)sx?$`)

// HostDocument is a parsed host document URI.
type HostDocument struct {
	Repo string
	Rev  string
	Path string
}

// ParseHostURI parses git://<repo>?<rev>#<path>.
func ParseHostURI(raw string) (HostDocument, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return HostDocument{}, fmt.Errorf("%w: %v", ErrNotHostURI, err)
	}
	if u.Scheme != "git" || u.Host == "" {
		return HostDocument{}, fmt.Errorf("%w: %s", ErrNotHostURI, raw)
	}
	return HostDocument{
		Repo: u.Host + u.Path,
		Rev:  u.RawQuery,
		Path: u.Fragment,
	}, nil
}

// String formats the document back to a host URI.
func (d HostDocument) String() string {
	host, path, _ := strings.Cut(d.Repo, "/")
	u := url.URL{
		Scheme:   "git",
		Host:     host,
		RawQuery: d.Rev,
		Fragment: d.Path,
	}
	if path != "" {
		u.Path = "/" + path
	}
	return u.String()
}

// =============================================================================
// REWRITER
// =============================================================================

// Rewriter converts URIs between host space and backend space for one
// instance.
//
// Thread Safety:
//
//	Immutable after construction; safe for concurrent use.
type Rewriter struct {
	instance *url.URL
}

// NewRewriter creates a rewriter for the instance URL.
func NewRewriter(instanceURL string) (*Rewriter, error) {
	u, err := url.Parse(instanceURL)
	if err != nil {
		return nil, fmt.Errorf("parse instance url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("instance url must be absolute: %q", instanceURL)
	}
	u.User = nil
	u.RawQuery = ""
	u.Fragment = ""
	if !strings.HasSuffix(u.Path, "/") {
		u.Path += "/"
	}
	return &Rewriter{instance: u}, nil
}

// InstanceURL returns the instance base URL with a trailing slash.
func (r *Rewriter) InstanceURL() *url.URL {
	u := *r.instance
	return &u
}

// Hostname returns the instance hostname.
func (r *Rewriter) Hostname() string {
	return r.instance.Hostname()
}

// rawURL builds <instance>/<repo>@<rev>/-/raw/<path>.
func (r *Rewriter) rawURL(repo, rev, path string) string {
	rel := &url.URL{Path: repo + "@" + rev + "/-/raw/" + path}
	return r.instance.ResolveReference(rel).String()
}

// ServerRootURI returns the raw API root for the host document's
// repository at its revision.
func (r *Rewriter) ServerRootURI(hostURI string) (string, error) {
	doc, err := ParseHostURI(hostURI)
	if err != nil {
		return "", err
	}
	return r.rawURL(doc.Repo, doc.Rev, ""), nil
}

// ServerDocumentURI returns the raw API URL of the host document.
func (r *Rewriter) ServerDocumentURI(hostURI string) (string, error) {
	doc, err := ParseHostURI(hostURI)
	if err != nil {
		return "", err
	}
	return r.rawURL(doc.Repo, doc.Rev, doc.Path), nil
}

// DependentRootURI returns the raw API root of repo at commit.
func (r *Rewriter) DependentRootURI(repo, commit string) string {
	return r.rawURL(repo, commit, "")
}

// ParseServerURI splits a raw API URL into repository, revision, and path.
// Userinfo is ignored.
func (r *Rewriter) ParseServerURI(serverURI string) (HostDocument, bool) {
	u, err := url.Parse(serverURI)
	if err != nil || u.Host != r.instance.Host {
		return HostDocument{}, false
	}
	rel := strings.TrimPrefix(u.Path, r.instance.Path)
	m := rawPathPattern.FindStringSubmatch(rel)
	if m == nil {
		return HostDocument{}, false
	}
	return HostDocument{Repo: m[1], Rev: m[2], Path: m[3]}, true
}

// HostDocumentURI converts a raw API URL back to a host URI. URIs that do
// not point at this instance's raw API are returned unchanged.
func (r *Rewriter) HostDocumentURI(serverURI string) string {
	doc, ok := r.ParseServerURI(serverURI)
	if !ok {
		return serverURI
	}
	return doc.String()
}

// =============================================================================
// HELPERS
// =============================================================================

// Authenticate returns uri with token set as the URL username. An empty
// token leaves uri unchanged.
func Authenticate(uri, token string) (string, error) {
	if token == "" {
		return uri, nil
	}
	u, err := url.Parse(uri)
	if err != nil {
		return "", fmt.Errorf("parse uri: %w", err)
	}
	u.User = url.User(token)
	return u.String(), nil
}

// Redact strips userinfo so the URI can be logged.
func Redact(uri string) string {
	u, err := url.Parse(uri)
	if err != nil {
		return "<unparseable uri>"
	}
	if u.User == nil {
		return uri
	}
	u.User = nil
	return u.String()
}

// IsTypeScriptFile reports whether the document is TypeScript or
// JavaScript. Host URIs are matched on their fragment (the file path),
// other URIs on their path.
func IsTypeScriptFile(uri string) bool {
	u, err := url.Parse(uri)
	if err != nil {
		return false
	}
	if u.Scheme == "git" {
		return typeScriptPattern.MatchString(u.Fragment)
	}
	return typeScriptPattern.MatchString(u.Path)
}
