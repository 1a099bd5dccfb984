// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package uris

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const instance = "https://sourcegraph.example.com"

func TestParseHostURI(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		doc, err := ParseHostURI("git://github.com/owner/repo?abc123#src/index.ts")
		require.NoError(t, err)
		assert.Equal(t, HostDocument{Repo: "github.com/owner/repo", Rev: "abc123", Path: "src/index.ts"}, doc)
		assert.Equal(t, "git://github.com/owner/repo?abc123#src/index.ts", doc.String())
	})

	t.Run("wrong scheme", func(t *testing.T) {
		_, err := ParseHostURI("file:///tmp/a.ts")
		assert.ErrorIs(t, err, ErrNotHostURI)
	})

	t.Run("missing host", func(t *testing.T) {
		_, err := ParseHostURI("git:///repo?abc#a.ts")
		assert.ErrorIs(t, err, ErrNotHostURI)
	})
}

func TestRewriter(t *testing.T) {
	r, err := NewRewriter(instance)
	require.NoError(t, err)
	assert.Equal(t, "sourcegraph.example.com", r.Hostname())
	assert.Equal(t, instance+"/", r.InstanceURL().String())

	host := "git://github.com/owner/repo?abc123#src/index.ts"

	root, err := r.ServerRootURI(host)
	require.NoError(t, err)
	assert.Equal(t, instance+"/github.com/owner/repo@abc123/-/raw/", root)

	doc, err := r.ServerDocumentURI(host)
	require.NoError(t, err)
	assert.Equal(t, instance+"/github.com/owner/repo@abc123/-/raw/src/index.ts", doc)

	assert.Equal(t, host, r.HostDocumentURI(doc))
	assert.Equal(t, instance+"/github.com/dep/lib@def/-/raw/", r.DependentRootURI("github.com/dep/lib", "def"))

	t.Run("round trip drops userinfo", func(t *testing.T) {
		authed, err := Authenticate(doc, "secret")
		require.NoError(t, err)
		assert.Contains(t, authed, "secret@")
		assert.Equal(t, host, r.HostDocumentURI(authed))
	})

	t.Run("foreign uri unchanged", func(t *testing.T) {
		foreign := "https://other.example.com/github.com/owner/repo@abc/-/raw/a.ts"
		assert.Equal(t, foreign, r.HostDocumentURI(foreign))
		notRaw := instance + "/github.com/owner/repo/-/blob/a.ts"
		assert.Equal(t, notRaw, r.HostDocumentURI(notRaw))
	})

	t.Run("non host uri rejected", func(t *testing.T) {
		_, err := r.ServerDocumentURI("https://example.com/a.ts")
		assert.ErrorIs(t, err, ErrNotHostURI)
	})
}

func TestNewRewriter_Relative(t *testing.T) {
	_, err := NewRewriter("/just/a/path")
	assert.Error(t, err)
}

func TestRewriter_SubPathInstance(t *testing.T) {
	r, err := NewRewriter("https://example.com/sg")
	require.NoError(t, err)

	doc, err := r.ServerDocumentURI("git://github.com/o/r?v#a.ts")
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/sg/github.com/o/r@v/-/raw/a.ts", doc)
	assert.Equal(t, "git://github.com/o/r?v#a.ts", r.HostDocumentURI(doc))
}

func TestAuthenticateAndRedact(t *testing.T) {
	uri := instance + "/github.com/o/r@v/-/raw/"

	same, err := Authenticate(uri, "")
	require.NoError(t, err)
	assert.Equal(t, uri, same)

	authed, err := Authenticate(uri, "tok")
	require.NoError(t, err)
	assert.Equal(t, "https://tok@sourcegraph.example.com/github.com/o/r@v/-/raw/", authed)
	assert.Equal(t, uri, Redact(authed))
	assert.Equal(t, uri, Redact(uri))
}

func TestIsTypeScriptFile(t *testing.T) {
	tests := []struct {
		uri  string
		want bool
	}{
		{"git://github.com/o/r?v#src/a.ts", true},
		{"git://github.com/o/r?v#src/a.tsx", true},
		{"git://github.com/o/r?v#src/a.mjs", true},
		{"git://github.com/o/r?v#src/a.jsx", true},
		{"git://github.com/o/r?v#package.json", false},
		{"git://github.com/o/r?v#README.md", false},
		{instance + "/github.com/o/r@v/-/raw/lib/b.js", true},
		{instance + "/github.com/o/r@v/-/raw/lib/b.go", false},
	}
	for _, tt := range tests {
		t.Run(tt.uri, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTypeScriptFile(tt.uri))
		})
	}
}
