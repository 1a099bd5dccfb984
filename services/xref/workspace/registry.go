// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.


// Package workspace tracks the documents the host has opened.
package workspace

import (
	"fmt"
	"sort"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultCapacity bounds the number of tracked documents.
const DefaultCapacity = 4096

// Document is a document opened in the host, identified by its host URI.
type Document struct {
	URI        string `json:"uri" validate:"required"`
	LanguageID string `json:"languageId" validate:"required"`
	Text       string `json:"text"`
}

// Handler observes opened documents.
type Handler func(doc Document)

// Registry holds open documents and notifies subscribers of new ones.
//
// Description:
//
//	Documents are kept in an LRU; once Capacity is reached, opening a new
//	document forgets the least recently opened one. Every Open is
//	delivered to every subscriber exactly once, in the order the Open
//	calls were made, and in subscription order within one event.
//
// Thread Safety:
//
//	Safe for concurrent use. Handlers run synchronously inside Open and
//	must not call Open.
type Registry struct {
	docs *lru.Cache[string, Document]

	// dispatch serializes Open so events are delivered in order.
	dispatch sync.Mutex

	mu     sync.Mutex
	subs   map[uint64]Handler
	nextID uint64
}

// New creates a registry holding at most capacity documents. Zero selects
// DefaultCapacity.
func New(capacity int) (*Registry, error) {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	docs, err := lru.New[string, Document](capacity)
	if err != nil {
		return nil, fmt.Errorf("create document cache: %w", err)
	}
	return &Registry{docs: docs, subs: make(map[uint64]Handler)}, nil
}

// Open records doc and notifies subscribers. Reopening a URI replaces the
// stored document and notifies again.
func (r *Registry) Open(doc Document) {
	r.dispatch.Lock()
	defer r.dispatch.Unlock()

	r.docs.Add(doc.URI, doc)
	for _, h := range r.handlers() {
		h(doc)
	}
}

// handlers snapshots the subscribers in subscription order.
func (r *Registry) handlers() []Handler {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]uint64, 0, len(r.subs))
	for id := range r.subs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	out := make([]Handler, len(ids))
	for i, id := range ids {
		out[i] = r.subs[id]
	}
	return out
}

// Subscribe registers h for future Open events and returns a function
// that removes it. Unsubscribing twice is a no-op.
func (r *Registry) Subscribe(h Handler) (unsubscribe func()) {
	r.mu.Lock()
	id := r.nextID
	r.nextID++
	r.subs[id] = h
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.subs, id)
			r.mu.Unlock()
		})
	}
}

// Documents returns a snapshot of the open documents, least recently
// opened first.
func (r *Registry) Documents() []Document {
	return r.docs.Values()
}

// Get returns the document for uri.
func (r *Registry) Get(uri string) (Document, bool) {
	return r.docs.Peek(uri)
}

// Len returns the number of tracked documents.
func (r *Registry) Len() int {
	return r.docs.Len()
}
