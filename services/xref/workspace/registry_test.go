// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.


package workspace

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func doc(i int) Document {
	return Document{URI: fmt.Sprintf("git://github.com/a/b?c#f%d.ts", i), LanguageID: "typescript"}
}

func TestRegistry_OpenAndSnapshot(t *testing.T) {
	r, err := New(0)
	require.NoError(t, err)

	r.Open(doc(1))
	r.Open(doc(2))
	snapshot := r.Documents()
	r.Open(doc(3))

	assert.Equal(t, []Document{doc(1), doc(2)}, snapshot)
	assert.Equal(t, 3, r.Len())

	got, ok := r.Get(doc(2).URI)
	require.True(t, ok)
	assert.Equal(t, doc(2), got)
}

func TestRegistry_Bounded(t *testing.T) {
	r, err := New(2)
	require.NoError(t, err)

	r.Open(doc(1))
	r.Open(doc(2))
	r.Open(doc(3))

	assert.Equal(t, []Document{doc(2), doc(3)}, r.Documents())
	_, ok := r.Get(doc(1).URI)
	assert.False(t, ok)
}

func TestRegistry_Subscribe(t *testing.T) {
	r, err := New(0)
	require.NoError(t, err)

	var events []string
	unsubA := r.Subscribe(func(d Document) { events = append(events, "a:"+d.URI) })
	r.Subscribe(func(d Document) { events = append(events, "b:"+d.URI) })

	r.Open(doc(1))
	unsubA()
	unsubA()
	r.Open(doc(2))

	assert.Equal(t, []string{
		"a:" + doc(1).URI,
		"b:" + doc(1).URI,
		"b:" + doc(2).URI,
	}, events)
}

func TestRegistry_EventsDeliveredOnceInOrder(t *testing.T) {
	r, err := New(0)
	require.NoError(t, err)

	var (
		mu   sync.Mutex
		seen []string
	)
	r.Subscribe(func(d Document) {
		mu.Lock()
		seen = append(seen, d.URI)
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r.Open(doc(i))
		}(i)
	}
	wg.Wait()

	// Delivery order must match the registry's own insertion order.
	var opened []string
	for _, d := range r.Documents() {
		opened = append(opened, d.URI)
	}
	assert.Equal(t, opened, seen)
}
