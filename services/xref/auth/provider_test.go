// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.


package auth

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCreator struct {
	calls atomic.Int64
	token string
	err   error
}

func (c *fakeCreator) CreateAccessToken(_ context.Context, note string) (string, error) {
	c.calls.Add(1)
	return c.token, c.err
}

func TestProvider_Order(t *testing.T) {
	ctx := context.Background()
	setting := ""
	creator := &fakeCreator{token: "created"}

	p, err := NewProvider(Config{
		Setting:     func() string { return setting },
		Configured:  "configured",
		CreateToken: true,
		Creator:     creator,
	})
	require.NoError(t, err)

	t.Run("configured when setting empty", func(t *testing.T) {
		token, err := p.Token(ctx)
		require.NoError(t, err)
		assert.Equal(t, "configured", token)
	})

	t.Run("setting wins", func(t *testing.T) {
		setting = "from-setting"
		defer func() { setting = "" }()
		token, err := p.Token(ctx)
		require.NoError(t, err)
		assert.Equal(t, "from-setting", token)
	})

	assert.Equal(t, int64(0), creator.calls.Load())
}

func TestProvider_Create(t *testing.T) {
	ctx := context.Background()

	t.Run("created once and reused", func(t *testing.T) {
		creator := &fakeCreator{token: "created"}
		p, err := NewProvider(Config{CreateToken: true, Creator: creator})
		require.NoError(t, err)

		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				token, err := p.Token(ctx)
				assert.NoError(t, err)
				assert.Equal(t, "created", token)
			}()
		}
		wg.Wait()
		assert.Equal(t, int64(1), creator.calls.Load())
	})

	t.Run("creation failure", func(t *testing.T) {
		p, err := NewProvider(Config{CreateToken: true, Creator: &fakeCreator{err: assert.AnError}})
		require.NoError(t, err)
		_, err = p.Token(ctx)
		assert.ErrorIs(t, err, assert.AnError)
	})

	t.Run("creation requires creator", func(t *testing.T) {
		_, err := NewProvider(Config{CreateToken: true})
		assert.Error(t, err)
	})
}

func TestProvider_Anonymous(t *testing.T) {
	p, err := NewProvider(Config{})
	require.NoError(t, err)
	token, err := p.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "", token)
}

func TestProvider_Destroy(t *testing.T) {
	setting := ""
	p, err := NewProvider(Config{Configured: "configured", Setting: func() string { return setting }})
	require.NoError(t, err)

	p.Destroy()
	_, err = p.Token(context.Background())
	assert.ErrorIs(t, err, ErrDestroyed)

	setting = "live"
	token, err := p.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "live", token)
}
