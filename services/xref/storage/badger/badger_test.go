// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.


package badger

import (
	"context"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := OpenDB(InMemoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestConfigFunctions(t *testing.T) {
	t.Run("DefaultConfig enables GC", func(t *testing.T) {
		cfg := DefaultConfig()
		assert.False(t, cfg.InMemory)
		assert.Equal(t, 10*time.Minute, cfg.GCInterval)
		assert.Equal(t, 0.5, cfg.GCDiscardRatio)
	})

	t.Run("InMemoryConfig disables GC", func(t *testing.T) {
		cfg := InMemoryConfig()
		assert.True(t, cfg.InMemory)
		assert.Equal(t, time.Duration(0), cfg.GCInterval)
	})
}

func TestOpenDB(t *testing.T) {
	t.Run("persistent requires path", func(t *testing.T) {
		_, err := OpenDB(Config{})
		assert.ErrorIs(t, err, ErrPathRequired)
	})

	t.Run("persistent round trip with GC", func(t *testing.T) {
		dir := t.TempDir()
		cfg := DefaultConfig()
		cfg.Path = dir
		cfg.GCInterval = 10 * time.Millisecond

		db, err := OpenDB(cfg)
		require.NoError(t, err)
		require.NoError(t, db.PutJSON(context.Background(), "k", []string{"a"}, 0))
		time.Sleep(30 * time.Millisecond)
		require.NoError(t, db.Close())
		require.NoError(t, db.Close())

		db, err = OpenDB(cfg)
		require.NoError(t, err)
		defer db.Close()

		var got []string
		found, err := db.GetJSON(context.Background(), "k", &got)
		require.NoError(t, err)
		assert.True(t, found)
		assert.Equal(t, []string{"a"}, got)
	})

	t.Run("bad discard ratio", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Path = t.TempDir()
		cfg.GCDiscardRatio = 1.5
		_, err := OpenDB(cfg)
		assert.Error(t, err)
	})
}

func TestDB_WithTxn(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	err := db.WithTxn(ctx, func(txn *badger.Txn) error {
		return txn.Set([]byte("txn-key"), []byte("txn-value"))
	})
	require.NoError(t, err)

	err = db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get([]byte("txn-key"))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			assert.Equal(t, []byte("txn-value"), val)
			return nil
		})
	})
	require.NoError(t, err)

	t.Run("cancelled context", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		err := db.WithTxn(cctx, func(*badger.Txn) error { return nil })
		assert.ErrorIs(t, err, context.Canceled)
		err = db.WithReadTxn(cctx, func(*badger.Txn) error { return nil })
		assert.ErrorIs(t, err, context.Canceled)
	})

	t.Run("fn error rolls back", func(t *testing.T) {
		err := db.WithTxn(ctx, func(txn *badger.Txn) error {
			if err := txn.Set([]byte("rolled"), []byte("x")); err != nil {
				return err
			}
			return assert.AnError
		})
		require.ErrorIs(t, err, assert.AnError)

		var v string
		found, err := db.GetJSON(ctx, "rolled", &v)
		require.NoError(t, err)
		assert.False(t, found)
	})
}

func TestDB_JSON(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	t.Run("missing key", func(t *testing.T) {
		var v []string
		found, err := db.GetJSON(ctx, "absent", &v)
		require.NoError(t, err)
		assert.False(t, found)
	})

	t.Run("ttl expires", func(t *testing.T) {
		require.NoError(t, db.PutJSON(ctx, "short", "v", time.Second))
		var v string
		found, err := db.GetJSON(ctx, "short", &v)
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, "v", v)

		// Badger TTLs have one second granularity.
		time.Sleep(2100 * time.Millisecond)
		found, err = db.GetJSON(ctx, "short", &v)
		require.NoError(t, err)
		assert.False(t, found)
	})

	t.Run("delete", func(t *testing.T) {
		require.NoError(t, db.PutJSON(ctx, "gone", 1, 0))
		require.NoError(t, db.Delete(ctx, "gone"))
		var v int
		found, err := db.GetJSON(ctx, "gone", &v)
		require.NoError(t, err)
		assert.False(t, found)
	})
}
