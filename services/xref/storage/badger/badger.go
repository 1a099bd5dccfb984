// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.


// Package badger opens the embedded BadgerDB store used for XRef caches.
//
// The store holds data that is expensive to recompute and safe to lose,
// such as dependent repository lists. Entries carry a TTL; nothing here
// is a source of truth.
//
// License: BadgerDB is Apache 2.0 licensed (github.com/dgraph-io/badger).
package badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// ErrPathRequired indicates a persistent store was configured without a path.
var ErrPathRequired = errors.New("path is required for persistent database")

// Config holds configuration for the cache store.
type Config struct {
	// Path is the directory for database files. Ignored when InMemory.
	Path string `yaml:"path" json:"path"`

	// InMemory keeps everything in RAM. Used by tests and when no cache
	// directory is configured.
	InMemory bool `yaml:"in_memory" json:"in_memory"`

	// SyncWrites fsyncs every commit.
	SyncWrites bool `yaml:"sync_writes" json:"sync_writes"`

	// GCInterval is how often value log GC runs. Zero disables it.
	GCInterval time.Duration `yaml:"gc_interval" json:"gc_interval"`

	// GCDiscardRatio is the garbage ratio that triggers a rewrite.
	GCDiscardRatio float64 `yaml:"gc_discard_ratio" json:"gc_discard_ratio" validate:"gte=0,lte=1"`

	// Logger receives BadgerDB's internal logs. Nil silences them.
	Logger *slog.Logger `yaml:"-" json:"-"`
}

// DefaultConfig returns defaults for an on-disk cache.
//
// Description:
//
//	Writes are not synced since the store only holds cache entries. Value
//	log GC runs every 10 minutes at a 50% discard ratio.
func DefaultConfig() Config {
	return Config{
		SyncWrites:     false,
		GCInterval:     10 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

// InMemoryConfig returns a configuration for an in-memory store with GC
// disabled.
func InMemoryConfig() Config {
	return Config{InMemory: true}
}

// badgerLogger adapts slog.Logger to BadgerDB's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// options translates cfg to BadgerDB options.
func options(cfg Config) (badger.Options, error) {
	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if cfg.Path == "" {
			return opts, ErrPathRequired
		}
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return opts, fmt.Errorf("create database directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}

	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger.With(slog.String("component", "badger"))})
	} else {
		opts = opts.WithLogger(nil)
	}
	return opts, nil
}

// =============================================================================
// DB
// =============================================================================

// DB is an open cache store.
//
// Description:
//
//	Embeds *badger.DB and adds transaction helpers, JSON values with
//	TTLs, and a background value log GC loop.
//
// Thread Safety:
//
//	Safe for concurrent use.
type DB struct {
	*badger.DB
	inMemory bool

	stopGC    context.CancelFunc
	gcDone    chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// OpenDB opens the store and starts GC when configured.
//
// Outputs:
//
//	*DB - The open store. Call Close when done.
//	error - ErrPathRequired or an open failure
func OpenDB(cfg Config) (*DB, error) {
	opts, err := options(cfg)
	if err != nil {
		return nil, err
	}
	raw, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}

	db := &DB{DB: raw, inMemory: cfg.InMemory}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		if cfg.GCDiscardRatio <= 0 || cfg.GCDiscardRatio >= 1 {
			raw.Close()
			return nil, fmt.Errorf("gc discard ratio must be in (0, 1), got %v", cfg.GCDiscardRatio)
		}
		ctx, cancel := context.WithCancel(context.Background())
		db.stopGC = cancel
		db.gcDone = make(chan struct{})
		go db.runGC(ctx, cfg.GCInterval, cfg.GCDiscardRatio, cfg.Logger)
	}
	return db, nil
}

// runGC triggers value log GC every interval until ctx is done.
func (d *DB) runGC(ctx context.Context, interval time.Duration, ratio float64, logger *slog.Logger) {
	defer close(d.gcDone)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// ErrNoRewrite means nothing needed collecting.
			err := d.DB.RunValueLogGC(ratio)
			if err != nil && !errors.Is(err, badger.ErrNoRewrite) && logger != nil {
				logger.Warn("badger value log GC error", slog.String("error", err.Error()))
			}
		}
	}
}

// InMemory reports whether the store is memory-only.
func (d *DB) InMemory() bool {
	return d.inMemory
}

// Close stops GC and closes the database. Safe to call multiple times.
func (d *DB) Close() error {
	d.closeOnce.Do(func() {
		if d.stopGC != nil {
			d.stopGC()
			<-d.gcDone
		}
		d.closeErr = d.DB.Close()
	})
	return d.closeErr
}

// WithTxn runs fn in a read-write transaction and commits when fn returns
// nil.
func (d *DB) WithTxn(ctx context.Context, fn func(txn *badger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled: %w", err)
	}
	txn := d.DB.NewTransaction(true)
	defer txn.Discard()

	if err := fn(txn); err != nil {
		return err
	}
	return txn.Commit()
}

// WithReadTxn runs fn in a read-only transaction.
func (d *DB) WithReadTxn(ctx context.Context, fn func(txn *badger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled: %w", err)
	}
	txn := d.DB.NewTransaction(false)
	defer txn.Discard()
	return fn(txn)
}

// =============================================================================
// JSON VALUES
// =============================================================================

// PutJSON stores v under key as JSON. A positive ttl expires the entry.
func (d *DB) PutJSON(ctx context.Context, key string, v interface{}, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	return d.WithTxn(ctx, func(txn *badger.Txn) error {
		entry := badger.NewEntry([]byte(key), data)
		if ttl > 0 {
			entry = entry.WithTTL(ttl)
		}
		return txn.SetEntry(entry)
	})
}

// GetJSON decodes the value under key into out. It reports false when the
// key is absent or expired.
func (d *DB) GetJSON(ctx context.Context, key string, out interface{}) (bool, error) {
	found := false
	err := d.WithReadTxn(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, out)
		})
	})
	if err != nil {
		return false, fmt.Errorf("get %s: %w", key, err)
	}
	return found, nil
}

// Delete removes key. Deleting an absent key is not an error.
func (d *DB) Delete(ctx context.Context, key string) error {
	return d.WithTxn(ctx, func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
}
