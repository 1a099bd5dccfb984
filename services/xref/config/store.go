// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.


package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
)

// Store holds the current configuration and reloads it from disk.
//
// Description:
//
//	Readers take an immutable snapshot with Config or Settings. Reload
//	and Watch swap the snapshot atomically; a file that fails to parse
//	or validate is logged and the previous snapshot stays in effect.
//	Components that read settings at dial time therefore pick up the
//	change on their next dial.
//
// Thread Safety:
//
//	Safe for concurrent use.
type Store struct {
	path    string
	current atomic.Pointer[Config]
	logger  *slog.Logger

	mu        sync.Mutex
	listeners []func(*Config)
}

// NewStore loads path and returns a store holding it.
func NewStore(path string, logger *slog.Logger) (*Store, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	return NewStaticStore(path, cfg, logger), nil
}

// NewStaticStore wraps an already loaded configuration. Reload and Watch
// use path when it is not empty.
func NewStaticStore(path string, cfg *Config, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{path: path, logger: logger.With(slog.String("component", "config"))}
	s.current.Store(cfg)
	return s
}

// Config returns the current snapshot. Callers must not modify it.
func (s *Store) Config() *Config {
	return s.current.Load()
}

// Settings returns the current host settings. Callers must not modify
// them.
func (s *Store) Settings() Settings {
	return s.current.Load().Settings
}

// OnReload registers fn to run after every successful reload.
func (s *Store) OnReload(fn func(*Config)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// Reload re-reads the file. On failure the current snapshot is kept.
func (s *Store) Reload() error {
	if s.path == "" {
		return nil
	}
	cfg, err := Load(s.path)
	if err != nil {
		return err
	}
	s.current.Store(cfg)

	s.mu.Lock()
	listeners := append([]func(*Config){}, s.listeners...)
	s.mu.Unlock()
	for _, fn := range listeners {
		fn(cfg)
	}
	return nil
}

// Watch reloads the configuration whenever the file is written or
// replaced, until ctx is done.
//
// Description:
//
//	The parent directory is watched rather than the file so that editors
//	that save by rename are followed. Returns nil when ctx is done and an
//	error only if the watch cannot be established.
func (s *Store) Watch(ctx context.Context) error {
	if s.path == "" {
		<-ctx.Done()
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create config watcher: %w", err)
	}
	defer watcher.Close()

	abs, err := filepath.Abs(s.path)
	if err != nil {
		return fmt.Errorf("resolve config path: %w", err)
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}

	s.logger.Debug("Watching configuration", slog.String("path", abs))

	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != abs {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if err := s.Reload(); err != nil {
				s.logger.Warn("Configuration reload rejected, keeping previous",
					slog.String("path", abs),
					slog.String("error", err.Error()),
				)
				continue
			}
			s.logger.Info("Configuration reloaded", slog.String("path", abs))

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn("Configuration watcher error", slog.String("error", err.Error()))

		case <-ctx.Done():
			return nil
		}
	}
}
