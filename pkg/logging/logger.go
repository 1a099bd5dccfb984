// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package logging provides structured logging for Aleutian XRef.
//
// The logger is built on log/slog and writes to stderr, optionally to a
// daily JSON file, and optionally to a LogExporter:
//
//	┌──────────────────────────────────────────────────────┐
//	│                       Logger                         │
//	│  ┌────────────┐  ┌────────────┐  ┌────────────────┐  │
//	│  │   stderr   │  │  log file  │  │  LogExporter   │  │
//	│  │ text/json  │  │  (json)    │  │  (optional)    │  │
//	│  └────────────┘  └────────────┘  └────────────────┘  │
//	└──────────────────────────────────────────────────────┘
//
// # Format Selection
//
// With FormatAuto, stderr gets human-readable text when it is a terminal
// and JSON otherwise, so the service logs JSON under a process supervisor
// and text in a developer shell.
//
// # Secrets
//
// Attributes whose key names a credential (token, access_token,
// authorization, password) are replaced with "REDACTED" by every handler.
//
// # Basic Usage
//
//	logger := logging.New(logging.Config{Level: logging.LevelInfo, Service: "xref"})
//	defer logger.Close()
//	slog.SetDefault(logger.Slog())
package logging

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-isatty"
)

// =============================================================================
// Levels
// =============================================================================

// Level represents log severity.
type Level int

const (
	// LevelDebug is for detailed diagnostics such as aggregation states.
	LevelDebug Level = iota

	// LevelInfo is for normal operational events.
	LevelInfo

	// LevelWarn is for recoverable problems such as a failed dependent.
	LevelWarn

	// LevelError is for failures that end an operation.
	LevelError
)

// String returns the level name.
func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// toSlogLevel converts to slog.Level. Unknown levels map to Info.
func (l Level) toSlogLevel() slog.Level {
	switch l {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ParseLevel maps a configuration string to a Level. Matching is case
// insensitive and "warning" is accepted for LevelWarn.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug, nil
	case "info", "":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	default:
		return LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}

// =============================================================================
// Configuration
// =============================================================================

// Format selects the stderr encoding.
type Format string

const (
	FormatAuto Format = "auto"
	FormatText Format = "text"
	FormatJSON Format = "json"
)

// Config controls logger behavior.
type Config struct {
	// Level is the minimum level to log.
	Level Level

	// LogDir enables a JSON log file at LogDir/<service>_<date>.log.
	// Supports ~ for the home directory. Failure to create it is ignored.
	LogDir string

	// Service is attached to every record as "service".
	Service string

	// Format selects stderr encoding. Empty means FormatAuto.
	Format Format

	// Quiet disables stderr output.
	Quiet bool

	// Exporter receives a copy of every record at or above Level.
	Exporter LogExporter

	// Output replaces stderr. Used by tests.
	Output io.Writer
}

// LogExporter ships log entries to an external system.
//
// Export is called asynchronously and must be safe for concurrent use.
type LogExporter interface {
	Export(ctx context.Context, entry LogEntry) error
	Flush(ctx context.Context) error
	Close() error
}

// LogEntry is the exported form of one record.
type LogEntry struct {
	Timestamp time.Time
	Level     Level
	Message   string
	Service   string
	Attrs     map[string]any
}

// =============================================================================
// Logger
// =============================================================================

// Logger wraps slog.Logger with file output and export.
//
// Thread Safety: Logger is safe for concurrent use.
type Logger struct {
	slog     *slog.Logger
	config   Config
	file     *os.File
	exporter LogExporter
	mu       sync.Mutex
}

// New creates a Logger from config.
//
// Description:
//
//	Builds the stderr handler (text or JSON per Format), a JSON file
//	handler when LogDir is set, and fans records out to both. Credential
//	attributes are redacted on every handler.
//
// Inputs:
//
//	config - Logger configuration. The zero value logs Info text to stderr.
//
// Outputs:
//
//	*Logger - Ready logger. Call Close to flush the file and exporter.
func New(config Config) *Logger {
	opts := &slog.HandlerOptions{
		Level:       config.Level.toSlogLevel(),
		ReplaceAttr: redactAttr,
	}

	out := config.Output
	if out == nil {
		out = os.Stderr
	}

	var handlers []slog.Handler
	if !config.Quiet {
		if useJSON(config.Format, out) {
			handlers = append(handlers, slog.NewJSONHandler(out, opts))
		} else {
			handlers = append(handlers, slog.NewTextHandler(out, opts))
		}
	}

	logger := &Logger{config: config, exporter: config.Exporter}

	if config.LogDir != "" {
		if file := openLogFile(config); file != nil {
			logger.file = file
			handlers = append(handlers, slog.NewJSONHandler(file, opts))
		}
	}

	var handler slog.Handler
	switch len(handlers) {
	case 0:
		handler = slog.NewTextHandler(io.Discard, opts)
	case 1:
		handler = handlers[0]
	default:
		handler = &multiHandler{handlers: handlers}
	}

	if config.Service != "" {
		handler = handler.WithAttrs([]slog.Attr{slog.String("service", config.Service)})
	}

	logger.slog = slog.New(handler)
	return logger
}

// Default returns an Info-level logger for the xref service.
func Default() *Logger {
	return New(Config{Level: LevelInfo, Service: "xref"})
}

// useJSON decides the stderr encoding.
func useJSON(format Format, out io.Writer) bool {
	switch format {
	case FormatJSON:
		return true
	case FormatText:
		return false
	}
	f, ok := out.(*os.File)
	if !ok {
		return false
	}
	fd := f.Fd()
	return !isatty.IsTerminal(fd) && !isatty.IsCygwinTerminal(fd)
}

// openLogFile opens today's log file, or returns nil.
func openLogFile(config Config) *os.File {
	dir := expandPath(config.LogDir)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil
	}
	service := config.Service
	if service == "" {
		service = "xref"
	}
	name := fmt.Sprintf("%s_%s.log", service, time.Now().Format("2006-01-02"))
	file, err := os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
	if err != nil {
		return nil
	}
	return file
}

// Debug logs at debug level.
func (l *Logger) Debug(msg string, args ...any) { l.log(LevelDebug, msg, args...) }

// Info logs at info level.
func (l *Logger) Info(msg string, args ...any) { l.log(LevelInfo, msg, args...) }

// Warn logs at warn level.
func (l *Logger) Warn(msg string, args ...any) { l.log(LevelWarn, msg, args...) }

// Error logs at error level.
func (l *Logger) Error(msg string, args ...any) { l.log(LevelError, msg, args...) }

// With returns a child logger with additional attributes. The child
// shares the file and exporter; only the parent should be closed.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{
		slog:     l.slog.With(args...),
		config:   l.config,
		file:     l.file,
		exporter: l.exporter,
	}
}

// Slog returns the underlying slog.Logger for slog.SetDefault and for
// components that take a *slog.Logger.
func (l *Logger) Slog() *slog.Logger {
	return l.slog
}

// Close flushes and closes the exporter and the log file.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var errs []error
	if l.exporter != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := l.exporter.Flush(ctx); err != nil {
			errs = append(errs, fmt.Errorf("flush exporter: %w", err))
		}
		if err := l.exporter.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close exporter: %w", err))
		}
		l.exporter = nil
	}
	if l.file != nil {
		if err := l.file.Sync(); err != nil {
			errs = append(errs, fmt.Errorf("sync log file: %w", err))
		}
		if err := l.file.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close log file: %w", err))
		}
		l.file = nil
	}
	return errors.Join(errs...)
}

func (l *Logger) log(level Level, msg string, args ...any) {
	switch level {
	case LevelDebug:
		l.slog.Debug(msg, args...)
	case LevelInfo:
		l.slog.Info(msg, args...)
	case LevelWarn:
		l.slog.Warn(msg, args...)
	case LevelError:
		l.slog.Error(msg, args...)
	}

	if l.exporter != nil && level >= l.config.Level {
		entry := LogEntry{
			Timestamp: time.Now(),
			Level:     level,
			Message:   msg,
			Service:   l.config.Service,
			Attrs:     argsToMap(args),
		}
		exporter := l.exporter
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			_ = exporter.Export(ctx, entry)
		}()
	}
}

// =============================================================================
// Handlers
// =============================================================================

// multiHandler fans records out to several handlers.
type multiHandler struct {
	handlers []slog.Handler
}

func (h *multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

// Handle writes r to every enabled handler and returns the first error
// after trying all of them.
func (h *multiHandler) Handle(ctx context.Context, r slog.Record) error {
	var first error
	for _, handler := range h.handlers {
		if !handler.Enabled(ctx, r.Level) {
			continue
		}
		if err := handler.Handle(ctx, r.Clone()); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (h *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	handlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		handlers[i] = handler.WithAttrs(attrs)
	}
	return &multiHandler{handlers: handlers}
}

func (h *multiHandler) WithGroup(name string) slog.Handler {
	handlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		handlers[i] = handler.WithGroup(name)
	}
	return &multiHandler{handlers: handlers}
}

// secretKeys are attribute keys whose values are never written.
var secretKeys = map[string]struct{}{
	"token":         {},
	"access_token":  {},
	"accesstoken":   {},
	"authorization": {},
	"password":      {},
}

// redactAttr masks credential attributes.
func redactAttr(_ []string, a slog.Attr) slog.Attr {
	if _, ok := secretKeys[strings.ToLower(a.Key)]; ok {
		return slog.String(a.Key, "REDACTED")
	}
	return a
}

// =============================================================================
// Helpers
// =============================================================================

func expandPath(path string) string {
	if strings.HasPrefix(path, "~") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[1:])
		}
	}
	return path
}

// argsToMap converts alternating key/value args and slog.Attr values to a
// map, applying the same redaction as the handlers.
func argsToMap(args []any) map[string]any {
	result := make(map[string]any)
	for i := 0; i < len(args); i++ {
		switch v := args[i].(type) {
		case slog.Attr:
			a := redactAttr(nil, v)
			result[a.Key] = a.Value.Any()
		case string:
			if i+1 >= len(args) {
				return result
			}
			a := redactAttr(nil, slog.Any(v, args[i+1]))
			result[a.Key] = a.Value.Any()
			i++
		}
	}
	return result
}

// =============================================================================
// Exporters
// =============================================================================

// NopExporter discards entries.
type NopExporter struct{}

func (e *NopExporter) Export(context.Context, LogEntry) error { return nil }
func (e *NopExporter) Flush(context.Context) error { return nil }
func (e *NopExporter) Close() error { return nil }

var _ LogExporter = (*NopExporter)(nil)

// BufferedExporter keeps entries in memory. Used in tests.
type BufferedExporter struct {
	mu      sync.Mutex
	entries []LogEntry
}

// NewBufferedExporter creates an empty BufferedExporter.
func NewBufferedExporter() *BufferedExporter {
	return &BufferedExporter{entries: make([]LogEntry, 0, 64)}
}

func (e *BufferedExporter) Export(_ context.Context, entry LogEntry) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.entries = append(e.entries, entry)
	return nil
}

func (e *BufferedExporter) Flush(context.Context) error { return nil }
func (e *BufferedExporter) Close() error { return nil }

// Entries returns a copy of the exported entries.
func (e *BufferedExporter) Entries() []LogEntry {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]LogEntry, len(e.entries))
	copy(out, e.entries)
	return out
}

var _ LogExporter = (*BufferedExporter)(nil)
