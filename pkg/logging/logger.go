// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package logging provides structured logging for the dental assistant
// backend.
//
// The backend runs as a localhost daemon next to a desktop shell, so the
// default destination is stderr (collected by the shell's log window).
// Optionally a JSON log file is written under the per-user data directory
// so support bundles can include backend history without shell involvement.
//
// Built on Go's standard library slog package:
//
//	logger := logging.New(logging.Config{
//	    Level:   logging.LevelInfo,
//	    LogDir:  filepath.Join(dataDir, "logs"),
//	    Service: "backend",
//	})
//	defer logger.Close()
//	logger.Info("journal opened", "records", n)
//
// # Security Considerations
//
// This package does NOT redact patient data. Callers must log metadata
// only: lengths, counts, hashes. Never transcription or note bodies.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// =============================================================================
// Log Levels
// =============================================================================

// Level represents log severity, ordered Debug < Info < Warn < Error.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// String returns "DEBUG", "INFO", "WARN", "ERROR", or "UNKNOWN".
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

// ParseLevel maps a config string to a Level, defaulting to Info.
func ParseLevel(s string) Level {
	switch s {
	case "debug", "DEBUG":
		return LevelDebug
	case "warn", "WARN", "warning":
		return LevelWarn
	case "error", "ERROR":
		return LevelError
	default:
		return LevelInfo
	}
}

// =============================================================================
// Configuration
// =============================================================================

// Config configures Logger behavior. The zero value writes Info and above
// as text to stderr with no file output.
type Config struct {
	// Level is the minimum severity to emit.
	Level Level

	// LogDir, when non-empty, enables JSON file logging. The directory is
	// created (0700) if absent and files are named {service}_{date}.log.
	LogDir string

	// Service names the emitting component. Defaults to "backend".
	Service string

	// JSON forces JSON output on stderr as well. The desktop shell parses
	// stderr, so production runs set this; text is friendlier for
	// interactive runs.
	JSON bool
}

// =============================================================================
// Logger
// =============================================================================

// Logger wraps slog with optional file output.
//
// # Thread Safety
//
// All methods are safe for concurrent use.
type Logger struct {
	slogger *slog.Logger

	mu   sync.Mutex
	file *os.File
}

// New creates a Logger from the config. A file-open failure degrades to
// stderr-only logging rather than failing startup; the failure is printed
// once to stderr.
func New(cfg Config) *Logger {
	if cfg.Service == "" {
		cfg.Service = "backend"
	}

	writers := []io.Writer{os.Stderr}

	var file *os.File
	if cfg.LogDir != "" {
		f, err := openLogFile(cfg.LogDir, cfg.Service)
		if err != nil {
			fmt.Fprintf(os.Stderr, "logging: file output disabled: %v\n", err)
		} else {
			file = f
			writers = append(writers, f)
		}
	}

	out := io.MultiWriter(writers...)
	opts := &slog.HandlerOptions{Level: cfg.Level.toSlogLevel()}

	var handler slog.Handler
	if cfg.JSON || file != nil {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}

	return &Logger{
		slogger: slog.New(handler).With("service", cfg.Service),
		file:    file,
	}
}

// Default returns a stderr-only Info-level logger.
func Default() *Logger {
	return New(Config{})
}

func openLogFile(dir, service string) (*os.File, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	name := fmt.Sprintf("%s_%s.log", service, time.Now().UTC().Format("2006-01-02"))
	f, err := os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	return f, nil
}

// Slog exposes the underlying slog.Logger for libraries that expect one
// (gin recovery middleware, slog.SetDefault at startup).
func (l *Logger) Slog() *slog.Logger { return l.slogger }

// Debug logs at debug level with key/value pairs.
func (l *Logger) Debug(msg string, args ...any) { l.slogger.Debug(msg, args...) }

// Info logs at info level with key/value pairs.
func (l *Logger) Info(msg string, args ...any) { l.slogger.Info(msg, args...) }

// Warn logs at warn level with key/value pairs.
func (l *Logger) Warn(msg string, args ...any) { l.slogger.Warn(msg, args...) }

// Error logs at error level with key/value pairs.
func (l *Logger) Error(msg string, args ...any) { l.slogger.Error(msg, args...) }

// With returns a child logger carrying the given attributes. The child
// shares the parent's file handle; only Close the parent.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{slogger: l.slogger.With(args...)}
}

// Close flushes and closes the log file, if any. Safe to call twice.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}
