// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package logging builds the process-wide slog logger.
//
// Records go to stderr (text or JSON) and, when LogDir is set, to a daily
// JSON file in that directory. Destinations are fanned out with slog-multi,
// so every handler sees every record at or above the configured level.
//
//	logger, err := logging.New(logging.Config{
//	    Level:   "info",
//	    LogDir:  "~/.simsearch/logs",
//	    Service: "simsearch",
//	})
//	if err != nil {
//	    return err
//	}
//	defer logger.Close()
//	slog.SetDefault(logger.Slog())
package logging

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	slogmulti "github.com/samber/slog-multi"
)

// ErrUnknownLevel is returned for a level name ParseLevel does not know.
var ErrUnknownLevel = errors.New("unknown log level")

// ParseLevel maps "debug", "info", "warn" or "error" to a slog level. The
// empty string is info.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("%w: %q", ErrUnknownLevel, s)
	}
}

// Config configures the Logger. A zero Config writes info and above to
// stderr as text.
type Config struct {
	// Level is the minimum level name. Default: "info".
	Level string `yaml:"level" json:"level" validate:"omitempty,oneof=debug info warn warning error"`

	// LogDir enables a JSON log file "{Service}_{YYYY-MM-DD}.log" in this
	// directory. Supports ~ expansion.
	LogDir string `yaml:"log_dir" json:"log_dir"`

	// Service is added to every record as the "service" attribute.
	Service string `yaml:"service" json:"service"`

	// JSON switches the console output to JSON.
	JSON bool `yaml:"json" json:"json"`

	// Quiet disables console output.
	Quiet bool `yaml:"quiet" json:"quiet"`

	// Console overrides the console writer. Default: os.Stderr.
	Console io.Writer `yaml:"-" json:"-"`
}

// Logger owns the slog logger and the optional log file.
//
// Thread Safety: Safe for concurrent use.
type Logger struct {
	slog  *slog.Logger
	level *slog.LevelVar
	file  *os.File
	path  string

	closeOnce sync.Once
	closeErr  error
}

// New creates a Logger.
//
// Outputs:
//   - *Logger: Ready logger. Close it to release the log file.
//   - error: ErrUnknownLevel, or a failure creating the log directory or
//     file.
func New(cfg Config) (*Logger, error) {
	lvl, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	l := &Logger{level: new(slog.LevelVar)}
	l.level.Set(lvl)
	opts := &slog.HandlerOptions{Level: l.level}

	var handlers []slog.Handler
	if !cfg.Quiet {
		console := cfg.Console
		if console == nil {
			console = os.Stderr
		}
		if cfg.JSON {
			handlers = append(handlers, slog.NewJSONHandler(console, opts))
		} else {
			handlers = append(handlers, slog.NewTextHandler(console, opts))
		}
	}

	if cfg.LogDir != "" {
		dir := expandPath(cfg.LogDir)
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create log dir: %w", err)
		}
		service := cfg.Service
		if service == "" {
			service = "simsearch"
		}
		l.path = filepath.Join(dir, fmt.Sprintf("%s_%s.log", service, time.Now().Format("2006-01-02")))
		f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		l.file = f
		handlers = append(handlers, slog.NewJSONHandler(f, opts))
	}

	var handler slog.Handler
	switch len(handlers) {
	case 0:
		handler = slog.NewTextHandler(io.Discard, opts)
	case 1:
		handler = handlers[0]
	default:
		handler = slogmulti.Fanout(handlers...)
	}
	if cfg.Service != "" {
		handler = handler.WithAttrs([]slog.Attr{slog.String("service", cfg.Service)})
	}
	l.slog = slog.New(handler)
	return l, nil
}

// Slog returns the underlying logger.
func (l *Logger) Slog() *slog.Logger {
	return l.slog
}

// SetLevel changes the minimum level of every destination.
func (l *Logger) SetLevel(level slog.Level) {
	l.level.Set(level)
}

// FilePath returns the log file path, or "" without file logging.
func (l *Logger) FilePath() string {
	return l.path
}

// Close syncs and closes the log file. Safe to call more than once.
func (l *Logger) Close() error {
	l.closeOnce.Do(func() {
		if l.file == nil {
			return
		}
		l.closeErr = errors.Join(l.file.Sync(), l.file.Close())
	})
	return l.closeErr
}

// expandPath expands a leading ~ to the home directory.
func expandPath(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[1:])
		}
	}
	return path
}
