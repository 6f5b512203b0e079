// SPDX-License-Identifier: AGPL-3.0-or-later
// Package logx provides the structured logging sink injected into every
// engine component, generalising the teacher project's pkg/logger into an
// injectable value instead of a package-level global.
package logx

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// New builds a JSON-handler slog.Logger writing to stdout and, when
// logFile is non-empty, tee'd into an append-only file as well (spec.md
// §6's "log_file: a plain-text log tailing every INFO/WARN/ERROR event").
func New(level slog.Level, logFile string) (*slog.Logger, func() error, error) {
	writers := []io.Writer{os.Stdout}
	closeFn := func() error { return nil }

	if logFile != "" {
		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, err
		}
		writers = append(writers, f)
		closeFn = f.Close
	}

	handler := slog.NewJSONHandler(io.MultiWriter(writers...), &slog.HandlerOptions{
		Level: level,
	})
	return slog.New(handler), closeFn, nil
}

// ParseLevel maps a case-insensitive level name to a slog.Level, defaulting
// to Info for anything unrecognised — mirrors the teacher's
// pkg/logger.ParseLevel.
func ParseLevel(levelStr string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(levelStr)) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Nop returns a logger that discards all output. Components given a nil
// logger fall back to slog.Default(), not to Nop.
func Nop() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
