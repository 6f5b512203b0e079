// SPDX-License-Identifier: AGPL-3.0-or-later
// Package failedsink persists the original bytes of any send that failed,
// grounded on rsendmail-core's Mailer::save_failed_email: lazily
// mkdir -p the destination directory, embed a millisecond timestamp in the
// filename to avoid collisions, and copy the bytes byte-for-byte.
package failedsink

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Sink persists failed-send source bytes under dir. A zero-value Sink
// (empty dir) is a no-op, matching the optional failed_emails_dir field.
type Sink struct {
	dir    string
	logger *slog.Logger
	nowMs  func() int64
}

// New returns a Sink writing under dir. An empty dir disables persistence
// entirely.
func New(dir string, logger *slog.Logger) *Sink {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sink{
		dir:    dir,
		logger: logger,
		nowMs:  func() int64 { return time.Now().UnixMilli() },
	}
}

// Save copies content to <dir>/<stem>_<epoch_ms>.<ext>, creating dir if
// needed. Errors are logged, not returned — per spec.md §7 the sink is a
// best-effort side channel, not a step whose failure should abort a
// transaction that has already failed.
func (s *Sink) Save(originalPath string, content []byte) {
	if s == nil || s.dir == "" {
		return
	}

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		s.logger.Error("create failed-email sink directory", "dir", s.dir, "error", err)
		return
	}

	dest := filepath.Join(s.dir, destFilename(filepath.Base(originalPath), s.nowMs()))
	if err := os.WriteFile(dest, content, 0o644); err != nil {
		s.logger.Error("persist failed email", "source", originalPath, "dest", dest, "error", err)
		return
	}
	s.logger.Info("persisted failed email", "source", originalPath, "dest", dest)
}

// destFilename embeds a millisecond timestamp before the final extension,
// or appends it with an underscore when the name has none.
func destFilename(original string, epochMs int64) string {
	if idx := strings.LastIndex(original, "."); idx > 0 {
		return fmt.Sprintf("%s_%d%s", original[:idx], epochMs, original[idx:])
	}
	return fmt.Sprintf("%s_%d", original, epochMs)
}
