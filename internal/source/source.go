// SPDX-License-Identifier: AGPL-3.0-or-later
// Package source implements the mode-dispatched source enumerator
// (spec.md §4.3), grounded on rsendmail-core's send_attachment_dir_with_cancel
// (WalkDir-based recursive scan) and collect_email_files equivalent for
// EmlBatch mode, re-expressed with filepath.WalkDir — the standard
// library is the correct tool here: a recursive regular-file walk by
// extension has no ecosystem library in the retrieval pack that does
// anything filepath.WalkDir doesn't already do exactly.
package source

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/btouchard/rsendmail/internal/config"
)

// Source is the unit of work: a path on disk plus its base filename.
type Source struct {
	Path     string
	Filename string
}

// Enumerate produces the ordered source list for the configured mode.
// Ordering follows the walk's natural traversal and is not guaranteed to
// be any particular order across platforms (spec.md §4.3).
func Enumerate(cfg *config.Config) ([]Source, error) {
	switch cfg.Mode() {
	case config.ModeSingleAttachment:
		return singleAttachment(cfg.Attachment)
	case config.ModeAttachmentDir:
		return walkDir(cfg.AttachmentDir, "")
	default:
		return walkDir(cfg.Dir, cfg.Extension)
	}
}

func singleAttachment(path string) ([]Source, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat attachment: %w", err)
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("attachment is not a regular file: %s", path)
	}
	return []Source{{Path: path, Filename: filepath.Base(path)}}, nil
}

// walkDir recursively scans root, yielding every regular file. When ext is
// non-empty, only files whose extension (case-sensitive, no leading dot)
// equals ext are included — otherwise every regular file qualifies.
func walkDir(root, ext string) ([]Source, error) {
	var out []Source

	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		if ext != "" && !hasExtension(path, ext) {
			return nil
		}
		out = append(out, Source{Path: path, Filename: filepath.Base(path)})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan directory %s: %w", root, err)
	}

	return out, nil
}

func hasExtension(path, ext string) bool {
	got := strings.TrimPrefix(filepath.Ext(path), ".")
	return got == ext
}
