// SPDX-License-Identifier: AGPL-3.0-or-later
// Package worker implements one chunk-owning goroutine (spec.md §4.7),
// grounded on the teacher's internal/infrastructure/email.Worker: a
// batch-at-a-time loop that opens a resource lazily, processes a bounded
// unit of work, and decides whether to keep or discard that resource
// before the next unit — generalised here from "poll a DB queue on a
// ticker" to "drain a pre-enumerated chunk of sources, one Session-backed
// batch at a time".
package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/btouchard/rsendmail/internal/anonymizer"
	"github.com/btouchard/rsendmail/internal/batch"
	"github.com/btouchard/rsendmail/internal/cancel"
	"github.com/btouchard/rsendmail/internal/config"
	"github.com/btouchard/rsendmail/internal/failedsink"
	"github.com/btouchard/rsendmail/internal/smtpsession"
	"github.com/btouchard/rsendmail/internal/source"
	"github.com/btouchard/rsendmail/internal/stats"
)

// Run drains chunk in batches of cfg.BatchSize, opening a Session lazily
// for each batch that needs one, and returns this worker's partial Stats.
// It never returns an error: every failure mode is recorded into the
// returned Stats per spec.md §4.7, since the Scheduler only merges Stats.
func Run(ctx context.Context, cfg *config.Config, chunk []source.Source, sink *failedsink.Sink, cancelFlag *cancel.Flag, logger *slog.Logger) *stats.Stats {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("worker_id", uuid.NewString()))

	// Each worker runs on its own copy of the configuration.
	localCfg := *cfg
	cfg = &localCfg

	st := stats.New()

	var anon *anonymizer.Anonymizer
	if cfg.AnonymizeEmails {
		anon = anonymizer.New(cfg.AnonymizeDomain)
	}

	var sess *smtpsession.Session
	closeSession := func() {
		if sess != nil {
			sess.Close()
			sess = nil
		}
	}
	defer closeSession()

	interval := time.Duration(cfg.EmailSendIntervalMs) * time.Millisecond

	// pos is the cursor into chunk, not a fixed batch_size stride: a batch
	// that aborts early on a server-directed reset leaves its unattempted
	// tail to be retried as (the head of) the next batch, on a fresh
	// Session, per spec.md §8 scenario 3.
	for pos := 0; pos < len(chunk); {
		if cancelFlag.Cancelled() {
			break
		}

		end := pos + cfg.BatchSize
		if end > len(chunk) {
			end = len(chunk)
		}
		curBatch := chunk[pos:end]

		if sess == nil {
			opened, err := smtpsession.Open(ctx, cfg)
			if err != nil {
				logger.Warn("failed to open SMTP session for batch", "error", err, "batch_size", len(curBatch))
				for _, src := range curBatch {
					st.RecordFailure(err.Error(), src.Path, false)
				}
				pos = end
				continue
			}
			sess = opened
		}

		result := batch.Run(ctx, cfg, sess, curBatch, st, sink, anon, cancelFlag)
		pos += result.Processed

		if result.ConnectionShouldReset || cfg.BatchSize == 1 {
			closeSession()
		}

		last := pos >= len(chunk)
		if !last && interval > 0 {
			if cancelFlag.Sleep(ctx, interval) {
				break
			}
		}
	}

	return st
}
