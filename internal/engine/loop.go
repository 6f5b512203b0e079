// SPDX-License-Identifier: AGPL-3.0-or-later
// Package engine implements the Iteration Loop (spec.md §4.9): the
// outermost driver that re-enumerates sources and re-runs the Scheduler
// for `repeat` rounds, or indefinitely while `loop` is set, accumulating
// a cumulative Stats across rounds. Grounded on the teacher's
// email.Worker.processLoop ticker-driven loop, generalised from a fixed
// poll interval to the spec's repeat/loop/retry policy.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/btouchard/rsendmail/internal/cancel"
	"github.com/btouchard/rsendmail/internal/config"
	"github.com/btouchard/rsendmail/internal/failedsink"
	"github.com/btouchard/rsendmail/internal/scheduler"
	"github.com/btouchard/rsendmail/internal/source"
	"github.com/btouchard/rsendmail/internal/stats"
)

// Run drives the full send loop and returns the cumulative Stats across
// every completed round. It returns an error only when a round fails and
// either loop is false (single-shot/repeat mode) or the process has been
// cancelled, per spec.md §4.9's retry policy — in that case the returned
// Stats still reflects every round that completed before the failure.
func Run(ctx context.Context, cfg *config.Config, sink *failedsink.Sink, cancelFlag *cancel.Flag, logger *slog.Logger) (*stats.Stats, error) {
	if logger == nil {
		logger = slog.Default()
	}

	total := stats.New()
	start := time.Now()

	for round := 1; ; round++ {
		if cancelFlag.Cancelled() {
			break
		}

		roundStats, err := runRound(ctx, cfg, sink, cancelFlag, logger, round)
		if err != nil {
			logger.Error("round failed", "round", round, "error", err)

			if cfg.Loop && !cancelFlag.Cancelled() {
				if cancelFlag.Sleep(ctx, time.Duration(cfg.RetryIntervalS)*time.Second) {
					break
				}
				continue
			}

			total.TotalDuration = time.Since(start)
			return total, fmt.Errorf("round %d: %w", round, err)
		}

		total.Merge(roundStats)
		logger.Info("round complete", "round", round, "email_count", roundStats.EmailCount,
			"send_errors", roundStats.SendErrors, "parse_errors", roundStats.ParseErrors)

		if !cfg.Loop && round >= cfg.Repeat {
			break
		}
		if cancelFlag.Cancelled() {
			break
		}
		if cancelFlag.Sleep(ctx, time.Duration(cfg.LoopIntervalS)*time.Second) {
			break
		}
	}

	total.TotalDuration = time.Since(start)
	return total, nil
}

// runRound re-enumerates sources and drives one Scheduler invocation. A
// source-enumeration failure is treated identically to a Scheduler error
// for retry purposes (spec.md §4.9's "the Scheduler returns an error").
func runRound(ctx context.Context, cfg *config.Config, sink *failedsink.Sink, cancelFlag *cancel.Flag, logger *slog.Logger, round int) (*stats.Stats, error) {
	roundID := uuid.NewString()
	logger = logger.With(slog.String("round_id", roundID))

	sources, err := source.Enumerate(cfg)
	if err != nil {
		return nil, fmt.Errorf("enumerate sources: %w", err)
	}

	logger.Debug("round starting", "round", round, "source_count", len(sources))
	return scheduler.Run(ctx, cfg, sources, sink, cancelFlag, logger), nil
}
