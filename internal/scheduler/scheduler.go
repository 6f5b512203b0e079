// SPDX-License-Identifier: AGPL-3.0-or-later
// Package scheduler partitions an enumerated source list across workers
// and merges their partial Stats (spec.md §4.8), grounded on the
// teacher's internal/infrastructure/email.Worker.processBatch semaphore
// fan-out pattern — generalised here from "bounded-concurrency over one
// shared queue" to "one goroutine per contiguous, disjoint chunk".
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/btouchard/rsendmail/internal/cancel"
	"github.com/btouchard/rsendmail/internal/config"
	"github.com/btouchard/rsendmail/internal/failedsink"
	"github.com/btouchard/rsendmail/internal/source"
	"github.com/btouchard/rsendmail/internal/stats"
	"github.com/btouchard/rsendmail/internal/worker"
)

// Run partitions sources into cfg.NumWorkers() contiguous chunks, runs one
// Worker per chunk concurrently, and returns the merged Stats with
// TotalDuration set to this invocation's wall-clock time.
func Run(ctx context.Context, cfg *config.Config, sources []source.Source, sink *failedsink.Sink, cancelFlag *cancel.Flag, logger *slog.Logger) *stats.Stats {
	if logger == nil {
		logger = slog.Default()
	}

	start := time.Now()
	st := stats.New()

	if len(sources) == 0 {
		st.TotalDuration = time.Since(start)
		return st
	}

	chunks := partition(sources, cfg.NumWorkers())

	var wg sync.WaitGroup
	partials := make([]*stats.Stats, len(chunks))

	for i, chunk := range chunks {
		if len(chunk) == 0 {
			continue
		}
		wg.Add(1)
		go func(i int, chunk []source.Source) {
			defer wg.Done()
			partials[i] = worker.Run(ctx, cfg, chunk, sink, cancelFlag, logger.With(slog.Int("worker", i)))
		}(i, chunk)
	}
	wg.Wait()

	for _, p := range partials {
		st.Merge(p)
	}

	st.TotalDuration = time.Since(start)
	return st
}

// partition splits sources into at most numWorkers contiguous chunks of
// size ceil(len(sources)/numWorkers), preserving order within and across
// chunks (spec.md §8's ordering property).
func partition(sources []source.Source, numWorkers int) [][]source.Source {
	if numWorkers < 1 {
		numWorkers = 1
	}

	total := len(sources)
	chunkSize := (total + numWorkers - 1) / numWorkers

	var chunks [][]source.Source
	for start := 0; start < total; start += chunkSize {
		end := start + chunkSize
		if end > total {
			end = total
		}
		chunks = append(chunks, sources[start:end])
	}
	return chunks
}
