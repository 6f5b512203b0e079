// SPDX-License-Identifier: AGPL-3.0-or-later
// Package stats implements the thread-safe statistics accumulator
// (spec.md §4.2), grounded on rsendmail-core's stats.rs: the same field
// set, the same "increment the class count and append to the failed-file
// list in one critical section" invariant, and the same descending-count
// report ordering, re-expressed as a Go type with an explicit mutex
// instead of relying on single-threaded ownership.
package stats

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// Stats is the mutable aggregate described in spec.md §3. All exported
// methods are safe for concurrent use.
type Stats struct {
	mu sync.Mutex

	EmailCount int

	ParseDurations []time.Duration
	SendDurations  []time.Duration
	TotalDuration  time.Duration

	ParseErrors int
	SendErrors  int

	ErrorDetails map[string]int
	FailedFiles  map[string][]string
}

// New returns an empty Stats ready to accumulate.
func New() *Stats {
	return &Stats{
		ErrorDetails: make(map[string]int),
		FailedFiles:  make(map[string][]string),
	}
}

// RecordSuccess records one delivered transaction and its parse/send
// latency samples.
func (s *Stats) RecordSuccess(parseD, sendD time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.EmailCount++
	s.ParseDurations = append(s.ParseDurations, parseD)
	s.SendDurations = append(s.SendDurations, sendD)
}

// RecordFailure is the single entry point maintaining the
// "len(FailedFiles[class]) == ErrorDetails[class]" invariant: the class
// counter and the failed-file append happen together under the lock.
// isParse distinguishes a parse-stage failure (counted in ParseErrors)
// from every other stage (counted in SendErrors), matching the
// {successes, send_failures, parse_failures} partition in spec.md §3.
func (s *Stats) RecordFailure(class, path string, isParse bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ErrorDetails[class]++
	s.FailedFiles[class] = append(s.FailedFiles[class], path)

	if isParse {
		s.ParseErrors++
	} else {
		s.SendErrors++
	}
}

// Merge folds other into s: sample vectors are concatenated (preserving
// per-worker order, claiming no global temporal order per spec.md §5),
// and class/file tables are summed/appended.
func (s *Stats) Merge(other *Stats) {
	if other == nil {
		return
	}
	other.mu.Lock()
	snapshot := other.snapshotLocked()
	other.mu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.EmailCount += snapshot.EmailCount
	s.ParseDurations = append(s.ParseDurations, snapshot.ParseDurations...)
	s.SendDurations = append(s.SendDurations, snapshot.SendDurations...)
	s.ParseErrors += snapshot.ParseErrors
	s.SendErrors += snapshot.SendErrors

	for class, count := range snapshot.ErrorDetails {
		s.ErrorDetails[class] += count
	}
	for class, files := range snapshot.FailedFiles {
		s.FailedFiles[class] = append(s.FailedFiles[class], files...)
	}
}

// snapshot is a plain-data copy used internally by Merge to avoid holding
// two locks at once.
type snapshot struct {
	EmailCount     int
	ParseDurations []time.Duration
	SendDurations  []time.Duration
	ParseErrors    int
	SendErrors     int
	ErrorDetails   map[string]int
	FailedFiles    map[string][]string
}

func (s *Stats) snapshotLocked() snapshot {
	details := make(map[string]int, len(s.ErrorDetails))
	for class, count := range s.ErrorDetails {
		details[class] = count
	}
	files := make(map[string][]string, len(s.FailedFiles))
	for class, list := range s.FailedFiles {
		files[class] = append([]string(nil), list...)
	}
	return snapshot{
		EmailCount:     s.EmailCount,
		ParseDurations: append([]time.Duration(nil), s.ParseDurations...),
		SendDurations:  append([]time.Duration(nil), s.SendDurations...),
		ParseErrors:    s.ParseErrors,
		SendErrors:     s.SendErrors,
		ErrorDetails:   details,
		FailedFiles:    files,
	}
}

func qps(count int, d time.Duration) float64 {
	if d.Seconds() > 0 {
		return float64(count) / d.Seconds()
	}
	return 0
}

func sum(durations []time.Duration) time.Duration {
	var total time.Duration
	for _, d := range durations {
		total += d
	}
	return total
}

// Report renders the human-readable summary described in spec.md §7:
// totals, per-class counts with percentages (sorted by descending count,
// as rsendmail-core's stats.rs Display impl does), per-class failed-file
// lists, and aggregate parse/send/wall-clock QPS.
func (s *Stats) Report() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var b strings.Builder

	total := s.EmailCount + s.SendErrors + s.ParseErrors

	fmt.Fprintln(&b, "=== Send Report ===")
	fmt.Fprintf(&b, "Total processed: %d\n", total)
	fmt.Fprintf(&b, "Successful: %d\n", s.EmailCount)
	fmt.Fprintf(&b, "Failed: %d\n", s.SendErrors+s.ParseErrors)

	if len(s.ErrorDetails) > 0 {
		fmt.Fprintln(&b, "\nError classification:")

		type row struct {
			class string
			count int
		}
		rows := make([]row, 0, len(s.ErrorDetails))
		for class, count := range s.ErrorDetails {
			rows = append(rows, row{class, count})
		}
		sort.Slice(rows, func(i, j int) bool {
			if rows[i].count != rows[j].count {
				return rows[i].count > rows[j].count
			}
			return rows[i].class < rows[j].class
		})

		for _, r := range rows {
			percent := 0.0
			if total > 0 {
				percent = float64(r.count) / float64(total) * 100
			}
			fmt.Fprintf(&b, "  %s: %d (%.1f%%)\n", r.class, r.count, percent)
			for _, f := range s.FailedFiles[r.class] {
				fmt.Fprintf(&b, "    - %s\n", f)
			}
		}
	}

	parseTotal := sum(s.ParseDurations)
	sendTotal := sum(s.SendDurations)

	fmt.Fprintf(&b, "\nParse duration: %.2fs (qps=%.2f)\n", parseTotal.Seconds(), qps(s.EmailCount, parseTotal))
	fmt.Fprintf(&b, "Send duration: %.2fs (qps=%.2f)\n", sendTotal.Seconds(), qps(s.EmailCount, sendTotal))
	fmt.Fprintf(&b, "Wall-clock duration: %.2fs (qps=%.2f)\n", s.TotalDuration.Seconds(), qps(s.EmailCount, s.TotalDuration))

	return b.String()
}
