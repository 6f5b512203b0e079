// SPDX-License-Identifier: AGPL-3.0-or-later
// Command rsendmail is the front-end for the bulk email submission engine
// described in spec.md: it loads a YAML configuration, wires logging and
// cancellation, and drives the Iteration Loop to completion (or until an
// operator interrupt), printing the final statistics report on exit.
//
// Grounded on the teacher's cmd/community/main.go: config.Load, then
// logger setup, then a signal.Notify-driven shutdown, but adapted from a
// long-lived HTTP server to a batch run that has a natural end.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/btouchard/rsendmail/internal/cancel"
	"github.com/btouchard/rsendmail/internal/config"
	"github.com/btouchard/rsendmail/internal/engine"
	"github.com/btouchard/rsendmail/internal/failedsink"
	"github.com/btouchard/rsendmail/internal/logx"
	"github.com/btouchard/rsendmail/internal/smtpsession"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "rsendmail.yaml", "path to the YAML configuration file")
	testConnection := flag.Bool("test-connection", false, "open a session, issue NOOP, then exit")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Printf("failed to load config: %v", err)
		return 1
	}

	logger, closeLog, err := logx.New(logx.ParseLevel(cfg.LogLevel), cfg.LogFile)
	if err != nil {
		log.Printf("failed to initialise logging: %v", err)
		return 1
	}
	defer closeLog()

	// RSENDMAIL_LANG is only attached as a "lang" field to every log line;
	// no log message is translated, and the stable error-class identifiers
	// in Stats.Report() are not affected by it.
	if lang := os.Getenv("RSENDMAIL_LANG"); lang != "" {
		logger = logger.With(slog.String("lang", lang))
	}

	if *testConnection {
		return runTestConnection(cfg, logger)
	}

	cancelFlag := cancel.New()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		logger.Warn("interrupt received, finishing in-flight work and stopping")
		cancelFlag.Cancel()
	}()

	sink := failedsink.New(cfg.FailedEmailsDir, logger)

	st, runErr := engine.Run(ctx, cfg, sink, cancelFlag, logger)

	fmt.Println(st.Report())

	if runErr != nil {
		logger.Error("run aborted", "error", runErr)
		return 1
	}
	return 0
}

// runTestConnection opens one Session, issues NOOP, and reports success or
// failure — the standalone probe spec.md's front-end integration calls
// `test_connection`.
func runTestConnection(cfg *config.Config, logger *slog.Logger) int {
	if err := smtpsession.Probe(context.Background(), cfg); err != nil {
		logger.Error("test connection failed", "error", err)
		fmt.Printf("connection failed: %v\n", err)
		return 1
	}

	logger.Info("test connection succeeded")
	fmt.Println("connection OK")
	return 0
}
