// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// historyd serves lightgpt conversation history over HTTP so multiple
// clients can share one store.
//
// Usage:
//
//	historyd [flags]
//
// Flags:
//
//	-addr HOST:PORT   Bind address (default from config)
//	-db PATH          Sqlite database path (default from config)
//	-v                Enable debug logging
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/lightgpt/lightgpt/internal/config"
	"github.com/lightgpt/lightgpt/internal/history"
)

func main() {
	addrFlag := flag.String("addr", "", "bind address (overrides config)")
	dbFlag := flag.String("db", "", "sqlite database path (overrides config)")
	verbose := flag.Bool("v", false, "enable debug logging")
	flag.Parse()

	level := zerolog.InfoLevel
	if *verbose {
		level = zerolog.DebugLevel
	}
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		Level(level).
		With().Timestamp().Logger()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	addr := cfg.History.ListenAddr
	if *addrFlag != "" {
		addr = *addrFlag
	}
	if *dbFlag != "" {
		cfg.History.DBPath = *dbFlag
	}

	dbPath, err := cfg.DBPath()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to resolve database path")
	}
	store, err := history.NewSQLiteStore(dbPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open history database")
	}
	defer store.Close()

	srv := &http.Server{
		Addr:         addr,
		Handler:      history.NewServer(store).Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	go func() {
		log.Info().Str("addr", addr).Str("db", dbPath).Msg("historyd listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Info().Msg("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("shutdown failed")
	}
}
