// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// lightgpt is an interactive terminal chat client.
//
// Usage:
//
//	lightgpt [flags]
//
// Flags:
//
//	-model ID    Override the configured model
//	-db PATH     Override the sqlite history path
//	-v           Enable debug logging
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/lightgpt/lightgpt/internal/cli"
	"github.com/lightgpt/lightgpt/internal/config"
)

func main() {
	modelFlag := flag.String("model", "", "model to use (overrides config)")
	dbFlag := flag.String("db", "", "sqlite history path (overrides config)")
	verbose := flag.Bool("v", false, "enable debug logging")
	flag.Parse()

	level := zerolog.WarnLevel
	if *verbose {
		level = zerolog.DebugLevel
	}
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		Level(level).
		With().Timestamp().Logger()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "lightgpt: %v\n", err)
		os.Exit(1)
	}
	if *modelFlag != "" {
		cfg.DefaultModel = *modelFlag
	}
	if *dbFlag != "" {
		cfg.History.DBPath = *dbFlag
	}

	if err := cli.Run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "lightgpt: %v\n", err)
		os.Exit(1)
	}
}
