// SPDX-FileCopyrightText: Copyright (C) 2025 the groupwire authors
// SPDX-License-Identifier: AGPL-3.0-only

// The groupwire delivery service daemon.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/groupwire/groupwire/core/log"
	"github.com/groupwire/groupwire/ds"
	"github.com/groupwire/groupwire/ds/config"
	"github.com/groupwire/groupwire/ds/state"
	"github.com/groupwire/groupwire/ds/state/boltstate"
	"github.com/groupwire/groupwire/ds/state/memstate"
	"github.com/groupwire/groupwire/ds/state/pgstate"
	"github.com/groupwire/groupwire/internal/instrument"
	"github.com/groupwire/groupwire/qs"
)

func main() {
	cfgFile := flag.String("f", "ds.toml", "Path to the config file")
	flag.Parse()

	cfg, err := config.LoadFile(*cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logBackend, err := log.New(cfg.Logging.File, cfg.Logging.Level, cfg.Logging.Disable)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logging: %v\n", err)
		os.Exit(1)
	}
	mainLog := logBackend.GetLogger("dsd")

	var store state.Provider
	switch cfg.StorageBackend {
	case "mem":
		store = memstate.New()
	case "bolt":
		store, err = boltstate.New(filepath.Join(cfg.DataDir, "groups.db"))
	case "postgres":
		store, err = pgstate.New(logBackend, cfg.DataSourceName)
	}
	if err != nil {
		mainLog.Fatalf("Failed to initialize group state store: %v", err)
	}
	defer store.Close()

	instrument.Init(cfg.MetricsAddress)

	connector := qs.NewHTTPConnector(logBackend, cfg.QueueService.Endpoints)
	server, err := ds.NewServer(cfg, logBackend, store, connector)
	if err != nil {
		mainLog.Fatalf("Failed to start server: %v", err)
	}

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	sig := <-ch
	mainLog.Noticef("Received %v, shutting down", sig)
	server.Halt()
}
