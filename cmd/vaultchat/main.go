// Copyright (c) 2025 Jesse Hall
// SPDX-License-Identifier: AGPL-3.0-or-later

// vaultchat is a local encrypted chat client for an Ollama-compatible
// inference backend. Conversations are encrypted at rest with a password
// the server never sees in storage; a localhost HTTP facade exposes the
// chat core to a UI process.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/jessehall/vaultchat/internal/config"
	"github.com/jessehall/vaultchat/internal/kv"
	"github.com/jessehall/vaultchat/internal/monitor"
	"github.com/jessehall/vaultchat/internal/ollama"
	"github.com/jessehall/vaultchat/internal/orchestrator"
	"github.com/jessehall/vaultchat/internal/prefs"
	"github.com/jessehall/vaultchat/internal/server"
	"github.com/jessehall/vaultchat/internal/store"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "vaultchat: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to config.toml (default ~/.vaultchat/config.toml)")
	listen := flag.String("listen", "", "listen address for the local facade (overrides config)")
	storageDir := flag.String("storage", "", "vault storage directory (overrides config)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if *listen != "" {
		cfg.Listen = *listen
	}
	if *storageDir != "" {
		cfg.StorageDir = *storageDir
	}

	log := newLogger(cfg.Log)

	storagePath, err := cfg.StoragePath()
	if err != nil {
		return err
	}
	kvStore, err := kv.NewSQLiteStore(storagePath)
	if err != nil {
		return err
	}
	defer kvStore.Close()

	pm, err := prefs.NewManager(kvStore, log)
	if err != nil {
		return err
	}

	// Preferences carry the user's backend URL; the config file supplies
	// the initial value until the user changes it.
	baseURL := pm.Get().URL
	if baseURL == prefs.Default().URL && cfg.Backend.URL != "" {
		baseURL = cfg.Backend.URL
	}

	client := ollama.NewClient(baseURL, log)
	st := store.New(kvStore, log)
	mon := monitor.New(client, log)
	hub := server.NewHub()
	orch := orchestrator.New(st, client, mon, hub, log)

	detach := server.WireEvents(st, mon, hub)
	defer detach()

	handler := server.NewHandler(st, orch, mon, pm, client, hub, log)
	e := server.New(handler)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// One automatic probe at startup; version only, the catalog loads on
	// the first full reconnect.
	go func() {
		if err := mon.Reconnect(ctx, true); err != nil {
			log.Warn().Err(err).Msg("startup probe failed")
		}
	}()

	if *configPath != "" {
		go func() {
			err := config.Watch(ctx, *configPath, log, func(next *config.Config) {
				client.SetBaseURL(next.Backend.URL)
			})
			if err != nil && ctx.Err() == nil {
				log.Warn().Err(err).Msg("config watcher stopped")
			}
		}()
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("listen", cfg.Listen).Str("storage", storagePath).Msg("vaultchat started")
		if err := e.Start(cfg.Listen); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down")
	orch.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return e.Shutdown(shutdownCtx)
}

// newLogger builds the root logger from the log configuration.
func newLogger(cfg config.LogConfig) zerolog.Logger {
	level := zerolog.InfoLevel
	switch cfg.Level {
	case "debug":
		level = zerolog.DebugLevel
	case "warn":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	}

	if cfg.Pretty {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
			Level(level).
			With().Timestamp().Logger()
	}
	return zerolog.New(os.Stderr).Level(level).With().Timestamp().Logger()
}
