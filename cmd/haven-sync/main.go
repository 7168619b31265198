// Copyright 2026 The Haven Authors
// SPDX-License-Identifier: Apache-2.0

// haven-sync is a headless Haven peer. It opens every document listed
// in its configuration, joins their rooms through the signaling relay,
// and keeps the local database converged with the other peers. Run it
// on an always-on machine and intermittently online devices find an
// up-to-date replica whenever they connect.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/haven-notes/haven/keyring"
	"github.com/haven-notes/haven/registry"
	"github.com/haven-notes/haven/store"
	"github.com/haven-notes/haven/transport"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "haven-sync: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var configPath string
	var logLevel string

	flagSet := pflag.NewFlagSet("haven-sync", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "path to the configuration file (or set HAVEN_CONFIG)")
	flagSet.StringVar(&logLevel, "log-level", "", "override the configured log level (debug, info, warn, error)")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}
	if args := flagSet.Args(); len(args) > 0 {
		return fmt.Errorf("unexpected argument: %s", args[0])
	}

	if configPath == "" {
		configPath = os.Getenv("HAVEN_CONFIG")
	}
	if configPath == "" {
		return fmt.Errorf("no configuration: pass --config or set HAVEN_CONFIG")
	}

	cfg, err := LoadConfig(configPath)
	if err != nil {
		return err
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.LogLevel),
	}))

	return serve(cfg, logger)
}

func serve(cfg *Config, logger *slog.Logger) error {
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	db, err := store.OpenDB(store.DBConfig{
		Path:   filepath.Join(cfg.DataDir, "documents.db"),
		Logger: logger,
	})
	if err != nil {
		return err
	}
	defer db.Close()

	ring := keyring.NewRing(logger)
	defer ring.Clear()
	for _, doc := range cfg.Documents {
		key, err := doc.Key()
		if err != nil {
			return err
		}
		logger.Info("room key loaded",
			"document", doc.ID,
			"fingerprint", keyring.Fingerprint(key),
		)
		if err := ring.Store(doc.ID, key); err != nil {
			return fmt.Errorf("storing key for %s: %w", doc.ID, err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	signaler, err := transport.DialWebsocketSignaler(ctx, transport.WebsocketSignalerConfig{
		URL:    cfg.RelayURL,
		Token:  cfg.RelayToken,
		Logger: logger,
	})
	if err != nil {
		return err
	}
	defer signaler.Close()

	reg, err := registry.New(registry.Config{
		Keys:     ring,
		Drivers:  func(documentID string) store.Driver { return db.Driver(documentID) },
		Signaler: signaler,
		ICE:      transport.ICEConfigFromURLs(cfg.STUNServers),
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	defer reg.Close()

	presence := transport.UserPresence{
		Name:  cfg.PresenceName,
		Color: cfg.PresenceColor,
	}
	if presence.Name == "" {
		if hostname, err := os.Hostname(); err == nil {
			presence.Name = "haven-sync@" + hostname
		}
	}

	var handles []*registry.Handle
	defer func() {
		for _, handle := range handles {
			handle.Close()
		}
	}()

	for _, doc := range cfg.Documents {
		handle, err := reg.Open(ctx, doc.ID, &presence)
		if err != nil {
			return fmt.Errorf("opening %s: %w", doc.ID, err)
		}
		handles = append(handles, handle)

		docLogger := logger.With("document", doc.ID)
		handle.Provider().OnStatusChange(func(status transport.ConnectionStatus) {
			docLogger.Info("connection status",
				"signaling", status.Signaling,
				"peers", status.PeerCount,
				"connected", status.Connected,
			)
		})
		handle.Document().OnSyncChange(func(synced bool) {
			if synced {
				docLogger.Info("local state loaded")
			}
		})
	}

	logger.Info("haven-sync running",
		"documents", len(handles),
		"relay", cfg.RelayURL,
		"data_dir", cfg.DataDir,
	)

	<-ctx.Done()
	logger.Info("shutting down")
	return nil
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
