package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/codefionn/coderaid/internal/auth"
	"github.com/codefionn/coderaid/internal/config"
	"github.com/codefionn/coderaid/internal/logger"
	"github.com/codefionn/coderaid/internal/session"
	"github.com/codefionn/coderaid/internal/web"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to JSON config file")
	logLevel := flag.String("log-level", "", "override log level (debug, info, warn, error, none)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	if err := logger.Init(logger.ParseLevel(cfg.LogLevel), cfg.LogPath); err != nil {
		return err
	}
	defer logger.Global().Close()

	snapshots, err := openSnapshotStore(cfg)
	if err != nil {
		return fmt.Errorf("failed to open snapshot store: %w", err)
	}

	store := session.NewStore(snapshots, session.Options{
		IdleTimeout:      cfg.IdleTimeout(),
		SnapshotInterval: cfg.SnapshotInterval(),
		MaxContentSize:   cfg.MaxContentSize,
	})
	store.Start()

	srv := web.NewServer(cfg, auth.NewGate(cfg.APIKeys), store)
	if err := srv.Start(); err != nil {
		return err
	}

	logger.Info("coderaid ready on %s (%s persistence in %s)", cfg.Addr(), cfg.Persistence, cfg.DataDir)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	received := <-sig
	logger.Info("received %s, shutting down", received)

	if err := srv.Stop(); err != nil {
		logger.Error("HTTP shutdown failed: %v", err)
	}

	// Flush every live session before exiting
	if err := store.Shutdown(); err != nil {
		return fmt.Errorf("final session flush failed: %w", err)
	}

	return nil
}

// openSnapshotStore selects the persistence backend from configuration
func openSnapshotStore(cfg *config.Config) (session.SnapshotStore, error) {
	switch cfg.Persistence {
	case config.PersistenceSQLite:
		return session.NewSQLiteStore(filepath.Join(cfg.DataDir, "coderaid.db"))
	default:
		return session.NewFileStore(cfg.DataDir)
	}
}
