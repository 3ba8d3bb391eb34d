// Command nvrcore is the NVR core entry point: it loads configuration,
// opens the index store, and runs every recording-pipeline component under
// one supervisor until asked to shut down.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/nvrcore/nvrcore/internal/config"
	"github.com/nvrcore/nvrcore/internal/database"
	"github.com/nvrcore/nvrcore/internal/events"
	"github.com/nvrcore/nvrcore/internal/index"
	"github.com/nvrcore/nvrcore/internal/supervisor"
)

const shutdownTimeout = 30 * time.Second

func main() {
	configPath := flag.String("config", getEnv("CONFIG_PATH", "/config/config.yaml"), "path to config.yaml")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.System.Logging)
	slog.SetDefault(logger)

	slog.Info("starting nvrcore", "config_path", *configPath, "cameras", len(cfg.Cameras))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dbPath := cfg.System.Database.Path
	if dbPath == "" {
		dbPath = filepath.Join(cfg.System.StoragePath, "nvr.db")
	}
	dbCfg := database.DefaultConfig(filepath.Dir(dbPath))
	dbCfg.Path = dbPath

	db, err := database.Open(dbCfg)
	if err != nil {
		slog.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	migrator := database.NewMigrator(db)
	if err := migrator.Run(ctx); err != nil {
		slog.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}

	store := index.New(db.DB)

	bus, err := events.New(events.Config{EnableJetStream: false}, logger)
	if err != nil {
		slog.Error("failed to start event bus", "error", err)
		os.Exit(1)
	}
	defer bus.Stop()

	sv := supervisor.New(cfg, store)
	sv.SetBus(bus)

	if err := sv.Start(ctx); err != nil {
		slog.Error("failed to start supervisor", "error", err)
		os.Exit(1)
	}

	if err := cfg.Watch(); err != nil {
		slog.Warn("config hot-reload disabled", "error", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	slog.Info("shutdown signal received")
	cancel()

	done := make(chan struct{})
	go func() {
		sv.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(shutdownTimeout):
		slog.Warn("supervisor shutdown timed out")
	}

	slog.Info("nvrcore stopped")
}

func newLogger(cfg config.LoggingConfig) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
