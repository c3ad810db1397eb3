// espwatchd is the ESP telemetry engine daemon.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/espwatch/espwatch/internal/config"
	"github.com/espwatch/espwatch/internal/logging"
	"github.com/espwatch/espwatch/internal/server"
	"github.com/espwatch/espwatch/internal/telemetry"
)

// Version is set at build time via ldflags
var Version = "dev"

func main() {
	cfgPath := flag.String("config", "espwatch.yaml", "config file path")
	listen := flag.String("listen", "", "listen address (overrides config)")
	dataDir := flag.String("data-dir", "", "data directory (overrides config)")
	backupDir := flag.String("backup-dir", "", "backup directory (overrides config)")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	logJSON := flag.Bool("log-json", false, "emit JSON logs")
	flag.Parse()

	logging.Init(parseLogLevel(*logLevel), *logJSON)
	log := logging.Component("main")
	log.Info("espwatchd starting", "version", Version)

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			log.Info("no config file found, using defaults", "path", *cfgPath)
			cfg = config.DefaultConfig()
		} else {
			log.Error("load config", "error", err)
			os.Exit(1)
		}
	}

	// CLI overrides
	if *listen != "" {
		cfg.Server.Listen = *listen
	}
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}
	if *backupDir != "" {
		cfg.Backup.Dir = *backupDir
	}

	if err := cfg.Validate(); err != nil {
		log.Error("invalid config", "error", err)
		os.Exit(1)
	}

	// =========================================================================
	// Create and Start Engine
	// =========================================================================

	svc, err := telemetry.New(cfg, telemetry.Options{})
	if err != nil {
		log.Error("create engine", "error", err)
		os.Exit(1)
	}

	if err := svc.Start(); err != nil {
		log.Error("start engine", "error", err)
		os.Exit(1)
	}

	srv := server.New(cfg, svc, nil)

	// =========================================================================
	// Signal Handling and Graceful Shutdown
	// =========================================================================

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		s := <-sig
		log.Info("shutting down", "signal", fmt.Sprint(s))

		// Stop the HTTP surface first so no new work arrives.
		if err := srv.Shutdown(context.Background()); err != nil {
			log.Warn("http shutdown", "error", err)
		}

		// Then stop background cycles and close storage.
		if err := svc.Stop(); err != nil {
			log.Warn("engine stop", "error", err)
		}
	}()

	// =========================================================================
	// Run
	// =========================================================================

	log.Info("engine ready",
		"listen", cfg.Server.Listen,
		"data_dir", cfg.DataDir,
		"chunk_window", cfg.Chunking.Window.String(),
		"raw_retention", cfg.Retention.Raw.String())

	if err := srv.ListenAndServe(); err != nil {
		log.Error("server error", "error", err)
		os.Exit(1)
	}
}

func parseLogLevel(s string) slog.Level {
	switch s {
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
