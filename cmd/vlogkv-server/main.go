package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/matteso1/vlogkv/internal/server"
	"github.com/matteso1/vlogkv/internal/storage"
)

func main() {
	// Parse flags
	port := flag.Int("port", 9092, "Server port")
	dataDir := flag.String("data", "./data", "Data directory")
	metricsPort := flag.Int("metrics-port", 9100, "Metrics port (0 to disable)")
	compaction := flag.Duration("compaction-interval", 2*time.Second, "Index snapshot interval")
	syncMode := flag.String("sync-mode", "batch", "Sync mode: none, batch or always")
	logLevel := flag.String("log-level", "info", "Log level: debug, info, warn or error")
	flag.Parse()

	var level slog.Level
	if err := level.UnmarshalText([]byte(*logLevel)); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid -log-level: %v\n", err)
		os.Exit(2)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	mode, err := storage.ParseSyncMode(*syncMode)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid -sync-mode: %v\n", err)
		os.Exit(2)
	}

	// Create config
	config := server.DefaultServerConfig()
	config.Port = *port
	config.DataDir = *dataDir
	config.MetricsPort = *metricsPort
	config.Engine.CompactionInterval = *compaction
	config.Engine.SyncMode = mode
	config.Logger = logger

	// Create server; a corrupted index aborts startup here
	srv, err := server.NewServer(config)
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	// Handle shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		logger.Info("shutting down", "signal", sig.String())
		if err := srv.Stop(); err != nil {
			logger.Error("shutdown failed", "error", err)
			os.Exit(1)
		}
		os.Exit(0)
	}()

	// Start server
	logger.Info("starting vlogkv server", "port", *port, "data", *dataDir, "sync_mode", mode.String())
	if err := srv.Start(); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
