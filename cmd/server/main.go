package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/JonMunkholm/directorio/internal/bootstrap"
	"github.com/JonMunkholm/directorio/internal/config"
	"github.com/JonMunkholm/directorio/internal/logging"
	"github.com/JonMunkholm/directorio/internal/web"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
)

func main() {
	// Load .env file if it exists (Overload overwrites existing env vars)
	if err := godotenv.Overload(); err != nil {
		slog.Info("no .env file found, using environment variables")
	} else {
		slog.Info("loaded .env file (overwriting existing env vars)")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	logging.Setup(cfg.Logging.Level, cfg.Logging.Format)

	slog.Info("configuration loaded",
		"port", cfg.Server.Port,
		"store_driver", cfg.Store.Driver,
		"sync_chunk_size", cfg.Sync.ChunkSize,
		"sync_streaming", cfg.Sync.Streaming,
		"sync_max_concurrent", cfg.Sync.MaxConcurrent,
	)

	ctx := context.Background()
	backend, err := bootstrap.OpenStore(ctx, cfg)
	if err != nil {
		slog.Error("failed to open store", "error", err)
		os.Exit(1)
	}
	defer backend.Close()

	service := bootstrap.NewService(cfg, backend.Store, prometheus.DefaultRegisterer)
	server := web.NewServer(service, *cfg, prometheus.DefaultGatherer, backend.Health)

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		slog.Info("shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		if status := service.LimiterStatus(); status.Active > 0 {
			slog.Info("waiting for syncs to complete", "active", status.Active)
		}
		if err := service.Shutdown(shutdownCtx); err != nil {
			slog.Warn("syncs did not complete in time, cancelled", "error", err)
		}

		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("shutdown error", "error", err)
		}
	}()

	if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("server stopped", "error", err)
		backend.Close()
		os.Exit(1)
	}
	slog.Info("server stopped")
}
