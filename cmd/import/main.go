// Command import runs one sync of a JSON batch file against the configured
// store and prints the run summary.
//
//	import -file practitioners.json
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/JonMunkholm/directorio/internal/bootstrap"
	"github.com/JonMunkholm/directorio/internal/config"
	"github.com/JonMunkholm/directorio/internal/logging"
	"github.com/JonMunkholm/directorio/internal/pipeline"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
)

func main() {
	if err := run(); err != nil {
		msg := pipeline.MapError(err)
		fmt.Fprintf(os.Stderr, "%s: %s\n", msg.Code, msg.Message)
		if msg.Action != "" {
			fmt.Fprintln(os.Stderr, msg.Action)
		}
		slog.Debug("import failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	file := flag.String("file", "", "path to the JSON array of practitioner records")
	streaming := flag.Bool("streaming", false, "process the file chunk by chunk (overrides SYNC_STREAMING)")
	flag.Parse()

	if *file == "" {
		flag.Usage()
		return fmt.Errorf("missing -file")
	}

	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if *streaming {
		cfg.Sync.Streaming = true
	}
	logging.Setup(cfg.Logging.Level, cfg.Logging.Format)

	f, err := os.Open(*file)
	if err != nil {
		return fmt.Errorf("open input: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat input: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	backend, err := bootstrap.OpenStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer backend.Close()

	svc := bootstrap.NewService(cfg, backend.Store, prometheus.NewRegistry())

	summary, err := svc.Sync(ctx, f, info.Size())
	if summary != nil {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if encErr := enc.Encode(summary); encErr != nil {
			return fmt.Errorf("write summary: %w", encErr)
		}
	}
	return err
}
