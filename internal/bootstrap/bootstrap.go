// Package bootstrap builds the store and sync service from configuration.
// Both cmd/server and cmd/import start through it.
package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/JonMunkholm/directorio/internal/config"
	"github.com/JonMunkholm/directorio/internal/pipeline"
	"github.com/JonMunkholm/directorio/internal/store"
	"github.com/JonMunkholm/directorio/internal/store/postgres"
	"github.com/JonMunkholm/directorio/internal/store/sqlite"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
)

// Backend is an opened store together with its health check and cleanup.
type Backend struct {
	Store  store.Store
	Health func(ctx context.Context) error
	Close  func()
}

// OpenStore opens the store selected by cfg.Store.Driver and applies the
// schema when cfg.Store.Migrate is set.
func OpenStore(ctx context.Context, cfg *config.Config) (*Backend, error) {
	switch cfg.Store.Driver {
	case config.DriverPostgres:
		return openPostgres(ctx, cfg)
	case config.DriverSQLite:
		return openSQLite(ctx, cfg)
	case config.DriverMemory:
		slog.Warn("using in-memory store, data is lost on exit")
		return &Backend{Store: store.NewMemoryStore(), Close: func() {}}, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}

func openPostgres(ctx context.Context, cfg *config.Config) (*Backend, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.Database.URL)
	if err != nil {
		return nil, fmt.Errorf("parse database URL: %w", err)
	}

	poolConfig.MaxConns = int32(cfg.Database.MaxConns)
	poolConfig.MinConns = int32(cfg.Database.MinConns)
	poolConfig.MaxConnLifetime = cfg.Database.MaxConnLifetime
	poolConfig.MaxConnIdleTime = cfg.Database.MaxConnIdleTime

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if u, err := url.Parse(cfg.Database.URL); err == nil {
		slog.Info("connected to database", "name", strings.TrimPrefix(u.Path, "/"))
	} else {
		slog.Info("connected to database")
	}

	st := postgres.NewFromPool(pool)
	if cfg.Store.Migrate {
		if err := st.Migrate(ctx); err != nil {
			pool.Close()
			return nil, err
		}
		slog.Info("schema applied", "driver", config.DriverPostgres)
	}

	return &Backend{Store: st, Health: pool.Ping, Close: pool.Close}, nil
}

func openSQLite(ctx context.Context, cfg *config.Config) (*Backend, error) {
	if dir := filepath.Dir(cfg.Store.SQLitePath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite directory: %w", err)
		}
	}

	st, err := sqlite.Open(cfg.Store.SQLitePath)
	if err != nil {
		return nil, err
	}
	slog.Info("opened sqlite store", "path", cfg.Store.SQLitePath)

	if cfg.Store.Migrate {
		if err := st.Migrate(ctx); err != nil {
			_ = st.Close()
			return nil, err
		}
		slog.Info("schema applied", "driver", config.DriverSQLite)
	}

	return &Backend{Store: st, Close: func() { _ = st.Close() }}, nil
}

// NewService wires a pipeline over st with metrics registered on reg.
func NewService(cfg *config.Config, st store.Store, reg prometheus.Registerer) *pipeline.Service {
	p := pipeline.New(st, pipeline.Options{
		ChunkSize: cfg.Sync.ChunkSize,
		Dedup:     pipeline.DedupMode(cfg.Sync.TaxonomyDedup),
		Streaming: cfg.Sync.Streaming,
		Logger:    slog.Default(),
		Metrics:   pipeline.NewMetrics(reg),
	})

	return pipeline.NewService(p, pipeline.ServiceConfig{
		Timeout:       cfg.Sync.Timeout,
		MaxConcurrent: cfg.Sync.MaxConcurrent,
		MaxWait:       cfg.Sync.MaxWaitTime,
		MaxInputSize:  cfg.Sync.MaxInputSize,
		Retention:     cfg.Sync.Retention,
	})
}
