// Package config loads service configuration from environment variables,
// applies defaults and validates everything on startup so misconfiguration
// fails fast.
package config

import (
	"strconv"
	"time"
)

// Store drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverMemory   = "memory"
)

// Config holds all application configuration.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Store    StoreConfig
	Sync     SyncConfig
	Logging  LoggingConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host string `env:"SERVER_HOST" default:"0.0.0.0"`
	Port int    `env:"SERVER_PORT" default:"8080"`

	ReadTimeout time.Duration `env:"SERVER_READ_TIMEOUT" default:"15s"`

	// WriteTimeout stays 0 so SSE progress streams are not cut off.
	WriteTimeout time.Duration `env:"SERVER_WRITE_TIMEOUT" default:"0s"`

	IdleTimeout     time.Duration `env:"SERVER_IDLE_TIMEOUT" default:"60s"`
	ShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT" default:"30s"`

	// RequestTimeout bounds non-streaming API requests.
	RequestTimeout time.Duration `env:"SERVER_REQUEST_TIMEOUT" default:"60s"`
}

// DatabaseConfig holds PostgreSQL pool settings.
type DatabaseConfig struct {
	// URL is required when Store.Driver is postgres.
	// DATABASE_URL and DB_URL are both accepted.
	URL string `env:"DATABASE_URL" envAlt:"DB_URL"`

	MaxConns        int           `env:"DB_MAX_CONNS" default:"10"`
	MinConns        int           `env:"DB_MIN_CONNS" default:"2"`
	MaxConnLifetime time.Duration `env:"DB_MAX_CONN_LIFETIME" default:"1h"`
	MaxConnIdleTime time.Duration `env:"DB_MAX_CONN_IDLE_TIME" default:"30m"`
}

// StoreConfig selects the backing store.
type StoreConfig struct {
	// Driver is postgres, sqlite or memory.
	Driver string `env:"STORE_DRIVER" default:"postgres"`

	SQLitePath string `env:"SQLITE_PATH" default:"data/directorio.db"`

	// Migrate applies the embedded schema on startup.
	Migrate bool `env:"STORE_MIGRATE" default:"true"`
}

// SyncConfig holds pipeline settings.
type SyncConfig struct {
	ChunkSize int `env:"SYNC_CHUNK_SIZE" default:"50"`

	// MaxInputSize caps request bodies and two-pass batches (default: 100MB).
	MaxInputSize int64 `env:"SYNC_MAX_INPUT_SIZE" default:"104857600"`

	// Timeout bounds a run; 0 means no timeout.
	Timeout time.Duration `env:"SYNC_TIMEOUT" default:"0s"`

	MaxConcurrent int           `env:"SYNC_MAX_CONCURRENT" default:"1"`
	MaxWaitTime   time.Duration `env:"SYNC_MAX_WAIT_TIME" default:"5s"`

	// Streaming processes the batch chunk by chunk instead of stage by stage.
	Streaming bool `env:"SYNC_STREAMING" default:"false"`

	// TaxonomyDedup is normalized or exact.
	TaxonomyDedup string `env:"SYNC_TAXONOMY_DEDUP" default:"normalized"`

	// Retention is how long finished runs stay queryable by id.
	Retention time.Duration `env:"SYNC_RETENTION" default:"5m"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is debug, info, warn or error.
	Level string `env:"LOG_LEVEL" default:"info"`

	// Format is text or json.
	Format string `env:"LOG_FORMAT" default:"text"`
}

// Addr returns the listen address in host:port form.
func (c *ServerConfig) Addr() string {
	return c.Host + ":" + strconv.Itoa(c.Port)
}
