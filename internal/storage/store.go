// Package storage defines the unified Store interface over all durable state:
// the component signature history, host variables and the execution audit trail.
// Three backends are provided: SQLite (default, zero-config), PostgreSQL
// (production, shared between replicas) and a flat JSON file for small
// single-host deployments.
package storage

import (
	"context"

	"github.com/jkaninda/ngome/internal/audit"
	"github.com/jkaninda/ngome/internal/secrets"
	"github.com/jkaninda/ngome/internal/signature"
)

// Store is the unified persistence interface.
// Both SQL backends and the JSON file backend implement it.
type Store interface {
	Signatures() signature.Store
	Variables() VariableStore
	Audit() audit.Store

	// Ping checks the backend for readiness probes.
	Ping(ctx context.Context) error

	// Lifecycle.
	Migrate(ctx context.Context) error
	Close() error

	// Driver returns the storage driver name.
	Driver() string
}

// VariableStore is the writable form of secrets.VariableStore.
type VariableStore interface {
	secrets.VariableStore
	SetVariable(ctx context.Context, v *secrets.Variable) error
	DeleteVariable(ctx context.Context, userID, name string) error
	ListVariableNames(ctx context.Context, userID string) ([]string, error)
}

// Config holds storage configuration for driver selection.
type Config struct {
	Driver   string         `json:"driver" yaml:"driver"` // "sqlite" (default), "postgres" or "json"
	SQLite   SQLiteConfig   `json:"sqlite" yaml:"sqlite"`
	Postgres PostgresConfig `json:"postgres" yaml:"postgres"`
	JSON     JSONConfig     `json:"json" yaml:"json"`
}

// SQLiteConfig holds SQLite-specific settings.
type SQLiteConfig struct {
	Path        string `json:"path,omitempty" yaml:"path,omitempty"` // Database file path. Default: <data_dir>/ngome.db.
	JournalMode string `json:"journal_mode" yaml:"journal_mode"`     // "wal" (default), "delete", "truncate", etc.
}

// PostgresConfig holds PostgreSQL-specific settings.
type PostgresConfig struct {
	DSN              string `json:"dsn" yaml:"dsn"`
	MaxOpenConns     int    `json:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns     int    `json:"max_idle_conns" yaml:"max_idle_conns"`
	ConnMaxLifetimeS int    `json:"conn_max_lifetime_s" yaml:"conn_max_lifetime_s"`
}

// JSONConfig holds settings for the flat-file backend.
type JSONConfig struct {
	Path string `json:"path,omitempty" yaml:"path,omitempty"` // Default: <data_dir>/signatures.json.
}

// DefaultDriver is the default storage driver.
const DefaultDriver = "sqlite"

// DriverSQLite is the SQLite driver name.
const DriverSQLite = "sqlite"

// DriverPostgres is the PostgreSQL driver name.
const DriverPostgres = "postgres"

// DriverJSON is the flat JSON file driver name.
const DriverJSON = "json"
