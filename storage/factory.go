package storage

import (
	"errors"
	"fmt"
)

// A backend named in configuration that this build does not support.
// The API maps it to 501.
var ErrNotImplemented = errors.New("backend not implemented")

type Config struct {
	// One of "sqlite", "postgres", "memory". Defaults to sqlite.
	Backend string

	// SQLite database file. Blank means in-memory.
	SQLitePath string

	PostgresConnStr string
}

// NewStore builds the configured backend. Backend names are validated
// here so a typo fails at startup, and a recognized-but-unsupported
// name surfaces as ErrNotImplemented.
func NewStore(cfg Config) (Store, error) {
	switch cfg.Backend {
	case "", "sqlite":
		return NewSQLiteStorage(SQLiteConfig{Path: cfg.SQLitePath})
	case "postgres":
		return NewPSQLStorage(cfg.PostgresConnStr, false)
	case "memory":
		return NewMemoryStorage(), nil
	default:
		return nil, fmt.Errorf("storage backend '%s': %w", cfg.Backend, ErrNotImplemented)
	}
}
