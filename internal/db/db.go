// Package db opens and initializes the SQLite store backing the entity
// registry, the job queue, and the embeddings index.
package db

import (
	"database/sql"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/rizom-ai/brains-sub001/internal/config"
)

//go:embed schema.sql
var schemaSQL string

const fileName = "brain.db"

// Init creates the on-disk database (if absent) and applies the schema.
func Init() error {
	db, err := Open()
	if err != nil {
		return err
	}
	defer db.Close()
	return nil
}

// Open opens a connection to the database, applying the pragmas required
// for the single-writer consistency model described by the spec: WAL mode
// admits concurrent readers alongside the one writer, and a single open
// connection turns every write into a serialization point so that
// concurrent dedup probes and dequeue's select-then-update race safely.
func Open() (*sql.DB, error) {
	dbPath, err := GetPath()
	if err != nil {
		return nil, err
	}
	return OpenAt(dbPath)
}

// OpenAt opens a connection to a specific path, used by tests and by
// callers that manage their own data directory (e.g. a temp dir per test).
func OpenAt(dbPath string) (*sql.DB, error) {
	sqlDB, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite behaves best with a single connection per process: multiple
	// connections contend for the write lock and surface as SQLITE_BUSY.
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)

	if _, err := sqlDB.Exec("PRAGMA journal_mode = WAL"); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}
	if _, err := sqlDB.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to set synchronous: %w", err)
	}
	if _, err := sqlDB.Exec("PRAGMA busy_timeout = 30000"); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to set busy_timeout: %w", err)
	}
	if _, err := sqlDB.Exec("PRAGMA foreign_keys = ON"); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	if _, err := sqlDB.Exec(schemaSQL); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return sqlDB, nil
}

// GetPath returns the path to the database file within the configured
// data directory, creating the directory if it does not yet exist.
func GetPath() (string, error) {
	dataDir, err := config.GetDataDir()
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create data dir: %w", err)
	}
	return filepath.Join(dataDir, fileName), nil
}
