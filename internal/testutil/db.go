// Package testutil provides the throwaway SQLite database helper shared by
// every package's tests, so each test gets its own schema-applied file
// instead of reaching for a package-level singleton.
package testutil

import (
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/rizom-ai/brains-sub001/internal/db"
)

// OpenTestDB opens a fresh SQLite database backed by a file in t.TempDir(),
// with the schema already applied, and registers a cleanup to close it.
func OpenTestDB(t *testing.T) *sql.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	sqlDB, err := db.OpenAt(path)
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() {
		_ = sqlDB.Close()
	})
	return sqlDB
}
