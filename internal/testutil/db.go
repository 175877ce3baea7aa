// Package testutil provides shared test helpers.
package testutil

import (
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/fogline/fogline/internal/db"
)

// OpenTestDB opens a fresh database in a per-test temp directory with the
// full schema applied. The handle is closed when the test finishes.
func OpenTestDB(t *testing.T) *sql.DB {
	t.Helper()

	path := filepath.Join(t.TempDir(), "fogline.db")
	sdb, err := db.Init(path)
	if err != nil {
		t.Fatalf("init test db: %v", err)
	}
	t.Cleanup(func() { sdb.Close() })
	return sdb
}
