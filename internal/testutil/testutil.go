// Package testutil provides the one fixture every package's tests need: a
// throwaway SQLite store, migrated and ready, replacing the teacher's
// testcontainers-backed Postgres helper with a same-process tmp-dir file.
package testutil

import (
	"path/filepath"
	"testing"

	"github.com/donsqualo/clawdorio/internal/store"
)

// NewStore connects store.DB to a fresh SQLite file under t.TempDir() and
// registers cleanup to close it. Safe to call once per test; tests must not
// run store-touching subtests in parallel since store.DB is process-global.
func NewStore(t *testing.T) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "clawdorio-test.db")
	if err := store.Connect(path); err != nil {
		t.Fatalf("testutil: connect store: %v", err)
	}
	t.Cleanup(func() {
		if store.DB != nil {
			_ = store.DB.Close()
		}
	})
}
