package store_test

import (
	"database/sql"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/donsqualo/clawdorio/internal/store"
)

func TestConnectAppliesMigrations(t *testing.T) {
	path := filepath.Join(t.TempDir(), "clawdorio.db")
	require.NoError(t, store.Connect(path))
	t.Cleanup(func() { store.DB.Close() })

	var tables []string
	rows, err := store.DB.Query(`SELECT name FROM sqlite_master WHERE type = 'table'`)
	require.NoError(t, err)
	defer rows.Close()
	for rows.Next() {
		var name string
		require.NoError(t, rows.Scan(&name))
		tables = append(tables, name)
	}
	require.NoError(t, rows.Err())

	require.Contains(t, tables, "entities")
	require.Contains(t, tables, "runs")
	require.Contains(t, tables, "steps")
	require.Contains(t, tables, "event_log")
}

func TestTxRollsBackOnError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "clawdorio.db")
	require.NoError(t, store.Connect(path))
	t.Cleanup(func() { store.DB.Close() })

	wantErr := errors.New("boom")
	err := store.Tx(func(tx *sql.Tx) error {
		_, execErr := tx.Exec(`INSERT INTO entities (id, kind, payload_json, created_at_ms, updated_at_ms) VALUES ('e1', 'base', '{}', 1, 1)`)
		require.NoError(t, execErr)
		return wantErr
	})
	require.ErrorIs(t, err, wantErr)

	var count int
	require.NoError(t, store.DB.QueryRow(`SELECT COUNT(*) FROM entities WHERE id = 'e1'`).Scan(&count))
	require.Equal(t, 0, count)
}
