// Package store owns the embedded SQLite-backed row store: connection setup,
// pragmas, migrations and the single transaction helper every other package
// builds on.
package store

import (
	"database/sql"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"sort"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/donsqualo/clawdorio/internal/migrations"
)

// DB is the process-wide handle. Connect must be called once at startup.
var DB *sql.DB

// DefaultPath returns $CLAWDORIO_DB or <home>/.clawdorio/clawdorio.db.
func DefaultPath() string {
	if p := os.Getenv("CLAWDORIO_DB"); p != "" {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".clawdorio", "clawdorio.db")
}

// Connect opens the store at path (DefaultPath() if empty), applies pragmas
// and migrations, and assigns DB.
func Connect(path string) error {
	if path == "" {
		path = DefaultPath()
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create db dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_foreign_keys=on&_synchronous=NORMAL", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return fmt.Errorf("db open: %w", err)
	}

	// SQLite is a genuine single writer: force one physical connection so
	// "at most one in-flight write" is mechanical, not advisory.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.Ping(); err != nil {
		return fmt.Errorf("db ping: %w", err)
	}

	DB = db
	log.Printf("store connected at %s (single-writer pool)", path)

	return applyMigrations(db)
}

// applyMigrations reads migration files embedded at build time and applies
// any not yet run, tracked in schema_migrations. Additive only: migrations
// never drop or rewrite existing tables.
func applyMigrations(db *sql.DB) error {
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at_ms INTEGER NOT NULL
		)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	rows, err := db.Query(`SELECT version FROM schema_migrations`)
	if err != nil {
		return err
	}
	applied := map[string]struct{}{}
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			rows.Close()
			return err
		}
		applied[v] = struct{}{}
	}
	rows.Close()

	entries, err := fs.ReadDir(migrations.FS, ".")
	if err != nil {
		return err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, e := range entries {
		name := e.Name()
		if _, ok := applied[name]; ok {
			continue
		}
		sqlBytes, err := migrations.FS.ReadFile(name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		if _, err := db.Exec(string(sqlBytes)); err != nil {
			return fmt.Errorf("exec %s: %w", name, err)
		}
		if _, err := db.Exec(`INSERT INTO schema_migrations (version, applied_at_ms) VALUES (?, ?)`,
			name, time.Now().UnixMilli()); err != nil {
			return err
		}
		log.Printf("migrated %s", name)
	}
	return nil
}

// Tx runs fn inside a serialized transaction, rolling back on any error.
func Tx(fn func(*sql.Tx) error) error {
	tx, err := DB.Begin()
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}
