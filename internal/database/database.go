package database

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// New opens the local state database.
func New(dsn string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}

	// A single connection keeps writes ordered and lets ":memory:" databases
	// survive across calls.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("error opening %s: %w", dsn, err)
	}

	return db, nil
}

// Migrate creates the local state tables. Every row carries the scope of the
// repository it belongs to, so one file can serve several wikis.
func Migrate(db *sql.DB) error {
	_, err := db.Exec(`
-- GHWIKI local state

-- Drafts are unsaved edits, one per page.
CREATE TABLE IF NOT EXISTS drafts (
    scope TEXT NOT NULL,
    page_id TEXT NOT NULL,
    body TEXT NOT NULL,
    base_sha TEXT NOT NULL,
    saved_at INTEGER NOT NULL,
    PRIMARY KEY (scope, page_id)
);

-- The cached page tree, one serialized snapshot per scope.
CREATE TABLE IF NOT EXISTS tree_snapshots (
    scope TEXT PRIMARY KEY,
    payload TEXT NOT NULL,
    cached_at INTEGER NOT NULL
);

-- Sidebar nodes the user expanded.
CREATE TABLE IF NOT EXISTS expanded_nodes (
    scope TEXT NOT NULL,
    page_id TEXT NOT NULL,
    PRIMARY KEY (scope, page_id)
);
`)
	return err
}
