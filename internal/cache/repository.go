// Package cache keeps the local copy of the page tree and the sidebar's
// expanded nodes.
package cache

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"ghwiki/internal/models"
)

// DefaultTTL is how long a cached tree snapshot is served.
const DefaultTTL = 24 * time.Hour

// Repository provides access to the cached tree of one wiki scope.
type Repository struct {
	DB    *sql.DB
	Scope string
	TTL   time.Duration
	Now   func() time.Time
}

// NewRepository creates a new cache repository.
func NewRepository(db *sql.DB, scope string, ttl time.Duration) *Repository {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Repository{DB: db, Scope: scope, TTL: ttl, Now: time.Now}
}

// StoreTree replaces the cached snapshot. The validity window starts now,
// not at snap.CachedAt.
func (r *Repository) StoreTree(snap models.TreeSnapshot) error {
	now := r.Now()
	snap.CachedAt = now
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("error encoding tree snapshot: %w", err)
	}
	_, err = r.DB.Exec(`
INSERT INTO tree_snapshots (scope, payload, cached_at) VALUES (?, ?, ?)
ON CONFLICT (scope) DO UPDATE SET payload = excluded.payload, cached_at = excluded.cached_at`,
		r.Scope, string(payload), now.UnixNano())
	if err != nil {
		return fmt.Errorf("error storing tree snapshot: %w", err)
	}
	return nil
}

// LoadTree returns the cached snapshot. An expired snapshot is reported as
// absent and never returned.
func (r *Repository) LoadTree() (models.TreeSnapshot, bool, error) {
	var payload string
	var cachedAt int64
	err := r.DB.QueryRow("SELECT payload, cached_at FROM tree_snapshots WHERE scope = ?", r.Scope).Scan(&payload, &cachedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.TreeSnapshot{}, false, nil
	}
	if err != nil {
		return models.TreeSnapshot{}, false, fmt.Errorf("error loading tree snapshot: %w", err)
	}

	if r.Now().Sub(time.Unix(0, cachedAt)) > r.TTL {
		return models.TreeSnapshot{}, false, nil
	}

	var snap models.TreeSnapshot
	if err := json.Unmarshal([]byte(payload), &snap); err != nil {
		// A snapshot we cannot read is as good as none.
		return models.TreeSnapshot{}, false, nil
	}
	return snap, true, nil
}

// InvalidateTree deletes the cached snapshot.
func (r *Repository) InvalidateTree() error {
	_, err := r.DB.Exec("DELETE FROM tree_snapshots WHERE scope = ?", r.Scope)
	if err != nil {
		return fmt.Errorf("error invalidating tree snapshot: %w", err)
	}
	return nil
}

// SetExpanded records whether a sidebar node is expanded.
func (r *Repository) SetExpanded(pageID string, open bool) error {
	var err error
	if open {
		_, err = r.DB.Exec("INSERT OR IGNORE INTO expanded_nodes (scope, page_id) VALUES (?, ?)", r.Scope, pageID)
	} else {
		_, err = r.DB.Exec("DELETE FROM expanded_nodes WHERE scope = ? AND page_id = ?", r.Scope, pageID)
	}
	if err != nil {
		return fmt.Errorf("error updating expanded node %s: %w", pageID, err)
	}
	return nil
}

// Expanded returns the set of expanded nodes.
func (r *Repository) Expanded() (map[string]bool, error) {
	rows, err := r.DB.Query("SELECT page_id FROM expanded_nodes WHERE scope = ?", r.Scope)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	open := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		open[id] = true
	}
	return open, rows.Err()
}
