package draft

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"ghwiki/internal/models"
)

// Repository provides access to the draft storage of one wiki scope.
type Repository struct {
	DB    *sql.DB
	Scope string
	Now   func() time.Time
}

// NewRepository creates a new draft repository.
func NewRepository(db *sql.DB, scope string) *Repository {
	return &Repository{DB: db, Scope: scope, Now: time.Now}
}

// Save stores the draft for a page, replacing any earlier one.
func (r *Repository) Save(pageID, body, baseSHA string) error {
	_, err := r.DB.Exec(`
INSERT INTO drafts (scope, page_id, body, base_sha, saved_at) VALUES (?, ?, ?, ?, ?)
ON CONFLICT (scope, page_id) DO UPDATE SET body = excluded.body, base_sha = excluded.base_sha, saved_at = excluded.saved_at`,
		r.Scope, pageID, body, baseSHA, r.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("error saving draft for %s: %w", pageID, err)
	}
	return nil
}

// Load returns the draft for a page, if there is one.
func (r *Repository) Load(pageID string) (models.Draft, bool, error) {
	d := models.Draft{PageID: pageID}
	var savedAt int64
	err := r.DB.QueryRow("SELECT body, base_sha, saved_at FROM drafts WHERE scope = ? AND page_id = ?", r.Scope, pageID).
		Scan(&d.Body, &d.BaseSHA, &savedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Draft{}, false, nil
	}
	if err != nil {
		return models.Draft{}, false, fmt.Errorf("error loading draft for %s: %w", pageID, err)
	}
	d.SavedAt = time.Unix(0, savedAt)
	return d, true, nil
}

// Clear deletes the draft for a page. Clearing a missing draft is not an error.
func (r *Repository) Clear(pageID string) error {
	_, err := r.DB.Exec("DELETE FROM drafts WHERE scope = ? AND page_id = ?", r.Scope, pageID)
	if err != nil {
		return fmt.Errorf("error clearing draft for %s: %w", pageID, err)
	}
	return nil
}

// List lists all drafts of the scope, newest first.
func (r *Repository) List() ([]models.Draft, error) {
	rows, err := r.DB.Query("SELECT page_id, body, base_sha, saved_at FROM drafts WHERE scope = ? ORDER BY saved_at DESC, page_id ASC", r.Scope)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var drafts []models.Draft
	for rows.Next() {
		var d models.Draft
		var savedAt int64
		if err := rows.Scan(&d.PageID, &d.Body, &d.BaseSHA, &savedAt); err != nil {
			return nil, err
		}
		d.SavedAt = time.Unix(0, savedAt)
		drafts = append(drafts, d)
	}
	return drafts, rows.Err()
}
