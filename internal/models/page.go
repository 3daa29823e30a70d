package models

// Page represents a single wiki page backed by a file in the content repository.
type Page struct {
	ID       string   `json:"id"`
	Path     string   `json:"path"`
	Title    string   `json:"title"`
	Body     string   `json:"body,omitempty"`
	SHA      string   `json:"sha"`
	ParentID *string  `json:"parent_id"`
	Children []string `json:"children"`
	Loaded   bool     `json:"loaded"`
}

// IsRoot reports whether the page has no parent in the tree.
func (p *Page) IsRoot() bool {
	return p.ParentID == nil
}

// TreeEntry is one blob of the remote directory listing.
type TreeEntry struct {
	Path string `json:"path"`
	SHA  string `json:"sha"`
}
