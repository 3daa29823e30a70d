package session

import (
	"path"
	"strings"

	"go.uber.org/zap"

	"ghwiki/internal/apperr"
	"ghwiki/internal/models"
)

const maxIDLength = 200

// Item is one visible row of the page outline.
type Item struct {
	Page        models.Page
	Depth       int
	HasChildren bool
	Expanded    bool
	Active      bool
}

// Outline lists the pages as they appear in the sidebar. Children are only
// listed under expanded nodes unless all is set.
func (s *Session) Outline(all bool) []Item {
	open, err := s.cache.Expanded()
	if err != nil {
		s.log.Warn("error loading expanded nodes", zap.Error(err))
		open = map[string]bool{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var items []Item
	s.tree.Walk(func(p *models.Page, depth int) bool {
		item := Item{
			Page:        clonePage(p),
			Depth:       depth,
			HasChildren: len(p.Children) > 0,
			Expanded:    all || open[p.ID],
			Active:      p.ID == s.current,
		}
		item.Page.Body = ""
		items = append(items, item)
		return item.Expanded
	})
	return items
}

// Toggle flips the expanded state of a sidebar node.
func (s *Session) Toggle(id string) error {
	if err := s.alive(); err != nil {
		return err
	}
	s.mu.Lock()
	_, ok := s.tree.Get(id)
	s.mu.Unlock()
	if !ok {
		return s.fail(&apperr.NotFoundError{What: "page " + id})
	}

	open, err := s.cache.Expanded()
	if err != nil {
		return s.fail(err)
	}
	if err := s.cache.SetExpanded(id, !open[id]); err != nil {
		return s.fail(err)
	}
	return nil
}

// Ancestors returns the ancestors of id, outermost first.
func (s *Session) Ancestors(id string) []models.Page {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Page
	for _, a := range s.tree.Ancestors(id) {
		if p, ok := s.tree.Get(a); ok {
			out = append(out, clonePage(p))
		}
	}
	return out
}

// ValidateID checks that id can name a new page.
func ValidateID(id string) error {
	switch {
	case id == "":
		return apperr.Validation("id", "must not be empty")
	case len(id) > maxIDLength:
		return apperr.Validation("id", "must be at most %d bytes", maxIDLength)
	case strings.ContainsAny(id, "\\\x00"):
		return apperr.Validation("id", "must not contain backslashes or NUL")
	case strings.HasPrefix(id, "/") || strings.HasSuffix(id, "/"):
		return apperr.Validation("id", "must not start or end with /")
	}
	for _, seg := range strings.Split(id, "/") {
		switch {
		case seg == "":
			return apperr.Validation("id", "must not contain empty segments")
		case seg == "." || seg == "..":
			return apperr.Validation("id", "must not contain . or .. segments")
		case strings.HasPrefix(seg, "."):
			return apperr.Validation("id", "segments must not start with a dot")
		}
	}
	return nil
}

func joinPath(root, rel string) string {
	if root == "" {
		return rel
	}
	return path.Join(root, rel)
}

func extOf(p string) string {
	return path.Ext(p)
}
