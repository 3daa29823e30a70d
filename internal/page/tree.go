// Package page derives the wiki's page hierarchy from the flat list of files
// in the content repository.
package page

import (
	"path"
	"sort"
	"strings"
	"time"

	"ghwiki/internal/models"
)

var pageExts = []string{".md", ".markdown", ".org", ".txt"}

// IdentifierFromPath strips the content root and a page extension from a
// repository path.
func IdentifierFromPath(root, p string) string {
	root = strings.Trim(root, "/")
	p = strings.Trim(p, "/")
	if root != "" {
		if p == root {
			return ""
		}
		p = strings.TrimPrefix(p, root+"/")
	}
	ext := path.Ext(p)
	for _, e := range pageExts {
		if strings.EqualFold(ext, e) {
			return strings.TrimSuffix(p, ext)
		}
	}
	return p
}

// ParentID returns the identifier with its last segment removed.
func ParentID(id string) (string, bool) {
	i := strings.LastIndex(id, "/")
	if i < 0 {
		return "", false
	}
	return id[:i], true
}

// Tree is the in-memory page set with its parent/child index.
type Tree struct {
	root  string
	pages map[string]*models.Page
	roots []string
}

// New returns an empty tree for the given content root.
func New(root string) *Tree {
	return &Tree{
		root:  strings.Trim(root, "/"),
		pages: make(map[string]*models.Page),
	}
}

// BuildTree builds the page tree from a directory listing. Entries are
// sorted by path first so sibling order is stable across rebuilds, and so
// that a parent ("a.md") is always inserted before its children ("a/b.md").
func BuildTree(root string, entries []models.TreeEntry) *Tree {
	sorted := make([]models.TreeEntry, len(entries))
	copy(sorted, entries)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Path < sorted[j].Path })

	t := New(root)
	for _, e := range sorted {
		t.Insert(e)
	}
	return t
}

// Insert adds a page for entry and returns it, or nil if the identifier is
// empty or already taken.
//
// A page whose parent is not in the tree yet becomes a root. Inserting the
// parent later does not re-parent it; only a rebuild does.
func (t *Tree) Insert(e models.TreeEntry) *models.Page {
	id := IdentifierFromPath(t.root, e.Path)
	if id == "" {
		return nil
	}
	if _, ok := t.pages[id]; ok {
		return nil
	}

	p := &models.Page{
		ID:    id,
		Path:  e.Path,
		SHA:   e.SHA,
		Title: Title(e.Path, ""),
	}
	if parentID, ok := ParentID(id); ok {
		if parent, ok := t.pages[parentID]; ok {
			p.ParentID = &parentID
			parent.Children = append(parent.Children, id)
		}
	}
	if p.ParentID == nil {
		t.roots = append(t.roots, id)
	}
	t.pages[id] = p
	return p
}

// Remove drops a page. Its children are promoted to roots.
func (t *Tree) Remove(id string) {
	p, ok := t.pages[id]
	if !ok {
		return
	}
	if p.ParentID != nil {
		if parent, ok := t.pages[*p.ParentID]; ok {
			parent.Children = without(parent.Children, id)
		}
	} else {
		t.roots = without(t.roots, id)
	}
	for _, childID := range p.Children {
		if child, ok := t.pages[childID]; ok {
			child.ParentID = nil
			t.roots = append(t.roots, childID)
		}
	}
	delete(t.pages, id)
}

// Root returns the content root the identifiers are relative to.
func (t *Tree) Root() string {
	return t.root
}

// Get returns the page with the given identifier.
func (t *Tree) Get(id string) (*models.Page, bool) {
	p, ok := t.pages[id]
	return p, ok
}

// Len returns the number of pages.
func (t *Tree) Len() int {
	return len(t.pages)
}

// IDs returns every identifier, sorted.
func (t *Tree) IDs() []string {
	ids := make([]string, 0, len(t.pages))
	for id := range t.pages {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Roots returns the top-level pages in tree order.
func (t *Tree) Roots() []*models.Page {
	return t.lookup(t.roots)
}

// Children returns the direct children of id in tree order.
func (t *Tree) Children(id string) []*models.Page {
	p, ok := t.pages[id]
	if !ok {
		return nil
	}
	return t.lookup(p.Children)
}

// Ancestors returns the identifiers above id, root first.
func (t *Tree) Ancestors(id string) []string {
	p, ok := t.pages[id]
	if !ok {
		return nil
	}

	var chain []string
	seen := map[string]bool{id: true}
	for cur := p.ParentID; cur != nil; {
		if seen[*cur] {
			break
		}
		seen[*cur] = true
		chain = append(chain, *cur)
		parent, ok := t.pages[*cur]
		if !ok {
			break
		}
		cur = parent.ParentID
	}

	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain
}

// Subtree returns id and all of its descendants in pre-order.
func (t *Tree) Subtree(id string) []*models.Page {
	if _, ok := t.pages[id]; !ok {
		return nil
	}
	var out []*models.Page
	t.walkFrom([]string{id}, func(p *models.Page, _ int) bool {
		out = append(out, p)
		return true
	})
	return out
}

// Walk visits the tree depth-first in sibling order. Returning false from fn
// skips the children of that page.
func (t *Tree) Walk(fn func(p *models.Page, depth int) bool) {
	t.walkFrom(t.roots, fn)
}

func (t *Tree) walkFrom(start []string, fn func(p *models.Page, depth int) bool) {
	type item struct {
		id    string
		depth int
	}
	stack := make([]item, 0, len(start))
	for i := len(start) - 1; i >= 0; i-- {
		stack = append(stack, item{start[i], 0})
	}
	seen := make(map[string]bool)

	for len(stack) > 0 {
		it := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		p, ok := t.pages[it.id]
		if !ok || seen[it.id] {
			continue
		}
		seen[it.id] = true
		if !fn(p, it.depth) {
			continue
		}
		for i := len(p.Children) - 1; i >= 0; i-- {
			stack = append(stack, item{p.Children[i], it.depth + 1})
		}
	}
}

// SetBody records a fetched or saved body for id.
func (t *Tree) SetBody(id, body, sha string) bool {
	p, ok := t.pages[id]
	if !ok {
		return false
	}
	p.Body = body
	p.SHA = sha
	p.Loaded = true
	p.Title = Title(p.Path, body)
	return true
}

// Snapshot serializes the tree for the local cache.
func (t *Tree) Snapshot(now time.Time) models.TreeSnapshot {
	snap := models.TreeSnapshot{
		Root:     t.root,
		Roots:    append([]string(nil), t.roots...),
		CachedAt: now,
	}
	for _, id := range t.IDs() {
		p := *t.pages[id]
		p.Children = append([]string(nil), p.Children...)
		snap.Pages = append(snap.Pages, p)
	}
	return snap
}

// FromSnapshot restores a tree from the local cache. Links to pages missing
// from the snapshot are dropped.
func FromSnapshot(snap models.TreeSnapshot) *Tree {
	t := New(snap.Root)
	for i := range snap.Pages {
		p := snap.Pages[i]
		p.Children = append([]string(nil), p.Children...)
		t.pages[p.ID] = &p
	}

	for _, p := range t.pages {
		if p.ParentID != nil {
			if _, ok := t.pages[*p.ParentID]; !ok {
				p.ParentID = nil
			}
		}
		kept := p.Children[:0]
		for _, c := range p.Children {
			if child, ok := t.pages[c]; ok && child.ParentID != nil && *child.ParentID == p.ID {
				kept = append(kept, c)
			}
		}
		p.Children = kept
	}

	listed := make(map[string]bool)
	for _, id := range snap.Roots {
		if p, ok := t.pages[id]; ok && p.ParentID == nil && !listed[id] {
			t.roots = append(t.roots, id)
			listed[id] = true
		}
	}
	for _, id := range t.IDs() {
		if t.pages[id].ParentID == nil && !listed[id] {
			t.roots = append(t.roots, id)
		}
	}
	return t
}

func (t *Tree) lookup(ids []string) []*models.Page {
	out := make([]*models.Page, 0, len(ids))
	for _, id := range ids {
		if p, ok := t.pages[id]; ok {
			out = append(out, p)
		}
	}
	return out
}

func without(ids []string, id string) []string {
	out := ids[:0]
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}
