// Package session holds the state of one signed-in wiki user: the page tree,
// the active page, and the edit session that guards saves against remote
// changes.
//
// The only concurrency control is the sha precondition the remote store
// enforces on writes. The session adds two local rules: mutating operations
// run one at a time, and the background hash check only ever touches the
// cached remote hash, never page bodies.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"ghwiki/internal/apperr"
	"ghwiki/internal/models"
	"ghwiki/internal/page"
)

// State is the edit-session state.
type State int

const (
	Viewing State = iota
	Editing
	Saving
	ConflictWarning
	Closed
)

func (s State) String() string {
	switch s {
	case Viewing:
		return "viewing"
	case Editing:
		return "editing"
	case Saving:
		return "saving"
	case ConflictWarning:
		return "conflict"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

var (
	// ErrSuperseded is returned when a page body arrives after another page
	// became active. The body is dropped.
	ErrSuperseded = errors.New("another page was opened while this one was loading")

	// ErrClosed is returned by every operation after Logout.
	ErrClosed = fmt.Errorf("session closed: %w", apperr.ErrAuth)
)

// Store is the remote content repository.
type Store interface {
	Root() string
	PagePath(id string) string
	ListTree(ctx context.Context) ([]models.TreeEntry, error)
	FetchBody(ctx context.Context, sha string) (string, error)
	GetFile(ctx context.Context, path string) (models.File, error)
	CurrentSHA(ctx context.Context, path string) (string, error)
	PutFile(ctx context.Context, path, content, expectedSHA, message string) (string, error)
	DeleteFile(ctx context.Context, path, expectedSHA, message string) error
}

// Drafts persists unsaved edits.
type Drafts interface {
	Save(pageID, body, baseSHA string) error
	Load(pageID string) (models.Draft, bool, error)
	Clear(pageID string) error
}

// Cache persists the tree snapshot and the expanded sidebar nodes.
type Cache interface {
	StoreTree(snap models.TreeSnapshot) error
	LoadTree() (models.TreeSnapshot, bool, error)
	InvalidateTree() error
	SetExpanded(pageID string, open bool) error
	Expanded() (map[string]bool, error)
}

// Options configures a Session.
type Options struct {
	Store  Store
	Drafts Drafts
	Cache  Cache

	// DraftDelay is the minimum time between two draft writes while typing.
	DraftDelay time.Duration

	Logger *zap.Logger
	Now    func() time.Time
}

// SaveOptions controls a save attempt.
type SaveOptions struct {
	// ConfirmOverwrite must be set to save over a page that changed remotely
	// since editing started.
	ConfirmOverwrite bool
	Message          string
}

// Session is the application state of one signed-in user.
type Session struct {
	store      Store
	drafts     Drafts
	cache      Cache
	log        *zap.Logger
	now        func() time.Time
	draftDelay time.Duration

	// ops serialises operations that write to the store.
	ops sync.Mutex

	mu            sync.Mutex
	tree          *page.Tree
	current       string
	state         State
	editStartSHA  string
	remoteSHA     string
	remoteChanged bool
	original      string
	buffer        string
	isNew         bool
	lastDraft     time.Time
	draftPending  bool
	draftTimer    *time.Timer
	status        string
	stopWatch     context.CancelFunc
	watchers      sync.WaitGroup
}

// New creates a session. Call LoadTree before opening pages.
func New(opts Options) *Session {
	s := &Session{
		store:      opts.Store,
		drafts:     opts.Drafts,
		cache:      opts.Cache,
		log:        opts.Logger,
		now:        opts.Now,
		draftDelay: opts.DraftDelay,
		tree:       page.New(opts.Store.Root()),
		state:      Viewing,
	}
	if s.log == nil {
		s.log = zap.NewNop()
	}
	s.log = s.log.Named("session")
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// LoadTree loads the page tree, from the local snapshot when one is valid
// and force is false, from the store otherwise.
func (s *Session) LoadTree(ctx context.Context, force bool) error {
	if err := s.alive(); err != nil {
		return err
	}
	if !force {
		snap, ok, err := s.cache.LoadTree()
		if err != nil {
			s.log.Warn("error reading cached tree", zap.Error(err))
		} else if ok && snap.Root == s.store.Root() {
			s.mu.Lock()
			s.tree = page.FromSnapshot(snap)
			s.mu.Unlock()
			s.log.Debug("tree loaded from cache", zap.Int("pages", len(snap.Pages)))
			return nil
		}
	}
	return s.rebuild(ctx)
}

// rebuild replaces the tree with a fresh listing from the store. Bodies
// already loaded are kept when their sha did not move.
func (s *Session) rebuild(ctx context.Context) error {
	entries, err := s.store.ListTree(ctx)
	if err != nil {
		return s.fail(err)
	}
	tree := page.BuildTree(s.store.Root(), entries)

	s.mu.Lock()
	for _, id := range tree.IDs() {
		old, ok := s.tree.Get(id)
		if !ok || !old.Loaded {
			continue
		}
		if fresh, _ := tree.Get(id); fresh.SHA == old.SHA {
			tree.SetBody(id, old.Body, old.SHA)
		}
	}
	if s.isNew && s.current != "" {
		if _, ok := tree.Get(s.current); !ok {
			if p := tree.Insert(models.TreeEntry{Path: s.store.PagePath(s.current)}); p != nil {
				tree.SetBody(s.current, "", "")
			}
		}
	}
	s.tree = tree
	snap := tree.Snapshot(s.now())
	s.mu.Unlock()

	if err := s.cache.StoreTree(snap); err != nil {
		s.log.Warn("error caching tree", zap.Error(err))
	}
	s.log.Debug("tree rebuilt", zap.Int("pages", len(entries)))
	return nil
}

// Open makes id the active page and loads its body if needed. Leaving a page
// that is being edited stores its buffer as a draft.
func (s *Session) Open(ctx context.Context, id string) (models.Page, error) {
	if err := s.alive(); err != nil {
		return models.Page{}, err
	}

	s.mu.Lock()
	p, ok := s.tree.Get(id)
	if !ok {
		s.mu.Unlock()
		return models.Page{}, s.fail(&apperr.NotFoundError{What: "page " + id})
	}
	if s.current != id {
		s.leaveLocked()
		s.current = id
		s.remoteSHA = p.SHA
		s.remoteChanged = false
		s.status = ""
	}
	if p.Loaded {
		out := clonePage(p)
		s.mu.Unlock()
		s.expandAncestors(id)
		return out, nil
	}
	sha := p.SHA
	s.mu.Unlock()

	body, err := s.store.FetchBody(ctx, sha)

	s.mu.Lock()
	if s.current != id {
		s.mu.Unlock()
		s.log.Debug("dropping stale page body", zap.String("page", id))
		return models.Page{}, ErrSuperseded
	}
	s.mu.Unlock()
	if err != nil {
		return models.Page{}, s.fail(err)
	}

	s.mu.Lock()
	p, ok = s.tree.Get(id)
	if ok && p.SHA == sha {
		s.tree.SetBody(id, body, sha)
	}
	if !ok {
		s.mu.Unlock()
		return models.Page{}, s.fail(&apperr.NotFoundError{What: "page " + id})
	}
	out := clonePage(p)
	s.mu.Unlock()

	s.expandAncestors(id)
	return out, nil
}

// BeginEdit enters the editing state for the active page and captures the
// hash the edit starts from. A stored draft is restored together with the
// hash it was written against.
func (s *Session) BeginEdit() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case Closed:
		return ErrClosed
	case Editing, ConflictWarning:
		return nil
	case Saving:
		return s.failLocked(apperr.Validation("state", "a save is in progress"))
	}

	p, ok := s.tree.Get(s.current)
	if !ok {
		return s.failLocked(&apperr.NotFoundError{What: "active page"})
	}
	if !p.Loaded {
		return s.failLocked(apperr.Validation("page", "%s has not been loaded", p.ID))
	}

	s.original = p.Body
	s.buffer = p.Body
	s.editStartSHA = p.SHA
	if s.remoteSHA == "" {
		s.remoteSHA = p.SHA
	}
	s.isNew = false
	s.lastDraft = time.Time{}
	s.status = ""

	d, ok, err := s.drafts.Load(p.ID)
	if err != nil {
		s.log.Warn("error loading draft", zap.String("page", p.ID), zap.Error(err))
	} else if ok {
		s.buffer = d.Body
		s.editStartSHA = d.BaseSHA
		s.status = "Restored your unsaved draft."
		if d.BaseSHA != p.SHA {
			s.status = "Restored a draft written against an older version of this page."
		}
	}

	s.state = Editing
	s.log.Debug("edit started", zap.String("page", p.ID), zap.String("sha", s.editStartSHA))
	return nil
}

// NewPage starts editing a page that does not exist yet. The page is only
// local until it is saved.
func (s *Session) NewPage(id string) error {
	id = strings.Trim(strings.TrimSpace(id), "/")
	if err := ValidateID(id); err != nil {
		return s.fail(err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Closed {
		return ErrClosed
	}
	if s.state == Saving {
		return s.failLocked(apperr.Validation("state", "a save is in progress"))
	}
	if _, ok := s.tree.Get(id); ok {
		return s.failLocked(apperr.Validation("id", "page %s already exists", id))
	}

	s.leaveLocked()
	if s.tree.Insert(models.TreeEntry{Path: s.store.PagePath(id)}) == nil {
		return s.failLocked(apperr.Validation("id", "%s is not a valid page name", id))
	}
	s.tree.SetBody(id, "", "")

	s.current = id
	s.state = Editing
	s.isNew = true
	s.original = ""
	s.buffer = ""
	s.editStartSHA = ""
	s.remoteSHA = ""
	s.remoteChanged = false
	s.lastDraft = time.Time{}
	s.status = ""

	if d, ok, err := s.drafts.Load(id); err != nil {
		s.log.Warn("error loading draft", zap.String("page", id), zap.Error(err))
	} else if ok {
		s.buffer = d.Body
		s.status = "Restored your unsaved draft."
	}
	return nil
}

// Update replaces the edit buffer. A draft is written at most once per
// DraftDelay while typing; a change inside the delay is written when it ends.
func (s *Session) Update(body string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Closed {
		return ErrClosed
	}
	if s.state != Editing && s.state != ConflictWarning {
		return s.failLocked(apperr.Validation("state", "not editing"))
	}
	if body == s.buffer {
		return nil
	}
	s.buffer = body

	now := s.now()
	if wait := s.draftDelay - now.Sub(s.lastDraft); wait > 0 {
		s.scheduleDraftLocked(wait)
		return nil
	}
	s.writeDraftLocked(now)
	return nil
}

func (s *Session) writeDraftLocked(now time.Time) {
	if s.draftTimer != nil {
		s.draftTimer.Stop()
		s.draftTimer = nil
	}
	s.draftPending = false
	if err := s.drafts.Save(s.current, s.buffer, s.editStartSHA); err != nil {
		s.log.Warn("error saving draft", zap.String("page", s.current), zap.Error(err))
		return
	}
	s.lastDraft = now
}

// scheduleDraftLocked writes the buffer once wait has passed, unless the
// edit ended first.
func (s *Session) scheduleDraftLocked(wait time.Duration) {
	s.draftPending = true
	if s.draftTimer != nil {
		return
	}
	id := s.current
	var t *time.Timer
	t = time.AfterFunc(wait, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.draftTimer != t {
			return
		}
		s.draftTimer = nil
		if s.draftPending && s.editingLocked() && s.current == id {
			s.writeDraftLocked(s.now())
		}
	})
	s.draftTimer = t
}

// CheckRemote fetches the active page's remote hash and reports whether it
// differs from the one the page (or the edit) is based on. Only the cached
// remote hash is updated; editing continues either way.
func (s *Session) CheckRemote(ctx context.Context) (bool, error) {
	if err := s.alive(); err != nil {
		return false, err
	}

	s.mu.Lock()
	id := s.current
	p, ok := s.tree.Get(id)
	if !ok {
		s.mu.Unlock()
		return false, nil
	}
	path := p.Path
	s.mu.Unlock()

	sha, err := s.store.CurrentSHA(ctx, path)
	if errors.Is(err, apperr.ErrNotFound) {
		sha, err = "", nil
	}
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		return false, s.fail(err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current != id {
		return false, nil
	}

	baseline := s.editStartSHA
	if !s.editingLocked() {
		if p, ok := s.tree.Get(id); ok {
			baseline = p.SHA
		}
	}
	s.remoteSHA = sha
	s.remoteChanged = sha != baseline
	if s.remoteChanged {
		if s.editingLocked() {
			s.status = "This page was changed on the server while you were editing."
		} else {
			s.status = "This page was changed on the server. Reload to see the latest version."
		}
		s.log.Info("remote change detected", zap.String("page", id), zap.String("remote", sha), zap.String("base", baseline))
	}
	return s.remoteChanged, nil
}

// Watch runs CheckRemote every interval while a page is being edited, until
// ctx is done, StopWatching or Logout is called.
func (s *Session) Watch(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}

	s.mu.Lock()
	if s.state == Closed {
		s.mu.Unlock()
		return
	}
	if s.stopWatch != nil {
		s.stopWatch()
	}
	ctx, cancel := context.WithCancel(ctx)
	s.stopWatch = cancel
	s.watchers.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.watchers.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if !s.isEditing() {
					continue
				}
				if _, err := s.CheckRemote(ctx); err != nil && ctx.Err() == nil {
					s.log.Warn("background check failed", zap.Error(err))
				}
			}
		}
	}()
}

// StopWatching stops the background check and waits for it to exit.
func (s *Session) StopWatching() {
	s.mu.Lock()
	cancel := s.stopWatch
	s.stopWatch = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.watchers.Wait()
}

// Save writes the edit buffer to the store.
//
// If the remote hash moved since editing started, the write needs
// ConfirmOverwrite; it then goes out with the last known remote hash, so a
// change that lands in between is still rejected by the store.
func (s *Session) Save(ctx context.Context, opts SaveOptions) (models.Page, error) {
	s.ops.Lock()
	defer s.ops.Unlock()

	s.mu.Lock()
	if s.state == Closed {
		s.mu.Unlock()
		return models.Page{}, ErrClosed
	}
	if !s.editingLocked() {
		err := s.failLocked(apperr.Validation("state", "not editing"))
		s.mu.Unlock()
		return models.Page{}, err
	}
	p, ok := s.tree.Get(s.current)
	if !ok {
		err := s.failLocked(&apperr.NotFoundError{What: "page " + s.current})
		s.mu.Unlock()
		return models.Page{}, err
	}
	if strings.TrimSpace(s.buffer) == "" {
		err := s.failLocked(apperr.Validation("body", "must not be empty"))
		s.mu.Unlock()
		return models.Page{}, err
	}

	expected := s.editStartSHA
	if s.editStartSHA != s.remoteSHA {
		if !opts.ConfirmOverwrite {
			s.state = ConflictWarning
			err := s.failLocked(&apperr.ConflictError{
				Path:         p.Path,
				ExpectedSHA:  s.editStartSHA,
				CurrentSHA:   s.remoteSHA,
				NeedsConfirm: true,
			})
			s.mu.Unlock()
			return models.Page{}, err
		}
		expected = s.remoteSHA
	}

	id, path, body := s.current, p.Path, s.buffer
	previous := s.state
	s.state = Saving
	s.mu.Unlock()

	s.log.Info("saving page", zap.String("page", id), zap.String("expected", expected), zap.Bool("confirmed", opts.ConfirmOverwrite))
	newSHA, err := s.store.PutFile(ctx, path, body, expected, opts.Message)
	if err != nil {
		if errors.Is(err, apperr.ErrConflict) {
			s.mu.Lock()
			s.state = ConflictWarning
			s.remoteChanged = true
			s.mu.Unlock()
			s.refreshRemoteSHA(ctx, id, path)
		} else {
			s.mu.Lock()
			s.state = previous
			s.mu.Unlock()
		}
		return models.Page{}, s.fail(err)
	}

	if err := s.drafts.Clear(id); err != nil {
		s.log.Warn("error clearing draft", zap.String("page", id), zap.Error(err))
	}

	s.mu.Lock()
	s.endEditLocked()
	s.remoteSHA = newSHA
	s.remoteChanged = false
	s.status = "Saved " + id + "."
	s.mu.Unlock()

	s.invalidate()
	rebuildErr := s.rebuild(ctx)
	if errors.Is(rebuildErr, apperr.ErrAuth) {
		return models.Page{}, rebuildErr
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tree.Get(id); !ok {
		s.tree.Insert(models.TreeEntry{Path: path, SHA: newSHA})
	}
	s.tree.SetBody(id, body, newSHA)
	if rebuildErr != nil {
		s.status = "Saved " + id + ", but the page list could not be refreshed."
	}
	saved, _ := s.tree.Get(id)
	return clonePage(saved), nil
}

// refreshRemoteSHA learns the hash that beat us after a rejected write, so a
// confirmed retry targets it.
func (s *Session) refreshRemoteSHA(ctx context.Context, id, path string) {
	sha, err := s.store.CurrentSHA(ctx, path)
	if errors.Is(err, apperr.ErrNotFound) {
		sha, err = "", nil
	}
	if err != nil {
		s.log.Warn("error refreshing remote hash", zap.String("page", id), zap.Error(err))
		return
	}
	s.mu.Lock()
	if s.current == id {
		s.remoteSHA = sha
	}
	s.mu.Unlock()
}

// Reload abandons the edit (keeping the buffer as a draft when it has
// changes) and fetches the latest version of the active page.
func (s *Session) Reload(ctx context.Context) (models.Page, error) {
	if err := s.alive(); err != nil {
		return models.Page{}, err
	}

	s.mu.Lock()
	id := s.current
	s.leaveLocked()
	s.mu.Unlock()

	if id == "" {
		return models.Page{}, s.fail(&apperr.NotFoundError{What: "active page"})
	}

	s.invalidate()
	if err := s.rebuild(ctx); err != nil {
		return models.Page{}, err
	}

	s.mu.Lock()
	s.current = ""
	s.mu.Unlock()
	return s.Open(ctx, id)
}

// RemoteBody returns the current remote content of the active page, or ""
// if it no longer exists.
func (s *Session) RemoteBody(ctx context.Context) (string, error) {
	if err := s.alive(); err != nil {
		return "", err
	}
	s.mu.Lock()
	p, ok := s.tree.Get(s.current)
	s.mu.Unlock()
	if !ok {
		return "", s.fail(&apperr.NotFoundError{What: "active page"})
	}

	f, err := s.store.GetFile(ctx, p.Path)
	if errors.Is(err, apperr.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", s.fail(err)
	}
	return string(f.Content), nil
}

// Leave exits editing without saving. Changes are kept as a draft.
func (s *Session) Leave() {
	s.mu.Lock()
	s.leaveLocked()
	s.mu.Unlock()
}

// Discard exits editing and drops the draft.
func (s *Session) Discard() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Closed {
		return ErrClosed
	}
	if !s.editingLocked() {
		return nil
	}
	if err := s.drafts.Clear(s.current); err != nil {
		return s.failLocked(err)
	}
	if s.isNew {
		s.tree.Remove(s.current)
		s.current = ""
	}
	s.endEditLocked()
	s.status = "Draft discarded."
	return nil
}

// Delete removes a page from the store.
func (s *Session) Delete(ctx context.Context, id string) error {
	if err := s.alive(); err != nil {
		return err
	}
	s.ops.Lock()
	defer s.ops.Unlock()

	s.mu.Lock()
	p, ok := s.tree.Get(id)
	if !ok {
		s.mu.Unlock()
		return s.fail(&apperr.NotFoundError{What: "page " + id})
	}
	if p.SHA == "" {
		s.mu.Unlock()
		return s.fail(apperr.Validation("page", "%s has never been saved", id))
	}
	path, sha := p.Path, p.SHA
	s.mu.Unlock()

	if err := s.store.DeleteFile(ctx, path, sha, "Delete "+id); err != nil {
		return s.fail(err)
	}
	if err := s.drafts.Clear(id); err != nil {
		s.log.Warn("error clearing draft", zap.String("page", id), zap.Error(err))
	}

	s.mu.Lock()
	if s.current == id {
		s.endEditLocked()
		s.current = ""
	}
	s.status = "Deleted " + id + "."
	s.mu.Unlock()

	s.invalidate()
	return s.rebuild(ctx)
}

// Move renames a page and its descendants. Each file is copied to its new
// path and then deleted at the old one.
func (s *Session) Move(ctx context.Context, from, to string) error {
	if err := s.alive(); err != nil {
		return err
	}
	to = strings.Trim(strings.TrimSpace(to), "/")
	if err := ValidateID(to); err != nil {
		return s.fail(err)
	}
	if from == to {
		return nil
	}
	if strings.HasPrefix(to, from+"/") {
		return s.fail(apperr.Validation("to", "cannot move %s inside itself", from))
	}

	s.ops.Lock()
	defer s.ops.Unlock()

	type move struct {
		oldID, newID     string
		oldPath, newPath string
		sha, body        string
		loaded           bool
	}

	s.mu.Lock()
	if _, ok := s.tree.Get(from); !ok {
		s.mu.Unlock()
		return s.fail(&apperr.NotFoundError{What: "page " + from})
	}
	if _, ok := s.tree.Get(to); ok {
		s.mu.Unlock()
		return s.fail(apperr.Validation("to", "page %s already exists", to))
	}
	var moves []move
	for _, p := range s.tree.Subtree(from) {
		if s.editingLocked() && s.current == p.ID {
			s.mu.Unlock()
			return s.fail(apperr.Validation("state", "finish editing %s before moving it", p.ID))
		}
		newID := to + strings.TrimPrefix(p.ID, from)
		moves = append(moves, move{
			oldID:   p.ID,
			newID:   newID,
			oldPath: p.Path,
			newPath: joinPath(s.store.Root(), newID+extOf(p.Path)),
			sha:     p.SHA,
			body:    p.Body,
			loaded:  p.Loaded,
		})
	}
	s.mu.Unlock()

	for _, m := range moves {
		if _, err := s.store.CurrentSHA(ctx, m.newPath); err == nil {
			return s.fail(apperr.Validation("to", "%s already exists", m.newPath))
		} else if !errors.Is(err, apperr.ErrNotFound) {
			return s.fail(err)
		}
	}

	for _, m := range moves {
		body := m.body
		if !m.loaded {
			var err error
			if body, err = s.store.FetchBody(ctx, m.sha); err != nil {
				return s.afterPartialMove(ctx, err)
			}
		}
		msg := fmt.Sprintf("Move %s to %s", m.oldID, m.newID)
		if _, err := s.store.PutFile(ctx, m.newPath, body, "", msg); err != nil {
			return s.afterPartialMove(ctx, err)
		}
		if err := s.store.DeleteFile(ctx, m.oldPath, m.sha, msg); err != nil {
			return s.afterPartialMove(ctx, err)
		}
		s.moveDraft(m.oldID, m.newID)
	}

	s.mu.Lock()
	for _, m := range moves {
		if s.current == m.oldID {
			s.current = m.newID
		}
	}
	s.status = fmt.Sprintf("Moved %s to %s.", from, to)
	s.mu.Unlock()

	s.invalidate()
	return s.rebuild(ctx)
}

// moveDraft carries a draft over to the page's new identifier.
func (s *Session) moveDraft(from, to string) {
	d, ok, err := s.drafts.Load(from)
	if err != nil {
		s.log.Warn("error loading draft", zap.String("page", from), zap.Error(err))
		return
	}
	if !ok {
		return
	}
	if err := s.drafts.Save(to, d.Body, d.BaseSHA); err != nil {
		s.log.Warn("error saving draft", zap.String("page", to), zap.Error(err))
		return
	}
	if err := s.drafts.Clear(from); err != nil {
		s.log.Warn("error clearing draft", zap.String("page", from), zap.Error(err))
	}
}

// afterPartialMove resyncs the tree after a move failed midway; some files
// may already live at their new paths.
func (s *Session) afterPartialMove(ctx context.Context, err error) error {
	err = s.fail(err)
	if errors.Is(err, apperr.ErrAuth) {
		return err
	}
	s.invalidate()
	if rerr := s.rebuild(ctx); rerr != nil {
		s.log.Warn("error rebuilding tree after failed move", zap.Error(rerr))
	}
	s.mu.Lock()
	s.status = apperr.Status(err)
	s.mu.Unlock()
	return err
}

// Logout tears the session down. Every later call returns ErrClosed.
func (s *Session) Logout() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Closed {
		return
	}
	if s.stopWatch != nil {
		s.stopWatch()
		s.stopWatch = nil
	}
	s.leaveLocked()
	s.state = Closed
	s.tree = page.New(s.store.Root())
	s.current = ""
	s.status = "Logged out."
	s.log.Info("session closed")
}

// State returns the edit-session state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Status returns the last user-visible status line.
func (s *Session) Status() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// RemoteChanged reports whether the last check saw a remote change.
func (s *Session) RemoteChanged() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remoteChanged
}

// Current returns a copy of the active page.
func (s *Session) Current() (models.Page, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.tree.Get(s.current)
	if !ok {
		return models.Page{}, false
	}
	return clonePage(p), true
}

// Buffer returns the edit buffer.
func (s *Session) Buffer() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buffer
}

// Hashes returns the hash editing started from and the last known remote hash.
func (s *Session) Hashes() (editStart, remote string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.editStartSHA, s.remoteSHA
}

// Len returns the number of known pages.
func (s *Session) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tree.Len()
}

func (s *Session) alive() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Closed {
		return ErrClosed
	}
	return nil
}

func (s *Session) isEditing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.editingLocked()
}

func (s *Session) editingLocked() bool {
	return s.state == Editing || s.state == ConflictWarning
}

// leaveLocked ends an edit without saving. The buffer becomes a draft if it
// differs from what was loaded.
func (s *Session) leaveLocked() {
	if !s.editingLocked() {
		return
	}
	id := s.current
	var err error
	if s.buffer != s.original {
		err = s.drafts.Save(id, s.buffer, s.editStartSHA)
	} else {
		err = s.drafts.Clear(id)
	}
	if err != nil {
		s.log.Warn("error storing draft on leave", zap.String("page", id), zap.Error(err))
	}
	if s.isNew {
		s.tree.Remove(id)
		s.current = ""
	}
	s.endEditLocked()
}

func (s *Session) endEditLocked() {
	if s.draftTimer != nil {
		s.draftTimer.Stop()
		s.draftTimer = nil
	}
	s.draftPending = false
	s.state = Viewing
	s.isNew = false
	s.editStartSHA = ""
	s.original = ""
	s.buffer = ""
	s.lastDraft = time.Time{}
}

// fail records err as the status line. Auth errors end the session.
func (s *Session) fail(err error) error {
	s.mu.Lock()
	s.status = apperr.Status(err)
	s.mu.Unlock()
	if errors.Is(err, apperr.ErrAuth) {
		s.log.Warn("token rejected, closing session", zap.Error(err))
		s.Logout()
	}
	return err
}

func (s *Session) failLocked(err error) error {
	s.status = apperr.Status(err)
	return err
}

func (s *Session) invalidate() {
	if err := s.cache.InvalidateTree(); err != nil {
		s.log.Warn("error invalidating cached tree", zap.Error(err))
	}
}

func (s *Session) expandAncestors(id string) {
	s.mu.Lock()
	ancestors := s.tree.Ancestors(id)
	s.mu.Unlock()
	for _, a := range ancestors {
		if err := s.cache.SetExpanded(a, true); err != nil {
			s.log.Warn("error expanding node", zap.String("page", a), zap.Error(err))
			return
		}
	}
}

func clonePage(p *models.Page) models.Page {
	out := *p
	out.Children = append([]string(nil), p.Children...)
	if p.ParentID != nil {
		parent := *p.ParentID
		out.ParentID = &parent
	}
	return out
}
