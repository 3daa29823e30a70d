package session

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"ghwiki/internal/apperr"
	"ghwiki/internal/cache"
	"ghwiki/internal/content"
	"ghwiki/internal/content/contenttest"
	"ghwiki/internal/database"
	"ghwiki/internal/draft"
)

type fixture struct {
	srv    *contenttest.Server
	client *content.Client
	db     *sql.DB
	drafts *draft.Repository
	cache  *cache.Repository
}

func setup(t *testing.T) *fixture {
	t.Helper()
	srv := contenttest.NewServer()
	t.Cleanup(srv.Close)

	db, err := database.New(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	require.NoError(t, database.Migrate(db))
	t.Cleanup(func() { db.Close() })

	client := content.NewClient(content.Options{
		BaseURL: srv.URL,
		Owner:   contenttest.Owner,
		Repo:    contenttest.Repo,
		Branch:  contenttest.Branch,
		Root:    "wiki",
		Token:   contenttest.Token,
	}, zaptest.NewLogger(t))

	return &fixture{
		srv:    srv,
		client: client,
		db:     db,
		drafts: draft.NewRepository(db, client.Scope()),
		cache:  cache.NewRepository(db, client.Scope(), 0),
	}
}

func (f *fixture) session(t *testing.T, store Store) *Session {
	t.Helper()
	if store == nil {
		store = f.client
	}
	return New(Options{
		Store:  store,
		Drafts: f.drafts,
		Cache:  f.cache,
		Logger: zaptest.NewLogger(t),
	})
}

func (f *fixture) draftBody(t *testing.T, id string) string {
	t.Helper()
	d, _, err := f.drafts.Load(id)
	require.NoError(t, err)
	return d.Body
}

// editing returns a session editing wiki/home.md, which holds "# Home v1".
func (f *fixture) editing(t *testing.T) *Session {
	t.Helper()
	f.srv.Seed("wiki/home.md", "# Home v1")
	s := f.session(t, nil)
	ctx := context.Background()
	require.NoError(t, s.LoadTree(ctx, true))
	_, err := s.Open(ctx, "home")
	require.NoError(t, err)
	require.NoError(t, s.BeginEdit())
	return s
}

func TestSaveWithoutRemoteChange(t *testing.T) {
	f := setup(t)
	s := f.editing(t)
	ctx := context.Background()

	require.NoError(t, s.Update("# Home v2"))
	p, err := s.Save(ctx, SaveOptions{})
	require.NoError(t, err)

	assert.Equal(t, Viewing, s.State())
	assert.Equal(t, "# Home v2", p.Body)
	assert.Equal(t, f.srv.SHA("wiki/home.md"), p.SHA)
	got, _ := f.srv.Content("wiki/home.md")
	assert.Equal(t, "# Home v2", got)

	_, ok, err := f.drafts.Load("home")
	require.NoError(t, err)
	assert.False(t, ok, "draft must be cleared after a save")

	cur, ok := s.Current()
	require.True(t, ok)
	assert.Equal(t, p.SHA, cur.SHA)
	assert.Equal(t, "Home v2", cur.Title)
}

func TestSaveDetectsUnseenRemoteChange(t *testing.T) {
	f := setup(t)
	s := f.editing(t)
	ctx := context.Background()
	h1 := f.srv.SHA("wiki/home.md")

	h2 := f.srv.Set("wiki/home.md", "# Home, edited elsewhere")
	require.NoError(t, s.Update("# Home, my edit"))

	changed, err := s.CheckRemote(ctx)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, Editing, s.State(), "a remote change never interrupts editing")
	assert.Equal(t, "# Home, my edit", s.Buffer())

	_, err = s.Save(ctx, SaveOptions{})
	var conflict *apperr.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.True(t, conflict.NeedsConfirm)
	assert.Equal(t, h1, conflict.ExpectedSHA)
	assert.Equal(t, h2, conflict.CurrentSHA)
	assert.Equal(t, ConflictWarning, s.State())
	assert.Equal(t, 0, f.srv.Calls("PUT contents"), "no write without confirmation")

	got, _ := f.srv.Content("wiki/home.md")
	assert.Equal(t, "# Home, edited elsewhere", got)

	remote, err := s.RemoteBody(ctx)
	require.NoError(t, err)
	assert.Equal(t, "# Home, edited elsewhere", remote)

	_, err = s.Save(ctx, SaveOptions{ConfirmOverwrite: true})
	require.NoError(t, err)
	got, _ = f.srv.Content("wiki/home.md")
	assert.Equal(t, "# Home, my edit", got)
	assert.Equal(t, Viewing, s.State())
}

func TestStoreRejectsStaleWrite(t *testing.T) {
	f := setup(t)
	s := f.editing(t)
	ctx := context.Background()

	h2 := f.srv.Set("wiki/home.md", "# Changed under us")
	require.NoError(t, s.Update("# Mine"))

	_, err := s.Save(ctx, SaveOptions{})
	require.ErrorIs(t, err, apperr.ErrConflict)
	var conflict *apperr.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.False(t, conflict.NeedsConfirm)
	assert.Equal(t, ConflictWarning, s.State())
	assert.True(t, s.RemoteChanged())
	assert.Equal(t, "# Mine", s.Buffer())

	_, remote := s.Hashes()
	assert.Equal(t, h2, remote, "the winning hash is learned after a rejected write")

	_, err = s.Save(ctx, SaveOptions{ConfirmOverwrite: true})
	require.NoError(t, err)
	got, _ := f.srv.Content("wiki/home.md")
	assert.Equal(t, "# Mine", got)
}

func TestConfirmedOverwriteStillGuarded(t *testing.T) {
	f := setup(t)
	s := f.editing(t)
	ctx := context.Background()

	f.srv.Set("wiki/home.md", "# Second")
	require.NoError(t, s.Update("# Mine"))
	_, err := s.CheckRemote(ctx)
	require.NoError(t, err)

	f.srv.Set("wiki/home.md", "# Third")
	_, err = s.Save(ctx, SaveOptions{ConfirmOverwrite: true})
	require.ErrorIs(t, err, apperr.ErrConflict)
	assert.Equal(t, ConflictWarning, s.State())

	got, _ := f.srv.Content("wiki/home.md")
	assert.Equal(t, "# Third", got, "a change after the confirmation must survive")
}

func TestSaveEmptyBody(t *testing.T) {
	f := setup(t)
	s := f.editing(t)

	require.NoError(t, s.Update("  \n\t"))
	_, err := s.Save(context.Background(), SaveOptions{})
	require.ErrorIs(t, err, apperr.ErrValidation)
	assert.Equal(t, 0, f.srv.Calls("PUT contents"))
	assert.Equal(t, Editing, s.State())
	assert.Contains(t, s.Status(), "Invalid input")
}

func TestSaveNetworkErrorKeepsEdit(t *testing.T) {
	f := setup(t)
	s := f.editing(t)

	require.NoError(t, s.Update("# Unsent"))
	f.srv.FailNext(http.StatusBadGateway)
	_, err := s.Save(context.Background(), SaveOptions{})
	require.ErrorIs(t, err, apperr.ErrNetwork)

	assert.Equal(t, Editing, s.State())
	assert.Equal(t, "# Unsent", s.Buffer())
	assert.Equal(t, "Could not reach GitHub. Try again.", s.Status())

	_, err = s.Save(context.Background(), SaveOptions{})
	require.NoError(t, err)
}

func TestAuthErrorClosesSession(t *testing.T) {
	f := setup(t)
	s := f.editing(t)
	ctx := context.Background()

	require.NoError(t, s.Update("# Typed before logout"))
	f.srv.FailNext(http.StatusUnauthorized)
	_, err := s.Save(ctx, SaveOptions{})
	require.ErrorIs(t, err, apperr.ErrAuth)
	assert.Equal(t, Closed, s.State())

	_, err = s.Open(ctx, "home")
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, s.LoadTree(ctx, true), ErrClosed)
	_, err = s.Save(ctx, SaveOptions{})
	assert.ErrorIs(t, err, ErrClosed)

	d, ok, err := f.drafts.Load("home")
	require.NoError(t, err)
	require.True(t, ok, "logout keeps unsaved work as a draft")
	assert.Equal(t, "# Typed before logout", d.Body)
}

func TestDraftRestoredWithBaseHash(t *testing.T) {
	f := setup(t)
	s := f.editing(t)
	ctx := context.Background()
	h1 := f.srv.SHA("wiki/home.md")

	require.NoError(t, s.Update("# Draft text"))
	s.Leave()
	assert.Equal(t, Viewing, s.State())

	f.srv.Set("wiki/home.md", "# Moved on")

	restarted := f.session(t, nil)
	require.NoError(t, restarted.LoadTree(ctx, true))
	_, err := restarted.Open(ctx, "home")
	require.NoError(t, err)
	require.NoError(t, restarted.BeginEdit())

	assert.Equal(t, "# Draft text", restarted.Buffer())
	start, _ := restarted.Hashes()
	assert.Equal(t, h1, start)
	assert.Contains(t, restarted.Status(), "older version")

	_, err = restarted.Save(ctx, SaveOptions{})
	var conflict *apperr.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.True(t, conflict.NeedsConfirm)
}

func TestDraftWritesAreThrottled(t *testing.T) {
	f := setup(t)
	f.srv.Seed("wiki/home.md", "# Home")
	now := time.Date(2026, 9, 1, 10, 0, 0, 0, time.UTC)
	s := New(Options{
		Store:      f.client,
		Drafts:     f.drafts,
		Cache:      f.cache,
		DraftDelay: time.Hour,
		Logger:     zaptest.NewLogger(t),
		Now:        func() time.Time { return now },
	})
	ctx := context.Background()
	require.NoError(t, s.LoadTree(ctx, true))
	_, err := s.Open(ctx, "home")
	require.NoError(t, err)
	require.NoError(t, s.BeginEdit())

	require.NoError(t, s.Update("one"))
	assert.Equal(t, "one", f.draftBody(t, "home"))

	now = now.Add(time.Second)
	require.NoError(t, s.Update("two"))
	assert.Equal(t, "one", f.draftBody(t, "home"), "written when the delay ends")

	now = now.Add(time.Hour)
	require.NoError(t, s.Update("three"))
	assert.Equal(t, "three", f.draftBody(t, "home"))
}

func TestDraftTrailingEditIsWritten(t *testing.T) {
	f := setup(t)
	f.srv.Seed("wiki/home.md", "# Home")
	s := New(Options{
		Store:      f.client,
		Drafts:     f.drafts,
		Cache:      f.cache,
		DraftDelay: 20 * time.Millisecond,
		Logger:     zaptest.NewLogger(t),
	})
	ctx := context.Background()
	require.NoError(t, s.LoadTree(ctx, true))
	_, err := s.Open(ctx, "home")
	require.NoError(t, err)
	require.NoError(t, s.BeginEdit())

	require.NoError(t, s.Update("one"))
	require.NoError(t, s.Update("one two"))
	assert.Eventually(t, func() bool {
		d, ok, err := f.drafts.Load("home")
		return err == nil && ok && d.Body == "one two"
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, "one two", s.Buffer())
}

func TestPendingDraftDroppedWithEdit(t *testing.T) {
	f := setup(t)
	f.srv.Seed("wiki/home.md", "# Home")
	s := New(Options{
		Store:      f.client,
		Drafts:     f.drafts,
		Cache:      f.cache,
		DraftDelay: 20 * time.Millisecond,
		Logger:     zaptest.NewLogger(t),
	})
	ctx := context.Background()
	require.NoError(t, s.LoadTree(ctx, true))
	_, err := s.Open(ctx, "home")
	require.NoError(t, err)
	require.NoError(t, s.BeginEdit())

	require.NoError(t, s.Update("one"))
	require.NoError(t, s.Update("one two"))
	require.NoError(t, s.Discard())

	time.Sleep(60 * time.Millisecond)
	_, ok, err := f.drafts.Load("home")
	require.NoError(t, err)
	assert.False(t, ok, "a discarded edit leaves no draft behind")
}

func TestDiscardDropsDraft(t *testing.T) {
	f := setup(t)
	s := f.editing(t)

	require.NoError(t, s.Update("# Throwaway"))
	require.NoError(t, s.Discard())
	assert.Equal(t, Viewing, s.State())

	_, ok, err := f.drafts.Load("home")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestOpenWhileEditingKeepsDraft(t *testing.T) {
	f := setup(t)
	f.srv.Seed("wiki/other.md", "# Other")
	s := f.editing(t)
	ctx := context.Background()

	require.NoError(t, s.Update("# Half done"))
	p, err := s.Open(ctx, "other")
	require.NoError(t, err)
	assert.Equal(t, "# Other", p.Body)
	assert.Equal(t, Viewing, s.State())

	d, ok, err := f.drafts.Load("home")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "# Half done", d.Body)
}

type gatedStore struct {
	Store
	sha     string
	entered chan struct{}
	release chan struct{}
}

func (g *gatedStore) FetchBody(ctx context.Context, sha string) (string, error) {
	if sha == g.sha {
		close(g.entered)
		<-g.release
	}
	return g.Store.FetchBody(ctx, sha)
}

func TestStaleBodyIsDropped(t *testing.T) {
	f := setup(t)
	slow := f.srv.Seed("wiki/slow.md", "# Slow")
	f.srv.Seed("wiki/fast.md", "# Fast")
	store := &gatedStore{Store: f.client, sha: slow, entered: make(chan struct{}), release: make(chan struct{})}
	s := f.session(t, store)
	ctx := context.Background()
	require.NoError(t, s.LoadTree(ctx, true))

	errc := make(chan error, 1)
	go func() {
		_, err := s.Open(ctx, "slow")
		errc <- err
	}()
	<-store.entered

	p, err := s.Open(ctx, "fast")
	require.NoError(t, err)
	assert.Equal(t, "# Fast", p.Body)

	close(store.release)
	assert.ErrorIs(t, <-errc, ErrSuperseded)

	cur, ok := s.Current()
	require.True(t, ok)
	assert.Equal(t, "fast", cur.ID)
	assert.Equal(t, "# Fast", cur.Body)
}

func TestLoadTreeUsesCache(t *testing.T) {
	f := setup(t)
	f.srv.Seed("wiki/a.md", "# A")
	f.srv.Seed("wiki/a/b.md", "# B")
	ctx := context.Background()

	first := f.session(t, nil)
	require.NoError(t, first.LoadTree(ctx, false))
	assert.Equal(t, 1, f.srv.Calls("GET tree"))

	second := f.session(t, nil)
	require.NoError(t, second.LoadTree(ctx, false))
	assert.Equal(t, 1, f.srv.Calls("GET tree"), "a valid snapshot is served without a listing")
	assert.Equal(t, 2, second.Len())

	require.NoError(t, second.LoadTree(ctx, true))
	assert.Equal(t, 2, f.srv.Calls("GET tree"))
}

func TestNewPage(t *testing.T) {
	f := setup(t)
	f.srv.Seed("wiki/home.md", "# Home")
	s := f.session(t, nil)
	ctx := context.Background()
	require.NoError(t, s.LoadTree(ctx, true))

	assert.ErrorIs(t, s.NewPage("home"), apperr.ErrValidation)
	for _, bad := range []string{"", "a//b", "../x", "a/./b", ".hidden"} {
		assert.ErrorIs(t, s.NewPage(bad), apperr.ErrValidation, bad)
	}

	require.NoError(t, s.NewPage("guides/setup"))
	assert.Equal(t, Editing, s.State())
	require.NoError(t, s.Update("# Setup"))
	p, err := s.Save(ctx, SaveOptions{})
	require.NoError(t, err)

	assert.Equal(t, "guides/setup", p.ID)
	got, ok := f.srv.Content("wiki/guides/setup.md")
	require.True(t, ok)
	assert.Equal(t, "# Setup", got)
}

func TestNewPageCreatedElsewhere(t *testing.T) {
	f := setup(t)
	s := f.session(t, nil)
	ctx := context.Background()
	require.NoError(t, s.LoadTree(ctx, true))

	require.NoError(t, s.NewPage("race"))
	require.NoError(t, s.Update("# Mine"))
	f.srv.Set("wiki/race.md", "# Theirs")

	_, err := s.Save(ctx, SaveOptions{})
	require.ErrorIs(t, err, apperr.ErrConflict)
	got, _ := f.srv.Content("wiki/race.md")
	assert.Equal(t, "# Theirs", got)
}

func TestLeaveUnsavedNewPage(t *testing.T) {
	f := setup(t)
	s := f.session(t, nil)
	require.NoError(t, s.LoadTree(context.Background(), true))

	require.NoError(t, s.NewPage("scratch"))
	assert.Equal(t, 1, s.Len())
	s.Leave()
	assert.Equal(t, 0, s.Len())
	_, ok := s.Current()
	assert.False(t, ok)
}

func TestDelete(t *testing.T) {
	f := setup(t)
	f.srv.Seed("wiki/a.md", "# A")
	f.srv.Seed("wiki/a/b.md", "# B")
	s := f.session(t, nil)
	ctx := context.Background()
	require.NoError(t, s.LoadTree(ctx, true))

	require.NoError(t, s.Delete(ctx, "a"))
	_, ok := f.srv.Content("wiki/a.md")
	assert.False(t, ok)

	items := s.Outline(true)
	require.Len(t, items, 1)
	assert.Equal(t, "a/b", items[0].Page.ID)
	assert.Equal(t, 0, items[0].Depth, "children of a deleted page become roots")

	assert.ErrorIs(t, s.Delete(ctx, "a"), apperr.ErrNotFound)
}

func TestDeleteChangedRemotely(t *testing.T) {
	f := setup(t)
	f.srv.Seed("wiki/a.md", "# A")
	s := f.session(t, nil)
	ctx := context.Background()
	require.NoError(t, s.LoadTree(ctx, true))

	f.srv.Set("wiki/a.md", "# A2")
	require.ErrorIs(t, s.Delete(ctx, "a"), apperr.ErrConflict)
	_, ok := f.srv.Content("wiki/a.md")
	assert.True(t, ok)
}

func TestMoveIncludesDescendants(t *testing.T) {
	f := setup(t)
	f.srv.Seed("wiki/a.md", "# A")
	f.srv.Seed("wiki/a/b.org", "* B")
	f.srv.Seed("wiki/c.md", "# C")
	s := f.session(t, nil)
	ctx := context.Background()
	require.NoError(t, s.LoadTree(ctx, true))

	require.NoError(t, s.Move(ctx, "a", "z"))
	assert.Equal(t, []string{"wiki/c.md", "wiki/z.md", "wiki/z/b.org"}, f.srv.Paths())

	got, _ := f.srv.Content("wiki/z/b.org")
	assert.Equal(t, "* B", got)

	assert.ErrorIs(t, s.Move(ctx, "z", "c"), apperr.ErrValidation)
	assert.ErrorIs(t, s.Move(ctx, "z", "z/inner"), apperr.ErrValidation)
	assert.ErrorIs(t, s.Move(ctx, "missing", "q"), apperr.ErrNotFound)
}

type stuckDrafts struct{ *draft.Repository }

func (stuckDrafts) Clear(string) error { return errors.New("disk full") }

func TestMoveCarriesDraftAndLogsClearFailure(t *testing.T) {
	f := setup(t)
	f.srv.Seed("wiki/a.md", "# A")
	require.NoError(t, f.drafts.Save("a", "# A draft", f.srv.SHA("wiki/a.md")))

	core, logs := observer.New(zap.WarnLevel)
	s := New(Options{
		Store:  f.client,
		Drafts: stuckDrafts{f.drafts},
		Cache:  f.cache,
		Logger: zap.New(core),
	})
	ctx := context.Background()
	require.NoError(t, s.LoadTree(ctx, true))
	require.NoError(t, s.Move(ctx, "a", "b"))

	d, ok, err := f.drafts.Load("b")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "# A draft", d.Body)

	entries := logs.FilterMessage("error clearing draft").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "a", entries[0].ContextMap()["page"])
}

func TestReloadAfterConflict(t *testing.T) {
	f := setup(t)
	s := f.editing(t)
	ctx := context.Background()

	f.srv.Set("wiki/home.md", "# Newer")
	require.NoError(t, s.Update("# Mine"))
	_, err := s.Save(ctx, SaveOptions{})
	require.Error(t, err)

	p, err := s.Reload(ctx)
	require.NoError(t, err)
	assert.Equal(t, "# Newer", p.Body)
	assert.Equal(t, Viewing, s.State())
	assert.False(t, s.RemoteChanged())

	d, ok, err := f.drafts.Load("home")
	require.NoError(t, err)
	require.True(t, ok, "reloading keeps the abandoned edit as a draft")
	assert.Equal(t, "# Mine", d.Body)
}

func TestCheckRemoteDeletedPage(t *testing.T) {
	f := setup(t)
	s := f.editing(t)

	f.srv.Remove("wiki/home.md")
	changed, err := s.CheckRemote(context.Background())
	require.NoError(t, err)
	assert.True(t, changed)
	_, remote := s.Hashes()
	assert.Empty(t, remote)
}

func TestOutlineAndToggle(t *testing.T) {
	f := setup(t)
	f.srv.Seed("wiki/a.md", "# A")
	f.srv.Seed("wiki/a/b.md", "# B")
	f.srv.Seed("wiki/a/b/c.md", "# C")
	f.srv.Seed("wiki/d.md", "# D")
	s := f.session(t, nil)
	ctx := context.Background()
	require.NoError(t, s.LoadTree(ctx, true))

	ids := func(items []Item) []string {
		var out []string
		for _, it := range items {
			out = append(out, it.Page.ID)
		}
		return out
	}

	assert.Equal(t, []string{"a", "d"}, ids(s.Outline(false)))
	assert.Equal(t, []string{"a", "a/b", "a/b/c", "d"}, ids(s.Outline(true)))

	require.NoError(t, s.Toggle("a"))
	items := s.Outline(false)
	assert.Equal(t, []string{"a", "a/b", "d"}, ids(items))
	assert.True(t, items[0].Expanded)
	assert.True(t, items[1].HasChildren)
	assert.Equal(t, 1, items[1].Depth)

	require.NoError(t, s.Toggle("a"))
	assert.Equal(t, []string{"a", "d"}, ids(s.Outline(false)))

	_, err := s.Open(ctx, "a/b/c")
	require.NoError(t, err)
	items = s.Outline(false)
	assert.Equal(t, []string{"a", "a/b", "a/b/c", "d"}, ids(items))
	assert.True(t, items[2].Active)

	var titles []string
	for _, p := range s.Ancestors("a/b/c") {
		titles = append(titles, p.ID)
	}
	assert.Equal(t, []string{"a", "a/b"}, titles)

	assert.ErrorIs(t, s.Toggle("nope"), apperr.ErrNotFound)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "conflict", ConflictWarning.String())
	assert.Equal(t, "State(42)", State(42).String())
	assert.True(t, errors.Is(ErrClosed, apperr.ErrAuth))
}
