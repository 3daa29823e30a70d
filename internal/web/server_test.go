package web

import (
	"bytes"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"ghwiki/internal/config"
	"ghwiki/internal/content/contenttest"
	"ghwiki/internal/database"
	"ghwiki/internal/web/viewmodels"
)

type testApp struct {
	store  *contenttest.Server
	server *Server
	web    *httptest.Server
	client *http.Client
}

func newTestApp(t *testing.T) *testApp {
	t.Helper()
	store := contenttest.NewServer()
	t.Cleanup(store.Close)

	db, err := database.New(filepath.Join(t.TempDir(), "ghwiki.db"))
	require.NoError(t, err)
	require.NoError(t, database.Migrate(db))
	t.Cleanup(func() { db.Close() })

	cfg := config.DefaultConfig()
	cfg.GitHub.APIURL = store.URL
	cfg.GitHub.Owner = contenttest.Owner
	cfg.GitHub.Repo = contenttest.Repo
	cfg.GitHub.Root = "wiki"
	cfg.Editor.CheckInterval = "0s"
	cfg.Editor.DraftDelay = "0s"

	server, err := NewServer(cfg, db, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(server.Close)

	web := httptest.NewServer(server)
	t.Cleanup(web.Close)

	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	client := &http.Client{
		Jar: jar,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	return &testApp{store: store, server: server, web: web, client: client}
}

func (a *testApp) get(t *testing.T, path string) (*http.Response, string) {
	t.Helper()
	resp, err := a.client.Get(a.web.URL + path)
	require.NoError(t, err)
	return resp, readBody(t, resp)
}

func (a *testApp) post(t *testing.T, path string, form url.Values) (*http.Response, string) {
	t.Helper()
	resp, err := a.client.PostForm(a.web.URL+path, form)
	require.NoError(t, err)
	return resp, readBody(t, resp)
}

func (a *testApp) login(t *testing.T) {
	t.Helper()
	resp, _ := a.post(t, "/login", url.Values{"token": {contenttest.Token}})
	require.Equal(t, http.StatusFound, resp.StatusCode)
	require.Equal(t, "/", resp.Header.Get("Location"))
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(b)
}

func TestAnonymousRequestsRedirectToLogin(t *testing.T) {
	app := newTestApp(t)

	resp, _ := app.get(t, "/wiki/home")
	assert.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Equal(t, "/login", resp.Header.Get("Location"))

	req, err := http.NewRequest(http.MethodGet, app.web.URL+"/check/home", nil)
	require.NoError(t, err)
	req.Header.Set("Accept", "application/json")
	jsonResp, err := app.client.Do(req)
	require.NoError(t, err)
	readBody(t, jsonResp)
	assert.Equal(t, http.StatusUnauthorized, jsonResp.StatusCode)

	resp, body := app.get(t, "/login")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, `name="token"`)
}

func TestLoginRejectsBadToken(t *testing.T) {
	app := newTestApp(t)

	resp, body := app.post(t, "/login", url.Values{"token": {"wrong"}})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Contains(t, body, "GitHub rejected this token.")

	resp, _ = app.post(t, "/login", url.Values{"token": {"  "}})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, 0, app.server.authService.Len())
}

func TestViewPage(t *testing.T) {
	app := newTestApp(t)
	app.store.Seed("wiki/home.md", "# Home\n\nWelcome <script>alert(1)</script>")
	app.store.Seed("wiki/home/child.md", "child")
	app.login(t)

	resp, body := app.get(t, "/")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, `href="/wiki/home"`)
	assert.Contains(t, body, "The Octocat")

	resp, body = app.get(t, "/wiki/home")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "Welcome")
	assert.NotContains(t, body, "<script>alert")

	resp, body = app.get(t, "/wiki/home/child")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, `class="breadcrumbs"`)
	assert.Contains(t, body, `<a href="/wiki/home">`)

	resp, _ = app.get(t, "/wiki/missing")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestEditAndSave(t *testing.T) {
	app := newTestApp(t)
	app.store.Seed("wiki/home.md", "# Home v1")
	app.login(t)

	resp, body := app.get(t, "/edit/home")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "# Home v1")
	assert.Contains(t, body, `data-id="home"`)

	resp, _ = app.post(t, "/edit/home", url.Values{
		"content": {"# Home v2\r\nmore"},
		"message": {"second version"},
	})
	require.Equal(t, http.StatusSeeOther, resp.StatusCode)
	assert.Equal(t, "/wiki/home", resp.Header.Get("Location"))

	got, ok := app.store.Content("wiki/home.md")
	require.True(t, ok)
	assert.Equal(t, "# Home v2\nmore", got)
}

func TestSaveConflictShowsDiffThenOverwrites(t *testing.T) {
	app := newTestApp(t)
	app.store.Seed("wiki/home.md", "# Home v1")
	app.login(t)

	resp, _ := app.get(t, "/edit/home")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	app.store.Set("wiki/home.md", "# Home from elsewhere")

	resp, body := app.post(t, "/edit/home", url.Values{"content": {"# Home mine"}})
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Contains(t, body, `class="diff"`)
	assert.Contains(t, body, `name="confirm" value="1"`)
	got, _ := app.store.Content("wiki/home.md")
	assert.Equal(t, "# Home from elsewhere", got)

	resp, _ = app.post(t, "/edit/home", url.Values{"content": {"# Home mine"}, "confirm": {"1"}})
	require.Equal(t, http.StatusSeeOther, resp.StatusCode)
	got, _ = app.store.Content("wiki/home.md")
	assert.Equal(t, "# Home mine", got)
}

func TestDraftAndCheckEndpoints(t *testing.T) {
	app := newTestApp(t)
	app.store.Seed("wiki/home.md", "# Home v1")
	app.login(t)

	var status viewmodels.StatusResponse
	resp, body := app.post(t, "/draft/home", url.Values{"content": {"draft"}})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "not editing yet")

	app.get(t, "/edit/home")
	resp, body = app.post(t, "/draft/home", url.Values{"content": {"draft"}})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal([]byte(body), &status))
	assert.Equal(t, "editing", status.State)
	assert.False(t, status.RemoteChanged)

	resp, body = app.get(t, "/check/home")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal([]byte(body), &status))
	assert.False(t, status.RemoteChanged)

	app.store.Set("wiki/home.md", "# changed")
	resp, body = app.get(t, "/check/home")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal([]byte(body), &status))
	assert.True(t, status.RemoteChanged)

	_, body = app.get(t, "/edit/home")
	assert.Contains(t, body, "draft", "the editor keeps the buffer")
}

func TestNewPage(t *testing.T) {
	app := newTestApp(t)
	app.store.Seed("wiki/home.md", "# Home")
	app.login(t)

	resp, body := app.post(t, "/new", url.Values{"parent": {"home"}, "name": {".."}})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, body, `class="error"`)

	resp, _ = app.post(t, "/new", url.Values{"parent": {"home"}, "name": {"notes"}})
	require.Equal(t, http.StatusSeeOther, resp.StatusCode)
	assert.Equal(t, "/edit/home/notes", resp.Header.Get("Location"))

	resp, _ = app.post(t, "/edit/home/notes", url.Values{"content": {"fresh"}})
	require.Equal(t, http.StatusSeeOther, resp.StatusCode)
	got, ok := app.store.Content("wiki/home/notes.md")
	require.True(t, ok)
	assert.Equal(t, "fresh", got)
}

func TestDeleteAndMove(t *testing.T) {
	app := newTestApp(t)
	app.store.Seed("wiki/a.md", "a")
	app.store.Seed("wiki/b.md", "b")
	app.login(t)

	resp, _ := app.post(t, "/delete/a", nil)
	require.Equal(t, http.StatusSeeOther, resp.StatusCode)
	_, ok := app.store.Content("wiki/a.md")
	assert.False(t, ok)

	resp, _ = app.post(t, "/move/b", url.Values{"to": {"c"}})
	require.Equal(t, http.StatusSeeOther, resp.StatusCode)
	assert.Equal(t, "/wiki/c", resp.Header.Get("Location"))
	got, ok := app.store.Content("wiki/c.md")
	require.True(t, ok)
	assert.Equal(t, "b", got)
}

func TestUploadAndServeImage(t *testing.T) {
	app := newTestApp(t)
	app.login(t)

	png := append([]byte("\x89PNG\r\n\x1a\n"), bytes.Repeat([]byte{0}, 32)...)
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", "shot.png")
	require.NoError(t, err)
	_, err = fw.Write(png)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	resp, err := app.client.Post(app.web.URL+"/upload", mw.FormDataContentType(), &buf)
	require.NoError(t, err)
	body := readBody(t, resp)
	require.Equal(t, http.StatusCreated, resp.StatusCode, body)

	var up viewmodels.UploadResponse
	require.NoError(t, json.Unmarshal([]byte(body), &up))
	assert.True(t, strings.HasPrefix(up.Path, "wiki/images/"))
	assert.True(t, strings.HasSuffix(up.URL, ".png"))

	resp, got := app.get(t, up.URL)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "image/png", resp.Header.Get("Content-Type"))
	assert.Equal(t, string(png), got)
}

func TestPreview(t *testing.T) {
	app := newTestApp(t)
	app.login(t)

	resp, err := app.client.Post(app.web.URL+"/_preview?path=x.md", "text/plain", strings.NewReader("*hi*"))
	require.NoError(t, err)
	body := readBody(t, resp)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "<em>hi</em>")
}

func TestRevokedTokenSignsOut(t *testing.T) {
	app := newTestApp(t)
	app.store.Seed("wiki/home.md", "# Home")
	app.login(t)

	app.store.FailNext(http.StatusUnauthorized)
	resp, _ := app.post(t, "/refresh", nil)
	assert.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Equal(t, "/login", resp.Header.Get("Location"))

	resp, _ = app.get(t, "/")
	assert.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Equal(t, 0, app.server.authService.Len())
}

func TestLogout(t *testing.T) {
	app := newTestApp(t)
	app.login(t)
	require.Equal(t, 1, app.server.authService.Len())

	resp, _ := app.post(t, "/logout", nil)
	assert.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Equal(t, 0, app.server.authService.Len())

	resp, _ = app.get(t, "/")
	assert.Equal(t, http.StatusFound, resp.StatusCode)
}

func TestStaticAssets(t *testing.T) {
	app := newTestApp(t)

	resp, body := app.get(t, "/static/style.css")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, ".outline")

	resp, body = app.get(t, "/_chroma.css")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, ".chroma")
}
