package controller

import (
	"context"
	"errors"
	"html/template"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"go.uber.org/zap"

	"ghwiki/internal/apperr"
	"ghwiki/internal/auth"
	"ghwiki/internal/session"
	"ghwiki/internal/web/renderer"
	"ghwiki/internal/web/viewmodels"
)

// Page provides page handlers
type Page struct {
	Templates     map[string]*template.Template
	Renderer      *renderer.Renderer
	Repo          string
	CheckInterval time.Duration
	Log           *zap.Logger
}

// Register registers the page routes
func (p *Page) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /{$}", p.index)
	mux.HandleFunc("GET /wiki/{id...}", p.view)
	mux.HandleFunc("GET /new", p.new)
	mux.HandleFunc("POST /new", p.create)
	mux.HandleFunc("GET /edit/{id...}", p.edit)
	mux.HandleFunc("POST /edit/{id...}", p.save)
	mux.HandleFunc("POST /draft/{id...}", p.draft)
	mux.HandleFunc("GET /check/{id...}", p.check)
	mux.HandleFunc("POST /cancel/{id...}", p.cancel)
	mux.HandleFunc("POST /discard/{id...}", p.discard)
	mux.HandleFunc("POST /reload/{id...}", p.reload)
	mux.HandleFunc("POST /delete/{id...}", p.delete)
	mux.HandleFunc("POST /move/{id...}", p.move)
	mux.HandleFunc("POST /toggle/{id...}", p.toggle)
	mux.HandleFunc("POST /refresh", p.refresh)
}

func (p *Page) data(entry *auth.Entry) viewmodels.PageData {
	sess := entry.Session
	user := entry.User
	return viewmodels.PageData{
		ShowSidebar:   true,
		Repo:          p.Repo,
		Outline:       sess.Outline(false),
		State:         sess.State().String(),
		RemoteChanged: sess.RemoteChanged(),
		Status:        sess.Status(),
		CheckInterval: int(p.CheckInterval / time.Millisecond),
		CurrentUser:   &user,
		IsLoggedIn:    true,
	}
}

func (p *Page) index(w http.ResponseWriter, r *http.Request) {
	entry := auth.FromContext(r.Context())
	if entry.Session.Len() == 0 {
		if err := entry.Session.LoadTree(r.Context(), false); err != nil {
			fail(w, r, p.Log, err)
			return
		}
	}
	if err := render(w, p.Templates, "index.html", http.StatusOK, p.data(entry)); err != nil {
		p.Log.Error("error rendering index", zap.Error(err))
	}
}

func (p *Page) view(w http.ResponseWriter, r *http.Request) {
	entry := auth.FromContext(r.Context())
	id := r.PathValue("id")

	page, err := entry.Session.Open(r.Context(), id)
	if err != nil {
		fail(w, r, p.Log, err)
		return
	}

	content, err := p.Renderer.Render(page.Path, page.Body)
	if err != nil {
		p.Log.Error("error rendering page", zap.String("page", id), zap.Error(err))
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	data := p.data(entry)
	data.Page = page
	data.Breadcrumbs = entry.Session.Ancestors(id)
	data.Content = content
	if err := render(w, p.Templates, "view.html", http.StatusOK, data); err != nil {
		p.Log.Error("error rendering view", zap.Error(err))
	}
}

func (p *Page) new(w http.ResponseWriter, r *http.Request) {
	entry := auth.FromContext(r.Context())
	data := p.data(entry)
	data.Page.ID = r.URL.Query().Get("parent")
	if err := render(w, p.Templates, "new.html", http.StatusOK, data); err != nil {
		p.Log.Error("error rendering new page form", zap.Error(err))
	}
}

func (p *Page) create(w http.ResponseWriter, r *http.Request) {
	entry := auth.FromContext(r.Context())
	if err := r.ParseForm(); err != nil {
		http.Error(w, "Error parsing form", http.StatusBadRequest)
		return
	}

	parent := strings.Trim(r.PostFormValue("parent"), "/ ")
	name := strings.Trim(r.PostFormValue("name"), "/ ")
	id := name
	if parent != "" {
		id = path.Join(parent, name)
	}

	if err := entry.Session.NewPage(id); err != nil {
		if errors.Is(err, apperr.ErrValidation) {
			data := p.data(entry)
			data.Page.ID = parent
			data.Error = apperr.Status(err)
			render(w, p.Templates, "new.html", http.StatusBadRequest, data)
			return
		}
		fail(w, r, p.Log, err)
		return
	}
	http.Redirect(w, r, "/edit/"+pathEscape(id), http.StatusSeeOther)
}

// ensureEditing makes id the page being edited unless it already is.
func ensureEditing(ctx context.Context, sess *session.Session, id string) error {
	if cur, ok := sess.Current(); ok && cur.ID == id {
		switch sess.State() {
		case session.Editing, session.ConflictWarning:
			return nil
		}
	}
	if _, err := sess.Open(ctx, id); err != nil {
		return err
	}
	return sess.BeginEdit()
}

func (p *Page) edit(w http.ResponseWriter, r *http.Request) {
	entry := auth.FromContext(r.Context())
	id := r.PathValue("id")

	if err := ensureEditing(r.Context(), entry.Session, id); err != nil {
		fail(w, r, p.Log, err)
		return
	}
	p.renderEditor(w, r, entry, http.StatusOK, "")
}

// renderEditor shows the edit form for the active page. In the conflict
// state it also shows how the buffer differs from the remote version.
func (p *Page) renderEditor(w http.ResponseWriter, r *http.Request, entry *auth.Entry, status int, message string) {
	sess := entry.Session
	page, ok := sess.Current()
	if !ok {
		http.NotFound(w, r)
		return
	}

	data := p.data(entry)
	data.Page = page
	data.Breadcrumbs = sess.Ancestors(page.ID)
	data.Body = sess.Buffer()
	data.Message = message

	if sess.State() == session.ConflictWarning {
		remote, err := sess.RemoteBody(r.Context())
		if err != nil {
			p.Log.Warn("error fetching remote body for diff", zap.String("page", page.ID), zap.Error(err))
		} else {
			data.Conflict = true
			data.Diff = renderer.DiffHTML(remote, data.Body)
		}
		data.Status = sess.Status()
	}

	if err := render(w, p.Templates, "edit.html", status, data); err != nil {
		p.Log.Error("error rendering editor", zap.Error(err))
	}
}

func (p *Page) save(w http.ResponseWriter, r *http.Request) {
	entry := auth.FromContext(r.Context())
	sess := entry.Session
	id := r.PathValue("id")

	if err := r.ParseForm(); err != nil {
		http.Error(w, "Error parsing form", http.StatusBadRequest)
		return
	}
	if err := ensureEditing(r.Context(), sess, id); err != nil {
		fail(w, r, p.Log, err)
		return
	}

	message := r.PostFormValue("message")
	if err := sess.Update(normalizeNewlines(r.PostFormValue("content"))); err != nil {
		fail(w, r, p.Log, err)
		return
	}

	_, err := sess.Save(r.Context(), session.SaveOptions{
		ConfirmOverwrite: r.PostFormValue("confirm") == "1",
		Message:          message,
	})
	switch {
	case err == nil:
		http.Redirect(w, r, "/wiki/"+pathEscape(id), http.StatusSeeOther)
	case errors.Is(err, apperr.ErrConflict):
		p.renderEditor(w, r, entry, http.StatusConflict, message)
	case errors.Is(err, apperr.ErrValidation), errors.Is(err, apperr.ErrNetwork):
		p.renderEditor(w, r, entry, statusCode(err), message)
	default:
		fail(w, r, p.Log, err)
	}
}

func (p *Page) draft(w http.ResponseWriter, r *http.Request) {
	entry := auth.FromContext(r.Context())
	sess := entry.Session
	id := r.PathValue("id")

	if err := r.ParseForm(); err != nil {
		http.Error(w, "Error parsing form", http.StatusBadRequest)
		return
	}
	if cur, ok := sess.Current(); !ok || cur.ID != id {
		failJSON(w, sess, apperr.Validation("page", "%s is not being edited", id))
		return
	}
	if err := sess.Update(normalizeNewlines(r.PostFormValue("content"))); err != nil {
		failJSON(w, sess, err)
		return
	}
	writeJSON(w, http.StatusOK, viewmodels.StatusResponse{
		State:         sess.State().String(),
		Status:        sess.Status(),
		RemoteChanged: sess.RemoteChanged(),
	})
}

func (p *Page) check(w http.ResponseWriter, r *http.Request) {
	entry := auth.FromContext(r.Context())
	sess := entry.Session
	id := r.PathValue("id")

	changed := false
	if cur, ok := sess.Current(); ok && cur.ID == id {
		var err error
		if changed, err = sess.CheckRemote(r.Context()); err != nil {
			failJSON(w, sess, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, viewmodels.StatusResponse{
		State:         sess.State().String(),
		Status:        sess.Status(),
		RemoteChanged: changed,
	})
}

func (p *Page) cancel(w http.ResponseWriter, r *http.Request) {
	entry := auth.FromContext(r.Context())
	id := r.PathValue("id")
	entry.Session.Leave()
	if _, ok := entry.Session.Current(); !ok {
		http.Redirect(w, r, "/", http.StatusSeeOther)
		return
	}
	http.Redirect(w, r, "/wiki/"+pathEscape(id), http.StatusSeeOther)
}

func (p *Page) discard(w http.ResponseWriter, r *http.Request) {
	entry := auth.FromContext(r.Context())
	id := r.PathValue("id")
	if err := entry.Session.Discard(); err != nil {
		fail(w, r, p.Log, err)
		return
	}
	if _, ok := entry.Session.Current(); !ok {
		http.Redirect(w, r, "/", http.StatusSeeOther)
		return
	}
	http.Redirect(w, r, "/wiki/"+pathEscape(id), http.StatusSeeOther)
}

func (p *Page) reload(w http.ResponseWriter, r *http.Request) {
	entry := auth.FromContext(r.Context())
	id := r.PathValue("id")
	if _, err := entry.Session.Open(r.Context(), id); err != nil {
		fail(w, r, p.Log, err)
		return
	}
	if _, err := entry.Session.Reload(r.Context()); err != nil {
		fail(w, r, p.Log, err)
		return
	}
	http.Redirect(w, r, "/wiki/"+pathEscape(id), http.StatusSeeOther)
}

func (p *Page) delete(w http.ResponseWriter, r *http.Request) {
	entry := auth.FromContext(r.Context())
	if err := entry.Session.Delete(r.Context(), r.PathValue("id")); err != nil {
		fail(w, r, p.Log, err)
		return
	}
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

func (p *Page) move(w http.ResponseWriter, r *http.Request) {
	entry := auth.FromContext(r.Context())
	if err := r.ParseForm(); err != nil {
		http.Error(w, "Error parsing form", http.StatusBadRequest)
		return
	}
	to := strings.Trim(r.PostFormValue("to"), "/ ")
	if err := entry.Session.Move(r.Context(), r.PathValue("id"), to); err != nil {
		fail(w, r, p.Log, err)
		return
	}
	http.Redirect(w, r, "/wiki/"+pathEscape(to), http.StatusSeeOther)
}

func (p *Page) toggle(w http.ResponseWriter, r *http.Request) {
	entry := auth.FromContext(r.Context())
	id := r.PathValue("id")
	if err := entry.Session.Toggle(id); err != nil {
		fail(w, r, p.Log, err)
		return
	}
	if r.Header.Get("Accept") == "application/json" {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	back(w, r, "/wiki/"+pathEscape(id))
}

func (p *Page) refresh(w http.ResponseWriter, r *http.Request) {
	entry := auth.FromContext(r.Context())
	if err := entry.Session.LoadTree(r.Context(), true); err != nil {
		fail(w, r, p.Log, err)
		return
	}
	back(w, r, "/")
}

func pathEscape(id string) string {
	parts := strings.Split(id, "/")
	for i, part := range parts {
		parts[i] = url.PathEscape(part)
	}
	return strings.Join(parts, "/")
}

// normalizeNewlines undoes the CRLF line endings browsers submit textareas with.
func normalizeNewlines(s string) string {
	return strings.ReplaceAll(s, "\r\n", "\n")
}
