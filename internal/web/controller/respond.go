package controller

import (
	"bytes"
	"encoding/json"
	"errors"
	"html/template"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"ghwiki/internal/apperr"
	"ghwiki/internal/session"
	"ghwiki/internal/web/viewmodels"
)

// render executes the named template set into a buffer first, so a template
// error still produces a clean 500.
func render(w http.ResponseWriter, templates map[string]*template.Template, name string, status int, data any) error {
	t, ok := templates[name]
	if !ok {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return errors.New("unknown template " + name)
	}
	var buf bytes.Buffer
	if err := t.ExecuteTemplate(&buf, "layout.html", data); err != nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return err
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_, err := buf.WriteTo(w)
	return err
}

func statusCode(err error) int {
	switch {
	case errors.Is(err, apperr.ErrAuth):
		return http.StatusUnauthorized
	case errors.Is(err, apperr.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, apperr.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, apperr.ErrConflict), errors.Is(err, session.ErrSuperseded):
		return http.StatusConflict
	case errors.Is(err, apperr.ErrNetwork):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// fail answers an HTML request with the error. A rejected token sends the
// user back to the login page.
func fail(w http.ResponseWriter, r *http.Request, log *zap.Logger, err error) {
	status := statusCode(err)
	if status == http.StatusUnauthorized {
		http.Redirect(w, r, "/login", http.StatusFound)
		return
	}
	if status >= http.StatusInternalServerError {
		log.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
	}
	http.Error(w, apperr.Status(err), status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func failJSON(w http.ResponseWriter, sess *session.Session, err error) {
	writeJSON(w, statusCode(err), viewmodels.StatusResponse{
		State:  sess.State().String(),
		Status: apperr.Status(err),
	})
}

// back redirects to the referring page when it is on this host, or to
// fallback.
func back(w http.ResponseWriter, r *http.Request, fallback string) {
	target := fallback
	if ref, err := url.Parse(r.Referer()); err == nil && ref.Path != "" && (ref.Host == "" || ref.Host == r.Host) {
		local := &url.URL{Path: ref.Path, RawPath: ref.RawPath, RawQuery: ref.RawQuery}
		if p := local.RequestURI(); strings.HasPrefix(p, "/") && !strings.HasPrefix(p, "//") && !strings.HasPrefix(p, "/\\") {
			target = p
		}
	}
	http.Redirect(w, r, target, http.StatusSeeOther)
}
