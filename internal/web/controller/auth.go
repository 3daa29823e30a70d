package controller

import (
	"errors"
	"html/template"
	"net/http"

	"go.uber.org/zap"

	"ghwiki/internal/apperr"
	"ghwiki/internal/auth"
	"ghwiki/internal/web/viewmodels"
)

// Auth provides auth handlers
type Auth struct {
	AuthService *auth.Service
	Templates   map[string]*template.Template
	Repo        string
	Log         *zap.Logger
}

// Register registers the auth routes
func (a *Auth) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /login", a.loginGet)
	mux.HandleFunc("POST /login", a.loginPost)
	mux.HandleFunc("GET /logout", a.logout)
	mux.HandleFunc("POST /logout", a.logout)
}

func (a *Auth) loginGet(w http.ResponseWriter, r *http.Request) {
	if a.AuthService.Current(r) != nil {
		http.Redirect(w, r, "/", http.StatusFound)
		return
	}
	a.renderLogin(w, http.StatusOK, "")
}

func (a *Auth) loginPost(w http.ResponseWriter, r *http.Request) {
	_, err := a.AuthService.Login(w, r, r.FormValue("token"))
	switch {
	case err == nil:
		http.Redirect(w, r, "/", http.StatusFound)
	case errors.Is(err, apperr.ErrAuth):
		a.renderLogin(w, http.StatusUnauthorized, "GitHub rejected this token.")
	case errors.Is(err, apperr.ErrValidation), errors.Is(err, apperr.ErrNetwork), errors.Is(err, apperr.ErrNotFound):
		a.renderLogin(w, statusCode(err), apperr.Status(err))
	default:
		a.Log.Error("login failed", zap.Error(err))
		a.renderLogin(w, http.StatusInternalServerError, "Login failed.")
	}
}

func (a *Auth) logout(w http.ResponseWriter, r *http.Request) {
	a.AuthService.Logout(w, r)
	http.Redirect(w, r, "/login", http.StatusFound)
}

func (a *Auth) renderLogin(w http.ResponseWriter, status int, message string) {
	data := viewmodels.PageData{Repo: a.Repo, Error: message}
	if err := render(w, a.Templates, "login.html", status, data); err != nil {
		a.Log.Error("error rendering login", zap.Error(err))
	}
}
