package web

import (
	"fmt"
	"net/http"

	"ghwiki/internal/web/controller"
	"ghwiki/internal/web/middleware"
)

const defaultMaxUpload = 10 << 20

func (s *Server) routes() http.Handler {
	repo := fmt.Sprintf("%s/%s", s.cfg.GitHub.Owner, s.cfg.GitHub.Repo)

	mux := http.NewServeMux()
	mux.Handle("GET /static/", http.StripPrefix("/static/", StaticFileServer()))
	mux.HandleFunc("GET /_chroma.css", controller.ChromaCSS(s.log))

	authController := controller.Auth{AuthService: s.authService, Templates: s.templates, Repo: repo, Log: s.log}
	authController.Register(mux)

	authenticatedMux := http.NewServeMux()
	pageController := controller.Page{
		Templates:     s.templates,
		Renderer:      s.renderer,
		Repo:          repo,
		CheckInterval: s.cfg.CheckInterval(),
		Log:           s.log,
	}
	pageController.Register(authenticatedMux)

	maxUpload := s.cfg.Server.MaxUpload
	if maxUpload <= 0 {
		maxUpload = defaultMaxUpload
	}
	miscController := controller.Misc{Renderer: s.renderer, MaxUpload: maxUpload, Log: s.log}
	miscController.Register(authenticatedMux)

	mux.Handle("/", middleware.Auth(s.authService)(authenticatedMux))

	return middleware.Recover(s.log)(middleware.Logging(s.log)(mux))
}
