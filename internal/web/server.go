package web

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"html/template"
	"net/http"
	"time"

	"go.uber.org/zap"

	"ghwiki/internal/attachment"
	"ghwiki/internal/auth"
	"ghwiki/internal/config"
	"ghwiki/internal/content"
	"ghwiki/internal/session"
	"ghwiki/internal/web/renderer"
)

//go:embed templates
var templateFiles embed.FS

const expiryInterval = time.Minute

var pageTemplates = []string{"index.html", "view.html", "edit.html", "new.html", "login.html"}

var templateFuncs = template.FuncMap{
	"short": func(sha string) string {
		if len(sha) > 7 {
			return sha[:7]
		}
		return sha
	},
}

// ParseTemplates builds one template set per page, each with the shared
// layout and sidebar.
func ParseTemplates() (map[string]*template.Template, error) {
	templates := make(map[string]*template.Template)
	for _, name := range pageTemplates {
		t, err := template.New(name).Funcs(templateFuncs).ParseFS(templateFiles,
			"templates/layout.html",
			"templates/sidebar.html",
			"templates/"+name,
		)
		if err != nil {
			return nil, fmt.Errorf("error parsing template %s: %w", name, err)
		}
		templates[name] = t
	}
	return templates, nil
}

// Server holds the dependencies for the web server.
type Server struct {
	cfg         *config.Config
	db          *sql.DB
	log         *zap.Logger
	templates   map[string]*template.Template
	authService *auth.Service
	renderer    *renderer.Renderer
	handler     http.Handler

	stopExpiry context.CancelFunc
	expiryDone chan struct{}
}

// NewServer creates a new server with the given dependencies.
func NewServer(cfg *config.Config, db *sql.DB, logger *zap.Logger) (*Server, error) {
	templates, err := ParseTemplates()
	if err != nil {
		return nil, err
	}
	cookies, err := auth.NewCookieStore(cfg.Server.SessionKey, cfg.Server.Secure)
	if err != nil {
		return nil, err
	}
	if cfg.Server.SessionKey == "" {
		logger.Warn("no session key configured, sessions will not survive a restart")
	}

	s := &Server{
		cfg:       cfg,
		db:        db,
		log:       logger.Named("web"),
		templates: templates,
		renderer:  renderer.New(),
	}
	s.authService = auth.NewService(cookies, s.connect, logger)
	if idle := cfg.IdleTimeout(); idle > 0 {
		s.authService.MaxIdle = idle
		cookies.MaxAge(int(idle / time.Second))
	}
	s.handler = s.routes()

	ctx, cancel := context.WithCancel(context.Background())
	s.stopExpiry = cancel
	s.expiryDone = make(chan struct{})
	go func() {
		defer close(s.expiryDone)
		s.authService.Run(ctx, expiryInterval)
	}()
	return s, nil
}

// ServeHTTP implements the http.Handler interface.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// Close signs everybody out and stops their background checks.
func (s *Server) Close() {
	s.stopExpiry()
	<-s.expiryDone
	s.authService.Close()
}

// connect builds the session for a freshly submitted token.
func (s *Server) connect(ctx context.Context, token string) (*auth.Entry, error) {
	client := content.NewClient(s.cfg.ContentOptions(token), s.log)
	sess, user, err := session.Connect(ctx, session.ConnectOptions{
		Client:     client,
		DB:         s.db,
		TreeTTL:    s.cfg.TreeTTL(),
		DraftDelay: s.cfg.DraftDelay(),
		Logger:     s.log,
	})
	if err != nil {
		return nil, err
	}
	if err := sess.LoadTree(ctx, false); err != nil {
		return nil, err
	}
	sess.Watch(context.Background(), s.cfg.CheckInterval())

	return &auth.Entry{
		User:        user,
		Session:     sess,
		Attachments: attachment.NewRepository(client, s.cfg.Server.MaxUpload),
	}, nil
}
