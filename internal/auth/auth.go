// Package auth signs users in with a GitHub token and maps their browser
// cookie to an application session.
package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/securecookie"
	"github.com/gorilla/sessions"
	"go.uber.org/zap"

	"ghwiki/internal/apperr"
	"ghwiki/internal/attachment"
	"ghwiki/internal/models"
	"ghwiki/internal/session"
)

const cookieName = "ghwiki-session"

type contextKey struct{}

// Entry is one signed-in user.
type Entry struct {
	ID          string
	User        models.User
	Session     *session.Session
	Attachments *attachment.Repository

	lastSeen time.Time
}

// Connector validates a token and builds the session for it.
type Connector func(ctx context.Context, token string) (*Entry, error)

// NewCookieStore creates the cookie store. An empty key generates a random
// one, which signs everyone out on restart.
func NewCookieStore(sessionKey string, secure bool) (*sessions.CookieStore, error) {
	key := []byte(sessionKey)
	switch {
	case len(key) == 0:
		key = securecookie.GenerateRandomKey(32)
		if key == nil {
			return nil, errors.New("could not generate a session key")
		}
	case len(key) < 32:
		return nil, errors.New("session key must be at least 32 characters long")
	}
	store := sessions.NewCookieStore(key)
	store.Options.HttpOnly = true
	store.Options.Path = "/"
	store.Options.SameSite = http.SameSiteLaxMode
	store.Options.Secure = secure
	return store, nil
}

// Service provides authentication-related services.
type Service struct {
	Cookies *sessions.CookieStore
	Connect Connector
	// MaxIdle signs out sessions unused for longer. Zero keeps them until logout.
	MaxIdle time.Duration
	Now     func() time.Time
	log     *zap.Logger

	mu     sync.Mutex
	active map[string]*Entry
}

// NewService creates a new authentication service.
func NewService(cookies *sessions.CookieStore, connect Connector, logger *zap.Logger) *Service {
	return &Service{
		Cookies: cookies,
		Connect: connect,
		Now:     time.Now,
		log:     logger.Named("auth"),
		active:  make(map[string]*Entry),
	}
}

// Login validates the token and starts a session for it.
func (s *Service) Login(w http.ResponseWriter, r *http.Request, token string) (*Entry, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, apperr.Validation("token", "must not be empty")
	}

	entry, err := s.Connect(r.Context(), token)
	if err != nil {
		return nil, err
	}
	entry.ID = uuid.NewString()
	entry.lastSeen = s.Now()

	s.mu.Lock()
	s.active[entry.ID] = entry
	s.mu.Unlock()

	cookie, _ := s.Cookies.Get(r, cookieName)
	if old, ok := cookie.Values["sid"].(string); ok {
		s.drop(old)
	}
	cookie.Values["sid"] = entry.ID
	cookie.Options.Secure = s.Cookies.Options.Secure || isSecure(r)
	if err := cookie.Save(r, w); err != nil {
		s.drop(entry.ID)
		return nil, err
	}

	s.log.Info("signed in", zap.String("user", entry.User.Login))
	return entry, nil
}

// Logout ends the session of the request and clears its cookie.
func (s *Service) Logout(w http.ResponseWriter, r *http.Request) {
	cookie, _ := s.Cookies.Get(r, cookieName)
	if sid, ok := cookie.Values["sid"].(string); ok {
		s.drop(sid)
	}
	delete(cookie.Values, "sid")
	cookie.Options.MaxAge = -1
	cookie.Options.Secure = s.Cookies.Options.Secure || isSecure(r)
	cookie.Save(r, w)
}

// Current returns the signed-in user of the request. A session closed by a
// rejected token counts as signed out.
func (s *Service) Current(r *http.Request) *Entry {
	cookie, _ := s.Cookies.Get(r, cookieName)
	sid, ok := cookie.Values["sid"].(string)
	if !ok {
		return nil
	}

	now := s.Now()
	s.mu.Lock()
	entry, ok := s.active[sid]
	idle := ok && s.idleLocked(entry, now)
	if ok && !idle {
		entry.lastSeen = now
	}
	s.mu.Unlock()
	if !ok {
		return nil
	}
	if idle || entry.Session.State() == session.Closed {
		s.drop(sid)
		return nil
	}
	return entry
}

// ExpireIdle signs out every session unused for longer than MaxIdle and
// returns how many it dropped.
func (s *Service) ExpireIdle() int {
	now := s.Now()
	s.mu.Lock()
	var ids []string
	for id, entry := range s.active {
		if s.idleLocked(entry, now) {
			ids = append(ids, id)
		}
	}
	s.mu.Unlock()
	for _, id := range ids {
		s.drop(id)
	}
	return len(ids)
}

// Run calls ExpireIdle every interval until ctx is done.
func (s *Service) Run(ctx context.Context, interval time.Duration) {
	if s.MaxIdle <= 0 || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.ExpireIdle(); n > 0 {
				s.log.Info("expired idle sessions", zap.Int("count", n))
			}
		}
	}
}

func (s *Service) idleLocked(entry *Entry, now time.Time) bool {
	return s.MaxIdle > 0 && now.Sub(entry.lastSeen) > s.MaxIdle
}

// Len returns the number of active sessions.
func (s *Service) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// Close ends every session.
func (s *Service) Close() {
	s.mu.Lock()
	ids := make([]string, 0, len(s.active))
	for id := range s.active {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	for _, id := range ids {
		s.drop(id)
	}
}

func (s *Service) drop(sid string) {
	s.mu.Lock()
	entry, ok := s.active[sid]
	delete(s.active, sid)
	s.mu.Unlock()
	if !ok {
		return
	}
	entry.Session.Logout()
	entry.Session.StopWatching()
	s.log.Info("signed out", zap.String("user", entry.User.Login))
}

// WithEntry returns a context carrying entry.
func WithEntry(ctx context.Context, entry *Entry) context.Context {
	return context.WithValue(ctx, contextKey{}, entry)
}

// FromContext returns the signed-in user stored by WithEntry.
func FromContext(ctx context.Context) *Entry {
	entry, _ := ctx.Value(contextKey{}).(*Entry)
	return entry
}

// isSecure reports whether the request came in over TLS, directly or through
// a proxy.
func isSecure(r *http.Request) bool {
	return r.TLS != nil || r.URL.Scheme == "https" || r.Header.Get("X-Forwarded-Proto") == "https"
}
