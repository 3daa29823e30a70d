package session

import (
	"context"
	"database/sql"
	"time"

	"go.uber.org/zap"

	"ghwiki/internal/cache"
	"ghwiki/internal/content"
	"ghwiki/internal/draft"
	"ghwiki/internal/models"
)

// ConnectOptions wires a session to its stores.
type ConnectOptions struct {
	Client     *content.Client
	DB         *sql.DB
	TreeTTL    time.Duration
	DraftDelay time.Duration
	Logger     *zap.Logger
}

// Scope is the local storage key of a user's state in one wiki.
func Scope(client *content.Client, login string) string {
	return client.Scope() + "#" + login
}

// Connect checks the client's token and builds a session whose drafts and
// cached tree are scoped to the token's user. The tree is not loaded yet.
func Connect(ctx context.Context, opts ConnectOptions) (*Session, models.User, error) {
	user, err := opts.Client.Viewer(ctx)
	if err != nil {
		return nil, models.User{}, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	scope := Scope(opts.Client, user.Login)
	s := New(Options{
		Store:      opts.Client,
		Drafts:     draft.NewRepository(opts.DB, scope),
		Cache:      cache.NewRepository(opts.DB, scope, opts.TreeTTL),
		DraftDelay: opts.DraftDelay,
		Logger:     logger.With(zap.String("user", user.Login)),
	})
	return s, user, nil
}
