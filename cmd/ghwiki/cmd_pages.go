package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"ghwiki/internal/apperr"
	"ghwiki/internal/content"
	"ghwiki/internal/draft"
	"ghwiki/internal/models"
	"ghwiki/internal/session"
)

var treeCmd = &cobra.Command{
	Use:   "tree",
	Short: "Print the page tree",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		force, _ := cmd.Flags().GetBool("refresh")
		return withSession(cmd.Context(), func(ctx context.Context, sess *session.Session, _ models.User) error {
			if err := sess.LoadTree(ctx, force); err != nil {
				return err
			}
			for _, item := range sess.Outline(true) {
				fmt.Fprintf(cmd.OutOrStdout(), "%s%s\t%s\n",
					strings.Repeat("  ", item.Depth), item.Page.ID, item.Page.Title)
			}
			return nil
		})
	},
}

var showCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Print the body of a page",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(cmd.Context(), func(ctx context.Context, sess *session.Session, _ models.User) error {
			if err := sess.LoadTree(ctx, false); err != nil {
				return err
			}
			p, err := sess.Open(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), p.Body)
			if !strings.HasSuffix(p.Body, "\n") {
				fmt.Fprintln(cmd.OutOrStdout())
			}
			return nil
		})
	},
}

var draftsCmd = &cobra.Command{
	Use:   "drafts",
	Short: "List unsaved drafts of the token's user",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newClient()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), cfg.Timeout())
		defer cancel()
		user, err := client.Viewer(ctx)
		if err != nil {
			return err
		}

		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		drafts, err := draft.NewRepository(db, session.Scope(client, user.Login)).List()
		if err != nil {
			return err
		}
		if len(drafts) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "no drafts")
			return nil
		}
		for _, d := range drafts {
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\n",
				d.PageID, d.SavedAt.Format(time.RFC3339), shortSHA(d.BaseSHA))
		}
		return nil
	},
}

func init() {
	treeCmd.Flags().Bool("refresh", false, "ignore the cached tree")
}

func newClient() (*content.Client, error) {
	if cfg.GitHub.Token == "" {
		return nil, apperr.Validation("github.token", "set GITHUB_TOKEN or github.token")
	}
	return content.NewClient(cfg.ContentOptions(cfg.GitHub.Token), logger), nil
}

// withSession connects with the configured token and runs fn.
func withSession(ctx context.Context, fn func(context.Context, *session.Session, models.User) error) error {
	client, err := newClient()
	if err != nil {
		return err
	}
	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	sess, user, err := session.Connect(ctx, session.ConnectOptions{
		Client:     client,
		DB:         db,
		TreeTTL:    cfg.TreeTTL(),
		DraftDelay: cfg.DraftDelay(),
		Logger:     logger,
	})
	if err != nil {
		if errors.Is(err, apperr.ErrAuth) {
			return fmt.Errorf("GitHub rejected the token: %w", err)
		}
		return err
	}
	defer sess.Logout()
	return fn(ctx, sess, user)
}

func shortSHA(sha string) string {
	if len(sha) > 7 {
		return sha[:7]
	}
	if sha == "" {
		return "(new)"
	}
	return sha
}
