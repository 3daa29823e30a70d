// Package content is a client for the GitHub git and contents APIs, scoped
// to one repository, branch and content root. The repository is the wiki's
// database: every file under the root is a page, and every write is guarded
// by the blob sha the caller last saw.
package content

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/danwakefield/fnmatch"
	"go.uber.org/zap"

	"ghwiki/internal/apperr"
	"ghwiki/internal/models"
)

const (
	DefaultBaseURL = "https://api.github.com"
	DefaultExt     = ".md"
	apiVersion     = "2022-11-28"
)

// DefaultPatterns select the files that are treated as pages.
var DefaultPatterns = []string{"*.md", "*.markdown", "*.org"}

// Options configures a Client.
type Options struct {
	BaseURL    string
	Owner      string
	Repo       string
	Branch     string
	Root       string
	Token      string
	Patterns   []string
	DefaultExt string
	HTTPClient *http.Client
}

// Client talks to the content-hosting API on behalf of one token.
type Client struct {
	http       *http.Client
	baseURL    string
	owner      string
	repo       string
	branch     string
	root       string
	token      string
	patterns   []string
	defaultExt string
	log        *zap.Logger
}

// NewClient creates a new content client.
func NewClient(opts Options, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Client{
		http:       opts.HTTPClient,
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		owner:      opts.Owner,
		repo:       opts.Repo,
		branch:     opts.Branch,
		root:       strings.Trim(opts.Root, "/"),
		token:      opts.Token,
		patterns:   opts.Patterns,
		defaultExt: opts.DefaultExt,
		log:        logger.Named("content"),
	}
	if c.http == nil {
		c.http = &http.Client{Timeout: 30 * time.Second}
	}
	if c.baseURL == "" {
		c.baseURL = DefaultBaseURL
	}
	if c.branch == "" {
		c.branch = "main"
	}
	if len(c.patterns) == 0 {
		c.patterns = DefaultPatterns
	}
	if c.defaultExt == "" {
		c.defaultExt = DefaultExt
	}
	return c
}

// Root returns the content root, without leading or trailing slashes.
func (c *Client) Root() string {
	return c.root
}

// Scope identifies the repository, branch and root for local storage keys.
func (c *Client) Scope() string {
	return fmt.Sprintf("%s/%s@%s:%s", c.owner, c.repo, c.branch, c.root)
}

// PagePath returns the repository path a new page with the given identifier is stored at.
func (c *Client) PagePath(id string) string {
	return path.Join(c.root, id+c.defaultExt)
}

type treeResponse struct {
	SHA       string `json:"sha"`
	Truncated bool   `json:"truncated"`
	Tree      []struct {
		Path string `json:"path"`
		Type string `json:"type"`
		SHA  string `json:"sha"`
	} `json:"tree"`
}

type blobResponse struct {
	SHA      string `json:"sha"`
	Encoding string `json:"encoding"`
	Content  string `json:"content"`
}

type contentsResponse struct {
	Type     string `json:"type"`
	Path     string `json:"path"`
	SHA      string `json:"sha"`
	Encoding string `json:"encoding"`
	Content  string `json:"content"`
}

type writeRequest struct {
	Message string `json:"message"`
	Content string `json:"content,omitempty"`
	SHA     string `json:"sha,omitempty"`
	Branch  string `json:"branch"`
}

type writeResponse struct {
	Content *struct {
		Path string `json:"path"`
		SHA  string `json:"sha"`
	} `json:"content"`
}

// ListTree fetches the recursive listing of the branch and returns the page
// files under the content root.
func (c *Client) ListTree(ctx context.Context) ([]models.TreeEntry, error) {
	const op = "list tree"
	var tree treeResponse
	resp, err := c.do(ctx, op, http.MethodGet, c.repoPath("git", "trees", c.branch), url.Values{"recursive": {"1"}}, nil, &tree)
	if err != nil {
		return nil, err
	}
	if !resp.ok() {
		return nil, c.failure(op, resp)
	}
	if tree.Truncated {
		c.log.Warn("tree listing truncated by the API", zap.String("sha", tree.SHA))
		return nil, apperr.Validation("tree", "the listing of %s is too large and was truncated; use a smaller content root", c.branch)
	}

	var entries []models.TreeEntry
	for _, item := range tree.Tree {
		if item.Type != "blob" || !c.inRoot(item.Path) || !c.isPage(item.Path) {
			continue
		}
		if item.SHA == "" {
			return nil, apperr.Validation("tree", "entry %q has no sha", item.Path)
		}
		entries = append(entries, models.TreeEntry{Path: item.Path, SHA: item.SHA})
	}
	return entries, nil
}

// FetchBlob fetches and decodes a blob by its sha.
func (c *Client) FetchBlob(ctx context.Context, sha string) ([]byte, error) {
	const op = "fetch blob"
	if sha == "" {
		return nil, apperr.Validation("sha", "must not be empty")
	}
	var blob blobResponse
	resp, err := c.do(ctx, op, http.MethodGet, c.repoPath("git", "blobs", sha), nil, nil, &blob)
	if err != nil {
		return nil, err
	}
	switch resp.status {
	case http.StatusNotFound, http.StatusUnprocessableEntity:
		return nil, &apperr.NotFoundError{What: "blob " + sha}
	}
	if !resp.ok() {
		return nil, c.failure(op, resp)
	}
	return decodeContent(blob.Encoding, blob.Content)
}

// FetchBody fetches a blob and returns it as text.
func (c *Client) FetchBody(ctx context.Context, sha string) (string, error) {
	data, err := c.FetchBlob(ctx, sha)
	if err != nil {
		return "", err
	}
	if !isText(data) {
		return "", apperr.Validation("blob", "%s is not UTF-8 text", sha)
	}
	return string(data), nil
}

// GetFile fetches a file and its current sha by path.
func (c *Client) GetFile(ctx context.Context, p string) (models.File, error) {
	const op = "get file"
	var file contentsResponse
	resp, err := c.do(ctx, op, http.MethodGet, c.contentsPath(p), url.Values{"ref": {c.branch}}, nil, &file)
	if err != nil {
		return models.File{}, err
	}
	if resp.status == http.StatusNotFound {
		return models.File{}, &apperr.NotFoundError{What: p}
	}
	if !resp.ok() {
		return models.File{}, c.failure(op, resp)
	}
	if file.Type != "file" {
		return models.File{}, apperr.Validation("path", "%s is a %s, not a file", p, file.Type)
	}
	data, err := decodeContent(file.Encoding, file.Content)
	if err != nil {
		return models.File{}, err
	}
	return models.File{Path: file.Path, SHA: file.SHA, Content: data}, nil
}

// CurrentSHA returns the remote content hash of a path.
func (c *Client) CurrentSHA(ctx context.Context, p string) (string, error) {
	f, err := c.GetFile(ctx, p)
	if err != nil {
		return "", err
	}
	return f.SHA, nil
}

// PutFile creates (expectedSHA empty) or updates a text file and returns the
// new blob sha. The API rejects the write if the file moved past expectedSHA.
func (c *Client) PutFile(ctx context.Context, p, content, expectedSHA, message string) (string, error) {
	return c.PutBlob(ctx, p, []byte(content), expectedSHA, message)
}

// PutBlob is PutFile for binary data.
func (c *Client) PutBlob(ctx context.Context, p string, data []byte, expectedSHA, message string) (string, error) {
	const op = "put file"
	if message == "" {
		message = "Update " + p
		if expectedSHA == "" {
			message = "Create " + p
		}
	}
	req := writeRequest{
		Message: message,
		Content: encodeContent(data),
		SHA:     expectedSHA,
		Branch:  c.branch,
	}

	var out writeResponse
	resp, err := c.do(ctx, op, http.MethodPut, c.contentsPath(p), nil, req, &out)
	if err != nil {
		return "", err
	}
	switch {
	case resp.status == http.StatusConflict:
		return "", &apperr.ConflictError{Path: p, ExpectedSHA: expectedSHA}
	case resp.status == http.StatusUnprocessableEntity && expectedSHA == "":
		return "", &apperr.ConflictError{Path: p}
	case resp.status == http.StatusUnprocessableEntity:
		return "", apperr.Validation("path", "%s: %s", p, resp.message)
	case !resp.ok():
		return "", c.failure(op, resp)
	}
	if out.Content == nil || out.Content.SHA == "" {
		return "", apperr.Validation("response", "write of %s returned no content sha", p)
	}
	return out.Content.SHA, nil
}

// DeleteFile removes a file. expectedSHA is required and guards the delete
// the same way it guards an update.
func (c *Client) DeleteFile(ctx context.Context, p, expectedSHA, message string) error {
	const op = "delete file"
	if expectedSHA == "" {
		return apperr.Validation("sha", "delete of %s needs the current sha", p)
	}
	if message == "" {
		message = "Delete " + p
	}
	req := writeRequest{Message: message, SHA: expectedSHA, Branch: c.branch}

	resp, err := c.do(ctx, op, http.MethodDelete, c.contentsPath(p), nil, req, nil)
	if err != nil {
		return err
	}
	switch {
	case resp.status == http.StatusConflict:
		return &apperr.ConflictError{Path: p, ExpectedSHA: expectedSHA}
	case resp.status == http.StatusNotFound:
		return &apperr.NotFoundError{What: p}
	case !resp.ok():
		return c.failure(op, resp)
	}
	return nil
}

// Viewer returns the account that owns the token.
func (c *Client) Viewer(ctx context.Context) (models.User, error) {
	const op = "get user"
	var user models.User
	resp, err := c.do(ctx, op, http.MethodGet, "/user", nil, nil, &user)
	if err != nil {
		return models.User{}, err
	}
	if !resp.ok() {
		return models.User{}, c.failure(op, resp)
	}
	if user.Login == "" {
		return models.User{}, apperr.Validation("user", "response has no login")
	}
	return user, nil
}

type response struct {
	status  int
	header  http.Header
	message string
}

func (r *response) ok() bool {
	return r.status >= 200 && r.status < 300
}

// do performs one API call. Transport and decoding failures come back as
// errors; non-2xx statuses come back in the response for the caller to map.
func (c *Client) do(ctx context.Context, op, method, p string, query url.Values, in, out any) (*response, error) {
	u := c.baseURL + p
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return nil, fmt.Errorf("error encoding %s request: %w", op, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, fmt.Errorf("error building %s request: %w", op, err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", apiVersion)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	res, err := c.http.Do(req)
	if err != nil {
		return nil, &apperr.NetworkError{Op: op, Err: err}
	}
	defer res.Body.Close()

	data, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, &apperr.NetworkError{Op: op, Status: res.StatusCode, Err: err}
	}

	c.log.Debug("api call",
		zap.String("op", op),
		zap.String("method", method),
		zap.String("path", p),
		zap.Int("status", res.StatusCode),
		zap.Duration("took", time.Since(start)),
	)

	r := &response{status: res.StatusCode, header: res.Header}
	if !r.ok() {
		var apiErr struct {
			Message string `json:"message"`
		}
		if json.Unmarshal(data, &apiErr) == nil {
			r.message = apiErr.Message
		}
		return r, nil
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return nil, apperr.Validation("response", "error decoding %s response: %v", op, err)
		}
	}
	return r, nil
}

// failure maps the statuses no caller handled on its own.
func (c *Client) failure(op string, r *response) error {
	switch r.status {
	case http.StatusUnauthorized:
		return &apperr.AuthError{Op: op, Status: r.status}
	case http.StatusForbidden:
		if r.header.Get("X-RateLimit-Remaining") == "0" {
			return &apperr.NetworkError{Op: op, Status: r.status, Err: errors.New("rate limit exceeded")}
		}
		return &apperr.AuthError{Op: op, Status: r.status}
	}
	var cause error
	if r.message != "" {
		cause = errors.New(r.message)
	}
	return &apperr.NetworkError{Op: op, Status: r.status, Err: cause}
}

func (c *Client) repoPath(parts ...string) string {
	segs := []string{"repos", c.owner, c.repo}
	segs = append(segs, parts...)
	for i := range segs {
		segs[i] = url.PathEscape(segs[i])
	}
	return "/" + strings.Join(segs, "/")
}

func (c *Client) contentsPath(p string) string {
	return c.repoPath("contents") + "/" + escapePath(p)
}

func (c *Client) inRoot(p string) bool {
	return c.root == "" || strings.HasPrefix(p, c.root+"/")
}

func (c *Client) isPage(p string) bool {
	base := path.Base(p)
	for _, pattern := range c.patterns {
		if fnmatch.Match(pattern, base, fnmatch.FNM_CASEFOLD) {
			return true
		}
	}
	return false
}

func escapePath(p string) string {
	segs := strings.Split(strings.Trim(p, "/"), "/")
	for i := range segs {
		segs[i] = url.PathEscape(segs[i])
	}
	return strings.Join(segs, "/")
}
