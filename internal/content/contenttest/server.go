// Package contenttest provides an in-memory simulation of the GitHub git and
// contents endpoints used by the content client.
package contenttest

import (
	"crypto/sha1"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
)

const (
	Owner  = "octo"
	Repo   = "wiki"
	Branch = "main"
	Token  = "test-token"
)

type file struct {
	sha     string
	content []byte
}

// Server is a fake content store. Files are keyed by repository path; every
// version ever written stays reachable by blob sha.
type Server struct {
	*httptest.Server

	mu        sync.Mutex
	files     map[string]file
	blobs     map[string][]byte
	calls     map[string]int
	failNext  []int
	truncated bool
}

// NewServer starts a fake store. Close it when done.
func NewServer() *Server {
	s := &Server{
		files: make(map[string]file),
		blobs: make(map[string][]byte),
		calls: make(map[string]int),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /user", s.user)
	mux.HandleFunc("GET /repos/{owner}/{repo}/git/trees/{ref}", s.tree)
	mux.HandleFunc("GET /repos/{owner}/{repo}/git/blobs/{sha}", s.blob)
	mux.HandleFunc("GET /repos/{owner}/{repo}/contents/{path...}", s.getContents)
	mux.HandleFunc("PUT /repos/{owner}/{repo}/contents/{path...}", s.putContents)
	mux.HandleFunc("DELETE /repos/{owner}/{repo}/contents/{path...}", s.deleteContents)

	s.Server = httptest.NewServer(s.middleware(mux))
	return s
}

// BlobSHA computes the git blob hash of content.
func BlobSHA(content []byte) string {
	h := sha1.New()
	fmt.Fprintf(h, "blob %d\x00", len(content))
	h.Write(content)
	return hex.EncodeToString(h.Sum(nil))
}

// Seed writes a file directly, bypassing preconditions, and returns its sha.
func (s *Server) Seed(path, content string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeLocked(path, []byte(content))
}

// Set simulates another client changing a file.
func (s *Server) Set(path, content string) string {
	return s.Seed(path, content)
}

// Remove simulates another client deleting a file.
func (s *Server) Remove(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.files, path)
}

// SHA returns the current sha of path, or "" if it does not exist.
func (s *Server) SHA(path string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.files[path].sha
}

// Content returns the current content of path.
func (s *Server) Content(path string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.files[path]
	return string(f.content), ok
}

// Paths returns every file path, sorted.
func (s *Server) Paths() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	paths := make([]string, 0, len(s.files))
	for p := range s.files {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// Calls returns how many requests matched the given "METHOD kind" key,
// where kind is one of user, tree, blob, contents.
func (s *Server) Calls(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[key]
}

// SetTruncated makes tree listings report that they were cut short.
func (s *Server) SetTruncated(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.truncated = v
}

// FailNext makes the next requests fail with the given statuses, in order.
func (s *Server) FailNext(statuses ...int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = append(s.failNext, statuses...)
}

func (s *Server) writeLocked(path string, content []byte) string {
	sha := BlobSHA(content)
	s.files[path] = file{sha: sha, content: content}
	s.blobs[sha] = content
	return sha
}

func (s *Server) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.calls[r.Method+" "+kind(r.URL.Path)]++
		var status int
		if len(s.failNext) > 0 {
			status = s.failNext[0]
			s.failNext = s.failNext[1:]
		}
		s.mu.Unlock()

		if status != 0 {
			writeJSON(w, status, map[string]string{"message": http.StatusText(status)})
			return
		}
		if r.Header.Get("Authorization") != "Bearer "+Token {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"message": "Bad credentials"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func kind(p string) string {
	switch {
	case p == "/user":
		return "user"
	case strings.Contains(p, "/git/trees/"):
		return "tree"
	case strings.Contains(p, "/git/blobs/"):
		return "blob"
	default:
		return "contents"
	}
}

func (s *Server) user(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"login": "octocat", "name": "The Octocat"})
}

type treeItem struct {
	Path string `json:"path"`
	Mode string `json:"mode"`
	Type string `json:"type"`
	SHA  string `json:"sha,omitempty"`
	Size int    `json:"size,omitempty"`
}

func (s *Server) tree(w http.ResponseWriter, r *http.Request) {
	if !s.knownRepo(w, r) {
		return
	}
	s.mu.Lock()
	dirs := make(map[string]bool)
	var items []treeItem
	for p, f := range s.files {
		items = append(items, treeItem{Path: p, Mode: "100644", Type: "blob", SHA: f.sha, Size: len(f.content)})
		for dir := p; strings.Contains(dir, "/"); {
			dir = dir[:strings.LastIndex(dir, "/")]
			dirs[dir] = true
		}
	}
	truncated := s.truncated
	s.mu.Unlock()

	for d := range dirs {
		items = append(items, treeItem{Path: d, Mode: "040000", Type: "tree", SHA: BlobSHA([]byte(d))})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Path < items[j].Path })
	writeJSON(w, http.StatusOK, map[string]any{"sha": "root", "tree": items, "truncated": truncated})
}

func (s *Server) blob(w http.ResponseWriter, r *http.Request) {
	if !s.knownRepo(w, r) {
		return
	}
	sha := r.PathValue("sha")
	s.mu.Lock()
	content, ok := s.blobs[sha]
	s.mu.Unlock()
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"message": "Not Found"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"sha":      sha,
		"size":     len(content),
		"encoding": "base64",
		"content":  wrap(base64.StdEncoding.EncodeToString(content)),
	})
}

func (s *Server) getContents(w http.ResponseWriter, r *http.Request) {
	if !s.knownRepo(w, r) {
		return
	}
	p := r.PathValue("path")
	s.mu.Lock()
	f, ok := s.files[p]
	s.mu.Unlock()
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"message": "Not Found"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"type":     "file",
		"path":     p,
		"sha":      f.sha,
		"encoding": "base64",
		"content":  wrap(base64.StdEncoding.EncodeToString(f.content)),
	})
}

type writeRequest struct {
	Message string `json:"message"`
	Content string `json:"content"`
	SHA     string `json:"sha"`
	Branch  string `json:"branch"`
}

func (s *Server) putContents(w http.ResponseWriter, r *http.Request) {
	if !s.knownRepo(w, r) {
		return
	}
	p := r.PathValue("path")
	var req writeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Message == "" {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"message": "Invalid request."})
		return
	}
	content, err := base64.StdEncoding.DecodeString(req.Content)
	if err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"message": "content is not valid Base64"})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	cur, exists := s.files[p]
	switch {
	case exists && req.SHA == "":
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"message": "Invalid request.\n\n\"sha\" wasn't supplied."})
		return
	case exists && req.SHA != cur.sha:
		writeJSON(w, http.StatusConflict, map[string]string{"message": fmt.Sprintf("%s does not match %s", p, req.SHA)})
		return
	case !exists && req.SHA != "":
		writeJSON(w, http.StatusConflict, map[string]string{"message": fmt.Sprintf("%s does not exist", p)})
		return
	}

	sha := s.writeLocked(p, content)
	status := http.StatusOK
	if !exists {
		status = http.StatusCreated
	}
	writeJSON(w, status, map[string]any{
		"content": map[string]string{"path": p, "sha": sha},
		"commit":  map[string]string{"sha": BlobSHA([]byte(req.Message + sha))},
	})
}

func (s *Server) deleteContents(w http.ResponseWriter, r *http.Request) {
	if !s.knownRepo(w, r) {
		return
	}
	p := r.PathValue("path")
	var req writeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SHA == "" {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"message": "Invalid request.\n\n\"sha\" wasn't supplied."})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	cur, exists := s.files[p]
	switch {
	case !exists:
		writeJSON(w, http.StatusNotFound, map[string]string{"message": "Not Found"})
		return
	case req.SHA != cur.sha:
		writeJSON(w, http.StatusConflict, map[string]string{"message": fmt.Sprintf("%s does not match %s", p, req.SHA)})
		return
	}
	delete(s.files, p)
	writeJSON(w, http.StatusOK, map[string]any{"content": nil})
}

func (s *Server) knownRepo(w http.ResponseWriter, r *http.Request) bool {
	if r.PathValue("owner") != Owner || r.PathValue("repo") != Repo {
		writeJSON(w, http.StatusNotFound, map[string]string{"message": "Not Found"})
		return false
	}
	return true
}

// wrap breaks base64 text into 60-column lines the way the API does.
func wrap(s string) string {
	var b strings.Builder
	for len(s) > 60 {
		b.WriteString(s[:60])
		b.WriteByte('\n')
		s = s[60:]
	}
	b.WriteString(s)
	b.WriteByte('\n')
	return b.String()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
