// Package attachment stores uploaded images in the content repository next
// to the pages that embed them.
package attachment

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"mime"
	"net/http"
	"path"
	"path/filepath"
	"strings"
	"time"

	"ghwiki/internal/apperr"
	"ghwiki/internal/models"
)

// Dir is the directory under the content root that holds uploads.
const Dir = "images"

// Store is the part of the content client attachments need.
type Store interface {
	Root() string
	PutBlob(ctx context.Context, p string, data []byte, expectedSHA, message string) (string, error)
	GetFile(ctx context.Context, p string) (models.File, error)
}

// Repository provides access to the attachment storage.
type Repository struct {
	Store   Store
	MaxSize int64
	Now     func() time.Time
}

// NewRepository creates a new attachment repository.
func NewRepository(store Store, maxSize int64) *Repository {
	return &Repository{Store: store, MaxSize: maxSize, Now: time.Now}
}

// Create uploads an image. The stored name is derived from the content hash
// and the upload time, so uploads never overwrite each other.
func (r *Repository) Create(ctx context.Context, filename, mimeType string, data []byte) (*models.Attachment, error) {
	if len(data) == 0 {
		return nil, apperr.Validation("file", "is empty")
	}
	if r.MaxSize > 0 && int64(len(data)) > r.MaxSize {
		return nil, apperr.Validation("file", "is larger than %d bytes", r.MaxSize)
	}

	mimeType = mediaType(mimeType)
	if !strings.HasPrefix(mimeType, "image/") {
		mimeType = http.DetectContentType(data)
	}
	if !strings.HasPrefix(mimeType, "image/") {
		return nil, apperr.Validation("file", "%s is not an image", filename)
	}

	now := r.Now()
	hash := sha256.Sum256(data)
	uniqueFilename := fmt.Sprintf("%s-%d%s",
		hex.EncodeToString(hash[:16]),
		now.Unix(),
		extension(filename, mimeType))
	p := r.path(uniqueFilename)

	sha, err := r.Store.PutBlob(ctx, p, data, "", "Upload "+filepath.Base(filename))
	if err != nil {
		return nil, fmt.Errorf("error uploading %s: %w", filename, err)
	}

	return &models.Attachment{
		Filename:  uniqueFilename,
		Path:      p,
		SHA:       sha,
		MimeType:  mimeType,
		Size:      int64(len(data)),
		CreatedAt: now,
	}, nil
}

// Get fetches an uploaded image by its stored name.
func (r *Repository) Get(ctx context.Context, name string) (*models.Attachment, []byte, error) {
	if name == "" || strings.ContainsAny(name, "/\\") || strings.HasPrefix(name, ".") {
		return nil, nil, &apperr.NotFoundError{What: "image " + name}
	}
	p := r.path(name)
	f, err := r.Store.GetFile(ctx, p)
	if err != nil {
		return nil, nil, err
	}

	mimeType := mime.TypeByExtension(path.Ext(name))
	if !strings.HasPrefix(mimeType, "image/") {
		mimeType = http.DetectContentType(f.Content)
	}
	return &models.Attachment{
		Filename: name,
		Path:     f.Path,
		SHA:      f.SHA,
		MimeType: mimeType,
		Size:     int64(len(f.Content)),
	}, f.Content, nil
}

func (r *Repository) path(name string) string {
	if root := r.Store.Root(); root != "" {
		return path.Join(root, Dir, name)
	}
	return path.Join(Dir, name)
}

func mediaType(v string) string {
	t, _, err := mime.ParseMediaType(v)
	if err != nil {
		return ""
	}
	return t
}

func extension(filename, mimeType string) string {
	if ext := strings.ToLower(filepath.Ext(filename)); ext != "" {
		return ext
	}
	if exts, _ := mime.ExtensionsByType(mimeType); len(exts) > 0 {
		return exts[0]
	}
	return ""
}
