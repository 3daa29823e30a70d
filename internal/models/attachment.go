package models

import "time"

// Attachment represents an uploaded image stored in the content repository.
type Attachment struct {
	Filename  string
	Path      string
	SHA       string
	MimeType  string
	Size      int64
	CreatedAt time.Time
}
