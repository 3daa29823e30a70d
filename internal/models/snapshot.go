package models

import "time"

// TreeSnapshot is the serialized page set cached for fast reloads.
type TreeSnapshot struct {
	Root     string    `json:"root"`
	Pages    []Page    `json:"pages"`
	Roots    []string  `json:"roots"`
	CachedAt time.Time `json:"cached_at"`
}
