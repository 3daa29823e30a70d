package models

import "time"

// Draft is a locally persisted, unsaved edit to a page's body.
type Draft struct {
	PageID  string
	Body    string
	BaseSHA string // content hash observed when the draft was written
	SavedAt time.Time
}
