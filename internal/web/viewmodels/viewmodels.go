package viewmodels

import (
	"html/template"

	"ghwiki/internal/models"
	"ghwiki/internal/session"
)

// PageData is a unified struct to hold all possible data for any page.
type PageData struct {
	ShowSidebar bool
	Repo        string
	Outline     []session.Item // The visible rows of the sidebar
	Page        models.Page    // The current page being viewed
	Breadcrumbs []models.Page
	Content     template.HTML

	// Editor state.
	Body          string
	Message       string
	State         string
	RemoteChanged bool
	Conflict      bool
	Diff          template.HTML
	CheckInterval int // milliseconds, 0 disables polling

	Status      string
	Error       string
	CurrentUser *models.User
	IsLoggedIn  bool
}

// StatusResponse is the JSON answer of the draft and check endpoints.
type StatusResponse struct {
	State         string `json:"state"`
	Status        string `json:"status"`
	RemoteChanged bool   `json:"remoteChanged"`
}

// UploadResponse is the JSON answer of an image upload.
type UploadResponse struct {
	URL  string `json:"url"`
	Path string `json:"path"`
}
