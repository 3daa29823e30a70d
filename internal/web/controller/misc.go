package controller

import (
	"io"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"ghwiki/internal/auth"
	"ghwiki/internal/web/renderer"
	"ghwiki/internal/web/viewmodels"
)

// Misc provides miscellaneous handlers
type Misc struct {
	Renderer  *renderer.Renderer
	MaxUpload int64
	Log       *zap.Logger
}

// Register registers the misc routes
func (m *Misc) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /_preview", m.preview)
	mux.HandleFunc("POST /upload", m.upload)
	mux.HandleFunc("GET /images/{name}", m.image)
}

func (m *Misc) preview(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, m.MaxUpload))
	if err != nil {
		http.Error(w, "Error reading request body", http.StatusInternalServerError)
		return
	}
	defer r.Body.Close()

	out, err := m.Renderer.Render(r.URL.Query().Get("path"), normalizeNewlines(string(body)))
	if err != nil {
		m.Log.Warn("error rendering preview", zap.Error(err))
		http.Error(w, "Could not render preview", http.StatusUnprocessableEntity)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write([]byte(out))
}

func (m *Misc) upload(w http.ResponseWriter, r *http.Request) {
	entry := auth.FromContext(r.Context())
	if err := r.ParseMultipartForm(m.MaxUpload); err != nil {
		http.Error(w, "The uploaded file is too big.", http.StatusBadRequest)
		return
	}

	file, handler, err := r.FormFile("file")
	if err != nil {
		http.Error(w, "Error retrieving the file", http.StatusBadRequest)
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		http.Error(w, "Error reading the file", http.StatusBadRequest)
		return
	}

	a, err := entry.Attachments.Create(r.Context(), handler.Filename, handler.Header.Get("Content-Type"), data)
	if err != nil {
		failJSON(w, entry.Session, err)
		return
	}
	m.Log.Info("image uploaded", zap.String("path", a.Path), zap.Int64("size", a.Size))
	writeJSON(w, http.StatusCreated, viewmodels.UploadResponse{URL: "/images/" + a.Filename, Path: a.Path})
}

func (m *Misc) image(w http.ResponseWriter, r *http.Request) {
	entry := auth.FromContext(r.Context())
	a, data, err := entry.Attachments.Get(r.Context(), r.PathValue("name"))
	if err != nil {
		fail(w, r, m.Log, err)
		return
	}
	w.Header().Set("Content-Type", a.MimeType)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Header().Set("Cache-Control", "private, max-age=86400")
	w.Write(data)
}

// ChromaCSS serves the code highlighting stylesheet.
func ChromaCSS(log *zap.Logger) http.HandlerFunc {
	css, err := renderer.ChromaCSS()
	if err != nil {
		log.Warn("error generating code stylesheet", zap.Error(err))
	}
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/css; charset=utf-8")
		w.Write([]byte(css))
	}
}
