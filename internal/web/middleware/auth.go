package middleware

import (
	"net/http"

	"ghwiki/internal/auth"
)

// Auth returns a new auth middleware. Anonymous page requests are sent to the
// login page; anonymous JSON requests get a 401 so the editor script can
// redirect itself.
func Auth(authService *auth.Service) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			entry := authService.Current(r)
			if entry == nil {
				if wantsJSON(r) {
					http.Error(w, "Not signed in", http.StatusUnauthorized)
					return
				}
				http.Redirect(w, r, "/login", http.StatusFound)
				return
			}
			w.Header().Set("Cache-Control", "no-store")
			next.ServeHTTP(w, r.WithContext(auth.WithEntry(r.Context(), entry)))
		})
	}
}

func wantsJSON(r *http.Request) bool {
	return r.Header.Get("Accept") == "application/json"
}
