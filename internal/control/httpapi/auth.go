package httpapi

import (
	"net/http"

	"golang.org/x/crypto/bcrypt"
)

// requireAPIKey checks X-API-Key against a bcrypt hash on every request.
// An empty hash disables authentication entirely.
func requireAPIKey(hash string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if hash == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "missing X-API-Key"})
				return
			}
			if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(key)); err != nil {
				writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "invalid API key"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
