package auth

import (
	"log/slog"
	"net/http"
)

// APIKeyMiddleware returns next wrapped with an API-key check on header.
// Rejected requests get 401 and never reach next.
func APIKeyMiddleware(mode, header, key string, next http.Handler) http.Handler {
	if !enforced(mode, key) {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !matches(r.Header.Get(header), key) {
			slog.Warn("auth: rejected request", "remote", r.RemoteAddr, "path", r.URL.Path)
			http.Error(w, "invalid api key", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}
