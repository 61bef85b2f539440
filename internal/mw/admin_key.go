package mw

import (
	"net/http"

	"github.com/gameforge/api-gateway/internal/gwerr"
)

const AdminKeyHeader = "X-Admin-Key"

func RequireAdminKey(adminKey string, next http.Handler) http.Handler {
	// If no key is configured, do not expose admin endpoints at all.
	if adminKey == "" {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.NotFound(w, r)
		})
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(AdminKeyHeader) != adminKey {
			gwerr.Write(w, r, gwerr.New(gwerr.KindUnauthorized, "unauthorized"))
			return
		}
		next.ServeHTTP(w, r)
	})
}
