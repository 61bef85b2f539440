package mw

import (
	"net/http"

	"github.com/gameforge/api-gateway/internal/config"
)

// CORS applies the configured cross-origin policy. OPTIONS preflights are
// answered with 204 and never reach the pipeline below.
func CORS(cfg config.CORSConfig, next http.Handler) http.Handler {
	if cfg.Origin == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", cfg.Origin)
		if cfg.Credentials {
			h.Set("Access-Control-Allow-Credentials", "true")
		}
		if cfg.Origin != "*" {
			h.Add("Vary", "Origin")
		}

		if r.Method == http.MethodOptions {
			h.Set("Access-Control-Allow-Methods", cfg.Methods)
			h.Set("Access-Control-Allow-Headers", cfg.Headers)
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
