package mw

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/gameforge/api-gateway/internal/httpx"
)

// RequestID assigns every request a v4 UUID, honoring an inbound
// X-Request-Id so callers can correlate across hops.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rid := r.Header.Get("X-Request-Id")
		if rid == "" {
			rid = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", rid)
		ctx := httpx.WithRequestID(r.Context(), rid)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
