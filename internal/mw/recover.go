package mw

import (
	"log/slog"
	"net/http"

	"github.com/gameforge/api-gateway/internal/gwerr"
	"github.com/gameforge/api-gateway/internal/httpx"
)

// Recover converts panics into the canonical 500 envelope. No stage panic
// reaches the client.
func Recover(log *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				log.Error("panic recovered",
					slog.String("rid", httpx.RequestID(r.Context())),
					slog.String("path", r.URL.Path),
					slog.Any("panic", rec),
				)
				gwerr.Write(w, r, gwerr.New(gwerr.KindInternal, "internal server error"))
			}
		}()
		next.ServeHTTP(w, r)
	})
}
