package mw

import (
	"net/http"

	"github.com/gameforge/api-gateway/internal/gwerr"
)

func MaxBodyBytes(limit int64, next http.Handler) http.Handler {
	if limit <= 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Fast fail when Content-Length is known.
		if r.ContentLength > limit && r.ContentLength != -1 {
			e := gwerr.New(gwerr.KindValidation, "request body too large")
			e.Details = map[string]any{"maxBytes": limit}
			gwerr.Write(w, r, e)
			return
		}

		// Safety net for chunked bodies; the forwarder surfaces the error
		// if the limit is exceeded mid-stream.
		r.Body = http.MaxBytesReader(w, r.Body, limit)
		next.ServeHTTP(w, r)
	})
}
