// Package cache stores full upstream responses for safe-read requests.
// Keys are SHA-256 fingerprints of the request; values are the serialized
// {status, headers, body} plus an absolute expiration. Store failures are
// never fatal to a request.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Entry is a captured upstream response.
type Entry struct {
	Status   int         `json:"status"`
	Header   http.Header `json:"header"`
	Body     []byte      `json:"body"`
	StoredAt time.Time   `json:"storedAt"`
}

// Store is the cache backend. Get returns (nil, false, nil) on a miss and
// a non-nil error only for store-level failures; corrupted entries are
// evicted and reported as a miss.
type Store interface {
	Get(ctx context.Context, key string) (*Entry, bool, error)
	Set(ctx context.Context, key string, e *Entry, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// Fingerprint derives the cache key from the request. The credential hash
// keeps personalized responses from leaking across users; requests without
// an Authorization header share one key.
func Fingerprint(method, path string, query url.Values, authorization string) string {
	h := sha256.New()
	h.Write([]byte(method))
	h.Write([]byte{'|'})
	h.Write([]byte(path))
	h.Write([]byte{'|'})
	h.Write([]byte(query.Encode())) // Encode sorts keys
	if authorization != "" {
		cred := strings.TrimSpace(strings.TrimPrefix(authorization, "Bearer "))
		sum := sha256.Sum256([]byte(cred))
		h.Write([]byte{'|'})
		h.Write([]byte(hex.EncodeToString(sum[:])))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Key builds the shared-store key for a fingerprint under the configured
// namespace.
func Key(namespace, fingerprint string) string {
	return namespace + "cache:" + fingerprint
}

// Cacheable reports whether a response with this status may be stored.
func Cacheable(status int) bool {
	return status >= 200 && status <= 299
}
