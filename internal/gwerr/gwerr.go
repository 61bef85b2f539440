// Package gwerr defines the gateway's typed errors and the canonical wire
// envelope. Every error response leaving the gateway is produced by Write;
// no other component serializes errors.
package gwerr

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/gameforge/api-gateway/internal/httpx"
)

// Kind is a stable, machine-readable error classification. Clients program
// against these strings; do not rename existing kinds.
type Kind string

const (
	KindValidation         Kind = "VALIDATION_ERROR"
	KindUnauthorized       Kind = "UNAUTHORIZED"
	KindForbidden          Kind = "FORBIDDEN"
	KindRateLimitExceeded  Kind = "RATE_LIMIT_EXCEEDED"
	KindRouteNotFound      Kind = "ROUTE_NOT_FOUND"
	KindBadGateway         Kind = "BAD_GATEWAY"
	KindServiceUnavailable Kind = "SERVICE_UNAVAILABLE"
	KindProxyTimeout       Kind = "PROXY_TIMEOUT"
	KindInternal           Kind = "INTERNAL_SERVER_ERROR"
)

var kindStatus = map[Kind]int{
	KindValidation:         http.StatusBadRequest,
	KindUnauthorized:       http.StatusUnauthorized,
	KindForbidden:          http.StatusForbidden,
	KindRateLimitExceeded:  http.StatusTooManyRequests,
	KindRouteNotFound:      http.StatusNotFound,
	KindBadGateway:         http.StatusBadGateway,
	KindServiceUnavailable: http.StatusServiceUnavailable,
	KindProxyTimeout:       http.StatusGatewayTimeout,
	KindInternal:           http.StatusInternalServerError,
}

// Error is the typed failure a pipeline stage surfaces to the normalizer.
// Message is client-safe; internal detail belongs in logs, keyed by the
// request id.
type Error struct {
	Kind       Kind
	Message    string
	Service    string
	Details    any
	RetryAfter time.Duration
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Status returns the HTTP status for the error's kind.
func (e *Error) Status() int {
	if s, ok := kindStatus[e.Kind]; ok {
		return s
	}
	return http.StatusInternalServerError
}

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func (e *Error) WithService(name string) *Error {
	e.Service = name
	return e
}

// Envelope is the wire format for error responses.
type Envelope struct {
	Error      Kind   `json:"error"`
	Message    string `json:"message"`
	StatusCode int    `json:"statusCode"`
	Timestamp  string `json:"timestamp"`
	Path       string `json:"path"`
	Service    string `json:"service,omitempty"`
	RequestID  string `json:"requestId"`
	Details    any    `json:"details,omitempty"`
}

// SetStandardHeaders applies the security and correlation headers every
// response carries. Idempotent.
func SetStandardHeaders(h http.Header, rid string) {
	h.Set("X-Request-Id", rid)
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("X-Frame-Options", "DENY")
	h.Set("X-XSS-Protection", "1; mode=block")
}

// Write emits the canonical envelope for e. The request id is read from the
// context; the entry layer assigns one to every request, but Write still
// generates a fallback so no response leaves without X-Request-Id.
func Write(w http.ResponseWriter, r *http.Request, e *Error) {
	rid := httpx.RequestID(r.Context())
	if rid == "" {
		rid = uuid.NewString()
	}
	SetStandardHeaders(w.Header(), rid)
	w.Header().Set("Content-Type", "application/json")
	if e.RetryAfter > 0 {
		secs := int((e.RetryAfter + time.Second - 1) / time.Second)
		w.Header().Set("Retry-After", strconv.Itoa(secs))
	}
	w.WriteHeader(e.Status())
	_ = json.NewEncoder(w).Encode(Envelope{
		Error:      e.Kind,
		Message:    e.Message,
		StatusCode: e.Status(),
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
		Path:       r.URL.Path,
		Service:    e.Service,
		RequestID:  rid,
		Details:    e.Details,
	})
}
