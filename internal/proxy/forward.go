package proxy

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/gameforge/api-gateway/internal/auth"
	"github.com/gameforge/api-gateway/internal/breaker"
	"github.com/gameforge/api-gateway/internal/gwerr"
	"github.com/gameforge/api-gateway/internal/httpx"
	"github.com/gameforge/api-gateway/internal/registry"
)

// hopByHop headers are valid for one transport connection only and are
// never forwarded. Host and Content-Length are regenerated per attempt.
var hopByHop = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
	"Host",
	"Content-Length",
}

const (
	backoffBase   = 100 * time.Millisecond
	backoffFactor = 2
	backoffJitter = 0.2
)

// Forwarder issues upstream calls through the circuit breaker with bounded
// retries. One Forwarder is shared by all requests; per-service breakers
// and semaphores live in its registries.
type Forwarder struct {
	transport http.RoundTripper
	breakers  *breaker.Registry
	sems      map[string]*Semaphore
	log       *slog.Logger
}

func NewForwarder(transport http.RoundTripper, services []*registry.Service, log *slog.Logger) *Forwarder {
	f := &Forwarder{
		transport: transport,
		breakers:  breaker.NewRegistry(),
		sems:      make(map[string]*Semaphore, len(services)),
		log:       log,
	}
	for _, svc := range services {
		f.breakers.Register(svc.Name, breaker.Params{
			FailureThreshold: svc.Breaker.FailureThreshold,
			ResetTimeout:     svc.Breaker.ResetTimeout,
			MonitoringPeriod: svc.Breaker.MonitoringPeriod,
		})
		f.sems[svc.Name] = NewSemaphore(svc.MaxInFlight)
	}
	return f
}

func (f *Forwarder) Breakers() *breaker.Registry { return f.breakers }

func (f *Forwarder) Semaphore(name string) *Semaphore { return f.sems[name] }

// JoinURL composes the upstream URL so that a trailing slash on the base
// never doubles: JoinURL(base, "/x") == JoinURL(base+"/", "/x").
func JoinURL(base *url.URL, rest string) *url.URL {
	u := *base
	u.Path = strings.TrimRight(u.Path, "/") + rest
	return &u
}

// Forward sends the request to the target service and returns the upstream
// response, or a typed error for the normalizer. The caller owns the
// response body. The context carries the request-wide deadline; the number
// of attempts is retries+1 for safe reads and exactly 1 for mutations.
func (f *Forwarder) Forward(ctx context.Context, r *http.Request, t *Target, user *auth.User) (*http.Response, *gwerr.Error) {
	svc := t.Service

	sem := f.sems[svc.Name]
	if sem.Enabled() {
		if !sem.TryAcquire() {
			return nil, &gwerr.Error{
				Kind:    gwerr.KindServiceUnavailable,
				Message: "service is at capacity",
				Service: svc.Name,
			}
		}
		defer sem.Release()
	}

	br := f.breakers.Get(svc.Name)
	allowed, retryAfter := br.Allow()
	if !allowed {
		return nil, &gwerr.Error{
			Kind:       gwerr.KindServiceUnavailable,
			Message:    "service temporarily unavailable",
			Service:    svc.Name,
			RetryAfter: retryAfter,
		}
	}

	resp, gerr, success := f.attempt(ctx, r, t, user)
	br.Done(success)
	if gerr != nil {
		gerr.Service = svc.Name
	}
	return resp, gerr
}

// attempt runs the retry loop. The third return value is the breaker
// outcome: false only for breaker-worthy failures (transport errors and
// 5xx after exhaustion).
func (f *Forwarder) attempt(ctx context.Context, r *http.Request, t *Target, user *auth.User) (*http.Response, *gwerr.Error, bool) {
	svc := t.Service

	maxAttempts := 1
	if t.Class == ClassSafeRead {
		maxAttempts = svc.Retries + 1
	}

	// Safe-read bodies are rare; buffer them so attempts can rewind.
	var bodyBytes []byte
	useStream := false
	if r.Body != nil && r.Body != http.NoBody {
		if t.Class == ClassSafeRead {
			b, err := io.ReadAll(r.Body)
			if err != nil {
				if ce := clientBodyError(err); ce != nil {
					return nil, ce, true
				}
				return nil, gwerr.New(gwerr.KindBadGateway, "failed to read request body"), true
			}
			bodyBytes = b
		} else {
			useStream = true
		}
	}

	target := JoinURL(svc.BaseURL, t.Rest)
	target.RawQuery = r.URL.RawQuery
	outHeader := f.outboundHeader(r, user)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = backoffBase
	bo.Multiplier = backoffFactor
	bo.RandomizationFactor = backoffJitter
	bo.MaxInterval = 10 * time.Second

	var lastErr error
	for att := 1; att <= maxAttempts; att++ {
		var body io.Reader
		if useStream {
			body = r.Body
		} else if bodyBytes != nil {
			body = bytes.NewReader(bodyBytes)
		}

		req, err := http.NewRequestWithContext(ctx, r.Method, target.String(), body)
		if err != nil {
			return nil, gwerr.New(gwerr.KindBadGateway, "failed to build upstream request"), true
		}
		req.Header = outHeader.Clone()
		if bodyBytes != nil {
			req.ContentLength = int64(len(bodyBytes))
		} else if useStream {
			req.ContentLength = r.ContentLength
		}
		req.Host = target.Host

		resp, err := f.transport.RoundTrip(req)
		if err == nil && resp.StatusCode < 500 {
			return resp, nil, true
		}

		if err == nil {
			// 5xx: retriable for safe reads until attempts run out, then
			// forwarded unchanged as a breaker-worthy outcome.
			if att == maxAttempts {
				return resp, nil, false
			}
			io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
			resp.Body.Close()
		} else {
			lastErr = err
			if ce := clientBodyError(err); ce != nil {
				return nil, ce, true
			}
			if cerr := ctx.Err(); cerr != nil {
				return nil, f.classify(cerr, r), errors.Is(cerr, context.Canceled)
			}
			if att == maxAttempts || t.Class != ClassSafeRead {
				return nil, f.classify(err, r), false
			}
		}

		wait := bo.NextBackOff()
		if deadline, ok := ctx.Deadline(); ok {
			if remain := time.Until(deadline); remain <= wait {
				// Not enough budget for another attempt.
				if lastErr != nil {
					return nil, f.classify(lastErr, r), false
				}
				return nil, gwerr.New(gwerr.KindProxyTimeout, "upstream request timed out"), false
			}
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, f.classify(ctx.Err(), r), errors.Is(ctx.Err(), context.Canceled)
		case <-timer.C:
		}
	}

	// Unreachable: every branch above returns.
	return nil, gwerr.New(gwerr.KindInternal, "forwarder exhausted attempts"), false
}

// clientBodyError detects a fault in the client's own request body, such
// as tripping the entry-layer byte limit mid-stream. These are the
// client's error, never the upstream's: they map to a 400-class response
// and must not charge the circuit breaker.
func clientBodyError(err error) *gwerr.Error {
	var mbe *http.MaxBytesError
	if errors.As(err, &mbe) {
		e := gwerr.New(gwerr.KindValidation, "request body too large")
		e.Details = map[string]any{"maxBytes": mbe.Limit}
		return e
	}
	return nil
}

func (f *Forwarder) classify(err error, r *http.Request) *gwerr.Error {
	rid := httpx.RequestID(r.Context())
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		f.log.Warn("upstream timeout",
			slog.String("rid", rid),
			slog.String("path", r.URL.Path))
		return gwerr.New(gwerr.KindProxyTimeout, "upstream request timed out")
	case errors.Is(err, context.Canceled):
		return gwerr.New(gwerr.KindServiceUnavailable, "request cancelled")
	default:
		var nerr net.Error
		if errors.As(err, &nerr) && nerr.Timeout() {
			f.log.Warn("upstream timeout",
				slog.String("rid", rid),
				slog.String("path", r.URL.Path))
			return gwerr.New(gwerr.KindProxyTimeout, "upstream request timed out")
		}
		f.log.Warn("upstream transport error",
			slog.String("rid", rid),
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()))
		return gwerr.New(gwerr.KindServiceUnavailable, "service temporarily unavailable")
	}
}

// outboundHeader sanitizes the inbound headers for the upstream: hop-by-hop
// headers go, forwarding headers are appended, the client's Authorization
// is replaced by the authenticated identity headers.
func (f *Forwarder) outboundHeader(r *http.Request, user *auth.User) http.Header {
	h := r.Header.Clone()
	for _, k := range hopByHop {
		h.Del(k)
	}
	h.Del("Authorization")

	clientIP := r.RemoteAddr
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		clientIP = host
	}
	if prior := h.Get("X-Forwarded-For"); prior != "" {
		h.Set("X-Forwarded-For", prior+", "+clientIP)
	} else {
		h.Set("X-Forwarded-For", clientIP)
	}
	proto := "http"
	if r.TLS != nil {
		proto = "https"
	}
	h.Set("X-Forwarded-Proto", proto)
	h.Set("X-Forwarded-Host", r.Host)

	if rid := httpx.RequestID(r.Context()); rid != "" {
		h.Set("X-Request-Id", rid)
	}

	for k, vv := range auth.IdentityHeaders(user) {
		h[k] = vv
	}
	return h
}

// CopyResponseHeaders copies upstream headers onto the client response,
// dropping hop-by-hop headers and anything the gateway owns.
func CopyResponseHeaders(dst http.Header, src http.Header) {
	for k, vv := range src {
		if isHopByHop(k) || isGatewayOwned(k) {
			continue
		}
		dst[k] = vv
	}
}

func isHopByHop(key string) bool {
	for _, h := range hopByHop {
		if http.CanonicalHeaderKey(h) == http.CanonicalHeaderKey(key) {
			return true
		}
	}
	return false
}

func isGatewayOwned(key string) bool {
	k := http.CanonicalHeaderKey(key)
	return k == "X-Request-Id" || k == "X-Cache" || strings.HasPrefix(k, "X-Ratelimit-")
}
