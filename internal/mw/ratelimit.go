package mw

import (
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gameforge/api-gateway/internal/gwerr"
	"github.com/gameforge/api-gateway/internal/httpx"
	"github.com/gameforge/api-gateway/internal/netx"
	"github.com/gameforge/api-gateway/internal/ratelimit"
)

type IPResolver struct {
	Trusted *netx.CIDRSet
}

// ClientIP returns the first X-Forwarded-For entry when the transport peer
// is a trusted proxy, otherwise the peer itself.
func (r IPResolver) ClientIP(req *http.Request) string {
	remoteIP := parseRemoteIP(req.RemoteAddr)
	if remoteIP != nil && r.Trusted != nil && r.Trusted.Contains(remoteIP) {
		if xff := req.Header.Get("X-Forwarded-For"); xff != "" {
			parts := strings.Split(xff, ",")
			if len(parts) > 0 {
				if ip := net.ParseIP(strings.TrimSpace(parts[0])); ip != nil {
					return ip.String()
				}
			}
		}
		if xrip := net.ParseIP(strings.TrimSpace(req.Header.Get("X-Real-Ip"))); xrip != nil {
			return xrip.String()
		}
	}
	if remoteIP != nil {
		return remoteIP.String()
	}
	return req.RemoteAddr
}

func parseRemoteIP(remoteAddr string) net.IP {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return net.ParseIP(remoteAddr)
	}
	return net.ParseIP(host)
}

type RateLimit struct {
	Limiter   ratelimit.Limiter
	Policies  *ratelimit.PolicyTable
	Resolver  IPResolver
	Metrics   *Metrics
	Log       *slog.Logger
	Namespace string
	Enabled   bool
}

// routePrefix extracts the bucket segment from /api/<segment>/....
func routePrefix(path string) string {
	rest, ok := strings.CutPrefix(path, "/api/")
	if !ok {
		return ""
	}
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		return rest[:i]
	}
	return rest
}

// Middleware applies sliding-log admission per (ip, method, prefix). The
// X-RateLimit-* headers are set on every response, including failures. A
// store error fails open so a Redis outage cannot take the platform down.
func (rl RateLimit) Middleware(next http.Handler) http.Handler {
	if !rl.Enabled {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		prefix := routePrefix(r.URL.Path)
		pol := rl.Policies.Resolve(prefix)
		ip := rl.Resolver.ClientIP(r)
		key := ratelimit.BucketKey(rl.Namespace, ip, r.Method, prefix)

		dec, err := rl.Limiter.Allow(r.Context(), key, pol.Limit, pol.Window)
		if err != nil {
			rl.Log.Warn("rate limiter store error; failing open",
				slog.String("rid", httpx.RequestID(r.Context())),
				slog.String("error", err.Error()))
			dec = ratelimit.Decision{
				Allowed:   true,
				Limit:     pol.Limit,
				Remaining: pol.Limit,
				ResetAt:   time.Now().Add(pol.Window),
				Window:    pol.Window,
			}
		}

		h := w.Header()
		h.Set("X-RateLimit-Limit", strconv.Itoa(dec.Limit))
		h.Set("X-RateLimit-Remaining", strconv.Itoa(dec.Remaining))
		h.Set("X-RateLimit-Reset", strconv.FormatInt(dec.ResetAt.Unix(), 10))

		if !dec.Allowed {
			if rl.Metrics != nil {
				rl.Metrics.RateLimited.WithLabelValues(prefix).Inc()
			}
			gwerr.Write(w, r, &gwerr.Error{
				Kind:       gwerr.KindRateLimitExceeded,
				Message:    "too many requests",
				RetryAfter: time.Until(dec.ResetAt),
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}
