package mw

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gameforge/api-gateway/internal/netx"
	"github.com/gameforge/api-gateway/internal/ratelimit"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func TestClientIPUntrustedPeerIgnoresXFF(t *testing.T) {
	res := IPResolver{}
	req := httptest.NewRequest(http.MethodGet, "/api/games", nil)
	req.RemoteAddr = "198.51.100.7:4444"
	req.Header.Set("X-Forwarded-For", "203.0.113.9")

	if got := res.ClientIP(req); got != "198.51.100.7" {
		t.Fatalf("untrusted peer must not spoof via XFF, got %q", got)
	}
}

func TestClientIPTrustedPeerUsesXFF(t *testing.T) {
	trusted, err := netx.ParseCIDRSet([]string{"10.0.0.0/8"})
	if err != nil {
		t.Fatal(err)
	}
	res := IPResolver{Trusted: trusted}

	req := httptest.NewRequest(http.MethodGet, "/api/games", nil)
	req.RemoteAddr = "10.1.2.3:4444"
	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.1.2.3")
	if got := res.ClientIP(req); got != "203.0.113.9" {
		t.Fatalf("trusted peer should yield first XFF hop, got %q", got)
	}

	// Garbage XFF from a trusted proxy falls back to X-Real-Ip, then peer.
	req.Header.Set("X-Forwarded-For", "not-an-ip")
	req.Header.Set("X-Real-Ip", "203.0.113.10")
	if got := res.ClientIP(req); got != "203.0.113.10" {
		t.Fatalf("expected X-Real-Ip fallback, got %q", got)
	}

	req.Header.Del("X-Real-Ip")
	if got := res.ClientIP(req); got != "10.1.2.3" {
		t.Fatalf("expected peer fallback, got %q", got)
	}
}

func TestRoutePrefix(t *testing.T) {
	cases := []struct {
		path string
		want string
	}{
		{"/api/games/123", "games"},
		{"/api/games", "games"},
		{"/api/", ""},
		{"/health", ""},
	}
	for _, c := range cases {
		if got := routePrefix(c.path); got != c.want {
			t.Errorf("routePrefix(%q) = %q, want %q", c.path, got, c.want)
		}
	}
}

type errLimiter struct{ err error }

func (l errLimiter) Allow(context.Context, string, int, time.Duration) (ratelimit.Decision, error) {
	return ratelimit.Decision{}, l.err
}
func (l errLimiter) Close() error { return nil }

func newRateLimit(lim ratelimit.Limiter, defLimit int) RateLimit {
	tbl := ratelimit.NewPolicyTable(ratelimit.Policy{Limit: defLimit, Window: time.Minute})
	return RateLimit{
		Limiter:   lim,
		Policies:  tbl,
		Resolver:  IPResolver{},
		Log:       testLogger(),
		Namespace: "t:",
		Enabled:   true,
	}
}

func TestRateLimitDenies(t *testing.T) {
	ml := ratelimit.NewMemoryLimiter(time.Minute, time.Minute)
	defer ml.Close()
	rl := newRateLimit(ml, 2)

	next := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	h := rl.Middleware(next)

	var last *httptest.ResponseRecorder
	for i := 0; i < 3; i++ {
		last = httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/api/games", nil)
		req.RemoteAddr = "198.51.100.7:1000"
		h.ServeHTTP(last, req)
	}

	if last.Code != http.StatusTooManyRequests {
		t.Fatalf("third request should be denied, got %d", last.Code)
	}
	if last.Header().Get("X-RateLimit-Limit") != "2" {
		t.Fatal("denial must still carry X-RateLimit-Limit")
	}
	if last.Header().Get("X-RateLimit-Reset") == "" {
		t.Fatal("denial must carry X-RateLimit-Reset")
	}

	var env map[string]any
	if err := json.Unmarshal(last.Body.Bytes(), &env); err != nil {
		t.Fatal(err)
	}
	if env["error"] != "RATE_LIMIT_EXCEEDED" {
		t.Fatalf("envelope error %v", env["error"])
	}
}

func TestRateLimitFailsOpenOnStoreError(t *testing.T) {
	rl := newRateLimit(errLimiter{err: errors.New("redis down")}, 1)

	called := false
	h := rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	}))

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/games", nil)
	req.RemoteAddr = "198.51.100.7:1000"
	h.ServeHTTP(w, req)

	if !called || w.Code != http.StatusOK {
		t.Fatalf("store errors must fail open, got %d called=%v", w.Code, called)
	}
	if w.Header().Get("X-RateLimit-Remaining") != "1" {
		t.Fatal("fail-open decision should report the full budget")
	}
}

func TestRateLimitDisabledIsPassthrough(t *testing.T) {
	rl := newRateLimit(errLimiter{err: errors.New("never called")}, 1)
	rl.Enabled = false

	h := rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/games", nil))

	if w.Code != http.StatusOK {
		t.Fatal("disabled limiter must pass through")
	}
	if w.Header().Get("X-RateLimit-Limit") != "" {
		t.Fatal("disabled limiter must not emit headers")
	}
}

func TestRateLimitSeparateClientsSeparateBudgets(t *testing.T) {
	ml := ratelimit.NewMemoryLimiter(time.Minute, time.Minute)
	defer ml.Close()
	rl := newRateLimit(ml, 1)

	h := rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	send := func(addr string) int {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/api/games", nil)
		req.RemoteAddr = addr
		h.ServeHTTP(w, req)
		return w.Code
	}

	if send("198.51.100.7:1") != http.StatusOK {
		t.Fatal("first request allowed")
	}
	if send("198.51.100.7:2") != http.StatusTooManyRequests {
		t.Fatal("same client, different port shares the bucket")
	}
	if send("198.51.100.8:1") != http.StatusOK {
		t.Fatal("another client has its own bucket")
	}
}
