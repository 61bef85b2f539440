package cache

import (
	"context"
	"net/http"
	"net/url"
	"testing"
	"time"
)

func TestFingerprintDeterministic(t *testing.T) {
	q := url.Values{"page": {"2"}, "sort": {"name"}}
	a := Fingerprint(http.MethodGet, "/games", q, "")
	b := Fingerprint(http.MethodGet, "/games", q, "")
	if a != b {
		t.Fatal("same request must produce the same fingerprint")
	}
}

func TestFingerprintQueryOrderIndependent(t *testing.T) {
	q1, _ := url.ParseQuery("a=1&b=2")
	q2, _ := url.ParseQuery("b=2&a=1")
	if Fingerprint(http.MethodGet, "/games", q1, "") != Fingerprint(http.MethodGet, "/games", q2, "") {
		t.Fatal("query parameter order must not change the fingerprint")
	}
}

func TestFingerprintVariesByRequest(t *testing.T) {
	q := url.Values{}
	base := Fingerprint(http.MethodGet, "/games", q, "")

	if Fingerprint(http.MethodHead, "/games", q, "") == base {
		t.Fatal("method must be part of the fingerprint")
	}
	if Fingerprint(http.MethodGet, "/games/1", q, "") == base {
		t.Fatal("path must be part of the fingerprint")
	}
	if Fingerprint(http.MethodGet, "/games", url.Values{"x": {"1"}}, "") == base {
		t.Fatal("query must be part of the fingerprint")
	}
}

func TestFingerprintSeparatesCredentials(t *testing.T) {
	q := url.Values{}
	anon := Fingerprint(http.MethodGet, "/library", q, "")
	alice := Fingerprint(http.MethodGet, "/library", q, "Bearer token-alice")
	bob := Fingerprint(http.MethodGet, "/library", q, "Bearer token-bob")

	if anon == alice || alice == bob {
		t.Fatal("different credentials must not share a cache entry")
	}
	// The raw token must not be recoverable from the key.
	if len(alice) != 64 {
		t.Fatalf("fingerprint should be a sha-256 hex digest, got %d chars", len(alice))
	}
}

func TestKey(t *testing.T) {
	if got := Key("apigw:", "abc"); got != "apigw:cache:abc" {
		t.Fatalf("got %q", got)
	}
}

func TestCacheable(t *testing.T) {
	for _, s := range []int{200, 201, 204, 299} {
		if !Cacheable(s) {
			t.Errorf("%d should be cacheable", s)
		}
	}
	for _, s := range []int{199, 301, 304, 404, 500} {
		if Cacheable(s) {
			t.Errorf("%d should not be cacheable", s)
		}
	}
}

func TestMemoryStoreRoundTrip(t *testing.T) {
	s, err := NewMemoryStore(128, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	ctx := context.Background()
	in := &Entry{
		Status:   200,
		Header:   http.Header{"Content-Type": {"application/json"}},
		Body:     []byte(`{"ok":true}`),
		StoredAt: time.Now(),
	}
	if err := s.Set(ctx, "k", in, time.Minute); err != nil {
		t.Fatal(err)
	}

	out, hit, err := s.Get(ctx, "k")
	if err != nil || !hit {
		t.Fatalf("expected hit, got hit=%v err=%v", hit, err)
	}
	if out.Status != 200 || string(out.Body) != `{"ok":true}` {
		t.Fatalf("entry mutated in store: %+v", out)
	}
	if out.Header.Get("Content-Type") != "application/json" {
		t.Fatal("headers not preserved")
	}
}

func TestMemoryStoreMissAndDelete(t *testing.T) {
	s, err := NewMemoryStore(128, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	ctx := context.Background()
	if _, hit, err := s.Get(ctx, "absent"); hit || err != nil {
		t.Fatalf("expected clean miss, got hit=%v err=%v", hit, err)
	}

	_ = s.Set(ctx, "k", &Entry{Status: 200}, time.Minute)
	if err := s.Delete(ctx, "k"); err != nil {
		t.Fatal(err)
	}
	if _, hit, _ := s.Get(ctx, "k"); hit {
		t.Fatal("deleted entry must not be served")
	}
}

func TestMemoryStoreExpiry(t *testing.T) {
	s, err := NewMemoryStore(128, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	ctx := context.Background()
	_ = s.Set(ctx, "k", &Entry{Status: 200}, 10*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	if _, hit, _ := s.Get(ctx, "k"); hit {
		t.Fatal("expired entry must be a miss")
	}
}
