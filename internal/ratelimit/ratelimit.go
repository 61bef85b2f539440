// Package ratelimit implements per-client admission control backed by a
// shared store. The Redis limiter keeps an exact sliding log of request
// timestamps; the memory limiter is a token-bucket approximation for
// redis-less runs.
package ratelimit

import (
	"context"
	"strings"
	"time"
)

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
	Window    time.Duration
}

type Limiter interface {
	// Allow records one request against key and reports whether it is
	// admitted under limit requests per window.
	Allow(ctx context.Context, key string, limit int, window time.Duration) (Decision, error)
	Close() error
}

// Policy is a resolved limit for one bucket.
type Policy struct {
	Limit  int
	Window time.Duration
}

type tier struct {
	prefix   string
	wildcard bool
	policy   Policy
}

// PolicyTable resolves a route prefix to its rate-limit tier. Tiers are
// matched most-specific (longest prefix) first; a trailing '*' matches any
// prefix with that stem, a bare name matches exactly.
type PolicyTable struct {
	tiers []tier
	def   Policy
}

func NewPolicyTable(def Policy) *PolicyTable {
	return &PolicyTable{def: def}
}

func (t *PolicyTable) Add(pattern string, p Policy) {
	wc := strings.HasSuffix(pattern, "*")
	stem := strings.TrimSuffix(pattern, "*")
	t.tiers = append(t.tiers, tier{prefix: stem, wildcard: wc, policy: p})
	// longest stem first so "games-admin" beats "games*"
	for i := len(t.tiers) - 1; i > 0; i-- {
		if len(t.tiers[i].prefix) > len(t.tiers[i-1].prefix) {
			t.tiers[i], t.tiers[i-1] = t.tiers[i-1], t.tiers[i]
		}
	}
}

func (t *PolicyTable) Resolve(routePrefix string) Policy {
	for _, tr := range t.tiers {
		if tr.wildcard {
			if strings.HasPrefix(routePrefix, tr.prefix) {
				return tr.policy
			}
		} else if routePrefix == tr.prefix {
			return tr.policy
		}
	}
	return t.def
}

// BucketKey builds the shared-store key for one (ip, method, prefix)
// bucket under the configured namespace.
func BucketKey(namespace, ip, method, prefix string) string {
	return namespace + "ratelimit:" + ip + ":" + method + ":" + prefix
}
