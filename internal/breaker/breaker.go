// Package breaker implements a per-service circuit breaker. Failures are
// counted within a rolling monitoring period; crossing the threshold opens
// the circuit, and after the reset timeout a single trial request decides
// whether it closes again.
package breaker

import (
	"sync"
	"time"
)

type State string

const (
	Closed   State = "closed"
	Open     State = "open"
	HalfOpen State = "half_open"
)

type Params struct {
	FailureThreshold int
	ResetTimeout     time.Duration
	MonitoringPeriod time.Duration
}

type Breaker struct {
	params Params
	now    func() time.Time

	mu             sync.Mutex
	state          State
	failures       int
	firstFailureAt time.Time
	openedAt       time.Time
	trialInFlight  bool
}

func New(p Params) *Breaker {
	if p.FailureThreshold < 1 {
		p.FailureThreshold = 5
	}
	if p.ResetTimeout <= 0 {
		p.ResetTimeout = 30 * time.Second
	}
	if p.MonitoringPeriod <= 0 {
		p.MonitoringPeriod = time.Minute
	}
	return &Breaker{params: p, state: Closed, now: time.Now}
}

// NewWithClock is New with an injectable clock for tests.
func NewWithClock(p Params, now func() time.Time) *Breaker {
	b := New(p)
	b.now = now
	return b
}

// Allow reports whether a call may proceed. In open state it returns the
// remaining wait; once the reset timeout elapses it admits exactly one
// trial and moves to half-open. Every admitted call must be followed by
// exactly one Done.
func (b *Breaker) Allow() (ok bool, retryAfter time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	switch b.state {
	case Closed:
		return true, 0

	case Open:
		if now.Sub(b.openedAt) >= b.params.ResetTimeout {
			b.state = HalfOpen
			b.trialInFlight = true
			return true, 0
		}
		return false, b.params.ResetTimeout - now.Sub(b.openedAt)

	case HalfOpen:
		if b.trialInFlight {
			return false, time.Second
		}
		b.trialInFlight = true
		return true, 0
	}
	return true, 0
}

// Done records the outcome of an admitted call. One request counts as one
// event regardless of how many retries it took.
func (b *Breaker) Done(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	if b.state == HalfOpen {
		b.trialInFlight = false
		if success {
			b.reset()
			return
		}
		b.state = Open
		b.openedAt = now
		b.failures = b.params.FailureThreshold
		return
	}

	if success {
		if b.state == Open {
			b.state = Closed
		}
		b.reset()
		return
	}

	if b.firstFailureAt.IsZero() || now.Sub(b.firstFailureAt) > b.params.MonitoringPeriod {
		b.failures = 0
		b.firstFailureAt = now
	}
	b.failures++
	if b.failures >= b.params.FailureThreshold {
		b.state = Open
		b.openedAt = now
	}
}

func (b *Breaker) reset() {
	b.state = Closed
	b.failures = 0
	b.firstFailureAt = time.Time{}
}

type Stats struct {
	State         State     `json:"state"`
	Failures      int       `json:"failures"`
	OpenedAt      time.Time `json:"opened_at,omitempty"`
	RetryAfterSec int       `json:"retry_after_seconds"`
}

func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	retry := 0
	if b.state == Open {
		rem := b.params.ResetTimeout - b.now().Sub(b.openedAt)
		if rem > 0 {
			retry = int((rem + 999*time.Millisecond) / time.Second)
		}
	}
	return Stats{
		State:         b.state,
		Failures:      b.failures,
		OpenedAt:      b.openedAt,
		RetryAfterSec: retry,
	}
}

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Registry maps service names to breakers. Built at startup, read-only
// thereafter.
type Registry struct {
	byName map[string]*Breaker
}

func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]*Breaker)}
}

func (r *Registry) Register(name string, p Params) *Breaker {
	b := New(p)
	r.byName[name] = b
	return b
}

func (r *Registry) Get(name string) *Breaker {
	return r.byName[name]
}

func (r *Registry) Snapshot() map[string]Stats {
	out := make(map[string]Stats, len(r.byName))
	for name, b := range r.byName {
		out[name] = b.Stats()
	}
	return out
}
