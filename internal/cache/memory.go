package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/maypok86/otter/v2"
)

type memItem struct {
	entry     *Entry
	expiresAt time.Time
}

// MemoryStore is an in-process W-TinyLFU cache used when Redis is
// unavailable or disabled. Entries carry their own expiration since TTLs
// vary per call.
type MemoryStore struct {
	c *otter.Cache[string, memItem]
}

func NewMemoryStore(maxItems int, defaultTTL time.Duration) (*MemoryStore, error) {
	c, err := otter.New[string, memItem](&otter.Options[string, memItem]{
		MaximumSize:      maxItems,
		ExpiryCalculator: otter.ExpiryWriting[string, memItem](defaultTTL),
	})
	if err != nil {
		return nil, fmt.Errorf("create memory cache: %w", err)
	}
	return &MemoryStore{c: c}, nil
}

func (s *MemoryStore) Get(_ context.Context, key string) (*Entry, bool, error) {
	it, ok := s.c.GetIfPresent(key)
	if !ok {
		return nil, false, nil
	}
	if time.Now().After(it.expiresAt) {
		s.c.Invalidate(key)
		return nil, false, nil
	}
	return it.entry, true, nil
}

func (s *MemoryStore) Set(_ context.Context, key string, e *Entry, ttl time.Duration) error {
	s.c.Set(key, memItem{entry: e, expiresAt: time.Now().Add(ttl)})
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.c.Invalidate(key)
	return nil
}

func (s *MemoryStore) Close() error { return nil }
