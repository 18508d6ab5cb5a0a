package cache

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// MemoryStore keeps entries in process. Entries are lost on restart and not
// shared between workers.
type MemoryStore struct {
	items *gocache.Cache
}

// NewMemoryStore creates a store that purges expired entries every
// cleanupInterval.
func NewMemoryStore(cleanupInterval time.Duration) *MemoryStore {
	if cleanupInterval <= 0 {
		cleanupInterval = 10 * time.Minute
	}
	return &MemoryStore{items: gocache.New(DefaultTTL, cleanupInterval)}
}

func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	v, ok := s.items.Get(key)
	if !ok {
		return nil, false, nil
	}
	data, ok := v.([]byte)
	return data, ok, nil
}

func (s *MemoryStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	s.items.Set(key, value, ttl)
	return nil
}

// Touch re-sets the entry, since go-cache has no in-place expiry update.
func (s *MemoryStore) Touch(_ context.Context, key string, ttl time.Duration) error {
	if v, ok := s.items.Get(key); ok {
		s.items.Set(key, v, ttl)
	}
	return nil
}

// Len reports the number of stored entries, expired ones included until the
// next cleanup.
func (s *MemoryStore) Len() int {
	return s.items.ItemCount()
}
