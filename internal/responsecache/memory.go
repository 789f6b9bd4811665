package responsecache

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// MemoryStore is an in-process LRU store. Reads refresh recency, so the
// entry evicted at capacity is the least recently used one.
type MemoryStore struct {
	lru *expirable.LRU[string, Entry]
}

// NewMemoryStore creates a store holding at most maxSize entries. ttl is a
// backstop expiry; the Cache applies its own TTL on every read.
func NewMemoryStore(maxSize int, ttl time.Duration) *MemoryStore {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	return &MemoryStore{lru: expirable.NewLRU[string, Entry](maxSize, nil, ttl)}
}

func (s *MemoryStore) Get(_ context.Context, key string) (Entry, bool, error) {
	e, ok := s.lru.Get(key)
	return e, ok, nil
}

func (s *MemoryStore) Set(_ context.Context, key string, entry Entry) error {
	s.lru.Add(key, entry)
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.lru.Remove(key)
	return nil
}

func (s *MemoryStore) Keys(_ context.Context) ([]string, error) {
	return s.lru.Keys(), nil
}

func (s *MemoryStore) Len(_ context.Context) (int, error) {
	return s.lru.Len(), nil
}

func (s *MemoryStore) Close() error {
	s.lru.Purge()
	return nil
}
