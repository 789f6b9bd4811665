// Package keys resolves the upstream API key for a call: the user's own key
// when they stored an enabled one, else the shared key from configuration.
package keys

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"

	"inferdispatch/internal/core"
)

// UserKey is one user's stored key for one backend.
type UserKey struct {
	Key     string `json:"key"`
	Enabled bool   `json:"enabled"`
}

// Store is the per-user key-value record owned by the settings service.
type Store interface {
	// UserKey returns the user's key for backend; ok is false when none is
	// stored.
	UserKey(ctx context.Context, userID, backend string) (key UserKey, ok bool, err error)
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu   sync.RWMutex
	keys map[string]UserKey
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{keys: make(map[string]UserKey)}
}

func (s *MemoryStore) Put(userID, backend string, key UserKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[cacheKey(userID, backend)] = key
}

func (s *MemoryStore) Delete(userID, backend string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.keys, cacheKey(userID, backend))
}

func (s *MemoryStore) UserKey(_ context.Context, userID, backend string) (UserKey, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	k, ok := s.keys[cacheKey(userID, backend)]
	return k, ok, nil
}

// Source says where a resolved key came from.
type Source string

const (
	SourceUser   Source = "user"
	SourceGlobal Source = "global"
	// SourceNone marks backends that need no key (local servers).
	SourceNone Source = "none"
)

// Resolved is a key ready for use.
type Resolved struct {
	Key    string
	Source Source
}

const (
	DefaultCacheTTL  = 5 * time.Minute
	DefaultCacheSize = 1024
)

// Options configures a Resolver.
type Options struct {
	// Global maps backend name to the shared key.
	Global map[string]string
	// Keyless lists backends that work without a key.
	Keyless []string
	// CacheTTL bounds how long a user lookup is reused.
	CacheTTL  time.Duration
	CacheSize int
}

type lookup struct {
	key UserKey
	ok  bool
}

// Resolver is safe for concurrent use.
type Resolver struct {
	store   Store
	global  map[string]string
	keyless map[string]bool
	cache   *expirable.LRU[string, lookup]
	group   singleflight.Group
}

// NewResolver creates a resolver. store may be nil when users cannot bring
// their own keys.
func NewResolver(store Store, opts Options) *Resolver {
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = DefaultCacheTTL
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = DefaultCacheSize
	}
	r := &Resolver{
		store:   store,
		global:  make(map[string]string, len(opts.Global)),
		keyless: make(map[string]bool, len(opts.Keyless)),
		cache:   expirable.NewLRU[string, lookup](opts.CacheSize, nil, opts.CacheTTL),
	}
	for b, k := range opts.Global {
		r.global[b] = k
	}
	for _, b := range opts.Keyless {
		r.keyless[b] = true
	}
	return r
}

// Resolve returns the key to call backend with on behalf of userID. Store
// failures fall back to the shared key. With no usable key it returns an
// auth error.
func (r *Resolver) Resolve(ctx context.Context, userID, backend string) (Resolved, error) {
	if uk, ok := r.userKey(ctx, userID, backend); ok && uk.Enabled && uk.Key != "" {
		return Resolved{Key: uk.Key, Source: SourceUser}, nil
	}
	if k := r.global[backend]; k != "" {
		return Resolved{Key: k, Source: SourceGlobal}, nil
	}
	if r.keyless[backend] {
		return Resolved{Source: SourceNone}, nil
	}
	return Resolved{}, core.NewError(core.KindAuth, backend, "no API key configured for "+backend)
}

// Writer is a Store that accepts updates.
type Writer interface {
	Put(userID, backend string, key UserKey)
	Delete(userID, backend string)
}

// Put stores a user's key and drops the cached lookup. It fails with
// invalid_request when the store is read-only.
func (r *Resolver) Put(userID, backend string, key UserKey) error {
	w, ok := r.store.(Writer)
	if !ok {
		return core.NewError(core.KindInvalidRequest, backend, "user keys are read-only")
	}
	w.Put(userID, backend, key)
	r.Invalidate(userID, backend)
	return nil
}

// Delete removes a user's key and drops the cached lookup.
func (r *Resolver) Delete(userID, backend string) error {
	w, ok := r.store.(Writer)
	if !ok {
		return core.NewError(core.KindInvalidRequest, backend, "user keys are read-only")
	}
	w.Delete(userID, backend)
	r.Invalidate(userID, backend)
	return nil
}

// Invalidate drops the cached lookup, e.g. after the user edits their key.
func (r *Resolver) Invalidate(userID, backend string) {
	r.cache.Remove(cacheKey(userID, backend))
}

func (r *Resolver) userKey(ctx context.Context, userID, backend string) (UserKey, bool) {
	if r.store == nil || userID == "" {
		return UserKey{}, false
	}
	ck := cacheKey(userID, backend)
	if l, ok := r.cache.Get(ck); ok {
		return l.key, l.ok
	}

	v, err, _ := r.group.Do(ck, func() (any, error) {
		k, ok, err := r.store.UserKey(ctx, userID, backend)
		if err != nil {
			return lookup{}, err
		}
		l := lookup{key: k, ok: ok}
		r.cache.Add(ck, l)
		return l, nil
	})
	if err != nil {
		slog.Warn("user key lookup failed, using shared key", "backend", backend, "error", err)
		return UserKey{}, false
	}
	l := v.(lookup)
	return l.key, l.ok
}

func cacheKey(userID, backend string) string {
	return userID + "\x00" + backend
}
