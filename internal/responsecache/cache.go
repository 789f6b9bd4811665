// Package responsecache memoizes completed answers keyed by model and
// conversation content, with TTL expiry and a bounded size.
package responsecache

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"inferdispatch/internal/core"
)

// Defaults applied by New for zero options.
const (
	DefaultTTL       = time.Hour
	DefaultMaxSize   = 500
	DefaultMinLength = 10
)

// Entry is one memoized answer.
type Entry struct {
	Text       string    `json:"text"`
	CreatedAt  time.Time `json:"created_at"`
	ModelID    string    `json:"model_id"`
	TokenCount int       `json:"token_count"`
}

// Status describes how a lookup was resolved.
type Status string

const (
	StatusHit      Status = "hit"
	StatusMiss     Status = "miss"
	StatusExpired  Status = "expired"
	StatusDegraded Status = "degraded" // store failed, treated as a miss
)

// Lookup is the result of Get.
type Lookup struct {
	Entry  Entry
	Status Status
}

// Hit reports whether the lookup produced a usable entry.
func (l Lookup) Hit() bool {
	return l.Status == StatusHit
}

// Store is a backend for cache entries. Implementations must be safe for
// concurrent use and bound their own size.
type Store interface {
	Get(ctx context.Context, key string) (Entry, bool, error)
	Set(ctx context.Context, key string, entry Entry) error
	Delete(ctx context.Context, key string) error
	// Keys lists resident keys, oldest first.
	Keys(ctx context.Context) ([]string, error)
	Len(ctx context.Context) (int, error)
	Close() error
}

// Options configures a Cache.
type Options struct {
	TTL       time.Duration
	MinLength int
}

// Cache applies TTL and minimum-length policy on top of a Store.
// A nil *Cache behaves as an always-empty cache.
type Cache struct {
	store     Store
	ttl       time.Duration
	minLength int
	now       func() time.Time
}

// New creates a cache over store.
func New(store Store, opts Options) *Cache {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.MinLength <= 0 {
		opts.MinLength = DefaultMinLength
	}
	return &Cache{
		store:     store,
		ttl:       opts.TTL,
		minLength: opts.MinLength,
		now:       time.Now,
	}
}

// Key derives the cache key for a conversation sent to model. The hash
// covers the model id and every role/content pair in order.
func Key(model string, messages []core.Message) string {
	d := xxhash.New()
	_, _ = d.WriteString(model)
	_, _ = d.Write([]byte{0})
	for _, m := range messages {
		_, _ = d.WriteString(m.Role)
		_, _ = d.Write([]byte{0x1f})
		_, _ = d.WriteString(m.Content)
		_, _ = d.Write([]byte{0x1e})
	}
	return model + ":" + strconv.FormatUint(d.Sum64(), 36)
}

// Get returns the cached answer for messages sent to model.
func (c *Cache) Get(ctx context.Context, messages []core.Message, model string) Lookup {
	if c == nil || c.store == nil {
		return Lookup{Status: StatusMiss}
	}

	key := Key(model, messages)
	entry, ok, err := c.store.Get(ctx, key)
	if err != nil {
		slog.Warn("response cache read failed", "error", err, "model", model)
		return Lookup{Status: StatusDegraded}
	}
	if !ok {
		return Lookup{Status: StatusMiss}
	}
	if c.expired(entry) {
		if err := c.store.Delete(ctx, key); err != nil {
			slog.Warn("response cache evict failed", "error", err, "model", model)
		}
		return Lookup{Status: StatusExpired}
	}
	return Lookup{Entry: entry, Status: StatusHit}
}

// Set stores a completed answer. Answers shorter than the minimum length are
// ignored. It reports whether the entry was stored.
func (c *Cache) Set(ctx context.Context, messages []core.Message, model, text string, tokenCount int) bool {
	if c == nil || c.store == nil {
		return false
	}
	if len(text) < c.minLength {
		return false
	}

	entry := Entry{
		Text:       text,
		CreatedAt:  c.now(),
		ModelID:    model,
		TokenCount: tokenCount,
	}
	if err := c.store.Set(ctx, Key(model, messages), entry); err != nil {
		slog.Warn("response cache write failed", "error", err, "model", model)
		return false
	}
	return true
}

// Len returns the number of resident entries, or 0 when the store fails.
func (c *Cache) Len(ctx context.Context) int {
	if c == nil || c.store == nil {
		return 0
	}
	n, err := c.store.Len(ctx)
	if err != nil {
		return 0
	}
	return n
}

// Cleanup removes expired entries and returns how many were dropped.
func (c *Cache) Cleanup(ctx context.Context) int {
	if c == nil || c.store == nil {
		return 0
	}
	keys, err := c.store.Keys(ctx)
	if err != nil {
		slog.Warn("response cache cleanup failed", "error", err)
		return 0
	}

	removed := 0
	for _, key := range keys {
		entry, ok, err := c.store.Get(ctx, key)
		if err != nil {
			continue
		}
		if !ok || c.expired(entry) {
			if err := c.store.Delete(ctx, key); err == nil && ok {
				removed++
			}
		}
	}
	if removed > 0 {
		slog.Debug("response cache cleanup", "removed", removed)
	}
	return removed
}

// StartCleanup runs Cleanup every interval until the returned func is called.
func (c *Cache) StartCleanup(interval time.Duration) func() {
	done := make(chan struct{})
	if c == nil || interval <= 0 {
		return func() {}
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), interval)
				c.Cleanup(ctx)
				cancel()
			case <-done:
				return
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() { close(done) })
	}
}

// Close releases the underlying store.
func (c *Cache) Close() error {
	if c == nil || c.store == nil {
		return nil
	}
	return c.store.Close()
}

func (c *Cache) expired(e Entry) bool {
	return c.now().Sub(e.CreatedAt) > c.ttl
}
