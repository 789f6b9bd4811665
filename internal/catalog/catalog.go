// Package catalog normalizes heterogeneous model descriptors and keeps a
// refreshing, process-wide list of available models.
package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"inferdispatch/internal/cache"
	"inferdispatch/internal/observability"
)

const (
	DefaultMaxAge         = 10 * time.Minute
	DefaultRefreshTimeout = 15 * time.Second

	maxConcurrentFetches = 4
)

// Options configures a Catalog.
type Options struct {
	// MaxAge is how old the current list may get before a read triggers a
	// background refresh.
	MaxAge time.Duration
	// RefreshTimeout bounds refreshes the catalog starts on its own.
	RefreshTimeout time.Duration
	// Snapshot persists raw descriptors across restarts. Optional.
	Snapshot cache.Cache
}

// Catalog serves the normalized model list with stale-while-revalidate
// semantics. It is safe for concurrent use.
type Catalog struct {
	sources []Source
	opts    Options
	now     func() time.Time

	mu       sync.RWMutex
	models   []ModelEntry
	byID     map[string]ModelEntry
	raw      map[string][]json.RawMessage
	loadedAt time.Time

	group      singleflight.Group
	refreshing atomic.Bool
}

// New creates a catalog over sources. Earlier sources win when two sources
// list the same model id.
func New(sources []Source, opts Options) *Catalog {
	if opts.MaxAge <= 0 {
		opts.MaxAge = DefaultMaxAge
	}
	if opts.RefreshTimeout <= 0 {
		opts.RefreshTimeout = DefaultRefreshTimeout
	}
	return &Catalog{
		sources: sources,
		opts:    opts,
		now:     time.Now,
		byID:    make(map[string]ModelEntry),
	}
}

// Models returns the current list. An empty catalog refreshes synchronously
// first; a stale one is returned as is while a refresh runs in the
// background. The returned slice must not be modified.
func (c *Catalog) Models(ctx context.Context) []ModelEntry {
	c.mu.RLock()
	models, loadedAt := c.models, c.loadedAt
	c.mu.RUnlock()

	if loadedAt.IsZero() {
		rctx, cancel := context.WithTimeout(ctx, c.opts.RefreshTimeout)
		defer cancel()
		if err := c.Refresh(rctx); err != nil {
			slog.Warn("model catalog unavailable", "error", err)
		}
		c.mu.RLock()
		defer c.mu.RUnlock()
		return c.models
	}

	if c.now().Sub(loadedAt) > c.opts.MaxAge {
		c.refreshInBackground()
	}
	return models
}

// Lookup returns the entry with the given id from the current list.
func (c *Catalog) Lookup(id string) (ModelEntry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.byID[id]
	return e, ok
}

// Len returns the number of models currently loaded.
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.models)
}

// LoadedAt returns when the current list was fetched; zero when empty.
func (c *Catalog) LoadedAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.loadedAt
}

// Refresh fetches every source concurrently and replaces the list. Sources
// that fail keep their previous descriptors. Concurrent calls share one
// fetch. An error is returned only when every source failed.
func (c *Catalog) Refresh(ctx context.Context) error {
	_, err, _ := c.group.Do("refresh", func() (any, error) {
		return nil, c.refresh(ctx)
	})
	return err
}

func (c *Catalog) refresh(ctx context.Context) error {
	if len(c.sources) == 0 {
		return errors.New("no catalog sources configured")
	}

	results := make([][]json.RawMessage, len(c.sources))
	errs := make([]error, len(c.sources))

	var g errgroup.Group
	g.SetLimit(maxConcurrentFetches)
	for i, src := range c.sources {
		g.Go(func() error {
			results[i], errs[i] = src.Descriptors(ctx)
			return nil
		})
	}
	_ = g.Wait()

	raw := make(map[string][]json.RawMessage, len(c.sources))
	var failed []error
	for i, src := range c.sources {
		if errs[i] != nil {
			slog.Warn("catalog source failed", "source", src.Name(), "error", errs[i])
			failed = append(failed, fmt.Errorf("%s: %w", src.Name(), errs[i]))
			continue
		}
		raw[src.Name()] = results[i]
	}
	if len(failed) == len(c.sources) {
		return fmt.Errorf("catalog refresh failed for every source: %w", errors.Join(failed...))
	}

	c.mu.RLock()
	for name, d := range c.raw {
		if _, ok := raw[name]; !ok {
			raw[name] = d
		}
	}
	c.mu.RUnlock()

	at := c.now()
	n := c.install(raw, at)

	if c.opts.Snapshot != nil {
		snap := &cache.Snapshot{Version: cache.SnapshotVersion, UpdatedAt: at.UTC(), Sources: raw}
		if err := c.opts.Snapshot.Set(ctx, snap); err != nil {
			slog.Warn("failed to save catalog snapshot", "error", err)
		}
	}

	slog.Info("model catalog refreshed",
		"models", n,
		"sources", len(c.sources),
		"failed_sources", len(failed),
	)
	return nil
}

// LoadSnapshot restores the list from the snapshot cache. The snapshot's
// own timestamp is kept, so an old snapshot is served while the first read
// refreshes it.
func (c *Catalog) LoadSnapshot(ctx context.Context) (int, error) {
	if c.opts.Snapshot == nil {
		return 0, nil
	}
	snap, err := c.opts.Snapshot.Get(ctx)
	if err != nil {
		return 0, fmt.Errorf("load catalog snapshot: %w", err)
	}
	if snap == nil || snap.Len() == 0 {
		return 0, nil
	}

	at := snap.UpdatedAt
	if at.IsZero() {
		at = time.Unix(1, 0)
	}
	n := c.install(snap.Sources, at)
	slog.Info("loaded model catalog snapshot", "models", n, "updated_at", snap.UpdatedAt)
	return n, nil
}

// StartBackgroundRefresh refreshes on every tick until the returned function
// is called.
func (c *Catalog) StartBackgroundRefresh(interval time.Duration) func() {
	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				rctx, rcancel := context.WithTimeout(ctx, c.opts.RefreshTimeout)
				if err := c.Refresh(rctx); err != nil {
					slog.Warn("background catalog refresh failed", "error", err)
				}
				rcancel()
			}
		}
	}()

	return cancel
}

func (c *Catalog) refreshInBackground() {
	if !c.refreshing.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer c.refreshing.Store(false)
		ctx, cancel := context.WithTimeout(context.Background(), c.opts.RefreshTimeout)
		defer cancel()
		if err := c.Refresh(ctx); err != nil {
			slog.Warn("stale catalog refresh failed", "error", err)
		}
	}()
}

// install normalizes raw in source order and swaps the list in.
func (c *Catalog) install(raw map[string][]json.RawMessage, at time.Time) int {
	hints := make(map[string]Backend, len(c.sources))
	order := make([]string, 0, len(raw))
	known := make(map[string]bool, len(c.sources))
	for _, src := range c.sources {
		if bs, ok := src.(BackendSource); ok {
			hints[src.Name()] = bs.Backend()
		}
		if _, ok := raw[src.Name()]; ok {
			order = append(order, src.Name())
			known[src.Name()] = true
		}
	}
	var rest []string
	for name := range raw {
		if !known[name] {
			rest = append(rest, name)
		}
	}
	sort.Strings(rest)
	order = append(order, rest...)

	seen := make(map[string]struct{})
	var models []ModelEntry
	for _, name := range order {
		models = append(models, normalize(raw[name], hints[name], seen)...)
	}
	byID := make(map[string]ModelEntry, len(models))
	for _, m := range models {
		byID[m.ID] = m
	}

	c.mu.Lock()
	c.models = models
	c.byID = byID
	c.raw = raw
	c.loadedAt = at
	c.mu.Unlock()
	observability.CatalogModels.Set(float64(len(models)))
	return len(models)
}
