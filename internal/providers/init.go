package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"inferdispatch/config"
	"inferdispatch/internal/cache"
	"inferdispatch/internal/catalog"
)

// InitResult holds the provider infrastructure. Close it on shutdown.
type InitResult struct {
	Registry *Registry
	Catalog  *catalog.Catalog
	Snapshot cache.Cache
	// GlobalKeys maps each registered backend to its configured key.
	GlobalKeys map[string]string

	stopRefresh func()
}

// Close stops background refresh and releases the snapshot cache. Safe to
// call more than once.
func (r *InitResult) Close() error {
	if r.stopRefresh != nil {
		r.stopRefresh()
		r.stopRefresh = nil
	}
	if r.Snapshot != nil {
		err := r.Snapshot.Close()
		r.Snapshot = nil
		return err
	}
	return nil
}

// Init creates the configured providers, then a catalog over their model
// lists and any configured catalog documents. The catalog starts from the
// persisted snapshot when there is one and refreshes in the background.
func Init(ctx context.Context, cfg *config.Config, factory *ProviderFactory) (*InitResult, error) {
	if factory == nil {
		return nil, errors.New("provider factory is required")
	}

	snapshot, err := initSnapshot(cfg.Catalog)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize catalog snapshot: %w", err)
	}
	closeSnapshot := func() {
		if snapshot != nil {
			_ = snapshot.Close()
		}
	}

	registry := NewRegistry()
	globalKeys := make(map[string]string)
	if registerProviders(cfg, factory, registry, globalKeys) == 0 {
		closeSnapshot()
		return nil, errors.New("no providers were successfully initialized")
	}

	sources := registry.Sources()
	docs, err := documentSources(cfg.Catalog.Documents)
	if err != nil {
		closeSnapshot()
		return nil, err
	}
	sources = append(sources, docs...)

	cat := catalog.New(sources, catalog.Options{
		MaxAge:         config.Seconds(cfg.Catalog.MaxAge),
		RefreshTimeout: config.Seconds(cfg.Catalog.RefreshTimeout),
		Snapshot:       snapshot,
	})

	n, err := cat.LoadSnapshot(ctx)
	if err != nil {
		slog.Warn("failed to load catalog snapshot", "error", err)
	}
	slog.Info("model catalog configured", "cached_models", n, "providers", registry.Len(), "sources", len(sources))

	go func() {
		refreshCtx, cancel := context.WithTimeout(context.Background(), config.Seconds(cfg.Catalog.RefreshTimeout))
		defer cancel()
		if err := cat.Refresh(refreshCtx); err != nil {
			slog.Warn("initial catalog refresh failed", "error", err)
		}
	}()

	interval := config.Seconds(cfg.Catalog.RefreshInterval)
	if interval <= 0 {
		interval = 30 * time.Minute
	}

	return &InitResult{
		Registry:    registry,
		Catalog:     cat,
		Snapshot:    snapshot,
		GlobalKeys:  globalKeys,
		stopRefresh: cat.StartBackgroundRefresh(interval),
	}, nil
}

func initSnapshot(cfg config.CatalogConfig) (cache.Cache, error) {
	switch cfg.Snapshot {
	case "none":
		return nil, nil
	case "redis":
		c, err := cache.NewRedisCache(cache.RedisConfig{
			URL: cfg.Redis.URL,
			Key: cfg.Redis.Key,
			TTL: config.Seconds(cfg.Redis.TTL),
		})
		if err != nil {
			return nil, err
		}
		slog.Info("using redis catalog snapshot", "key", cfg.Redis.Key)
		return c, nil
	default:
		path := cfg.SnapshotPath
		if dir := os.Getenv("DISPATCH_CACHE_DIR"); dir != "" {
			path = filepath.Join(dir, filepath.Base(path))
		}
		slog.Info("using local catalog snapshot", "path", path)
		return cache.NewFileCache(path), nil
	}
}

// registerProviders creates providers in name order and returns how many
// were registered. Global keys of registered backends are added to keys.
func registerProviders(cfg *config.Config, factory *ProviderFactory, registry *Registry, keys map[string]string) int {
	resolved := resolveProviders(cfg.Providers)
	names := make([]string, 0, len(resolved))
	for name := range resolved {
		names = append(names, name)
	}
	sort.Strings(names)

	count := 0
	for _, name := range names {
		pCfg := resolved[name]
		backend, ok := catalog.ParseBackend(pCfg.Type)
		if !ok {
			slog.Error("unsupported provider type", "name", name, "type", pCfg.Type)
			continue
		}
		p, err := factory.Create(pCfg)
		if err != nil {
			slog.Error("failed to initialize provider", "name", name, "type", pCfg.Type, "error", err)
			continue
		}
		listable := pCfg.APIKey != "" || backend == catalog.BackendOllama
		if !registry.Register(backend, p, listable) {
			slog.Warn("backend already has a provider, skipping", "name", name, "backend", backend)
			continue
		}
		if pCfg.APIKey != "" {
			keys[string(backend)] = pCfg.APIKey
		}
		count++
		slog.Info("provider initialized", "name", name, "backend", backend, "global_key", pCfg.APIKey != "")
	}
	return count
}

// documentSources reads catalog documents: JSON arrays of descriptors.
func documentSources(paths []string) ([]catalog.Source, error) {
	sources := make([]catalog.Source, 0, len(paths))
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read catalog document %s: %w", path, err)
		}
		var descriptors []json.RawMessage
		if err := json.Unmarshal(data, &descriptors); err != nil {
			return nil, fmt.Errorf("failed to parse catalog document %s: %w", path, err)
		}
		sources = append(sources, catalog.NewStaticSource(filepath.Base(path), descriptors))
	}
	return sources, nil
}
