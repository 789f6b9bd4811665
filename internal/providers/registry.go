package providers

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"inferdispatch/internal/catalog"
	"inferdispatch/internal/core"
)

type entry struct {
	provider core.Provider
	// listable is set when the provider holds a global key (or needs none)
	// and can therefore list its models.
	listable bool
}

// Registry maps backends to their provider. One provider per backend; the
// first registration wins.
type Registry struct {
	mu      sync.RWMutex
	entries map[catalog.Backend]entry
	order   []catalog.Backend
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[catalog.Backend]entry)}
}

// Register adds p for backend. It reports false when the backend already
// has a provider.
func (r *Registry) Register(backend catalog.Backend, p core.Provider, listable bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[backend]; exists {
		return false
	}
	r.entries[backend] = entry{provider: p, listable: listable}
	r.order = append(r.order, backend)
	return true
}

func (r *Registry) Get(backend catalog.Backend) (core.Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[backend]
	return e.provider, ok
}

// Backends returns the registered backends in registration order.
func (r *Registry) Backends() []catalog.Backend {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]catalog.Backend, len(r.order))
	copy(out, r.order)
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// WithKey returns the provider for backend bound to apiKey. An empty key
// returns the provider as registered.
func (r *Registry) WithKey(backend catalog.Backend, apiKey string) (core.Provider, error) {
	p, ok := r.Get(backend)
	if !ok {
		return nil, core.NewError(core.KindNotFound, string(backend), fmt.Sprintf("no provider registered for backend %q", backend))
	}
	if apiKey == "" {
		return p, nil
	}
	cp, ok := p.(core.CredentialedProvider)
	if !ok {
		return p, nil
	}
	return cp.WithAPIKey(apiKey), nil
}

// Sources returns a catalog source for every provider that can list models.
func (r *Registry) Sources() []catalog.Source {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sources := make([]catalog.Source, 0, len(r.order))
	for _, b := range r.order {
		if e := r.entries[b]; e.listable {
			sources = append(sources, catalog.NewProviderSource(b, e.provider))
		}
	}
	return sources
}

// Health probes every provider concurrently. The map holds nil for
// healthy backends.
func (r *Registry) Health(ctx context.Context) map[catalog.Backend]error {
	backends := r.Backends()
	results := make([]error, len(backends))

	var g errgroup.Group
	for i, b := range backends {
		p, _ := r.Get(b)
		g.Go(func() error {
			results[i] = p.Health(ctx)
			if results[i] != nil {
				slog.Warn("provider health check failed", "backend", b, "error", results[i])
			}
			return nil
		})
	}
	_ = g.Wait()

	out := make(map[catalog.Backend]error, len(backends))
	for i, b := range backends {
		out[b] = results[i]
	}
	return out
}
