// Package providers builds the upstream provider clients from configuration
// and keeps them in a backend-keyed registry.
package providers

import (
	"fmt"
	"net/http"
	"sort"
	"sync"

	"inferdispatch/internal/core"
	"inferdispatch/internal/pkg/llmclient"
	"inferdispatch/internal/ratelimit"
)

// ProviderOptions carries the shared transport settings into a constructor.
type ProviderOptions struct {
	Retry          ratelimit.Policy
	CircuitBreaker *llmclient.CircuitBreakerConfig

	// HTTPClient and StreamClient override the pooled defaults when set.
	HTTPClient   *http.Client
	StreamClient *http.Client
}

// NewClient builds the llmclient for a provider with these options.
func (o ProviderOptions) NewClient(name, baseURL string, headers llmclient.HeaderSetter) *llmclient.Client {
	cfg := llmclient.DefaultConfig(name, baseURL)
	cfg.Retry = o.Retry
	cfg.CircuitBreaker = o.CircuitBreaker
	if o.HTTPClient == nil {
		return llmclient.New(cfg, headers)
	}
	return llmclient.NewWithHTTPClient(o.HTTPClient, o.StreamClient, cfg, headers)
}

// Registration ties a provider type to its constructor. Provider packages
// export one and the application adds it to the factory.
type Registration struct {
	Type string
	New  func(apiKey string, opts ProviderOptions) core.Provider
}

// ProviderFactory creates providers by type.
type ProviderFactory struct {
	mu            sync.RWMutex
	registrations map[string]Registration
	opts          ProviderOptions
}

func NewProviderFactory(opts ProviderOptions) *ProviderFactory {
	return &ProviderFactory{
		registrations: make(map[string]Registration),
		opts:          opts,
	}
}

// Add registers constructors, replacing any previous one for the same type.
func (f *ProviderFactory) Add(regs ...Registration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range regs {
		f.registrations[r.Type] = r
	}
}

// Create builds the provider for cfg and applies its base URL override.
func (f *ProviderFactory) Create(cfg ProviderConfig) (core.Provider, error) {
	f.mu.RLock()
	reg, ok := f.registrations[cfg.Type]
	f.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown provider type: %s", cfg.Type)
	}

	p := reg.New(cfg.APIKey, f.opts)
	if cfg.BaseURL != "" {
		if setter, ok := p.(interface{ SetBaseURL(string) }); ok {
			setter.SetBaseURL(cfg.BaseURL)
		}
	}
	return p, nil
}

// ListRegistered returns the registered types, sorted.
func (f *ProviderFactory) ListRegistered() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	types := make([]string, 0, len(f.registrations))
	for t := range f.registrations {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
