// Package ollama provides the local Ollama backend through its
// OpenAI-compatible API.
package ollama

import (
	"context"
	"strings"
	"time"

	"inferdispatch/internal/catalog"
	"inferdispatch/internal/core"
	"inferdispatch/internal/providers"
	"inferdispatch/internal/providers/openaicompat"
)

// Registration provides factory registration for the Ollama provider.
var Registration = providers.Registration{
	Type: "ollama",
	New:  New,
}

const (
	defaultRootURL = "http://localhost:11434"
	healthTimeout  = 5 * time.Second
)

// Provider wraps the OpenAI-compatible client. Ollama accepts but ignores
// API keys.
type Provider struct {
	*openaicompat.Provider
}

func New(apiKey string, opts providers.ProviderOptions) core.Provider {
	return &Provider{openaicompat.New(openaicompat.Config{
		Name:    string(catalog.BackendOllama),
		BaseURL: apiURL(defaultRootURL),
		APIKey:  apiKey,
	}, opts)}
}

// SetBaseURL accepts either the server root or its /v1 API root.
func (p *Provider) SetBaseURL(url string) {
	p.Provider.SetBaseURL(apiURL(url))
}

func (p *Provider) WithAPIKey(apiKey string) core.Provider {
	return &Provider{p.Provider.WithAPIKey(apiKey).(*openaicompat.Provider)}
}

// Health checks that the server is running by listing its models.
func (p *Provider) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()
	_, err := p.ListModels(ctx)
	return err
}

func apiURL(url string) string {
	url = strings.TrimRight(url, "/")
	if strings.HasSuffix(url, "/v1") {
		return url
	}
	return url + "/v1"
}
