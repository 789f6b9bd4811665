// Package openrouter provides the OpenRouter backend.
package openrouter

import (
	"inferdispatch/internal/catalog"
	"inferdispatch/internal/core"
	"inferdispatch/internal/providers"
	"inferdispatch/internal/providers/openaicompat"
)

// Registration provides factory registration for the OpenRouter provider.
var Registration = providers.Registration{
	Type: "openrouter",
	New:  New,
}

const (
	defaultBaseURL = "https://openrouter.ai/api/v1"

	// Attribution headers OpenRouter uses for app rankings.
	refererHeader = "HTTP-Referer"
	titleHeader   = "X-Title"
	appTitle      = "inferdispatch"
)

func New(apiKey string, opts providers.ProviderOptions) core.Provider {
	return openaicompat.New(openaicompat.Config{
		Name:    string(catalog.BackendOpenRouter),
		BaseURL: defaultBaseURL,
		APIKey:  apiKey,
		Headers: map[string]string{
			refererHeader: "https://github.com/inferdispatch",
			titleHeader:   appTitle,
		},
	}, opts)
}
