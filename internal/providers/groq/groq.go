// Package groq provides the Groq backend, the default inference target.
package groq

import (
	"inferdispatch/internal/catalog"
	"inferdispatch/internal/core"
	"inferdispatch/internal/providers"
	"inferdispatch/internal/providers/openaicompat"
)

// Registration provides factory registration for the Groq provider.
var Registration = providers.Registration{
	Type: "groq",
	New:  New,
}

const defaultBaseURL = "https://api.groq.com/openai/v1"

// New creates a Groq provider. reasoning_effort is forwarded only for
// models that reason.
func New(apiKey string, opts providers.ProviderOptions) core.Provider {
	return openaicompat.New(openaicompat.Config{
		Name:                 string(catalog.BackendGroq),
		BaseURL:              defaultBaseURL,
		APIKey:               apiKey,
		AllowReasoningEffort: catalog.HasReasoning,
	}, opts)
}
