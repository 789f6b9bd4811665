// Package core defines the shared types, the upstream provider contract and
// the error taxonomy of the dispatch layer.
package core

import (
	"context"
	"encoding/json"
	"io"
)

// Provider is an upstream text-generation backend.
type Provider interface {
	// Name returns the backend identifier (e.g. "groq").
	Name() string

	// ChatCompletion executes a non-streaming chat completion.
	ChatCompletion(ctx context.Context, req *ChatRequest) (*ChatResponse, error)

	// StreamChatCompletion returns the provider's raw event stream (caller must close).
	StreamChatCompletion(ctx context.Context, req *ChatRequest) (io.ReadCloser, error)

	// ListModels returns the raw model descriptors advertised by the provider.
	// Each element is either a JSON string (the id) or a JSON object.
	ListModels(ctx context.Context) ([]json.RawMessage, error)

	// Health performs a lightweight availability probe.
	Health(ctx context.Context) error
}

// CredentialedProvider is implemented by providers that can be rebound to a
// different API key, used when a user supplies their own key.
type CredentialedProvider interface {
	Provider
	WithAPIKey(apiKey string) Provider
}
