package catalog

import (
	"context"
	"encoding/json"

	"inferdispatch/internal/core"
)

// Source supplies raw model descriptors.
type Source interface {
	Name() string
	Descriptors(ctx context.Context) ([]json.RawMessage, error)
}

// BackendSource is a Source whose models are all served by one backend.
// Its backend applies to descriptors that do not name one.
type BackendSource interface {
	Source
	Backend() Backend
}

// StaticSource serves a fixed descriptor list, typically a catalog document
// from configuration.
type StaticSource struct {
	name        string
	descriptors []json.RawMessage
}

func NewStaticSource(name string, descriptors []json.RawMessage) *StaticSource {
	return &StaticSource{name: name, descriptors: descriptors}
}

func (s *StaticSource) Name() string { return s.name }

func (s *StaticSource) Descriptors(context.Context) ([]json.RawMessage, error) {
	return s.descriptors, nil
}

// ProviderSource lists models from an upstream provider.
type ProviderSource struct {
	backend  Backend
	provider core.Provider
}

func NewProviderSource(backend Backend, provider core.Provider) *ProviderSource {
	return &ProviderSource{backend: backend, provider: provider}
}

func (s *ProviderSource) Name() string     { return string(s.backend) }
func (s *ProviderSource) Backend() Backend { return s.backend }

func (s *ProviderSource) Descriptors(ctx context.Context) ([]json.RawMessage, error) {
	return s.provider.ListModels(ctx)
}
