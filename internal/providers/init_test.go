package providers

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"inferdispatch/config"
	"inferdispatch/internal/catalog"
	"inferdispatch/internal/core"
)

func testInitConfig(providers map[string]config.RawProviderConfig) *config.Config {
	cfg := config.Defaults()
	cfg.Catalog.Snapshot = "none"
	cfg.Providers = providers
	return &cfg
}

func TestInit(t *testing.T) {
	clearProviderEnv(t)

	doc := filepath.Join(t.TempDir(), "extra.json")
	require.NoError(t, os.WriteFile(doc, []byte(`[{"id":"llama3.2-vision","backend":"ollama"}]`), 0o600))

	cfg := testInitConfig(map[string]config.RawProviderConfig{
		"groq":       {Type: "groq", APIKey: "gsk"},
		"openrouter": {Type: "openrouter", UserKeys: true},
	})
	cfg.Catalog.Documents = []string{doc}

	f := NewProviderFactory(ProviderOptions{})
	f.Add(Registration{
		Type: "groq",
		New: func(apiKey string, _ ProviderOptions) core.Provider {
			return &fakeProvider{name: "groq", apiKey: apiKey, models: []json.RawMessage{json.RawMessage(`"llama-3.3-70b-versatile"`)}}
		},
	}, fakeRegistration("openrouter"))

	result, err := Init(context.Background(), cfg, f)
	require.NoError(t, err)
	defer func() { _ = result.Close() }()

	assert.Equal(t, 2, result.Registry.Len())
	assert.Equal(t, []catalog.Backend{catalog.BackendGroq, catalog.BackendOpenRouter}, result.Registry.Backends())
	// Only the keyed provider lists models.
	assert.Len(t, result.Registry.Sources(), 1)
	assert.Equal(t, map[string]string{"groq": "gsk"}, result.GlobalKeys)
	assert.NotNil(t, result.Catalog)

	require.NoError(t, result.Close())
	require.NoError(t, result.Close())
}

func TestInit_NoProviders(t *testing.T) {
	clearProviderEnv(t)

	_, err := Init(context.Background(), testInitConfig(nil), NewProviderFactory(ProviderOptions{}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no providers")
}

func TestInit_UnknownTypeSkipped(t *testing.T) {
	clearProviderEnv(t)

	cfg := testInitConfig(map[string]config.RawProviderConfig{"x": {Type: "cohere", APIKey: "k"}})
	f := NewProviderFactory(ProviderOptions{})
	f.Add(fakeRegistration("cohere"))

	_, err := Init(context.Background(), cfg, f)
	require.Error(t, err)
}

func TestDocumentSources_InvalidJSON(t *testing.T) {
	doc := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(doc, []byte(`{"not":"an array"}`), 0o600))

	_, err := documentSources([]string{doc})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse catalog document")
}
