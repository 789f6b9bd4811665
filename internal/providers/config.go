package providers

import (
	"os"
	"strings"

	"inferdispatch/config"
)

// ProviderConfig is one provider entry after env overlay and filtering.
type ProviderConfig struct {
	Name     string
	Type     string
	APIKey   string
	BaseURL  string
	Models   []string
	UserKeys bool
}

// knownProviderEnvs drives auto-discovery of providers from env vars.
var knownProviderEnvs = []struct {
	name         string
	providerType string
	apiKeyEnv    string
	baseURLEnv   string
}{
	{"groq", "groq", "GROQ_API_KEY", "GROQ_BASE_URL"},
	{"openrouter", "openrouter", "OPENROUTER_API_KEY", "OPENROUTER_BASE_URL"},
	{"gemini", "gemini", "GEMINI_API_KEY", "GEMINI_BASE_URL"},
	{"anthropic", "anthropic", "ANTHROPIC_API_KEY", "ANTHROPIC_BASE_URL"},
	{"ollama", "ollama", "OLLAMA_API_KEY", "OLLAMA_BASE_URL"},
}

// resolveProviders overlays env vars on the YAML providers and drops
// entries that cannot serve requests.
func resolveProviders(raw map[string]config.RawProviderConfig) map[string]ProviderConfig {
	merged := applyProviderEnvVars(raw)
	result := make(map[string]ProviderConfig, len(merged))
	for name, p := range merged {
		if !usable(p) {
			continue
		}
		key := p.APIKey
		if unresolved(key) {
			key = ""
		}
		result[name] = ProviderConfig{
			Name:     name,
			Type:     strings.ToLower(p.Type),
			APIKey:   key,
			BaseURL:  p.BaseURL,
			Models:   p.Models,
			UserKeys: p.UserKeys,
		}
	}
	return result
}

// applyProviderEnvVars lets env values win over YAML for the same name.
func applyProviderEnvVars(raw map[string]config.RawProviderConfig) map[string]config.RawProviderConfig {
	result := make(map[string]config.RawProviderConfig, len(raw))
	for k, v := range raw {
		result[k] = v
	}

	for _, kp := range knownProviderEnvs {
		apiKey := os.Getenv(kp.apiKeyEnv)
		baseURL := os.Getenv(kp.baseURLEnv)
		if apiKey == "" && baseURL == "" {
			continue
		}

		existing, ok := result[kp.name]
		if !ok {
			existing = config.RawProviderConfig{Type: kp.providerType}
		}
		if apiKey != "" {
			existing.APIKey = apiKey
		}
		if baseURL != "" {
			existing.BaseURL = baseURL
		}
		result[kp.name] = existing
	}
	return result
}

// usable keeps providers with a real key, a keyless ollama with a base URL,
// or providers opened to user-supplied keys.
func usable(p config.RawProviderConfig) bool {
	if p.Type == "" {
		return false
	}
	if strings.EqualFold(p.Type, "ollama") && p.BaseURL != "" {
		return true
	}
	if p.APIKey != "" && !unresolved(p.APIKey) {
		return true
	}
	return p.UserKeys
}

func unresolved(s string) bool {
	return strings.Contains(s, "${")
}
