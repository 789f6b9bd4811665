package catalog

import "strings"

// Substrings are matched against lower-cased ids (and labels where noted).

// visionPatterns mark image-capable models (id or label).
var visionPatterns = []string{
	"vision", "-vl", "llava", "pixtral", "llama-4-scout", "llama-4-maverick",
	"gemini", "gemma-3", "gpt-4o", "gpt-4.1", "claude-3", "claude-sonnet-4", "claude-opus-4",
	"moondream", "minicpm-v", "qvq",
}

// reasoningPatterns mark models that emit a reasoning phase (id only).
var reasoningPatterns = []string{
	"deepseek-r1", "r1-distill", "qwq", "qwen3", "reason", "thinking", "gpt-oss",
	"magistral", "gemini-2.5", "claude-3-7", "claude-sonnet-4", "claude-opus-4",
}

type backendRule struct {
	backend Backend
	match   func(id string) bool
}

func hasPrefix(p ...string) func(string) bool {
	return func(id string) bool {
		for _, x := range p {
			if strings.HasPrefix(id, x) {
				return true
			}
		}
		return false
	}
}

// backendRules are checked in order; the first match wins.
var backendRules = []backendRule{
	{BackendOpenRouter, func(id string) bool {
		return strings.HasSuffix(id, ":free") || strings.HasPrefix(id, "openrouter/")
	}},
	{BackendAnthropic, hasPrefix("claude")},
	{BackendGemini, hasPrefix("gemini", "gemma-3")},
	// Ollama tags models as name:tag.
	{BackendOllama, func(id string) bool { return strings.Contains(id, ":") }},
}

type brandRule struct {
	name     string
	patterns []string
}

// brands are checked in order; more specific families come first.
var brands = []brandRule{
	{"DeepSeek", []string{"deepseek"}},
	{"Qwen", []string{"qwen", "qwq", "qvq"}},
	{"Moonshot", []string{"kimi", "moonshot"}},
	{"Mistral", []string{"mistral", "mixtral", "pixtral", "codestral", "magistral", "ministral"}},
	{"Anthropic", []string{"claude"}},
	{"Google", []string{"gemini", "gemma"}},
	{"xAI", []string{"grok"}},
	{"Microsoft", []string{"phi-", "phi3", "phi4"}},
	{"Cohere", []string{"command-r", "command-a"}},
	{"OpenAI", []string{"gpt-", "openai/", "whisper"}},
	{"Meta", []string{"llama", "meta-"}},
}
