package catalog

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func raws(docs ...string) []json.RawMessage {
	out := make([]json.RawMessage, len(docs))
	for i, d := range docs {
		out[i] = json.RawMessage(d)
	}
	return out
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want ModelEntry
	}{
		{
			name: "bare id",
			raw:  `"llama-3.3-70b-versatile"`,
			want: ModelEntry{ID: "llama-3.3-70b-versatile", Label: "llama-3.3-70b-versatile", Type: TypeText, Provider: "Meta", Inference: BackendGroq},
		},
		{
			name: "mixed case keys and reasoning id",
			raw:  `{"ID":"deepseek-r1-distill-llama-70b","DisplayName":"DeepSeek R1"}`,
			want: ModelEntry{ID: "deepseek-r1-distill-llama-70b", Label: "DeepSeek R1", Type: TypeReason, Provider: "DeepSeek", Inference: BackendGroq, HasReasoning: true},
		},
		{
			name: "free suffix routes to openrouter",
			raw:  `{"modelID":"meta-llama/llama-3.3-70b-instruct:free"}`,
			want: ModelEntry{ID: "meta-llama/llama-3.3-70b-instruct:free", Label: "meta-llama/llama-3.3-70b-instruct:free", Type: TypeText, Provider: "Meta", Inference: BackendOpenRouter},
		},
		{
			name: "explicit type wins over inference",
			raw:  `{"model":"claude-sonnet-4-20250514","type":"text"}`,
			want: ModelEntry{ID: "claude-sonnet-4-20250514", Label: "claude-sonnet-4-20250514", Type: TypeText, Provider: "Anthropic", Inference: BackendAnthropic, HasReasoning: true, SupportsVision: true},
		},
		{
			name: "gemini resource name",
			raw:  `{"name":"models/gemini-2.0-flash","displayName":"Gemini 2.0 Flash"}`,
			want: ModelEntry{ID: "gemini-2.0-flash", Label: "Gemini 2.0 Flash", Type: TypeVision, Provider: "Google", Inference: BackendGemini, SupportsVision: true},
		},
		{
			name: "ollama tag and unknown brand",
			raw:  `{"id":"llava:13b"}`,
			want: ModelEntry{ID: "llava:13b", Label: "llava:13b", Type: TypeVision, Provider: UnknownProvider, Inference: BackendOllama, SupportsVision: true},
		},
		{
			name: "explicit backend and reasoning flag",
			raw:  `{"id":"qwen/qwen3-32b","inference":"GROQ","reasoning":true}`,
			want: ModelEntry{ID: "qwen/qwen3-32b", Label: "qwen/qwen3-32b", Type: TypeReason, Provider: "Qwen", Inference: BackendGroq, HasReasoning: true},
		},
		{
			name: "gpt-oss reasons",
			raw:  `{"id":"openai/gpt-oss-120b"}`,
			want: ModelEntry{ID: "openai/gpt-oss-120b", Label: "openai/gpt-oss-120b", Type: TypeReason, Provider: "OpenAI", Inference: BackendGroq, HasReasoning: true},
		},
		{
			name: "vision flag",
			raw:  `{"id":"mystery-model","supportsVision":true}`,
			want: ModelEntry{ID: "mystery-model", Label: "mystery-model", Type: TypeVision, Provider: UnknownProvider, Inference: BackendGroq, SupportsVision: true},
		},
		{
			name: "image input modality",
			raw:  `{"id":"x-model","architecture":{"input_modalities":["text","image"]}}`,
			want: ModelEntry{ID: "x-model", Label: "x-model", Type: TypeVision, Provider: UnknownProvider, Inference: BackendGroq, SupportsVision: true},
		},
		{
			name: "o-series",
			raw:  `"o3-mini"`,
			want: ModelEntry{ID: "o3-mini", Label: "o3-mini", Type: TypeReason, Provider: "OpenAI", Inference: BackendGroq, HasReasoning: true},
		},
		{
			name: "upper case explicit type",
			raw:  `{"id":"m1","type":"REASON"}`,
			want: ModelEntry{ID: "m1", Label: "m1", Type: TypeReason, Provider: UnknownProvider, Inference: BackendGroq, HasReasoning: true},
		},
		{
			name: "invalid explicit values are ignored",
			raw:  `{"id":"gemma2-9b-it","type":"model","backend":"azure"}`,
			want: ModelEntry{ID: "gemma2-9b-it", Label: "gemma2-9b-it", Type: TypeText, Provider: "Google", Inference: BackendGroq},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Normalize(raws(tt.raw))
			require.Len(t, got, 1)
			assert.Equal(t, tt.want, got[0])
		})
	}
}

func TestNormalize_DropsUnusable(t *testing.T) {
	got := Normalize(raws(
		`""`,
		`{"label":"no id"}`,
		`42`,
		`not json`,
		`{"id":"   "}`,
		`null`,
		`"llama-3.1-8b-instant"`,
		`{"id":"llama-3.1-8b-instant","label":"duplicate"}`,
	))

	require.Len(t, got, 1)
	assert.Equal(t, "llama-3.1-8b-instant", got[0].Label, "first occurrence wins")
}

func TestNormalize_Empty(t *testing.T) {
	assert.Empty(t, Normalize(nil))
}

func TestParseBackend(t *testing.T) {
	b, ok := ParseBackend(" OpenRouter ")
	assert.True(t, ok)
	assert.Equal(t, BackendOpenRouter, b)

	_, ok = ParseBackend("bedrock")
	assert.False(t, ok)
}

func TestHasReasoning(t *testing.T) {
	assert.True(t, HasReasoning("openai/gpt-oss-20b"))
	assert.True(t, HasReasoning("models/gemini-2.5-pro"))
	assert.True(t, HasReasoning("o4-mini"))
	assert.True(t, HasReasoning("openai/o3"))
	assert.False(t, HasReasoning("openai/omni-moderation"))
	assert.False(t, HasReasoning("llama-3.1-8b-instant"))
	assert.False(t, HasReasoning(""))
}
