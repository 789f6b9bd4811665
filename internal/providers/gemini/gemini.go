// Package gemini provides the Google Gemini backend over the native
// generateContent API.
package gemini

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"inferdispatch/internal/catalog"
	"inferdispatch/internal/core"
	"inferdispatch/internal/pkg/llmclient"
	"inferdispatch/internal/providers"
)

// Registration provides factory registration for the Gemini provider.
var Registration = providers.Registration{
	Type: "gemini",
	New:  New,
}

const defaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"

// Provider implements core.CredentialedProvider for Gemini.
type Provider struct {
	client *llmclient.Client
	apiKey string
}

func New(apiKey string, opts providers.ProviderOptions) core.Provider {
	p := &Provider{apiKey: apiKey}
	p.client = opts.NewClient(string(catalog.BackendGemini), defaultBaseURL, p.setHeaders)
	return p
}

func (p *Provider) Name() string { return string(catalog.BackendGemini) }

func (p *Provider) SetBaseURL(url string) { p.client.SetBaseURL(url) }

func (p *Provider) WithAPIKey(apiKey string) core.Provider {
	np := &Provider{apiKey: apiKey}
	np.client = p.client.WithHeaderSetter(np.setHeaders)
	return np
}

func (p *Provider) setHeaders(req *http.Request) {
	req.Header.Set("x-goog-api-key", p.apiKey)
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inline_data,omitempty"`
	FileData   *fileData   `json:"file_data,omitempty"`
}

type inlineData struct {
	MimeType string `json:"mime_type"`
	Data     string `json:"data"`
}

type fileData struct {
	MimeType string `json:"mime_type,omitempty"`
	FileURI  string `json:"file_uri"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type generationConfig struct {
	Temperature     *float64 `json:"temperature,omitempty"`
	MaxOutputTokens *int     `json:"maxOutputTokens,omitempty"`
}

type request struct {
	Contents          []content         `json:"contents"`
	SystemInstruction *content          `json:"systemInstruction,omitempty"`
	GenerationConfig  *generationConfig `json:"generationConfig,omitempty"`
}

// convertRequest maps roles to user/model and system turns to the system
// instruction.
func convertRequest(req *core.ChatRequest) *request {
	out := &request{Contents: make([]content, 0, len(req.Messages))}
	var system []part
	for _, m := range req.Messages {
		if m.Role == core.RoleSystem {
			system = append(system, part{Text: m.Content})
			continue
		}
		role := "user"
		if m.Role == core.RoleAssistant {
			role = "model"
		}
		parts := make([]part, 0, len(m.Images)+1)
		if m.Content != "" {
			parts = append(parts, part{Text: m.Content})
		}
		for _, img := range m.Images {
			parts = append(parts, imagePart(img))
		}
		out.Contents = append(out.Contents, content{Role: role, Parts: parts})
	}
	if len(system) > 0 {
		out.SystemInstruction = &content{Parts: system}
	}
	if req.Temperature != nil || req.MaxTokens != nil {
		out.GenerationConfig = &generationConfig{Temperature: req.Temperature, MaxOutputTokens: req.MaxTokens}
	}
	return out
}

func imagePart(a core.Attachment) part {
	mime := a.MIMEType
	if mime == "" {
		mime = "image/png"
	}
	if a.URL != "" {
		return part{FileData: &fileData{MimeType: mime, FileURI: a.URL}}
	}
	return part{InlineData: &inlineData{MimeType: mime, Data: a.Data}}
}

func modelPath(model string) string {
	return "/models/" + url.PathEscape(strings.TrimPrefix(model, "models/"))
}

func (p *Provider) ChatCompletion(ctx context.Context, req *core.ChatRequest) (*core.ChatResponse, error) {
	resp, err := p.client.DoRaw(ctx, llmclient.Request{
		Method:   http.MethodPost,
		Endpoint: modelPath(req.Model) + ":generateContent",
		Body:     convertRequest(req),
	})
	if err != nil {
		return nil, err
	}

	body := gjson.ParseBytes(resp.Body)
	var text strings.Builder
	for _, pt := range body.Get("candidates.0.content.parts").Array() {
		if pt.Get("thought").Bool() {
			continue
		}
		text.WriteString(pt.Get("text").String())
	}

	model := body.Get("modelVersion").String()
	if model == "" {
		model = req.Model
	}
	return &core.ChatResponse{
		ID:       body.Get("responseId").String(),
		Model:    model,
		Provider: p.Name(),
		Text:     text.String(),
		Created:  time.Now().Unix(),
		Usage: core.Usage{
			PromptTokens:     int(body.Get("usageMetadata.promptTokenCount").Int()),
			CompletionTokens: int(body.Get("usageMetadata.candidatesTokenCount").Int()),
			TotalTokens:      int(body.Get("usageMetadata.totalTokenCount").Int()),
		},
	}, nil
}

// StreamChatCompletion returns the native SSE stream (caller must close).
// Gemini ends the stream without a sentinel.
func (p *Provider) StreamChatCompletion(ctx context.Context, req *core.ChatRequest) (io.ReadCloser, error) {
	return p.client.DoStream(ctx, llmclient.Request{
		Method:   http.MethodPost,
		Endpoint: modelPath(req.Model) + ":streamGenerateContent?alt=sse",
		Body:     convertRequest(req),
	})
}

// ListModels returns the models that support generateContent.
func (p *Provider) ListModels(ctx context.Context) ([]json.RawMessage, error) {
	resp, err := p.client.DoRaw(ctx, llmclient.Request{Method: http.MethodGet, Endpoint: "/models?pageSize=1000"})
	if err != nil {
		return nil, err
	}
	items := gjson.GetBytes(resp.Body, "models").Array()
	out := make([]json.RawMessage, 0, len(items))
	for _, m := range items {
		if !supportsGenerate(m) {
			continue
		}
		out = append(out, json.RawMessage(m.Raw))
	}
	return out, nil
}

func supportsGenerate(m gjson.Result) bool {
	methods := m.Get("supportedGenerationMethods")
	if !methods.Exists() {
		return true
	}
	for _, method := range methods.Array() {
		if method.String() == "generateContent" {
			return true
		}
	}
	return false
}

func (p *Provider) Health(ctx context.Context) error {
	_, err := p.client.DoRaw(ctx, llmclient.Request{Method: http.MethodGet, Endpoint: "/models?pageSize=1"})
	return err
}
