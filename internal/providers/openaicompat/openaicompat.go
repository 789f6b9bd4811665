// Package openaicompat implements the OpenAI-compatible chat completions
// wire format shared by Groq, OpenRouter and Ollama.
package openaicompat

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/tidwall/gjson"

	"inferdispatch/internal/core"
	"inferdispatch/internal/pkg/llmclient"
	"inferdispatch/internal/providers"
)

// Config describes one OpenAI-compatible backend.
type Config struct {
	Name    string
	BaseURL string
	APIKey  string

	// Headers are sent with every request.
	Headers map[string]string

	// AllowReasoningEffort reports whether reasoning_effort may be sent for
	// a model. Nil never sends it.
	AllowReasoningEffort func(model string) bool
}

// Provider is a core.CredentialedProvider over the OpenAI wire format.
type Provider struct {
	cfg    Config
	client *llmclient.Client
}

func New(cfg Config, opts providers.ProviderOptions) *Provider {
	p := &Provider{cfg: cfg}
	p.client = opts.NewClient(cfg.Name, cfg.BaseURL, p.setHeaders)
	return p
}

func (p *Provider) Name() string { return p.cfg.Name }

func (p *Provider) SetBaseURL(url string) { p.client.SetBaseURL(url) }

func (p *Provider) BaseURL() string { return p.client.BaseURL() }

// Client exposes the transport for backend-specific endpoints.
func (p *Provider) Client() *llmclient.Client { return p.client }

// WithAPIKey returns a copy sending apiKey. The copy shares connections
// and the circuit breaker.
func (p *Provider) WithAPIKey(apiKey string) core.Provider {
	np := &Provider{cfg: p.cfg}
	np.cfg.APIKey = apiKey
	np.client = p.client.WithHeaderSetter(np.setHeaders)
	return np
}

func (p *Provider) setHeaders(req *http.Request) {
	if p.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	}
	for k, v := range p.cfg.Headers {
		req.Header.Set(k, v)
	}
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

type message struct {
	Role string `json:"role"`
	// Content is a string, or a part list when images are attached.
	Content any `json:"content"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type chatRequest struct {
	Model           string         `json:"model"`
	Messages        []message      `json:"messages"`
	Stream          bool           `json:"stream,omitempty"`
	StreamOptions   *streamOptions `json:"stream_options,omitempty"`
	Temperature     *float64       `json:"temperature,omitempty"`
	MaxTokens       *int           `json:"max_tokens,omitempty"`
	ReasoningEffort string         `json:"reasoning_effort,omitempty"`
}

// buildRequest converts a neutral request to the wire format.
func (p *Provider) buildRequest(req *core.ChatRequest) chatRequest {
	out := chatRequest{
		Model:       req.Model,
		Messages:    make([]message, 0, len(req.Messages)),
		Stream:      req.Stream,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}
	if req.Stream {
		out.StreamOptions = &streamOptions{IncludeUsage: true}
	}
	if req.ReasoningEffort != "" && p.cfg.AllowReasoningEffort != nil && p.cfg.AllowReasoningEffort(req.Model) {
		out.ReasoningEffort = req.ReasoningEffort
	}
	for _, m := range req.Messages {
		out.Messages = append(out.Messages, convertMessage(m))
	}
	return out
}

func convertMessage(m core.Message) message {
	if len(m.Images) == 0 {
		return message{Role: m.Role, Content: m.Content}
	}
	parts := make([]contentPart, 0, len(m.Images)+1)
	if m.Content != "" {
		parts = append(parts, contentPart{Type: "text", Text: m.Content})
	}
	for _, img := range m.Images {
		parts = append(parts, contentPart{Type: "image_url", ImageURL: &imageURL{URL: img.DataURL()}})
	}
	return message{Role: m.Role, Content: parts}
}

type chatResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Created int64  `json:"created"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage core.Usage `json:"usage"`
}

func (p *Provider) ChatCompletion(ctx context.Context, req *core.ChatRequest) (*core.ChatResponse, error) {
	body := p.buildRequest(req)
	body.Stream = false
	body.StreamOptions = nil

	var resp chatResponse
	if err := p.client.Do(ctx, llmclient.Request{
		Method:   http.MethodPost,
		Endpoint: "/chat/completions",
		Body:     body,
	}, &resp); err != nil {
		return nil, err
	}

	out := &core.ChatResponse{
		ID:       resp.ID,
		Model:    resp.Model,
		Provider: p.cfg.Name,
		Usage:    resp.Usage,
		Created:  resp.Created,
	}
	if out.Model == "" {
		out.Model = req.Model
	}
	if out.Created == 0 {
		out.Created = time.Now().Unix()
	}
	if len(resp.Choices) > 0 {
		out.Text = resp.Choices[0].Message.Content
	}
	return out, nil
}

// StreamChatCompletion returns the raw SSE body (caller must close).
func (p *Provider) StreamChatCompletion(ctx context.Context, req *core.ChatRequest) (io.ReadCloser, error) {
	return p.client.DoStream(ctx, llmclient.Request{
		Method:   http.MethodPost,
		Endpoint: "/chat/completions",
		Body:     p.buildRequest(req.WithStreaming()),
	})
}

// ListModels returns the elements of the "data" array of GET /models.
func (p *Provider) ListModels(ctx context.Context) ([]json.RawMessage, error) {
	resp, err := p.client.DoRaw(ctx, llmclient.Request{Method: http.MethodGet, Endpoint: "/models"})
	if err != nil {
		return nil, err
	}
	return ModelList(resp.Body), nil
}

// ModelList extracts descriptors from a model list body. It accepts the
// OpenAI "data" array, an Ollama-style "models" array or a bare array.
func ModelList(body []byte) []json.RawMessage {
	root := gjson.ParseBytes(body)
	list := root
	if !root.IsArray() {
		list = root.Get("data")
		if !list.Exists() {
			list = root.Get("models")
		}
	}
	items := list.Array()
	out := make([]json.RawMessage, 0, len(items))
	for _, item := range items {
		out = append(out, json.RawMessage(item.Raw))
	}
	return out
}

// Health probes the model list endpoint.
func (p *Provider) Health(ctx context.Context) error {
	_, err := p.client.DoRaw(ctx, llmclient.Request{Method: http.MethodGet, Endpoint: "/models"})
	return err
}
