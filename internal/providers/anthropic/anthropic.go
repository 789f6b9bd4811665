// Package anthropic provides the Anthropic Messages API backend.
package anthropic

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"inferdispatch/internal/catalog"
	"inferdispatch/internal/core"
	"inferdispatch/internal/pkg/llmclient"
	"inferdispatch/internal/providers"
	"inferdispatch/internal/providers/openaicompat"
)

// Registration provides factory registration for the Anthropic provider.
var Registration = providers.Registration{
	Type: "anthropic",
	New:  New,
}

const (
	defaultBaseURL      = "https://api.anthropic.com/v1"
	anthropicAPIVersion = "2023-06-01"
	defaultMaxTokens    = 4096
)

// Provider implements core.CredentialedProvider for Anthropic.
type Provider struct {
	client *llmclient.Client
	apiKey string
}

func New(apiKey string, opts providers.ProviderOptions) core.Provider {
	p := &Provider{apiKey: apiKey}
	p.client = opts.NewClient(string(catalog.BackendAnthropic), defaultBaseURL, p.setHeaders)
	return p
}

func (p *Provider) Name() string { return string(catalog.BackendAnthropic) }

func (p *Provider) SetBaseURL(url string) { p.client.SetBaseURL(url) }

func (p *Provider) WithAPIKey(apiKey string) core.Provider {
	np := &Provider{apiKey: apiKey}
	np.client = p.client.WithHeaderSetter(np.setHeaders)
	return np
}

func (p *Provider) setHeaders(req *http.Request) {
	req.Header.Set("x-api-key", p.apiKey)
	req.Header.Set("anthropic-version", anthropicAPIVersion)
}

type request struct {
	Model       string    `json:"model"`
	Messages    []message `json:"messages"`
	MaxTokens   int       `json:"max_tokens"`
	Temperature *float64  `json:"temperature,omitempty"`
	System      string    `json:"system,omitempty"`
	Stream      bool      `json:"stream,omitempty"`
}

type message struct {
	Role    string  `json:"role"`
	Content []block `json:"content"`
}

type block struct {
	Type   string       `json:"type"`
	Text   string       `json:"text,omitempty"`
	Source *imageSource `json:"source,omitempty"`
}

type imageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
	URL       string `json:"url,omitempty"`
}

type response struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// convertRequest moves system turns into the top-level system field and
// turns attachments into image blocks.
func convertRequest(req *core.ChatRequest) *request {
	out := &request{
		Model:       req.Model,
		Messages:    make([]message, 0, len(req.Messages)),
		MaxTokens:   defaultMaxTokens,
		Temperature: req.Temperature,
		Stream:      req.Stream,
	}
	if req.MaxTokens != nil {
		out.MaxTokens = *req.MaxTokens
	}

	var system []string
	for _, m := range req.Messages {
		if m.Role == core.RoleSystem {
			system = append(system, m.Content)
			continue
		}
		blocks := make([]block, 0, len(m.Images)+1)
		for _, img := range m.Images {
			blocks = append(blocks, imageBlock(img))
		}
		if m.Content != "" {
			blocks = append(blocks, block{Type: "text", Text: m.Content})
		}
		out.Messages = append(out.Messages, message{Role: m.Role, Content: blocks})
	}
	out.System = strings.Join(system, "\n\n")
	return out
}

func imageBlock(a core.Attachment) block {
	if a.URL != "" {
		return block{Type: "image", Source: &imageSource{Type: "url", URL: a.URL}}
	}
	mime := a.MIMEType
	if mime == "" {
		mime = "image/png"
	}
	return block{Type: "image", Source: &imageSource{Type: "base64", MediaType: mime, Data: a.Data}}
}

func (p *Provider) ChatCompletion(ctx context.Context, req *core.ChatRequest) (*core.ChatResponse, error) {
	body := convertRequest(req)
	body.Stream = false

	var resp response
	if err := p.client.Do(ctx, llmclient.Request{
		Method:   http.MethodPost,
		Endpoint: "/messages",
		Body:     body,
	}, &resp); err != nil {
		return nil, err
	}

	var text strings.Builder
	for _, c := range resp.Content {
		if c.Type == "text" {
			text.WriteString(c.Text)
		}
	}
	model := resp.Model
	if model == "" {
		model = req.Model
	}
	return &core.ChatResponse{
		ID:       resp.ID,
		Model:    model,
		Provider: p.Name(),
		Text:     text.String(),
		Created:  time.Now().Unix(),
		Usage: core.Usage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
	}, nil
}

// StreamChatCompletion returns Anthropic's native event stream (caller
// must close).
func (p *Provider) StreamChatCompletion(ctx context.Context, req *core.ChatRequest) (io.ReadCloser, error) {
	body := convertRequest(req)
	body.Stream = true
	return p.client.DoStream(ctx, llmclient.Request{
		Method:   http.MethodPost,
		Endpoint: "/messages",
		Body:     body,
	})
}

// ListModels returns the "data" entries of GET /models ({id, display_name}).
func (p *Provider) ListModels(ctx context.Context) ([]json.RawMessage, error) {
	resp, err := p.client.DoRaw(ctx, llmclient.Request{Method: http.MethodGet, Endpoint: "/models?limit=100"})
	if err != nil {
		return nil, err
	}
	return openaicompat.ModelList(resp.Body), nil
}

func (p *Provider) Health(ctx context.Context) error {
	_, err := p.client.DoRaw(ctx, llmclient.Request{Method: http.MethodGet, Endpoint: "/models?limit=1"})
	return err
}
