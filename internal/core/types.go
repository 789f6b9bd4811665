package core

// Roles used in chat messages.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Reasoning effort levels accepted by providers that support them.
const (
	ReasoningLow    = "low"
	ReasoningMedium = "medium"
	ReasoningHigh   = "high"
)

// ChatRequest is the provider-neutral chat completion request.
type ChatRequest struct {
	Temperature *float64  `json:"temperature,omitempty"`
	MaxTokens   *int      `json:"max_tokens,omitempty"`
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Stream      bool      `json:"stream,omitempty"`

	// ReasoningEffort is forwarded only by providers that accept it.
	ReasoningEffort string `json:"reasoning_effort,omitempty"`
}

// WithStreaming returns a shallow copy of the request with Stream set to true.
func (r *ChatRequest) WithStreaming() *ChatRequest {
	cp := *r
	cp.Stream = true
	return &cp
}

// HasImages reports whether any message carries an image attachment.
func (r *ChatRequest) HasImages() bool {
	for _, m := range r.Messages {
		if len(m.Images) > 0 {
			return true
		}
	}
	return false
}

// Message is a single chat turn.
type Message struct {
	Role    string       `json:"role"`
	Content string       `json:"content"`
	Images  []Attachment `json:"images,omitempty"`
}

// Attachment is an image attached to a message, either inline base64 data
// or a URL the provider can fetch.
type Attachment struct {
	MIMEType string `json:"mime_type,omitempty"`
	Data     string `json:"data,omitempty"`
	URL      string `json:"url,omitempty"`
}

// DataURL renders the attachment as a URL usable by OpenAI-style APIs.
func (a Attachment) DataURL() string {
	if a.URL != "" {
		return a.URL
	}
	mime := a.MIMEType
	if mime == "" {
		mime = "image/png"
	}
	return "data:" + mime + ";base64," + a.Data
}

// ChatResponse is the provider-neutral non-streaming response.
type ChatResponse struct {
	ID       string `json:"id"`
	Model    string `json:"model"`
	Provider string `json:"provider"`
	Text     string `json:"text"`
	Usage    Usage  `json:"usage"`
	Created  int64  `json:"created"`
}

// Usage represents token usage information
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}
