package stream

import (
	"net/http"
	"strings"

	"github.com/tidwall/gjson"

	"inferdispatch/internal/core"
)

// FrameKind classifies one decoded record.
type FrameKind int

const (
	FrameSkip FrameKind = iota
	FrameDelta
	FrameStatus
	FrameError
	FrameDone
)

// Frame is one interpreted record. Usage may accompany any kind.
type Frame struct {
	Kind   FrameKind
	Text   string
	Status int    // upstream HTTP-equivalent status for error frames, when known
	Code   string // error kind or detail written by the unified encoder
	Usage  *core.Usage
}

// Framing knows one provider's record layout. Parse receives the payload
// after the "data:" marker and must return nil for records it cannot read.
type Framing interface {
	Name() string
	Parse(payload []byte) []Frame
}

// Status texts forwarded for non-content progress.
const (
	StatusThinking = "thinking"
)

// ForProvider returns the framing used by a backend. Unknown backends speak
// the OpenAI-compatible format.
func ForProvider(name string) Framing {
	switch strings.ToLower(name) {
	case "anthropic":
		return Anthropic{}
	case "gemini":
		return Gemini{}
	case "unified":
		return Unified{}
	default:
		return OpenAI{}
	}
}

// OpenAI decodes chat.completion.chunk records (Groq, OpenRouter, Ollama).
type OpenAI struct{}

func (OpenAI) Name() string { return "openai" }

func (OpenAI) Parse(payload []byte) []Frame {
	if !gjson.ValidBytes(payload) {
		return nil
	}
	root := gjson.ParseBytes(payload)

	if errVal := root.Get("error"); errVal.Exists() {
		return []Frame{errorFrame(errVal, "code")}
	}

	var frames []Frame
	delta := root.Get("choices.0.delta")
	if r := firstNonEmpty(delta, "reasoning", "reasoning_content"); r != "" {
		frames = append(frames, Frame{Kind: FrameStatus, Text: StatusThinking})
	}
	if content := delta.Get("content").String(); content != "" {
		frames = append(frames, Frame{Kind: FrameDelta, Text: content})
	}

	usage := root.Get("usage")
	if !usage.Exists() {
		usage = root.Get("x_groq.usage")
	}
	if usage.IsObject() {
		frames = append(frames, Frame{Kind: FrameSkip, Usage: &core.Usage{
			PromptTokens:     int(usage.Get("prompt_tokens").Int()),
			CompletionTokens: int(usage.Get("completion_tokens").Int()),
			TotalTokens:      int(usage.Get("total_tokens").Int()),
		}})
	}
	return frames
}

// anthropicErrorStatus maps Anthropic error types to HTTP statuses.
var anthropicErrorStatus = map[string]int{
	"invalid_request_error": http.StatusBadRequest,
	"authentication_error":  http.StatusUnauthorized,
	"permission_error":      http.StatusForbidden,
	"not_found_error":       http.StatusNotFound,
	"request_too_large":     http.StatusRequestEntityTooLarge,
	"rate_limit_error":      http.StatusTooManyRequests,
	"api_error":             http.StatusInternalServerError,
	"overloaded_error":      http.StatusServiceUnavailable,
}

// Anthropic decodes Messages API stream events. The "event:" lines are
// ignored; the type is read from the data payload.
type Anthropic struct{}

func (Anthropic) Name() string { return "anthropic" }

func (Anthropic) Parse(payload []byte) []Frame {
	if !gjson.ValidBytes(payload) {
		return nil
	}
	root := gjson.ParseBytes(payload)

	switch root.Get("type").String() {
	case "content_block_delta":
		delta := root.Get("delta")
		switch delta.Get("type").String() {
		case "text_delta":
			return []Frame{{Kind: FrameDelta, Text: delta.Get("text").String()}}
		case "thinking_delta":
			return []Frame{{Kind: FrameStatus, Text: StatusThinking}}
		}
	case "message_start":
		u := root.Get("message.usage")
		return []Frame{{Kind: FrameSkip, Usage: &core.Usage{
			PromptTokens:     int(u.Get("input_tokens").Int()),
			CompletionTokens: int(u.Get("output_tokens").Int()),
		}}}
	case "message_delta":
		if u := root.Get("usage"); u.Exists() {
			return []Frame{{Kind: FrameSkip, Usage: &core.Usage{
				CompletionTokens: int(u.Get("output_tokens").Int()),
			}}}
		}
	case "message_stop":
		return []Frame{{Kind: FrameDone}}
	case "error":
		errVal := root.Get("error")
		return []Frame{{
			Kind:   FrameError,
			Text:   errVal.Get("message").String(),
			Status: anthropicErrorStatus[errVal.Get("type").String()],
		}}
	}
	return nil
}

var geminiBlockedReasons = map[string]bool{
	"SAFETY":             true,
	"RECITATION":         true,
	"BLOCKLIST":          true,
	"PROHIBITED_CONTENT": true,
	"SPII":               true,
}

// Gemini decodes streamGenerateContent (alt=sse) records. The stream has no
// completion sentinel; it ends at end of input.
type Gemini struct{}

func (Gemini) Name() string { return "gemini" }

func (Gemini) Parse(payload []byte) []Frame {
	if !gjson.ValidBytes(payload) {
		return nil
	}
	root := gjson.ParseBytes(payload)

	if errVal := root.Get("error"); errVal.Exists() {
		return []Frame{errorFrame(errVal, "code")}
	}
	if reason := root.Get("promptFeedback.blockReason").String(); reason != "" {
		return []Frame{{Kind: FrameError, Text: "prompt blocked: " + reason, Status: http.StatusBadRequest}}
	}

	var frames []Frame
	candidate := root.Get("candidates.0")
	candidate.Get("content.parts").ForEach(func(_, part gjson.Result) bool {
		text := part.Get("text").String()
		switch {
		case part.Get("thought").Bool():
			frames = append(frames, Frame{Kind: FrameStatus, Text: StatusThinking})
		case text != "":
			frames = append(frames, Frame{Kind: FrameDelta, Text: text})
		}
		return true
	})

	if reason := candidate.Get("finishReason").String(); geminiBlockedReasons[reason] {
		frames = append(frames, Frame{Kind: FrameError, Text: "response blocked: " + reason, Status: http.StatusBadRequest})
	}

	if u := root.Get("usageMetadata"); u.Exists() {
		frames = append(frames, Frame{Kind: FrameSkip, Usage: &core.Usage{
			PromptTokens:     int(u.Get("promptTokenCount").Int()),
			CompletionTokens: int(u.Get("candidatesTokenCount").Int()),
			TotalTokens:      int(u.Get("totalTokenCount").Int()),
		}})
	}
	return frames
}

// Unified decodes the relay format produced by Encoder:
// {"delta":...}, {"status":...}, {"error":...,"code":...} and [DONE].
type Unified struct{}

func (Unified) Name() string { return "unified" }

func (Unified) Parse(payload []byte) []Frame {
	if !gjson.ValidBytes(payload) {
		return nil
	}
	root := gjson.ParseBytes(payload)

	switch {
	case root.Get("done").Bool():
		return []Frame{{Kind: FrameDone}}
	case root.Get("error").Exists():
		return []Frame{{
			Kind:   FrameError,
			Text:   root.Get("error").String(),
			Status: int(root.Get("status").Int()),
			Code:   root.Get("code").String(),
		}}
	case root.Get("status").Type == gjson.String:
		return []Frame{{Kind: FrameStatus, Text: root.Get("status").String()}}
	case root.Get("delta").Exists():
		return []Frame{{Kind: FrameDelta, Text: root.Get("delta").String()}}
	}
	return nil
}

// errorFrame reads {"message","code"} style error objects, or a bare string.
func errorFrame(errVal gjson.Result, codePath string) Frame {
	if errVal.Type == gjson.String {
		return Frame{Kind: FrameError, Text: errVal.String()}
	}
	f := Frame{Kind: FrameError, Text: errVal.Get("message").String()}
	if code := errVal.Get(codePath); code.Type == gjson.Number {
		f.Status = int(code.Int())
	}
	return f
}

func firstNonEmpty(v gjson.Result, paths ...string) string {
	for _, p := range paths {
		if s := v.Get(p).String(); s != "" {
			return s
		}
	}
	return ""
}
