// Package tokens estimates token counts for usage records when an upstream
// stream does not report usage.
package tokens

import (
	"log/slog"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"inferdispatch/internal/core"
)

// DefaultEncoding is a close enough approximation for every supported
// backend.
const DefaultEncoding = "cl100k_base"

// perMessageOverhead approximates role and framing tokens of one message.
const perMessageOverhead = 4

// Counter counts tokens in text.
type Counter interface {
	Count(text string) int
}

// Estimator counts with tiktoken, or chars/4 when no encoding is loaded.
// The zero value and a nil *Estimator use the fallback.
type Estimator struct {
	encoding *tiktoken.Tiktoken
	mu       sync.Mutex
}

var (
	shared     *Estimator
	sharedOnce sync.Once
)

// Default returns the process-wide estimator. Loading the encoding may
// need network access; on failure the fallback is used.
func Default() *Estimator {
	sharedOnce.Do(func() {
		e, err := New()
		if err != nil {
			slog.Warn("token encoding unavailable, estimating by length", "encoding", DefaultEncoding, "error", err)
			e = &Estimator{}
		}
		shared = e
	})
	return shared
}

// New loads DefaultEncoding.
func New() (*Estimator, error) {
	enc, err := tiktoken.GetEncoding(DefaultEncoding)
	if err != nil {
		return nil, err
	}
	return &Estimator{encoding: enc}, nil
}

// Count returns the number of tokens in text.
func (e *Estimator) Count(text string) int {
	if text == "" {
		return 0
	}
	if e == nil || e.encoding == nil {
		return fallback(text)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.encoding.Encode(text, nil, nil))
}

func fallback(text string) int {
	n := len(text) / 4
	if n == 0 {
		n = 1
	}
	return n
}

// Usage estimates usage for a conversation and its answer.
func Usage(c Counter, messages []core.Message, answer string) core.Usage {
	prompt := 0
	for _, m := range messages {
		prompt += c.Count(m.Content) + perMessageOverhead
	}
	completion := c.Count(answer)
	return core.Usage{
		PromptTokens:     prompt,
		CompletionTokens: completion,
		TotalTokens:      prompt + completion,
	}
}

// Fill returns u when the upstream reported it, otherwise an estimate.
func Fill(c Counter, u core.Usage, messages []core.Message, answer string) core.Usage {
	if u.TotalTokens > 0 || u.CompletionTokens > 0 {
		if u.TotalTokens == 0 {
			u.TotalTokens = u.PromptTokens + u.CompletionTokens
		}
		return u
	}
	return Usage(c, messages, answer)
}
