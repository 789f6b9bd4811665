package tokens

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"inferdispatch/internal/core"
)

func TestEstimator_Fallback(t *testing.T) {
	var nilEstimator *Estimator
	tests := []struct {
		text string
		want int
	}{
		{"", 0},
		{"hi", 1},
		{"hello world!", 3},
		{"a sixteen char s", 4},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, nilEstimator.Count(tt.text), tt.text)
		assert.Equal(t, tt.want, (&Estimator{}).Count(tt.text), tt.text)
	}
}

func TestUsage(t *testing.T) {
	msgs := []core.Message{
		{Role: core.RoleSystem, Content: "be brief"},
		{Role: core.RoleUser, Content: "what is go?"},
	}
	u := Usage(&Estimator{}, msgs, "Go is a programming language.")

	// "be brief" -> 2, "what is go?" -> 2, plus 4 per message
	assert.Equal(t, 12, u.PromptTokens)
	assert.Equal(t, 7, u.CompletionTokens)
	assert.Equal(t, 19, u.TotalTokens)
}

func TestFill(t *testing.T) {
	msgs := []core.Message{{Role: core.RoleUser, Content: "hello there"}}

	reported := core.Usage{PromptTokens: 10, CompletionTokens: 5}
	assert.Equal(t, core.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15}, Fill(&Estimator{}, reported, msgs, "answer"))

	estimated := Fill(&Estimator{}, core.Usage{}, msgs, "a long enough answer")
	assert.Equal(t, 6, estimated.PromptTokens)
	assert.Equal(t, 5, estimated.CompletionTokens)
	assert.Equal(t, 11, estimated.TotalTokens)
}
