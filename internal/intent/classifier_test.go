package intent

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name      string
		text      string
		hasImages bool
		history   int
		want      Intent
		score     int
	}{
		{name: "greeting", text: "hi", want: FastChat},
		{name: "closer with punctuation", text: "  Thanks!! ", want: FastChat},
		{name: "greeting deep in conversation", text: "hi", history: 3, want: General},
		{name: "greeting with long history is not a keyword", text: "hello", history: 5, want: General},
		{name: "code fence beats creative", text: "Write a poem about this bug ```go\nx := nil\n```", want: Code, score: 12},
		{name: "math notation", text: "Calculate 12 * 7 for me", want: MathLogic, score: 13},
		{name: "leading summarize", text: "Summarize this article about the economy", want: Summary, score: 15},
		{name: "knowledge question", text: "What is the capital of France?", want: Knowledge, score: 14},
		{name: "creative", text: "Write a short story about a dragon", want: Creative, score: 8},
		{name: "reasoning", text: "Compare the pros and cons of renting versus buying", want: Reasoning, score: 10},
		{name: "below minimum score", text: "why not", want: General, score: 1},
		{name: "nothing matches", text: "banana", want: General},
		{name: "long greeting scored", text: "good morning everyone!!", want: FastChat, score: 2},
		{name: "spaced subtraction", text: "What is 12 - 7?", want: MathLogic, score: 8},
		{name: "language name on word boundary", text: "Is this valid rust code?", want: Code, score: 7},
		{name: "word inside a word", text: "Do you trust me?", want: General},
		{name: "date is not arithmetic", text: "What happened on 2024-01-15 in Paris?", want: General, score: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(tt.text, tt.hasImages, tt.history)
			assert.Equal(t, tt.want, got.Intent)
			assert.Equal(t, tt.score, got.Score)
			assert.False(t, got.IsComplexVision)
		})
	}
}

func TestClassify_NoFalseCodeOrMath(t *testing.T) {
	for _, text := range []string{
		"Do you trust me?",
		"I'm so frustrated with my landlord, what should I do?",
		"What happened on 2024-01-15 in Paris?",
		"My appointment moved to 10/12/2024",
		"I need a digital copy of my access badge",
		"The legitimate heir to the throne",
	} {
		t.Run(text, func(t *testing.T) {
			got := Classify(text, false, 0)
			assert.NotEqual(t, Code, got.Intent)
			assert.NotEqual(t, MathLogic, got.Intent)
		})
	}
}

func TestScores_WordBoundaryTokens(t *testing.T) {
	assert.Zero(t, defaultClassifier.Scores("trust frustrated digit classy")[Code])
	assert.Equal(t, WeightHigh, defaultClassifier.Scores("rust")[Code])
	assert.Equal(t, WeightMedium, defaultClassifier.Scores("a for loop over an array")[Code])
}

func TestClassify_Images(t *testing.T) {
	tests := []struct {
		name    string
		text    string
		want    Intent
		complex bool
	}{
		{name: "analysis", text: "Describe this photo", want: Vision, complex: true},
		{name: "generation", text: "Draw a cat like this", want: Vision},
		{name: "greeting keeps image context", text: "Thanks", want: FastChat},
		{name: "falls through to scoring", text: "Calculate the total shown", want: MathLogic},
		{name: "word boundary", text: "explain the withdrawal process", want: Knowledge},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(tt.text, true, 0)
			assert.Equal(t, tt.want, got.Intent)
			assert.Equal(t, tt.complex, got.IsComplexVision)
			assert.True(t, got.HasImages)
		})
	}
}

func TestClassify_VisionRequiresImages(t *testing.T) {
	got := Classify("Describe the French revolution", false, 0)
	assert.Equal(t, General, got.Intent)
	assert.False(t, got.HasImages)
}

func TestClassify_Deterministic(t *testing.T) {
	inputs := []string{
		"hi", "How do I reverse a linked list in python?", "solve for x: 2x + 3 = 9",
		"tl;dr of the meeting notes", "Who was Ada Lovelace?", "brainstorm names for a bakery",
		"should I learn rust or go? think through it step by step",
	}
	for _, in := range inputs {
		for _, images := range []bool{false, true} {
			first := Classify(in, images, 1)
			for i := 0; i < 5; i++ {
				require.Equal(t, first, Classify(in, images, 1), in)
			}
		}
	}
}

func TestClassifier_CustomRules(t *testing.T) {
	c := New(Rules{
		Keywords: map[Intent]Tiers{
			Creative: {High: []string{"sonnet"}},
		},
	})

	assert.Equal(t, Result{Intent: Creative, Score: 5}, c.Classify("A sonnet please", false, 0))
	assert.Equal(t, General, c.Classify("hi", false, 0).Intent, "no greeting table")
	assert.Equal(t, General, c.Classify("describe", true, 0).Intent, "no image tables")
}

func TestScores(t *testing.T) {
	scores := defaultClassifier.Scores("tldr: fix the python function")
	assert.Equal(t, 10, scores[Code], "python and function")
	assert.Equal(t, 15, scores[Summary], "keyword plus leading boost")
}
