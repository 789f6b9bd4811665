// Package intent classifies a free-text query into a coarse intent used for
// model selection. Classification is a pure function of its inputs.
package intent

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Intent is the coarse kind of help a query asks for.
type Intent string

const (
	Code      Intent = "code"
	MathLogic Intent = "math_logic"
	Reasoning Intent = "reasoning"
	Creative  Intent = "creative"
	FastChat  Intent = "fast_chat"
	Summary   Intent = "summary"
	Knowledge Intent = "knowledge"
	Vision    Intent = "vision"
	General   Intent = "general"
)

// scanOrder is the argmax order; on equal scores the earlier intent wins.
var scanOrder = []Intent{Code, MathLogic, Reasoning, Creative, Summary, Knowledge, FastChat}

const (
	greetingMaxRunes   = 15
	greetingMaxHistory = 3
	overrideThreshold  = 5
	minimumScore       = 2
)

// Result is the outcome of one classification.
type Result struct {
	Intent Intent
	// IsComplexVision is set when attached images are to be analyzed rather
	// than generated.
	IsComplexVision bool
	HasImages       bool
	// Score is the winning intent's score, zero for early decisions.
	Score int
}

// Classifier scores queries against a compiled rule set. It is immutable and
// safe for concurrent use.
type Classifier struct {
	rules         Rules
	imageGenerate *regexp.Regexp
	imageAnalyze  *regexp.Regexp
	greetings     map[string]struct{}
}

// New compiles rules into a Classifier.
func New(rules Rules) *Classifier {
	c := &Classifier{
		rules:         rules,
		imageGenerate: wordSet(rules.ImageGeneration),
		imageAnalyze:  wordSet(rules.ImageAnalysis),
		greetings:     make(map[string]struct{}, len(rules.Greetings)),
	}
	for _, g := range rules.Greetings {
		c.greetings[strings.ToLower(g)] = struct{}{}
	}
	return c
}

var defaultClassifier = New(DefaultRules())

// Classify runs the default rule set.
func Classify(text string, hasImages bool, historyLength int) Result {
	return defaultClassifier.Classify(text, hasImages, historyLength)
}

// Classify returns the intent of text. hasImages reports attached images and
// historyLength the number of prior turns in the conversation.
func (c *Classifier) Classify(text string, hasImages bool, historyLength int) Result {
	trimmed := strings.TrimSpace(text)
	lower := strings.ToLower(trimmed)

	if hasImages {
		if c.imageAnalyze != nil && c.imageAnalyze.MatchString(lower) {
			return Result{Intent: Vision, IsComplexVision: true, HasImages: true}
		}
		if c.imageGenerate != nil && c.imageGenerate.MatchString(lower) {
			return Result{Intent: Vision, HasImages: true}
		}
	}

	if utf8.RuneCountInString(trimmed) < greetingMaxRunes && historyLength < greetingMaxHistory {
		if _, ok := c.greetings[stripPunctuation(lower)]; ok {
			return Result{Intent: FastChat, HasImages: hasImages}
		}
	}

	scores := c.Scores(lower)

	if s := scores[Code]; s >= overrideThreshold {
		return Result{Intent: Code, HasImages: hasImages, Score: s}
	}
	if s := scores[MathLogic]; s >= overrideThreshold {
		return Result{Intent: MathLogic, HasImages: hasImages, Score: s}
	}

	best, bestScore := General, 0
	for _, in := range scanOrder {
		if scores[in] > bestScore {
			best, bestScore = in, scores[in]
		}
	}
	if bestScore < minimumScore {
		return Result{Intent: General, HasImages: hasImages, Score: bestScore}
	}
	return Result{Intent: best, HasImages: hasImages, Score: bestScore}
}

// Scores returns the weighted score of every intent for an already
// lower-cased query.
func (c *Classifier) Scores(lower string) map[Intent]int {
	scores := make(map[Intent]int, len(scanOrder))
	for in, tiers := range c.rules.Keywords {
		scores[in] += countMatches(lower, tiers.High) * WeightHigh
		scores[in] += countMatches(lower, tiers.Medium) * WeightMedium
		scores[in] += countMatches(lower, tiers.Low) * WeightLow
	}
	for _, b := range c.rules.Boosts {
		if b.Pattern != nil && b.Pattern.MatchString(lower) {
			scores[b.Intent] += b.Points
		}
	}
	return scores
}

func countMatches(text string, keywords []string) int {
	n := 0
	for _, k := range keywords {
		if strings.Contains(text, k) {
			n++
		}
	}
	return n
}

// wordSet builds a word-boundary alternation; nil for an empty set.
func wordSet(words []string) *regexp.Regexp {
	if len(words) == 0 {
		return nil
	}
	quoted := make([]string, len(words))
	for i, w := range words {
		quoted[i] = regexp.QuoteMeta(strings.ToLower(w))
	}
	return regexp.MustCompile(`\b(?:` + strings.Join(quoted, "|") + `)\b`)
}

func stripPunctuation(s string) string {
	s = strings.TrimFunc(s, func(r rune) bool {
		return unicode.IsPunct(r) || unicode.IsSpace(r) || unicode.IsSymbol(r)
	})
	return strings.Join(strings.Fields(s), " ")
}
