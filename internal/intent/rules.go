package intent

import "regexp"

// Tier weights for keyword matches.
const (
	WeightHigh   = 5
	WeightMedium = 2
	WeightLow    = 1
)

// Tiers lists the keywords of one intent by weight. Keywords are lower case
// and match as substrings of the lower-cased query.
type Tiers struct {
	High   []string
	Medium []string
	Low    []string
}

// Boost adds Points to Intent when Pattern matches the query.
type Boost struct {
	Intent  Intent
	Pattern *regexp.Regexp
	Points  int
}

// Rules is the complete classification table set.
type Rules struct {
	// ImageGeneration and ImageAnalysis are matched on word boundaries, only
	// when images are attached.
	ImageGeneration []string
	ImageAnalysis   []string

	// Greetings are whole-message matches for short openers and closers.
	Greetings []string

	Keywords map[Intent]Tiers
	Boosts   []Boost
}

// DefaultRules returns the built-in tables.
func DefaultRules() Rules {
	return Rules{
		ImageGeneration: []string{
			"generate", "draw", "create an image", "make an image", "make a picture",
			"paint", "sketch", "render", "illustrate", "edit this image", "redesign",
		},
		ImageAnalysis: []string{
			"describe", "analyze", "analyse", "what is in", "what's in", "whats in",
			"identify", "read the text", "ocr", "extract", "transcribe", "explain this",
			"what does this", "caption", "diagram", "chart", "screenshot",
		},
		Greetings: []string{
			"hi", "hello", "hey", "yo", "sup", "hiya", "howdy",
			"good morning", "good evening", "good night", "gm",
			"thanks", "thank you", "thx", "ty", "ok", "okay", "cool", "nice",
			"great", "got it", "bye", "goodbye", "see you", "lol",
		},
		Keywords: map[Intent]Tiers{
			Code: {
				High: []string{
					"function", "debug", "compile", "stack trace", "syntax error", "refactor",
					"typescript", "javascript", "python", "golang", "regex",
					"sql query", "unit test", "segfault", "null pointer",
				},
				Medium: []string{
					"code", "bug", "error", "script", "method", "variable",
					"docker", "json", "html", "database", "library", "framework", "deploy",
				},
				Low: []string{"program", "server", "install", "config"},
			},
			MathLogic: {
				High: []string{
					"equation", "integral", "derivative", "calculate", "solve for",
					"probability", "theorem", "algebra", "calculus", "matrix",
					"logarithm", "factorial",
				},
				Medium: []string{
					"math", "sum of", "percent", "average", "fraction", "formula",
					"proof", "geometry", "statistics", "logic puzzle",
				},
				Low: []string{"number", "how many", "total", "divide", "multiply"},
			},
			Reasoning: {
				High: []string{
					"step by step", "think through", "analyze", "analyse", "pros and cons",
					"trade-off", "tradeoff", "compare", "evaluate", "root cause",
					"implications",
				},
				Medium: []string{
					"explain why", "reason", "strategy", "decide", "should i", "plan",
					"difference between", "argument",
				},
				Low: []string{"why", "better", "consider"},
			},
			Creative: {
				High: []string{
					"write a story", "poem", "short story", "lyrics", "haiku",
					"screenplay", "fiction", "novel", "limerick",
				},
				Medium: []string{
					"story", "creative", "imagine", "character", "plot", "rhyme",
					"slogan", "brainstorm",
				},
				Low: []string{"write", "fun", "idea"},
			},
			FastChat: {
				Medium: []string{"thank you", "thanks", "good morning", "good night", "how are you"},
			},
			Summary: {
				High: []string{
					"summarize", "summarise", "summary", "tl;dr", "tldr", "key points", "recap",
				},
				Medium: []string{"in short", "brief overview", "main points", "condense", "shorten", "outline"},
				Low:    []string{"overview", "gist"},
			},
			Knowledge: {
				High: []string{
					"what is", "who is", "who was", "when did", "history of",
					"definition of", "meaning of",
				},
				Medium: []string{
					"what are", "where is", "how does", "tell me about", "explain",
					"facts about", "define",
				},
				Low: []string{"what", "who", "when", "where"},
			},
		},
		Boosts: []Boost{
			// Code fencing and statement-shaped syntax
			{Intent: Code, Points: 10, Pattern: regexp.MustCompile(
				"```|(?m)^\\s*(?:def|func|fn|class|import|package|#include)\\s+\\w+" +
					`|\b(?:const|let|var)\s+\w+\s*=|console\.log\(|system\.out\.|=>|\w+\(\)\s*[;{]`)},
			// Arithmetic and math notation. A minus needs spaces and a slash must
			// not continue into another number, so dates stay out.
			{Intent: MathLogic, Points: 8, Pattern: regexp.MustCompile(
				`\d+(?:\.\d+)?\s*[+*^×÷=]\s*\d+|\d\s+-\s+\d|(?:^|[^\d/.])\d+(?:\.\d+)?\s*/\s*\d+(?:$|[^\d/])` +
					`|\b[a-z]\s*\^\s*\d|[∫∑√π≤≥≠∞]|\b(?:sin|cos|tan|log|ln|sqrt)\s*\(`)},
			// Leading summarize / tldr
			{Intent: Summary, Points: 10, Pattern: regexp.MustCompile(
				`^\s*(?:please\s+|can you\s+|could you\s+)?(?:summari[sz]e|tl;?dr|sum up|give me a summary)\b`)},
			// Leading knowledge-question phrasing
			{Intent: Knowledge, Points: 8, Pattern: regexp.MustCompile(
				`^\s*(?:(?:what|who|when|where|which)\s+(?:is|are|was|were|did|does)\b|tell me about\b|define\b)`)},

			// Short tokens that hide inside ordinary words ("trust", "digit", "access")
			{Intent: Code, Points: WeightHigh, Pattern: regexp.MustCompile(`\brust\b`)},
			{Intent: Code, Points: WeightMedium, Pattern: regexp.MustCompile(`\b(?:git|class(?:es)?|loops?|arrays?|css)\b`)},

			{Intent: Code, Points: 3, Pattern: regexp.MustCompile(`\b(?:implement|snippet|codebase|repo)\b`)},
			{Intent: MathLogic, Points: 3, Pattern: regexp.MustCompile(`\b(?:compute|arithmetic|equals)\b`)},
			{Intent: Reasoning, Points: 3, Pattern: regexp.MustCompile(`\b(?:rationale|justify|deduce|infer)\b`)},
			{Intent: Creative, Points: 3, Pattern: regexp.MustCompile(`\b(?:compose|invent|fictional|whimsical)\b`)},
			{Intent: Summary, Points: 3, Pattern: regexp.MustCompile(`\b(?:shorter version|boil (?:it|this) down)\b`)},
		},
	}
}
