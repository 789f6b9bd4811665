// Package selector picks a concrete model for a classified query from
// curated candidate groups.
package selector

import (
	"strings"

	"inferdispatch/internal/catalog"
	"inferdispatch/internal/intent"
)

// Group names. Each group holds roughly equivalent models at one
// capability tier.
const (
	GroupFast      = "fast_8b"
	GroupVersatile = "versatile_70b"
	GroupDeep      = "deep_120b"
	GroupCoder     = "coder"
	GroupReasoning = "reasoning"
	GroupCreative  = "creative"
	GroupVision    = "vision"
)

// DefaultGroups maps group names to lower-case id/label substrings.
var DefaultGroups = map[string][]string{
	GroupFast: {
		"llama-3.1-8b", "llama3.1:8b", "llama-3.2-3b", "llama3.2", "gemma2-9b",
		"gemini-2.0-flash-lite", "gemini-2.5-flash-lite", "qwen3:8b", "mistral-7b", "claude-3-5-haiku",
	},
	GroupVersatile: {
		"llama-3.3-70b", "llama-3.1-70b", "llama3.3", "llama3.1:70b", "gemini-2.0-flash",
		"gemini-2.5-flash", "claude-3-5-sonnet", "mixtral-8x7b", "qwen-2.5-72b", "qwen2.5:72b",
	},
	GroupDeep: {
		"gpt-oss-120b", "llama-4-maverick", "kimi-k2", "gemini-2.5-pro", "claude-sonnet-4",
		"claude-opus-4", "deepseek-v3", "deepseek-chat", "qwen3-235b", "gpt-oss:120b",
	},
	GroupCoder: {
		"qwen-2.5-coder", "qwen2.5-coder", "qwen3-coder", "codestral", "devstral",
		"deepseek-coder", "codellama", "kimi-k2",
	},
	GroupReasoning: {
		"deepseek-r1", "qwq", "gpt-oss", "qwen3-32b", "magistral", "o3", "o4-mini",
		"gemini-2.5-pro", "claude-3-7-sonnet",
	},
	GroupCreative: {
		"kimi-k2", "llama-4-maverick", "mistral-saba", "mistral-large", "claude-sonnet-4",
		"gemini-2.5-pro", "gemma2-9b",
	},
	GroupVision: {
		"llama-4-scout", "llama-4-maverick", "gemini", "gemma-3", "llava", "pixtral",
		"qwen2.5-vl", "qwen-vl", "gpt-4o", "claude", "minicpm-v",
	},
}

// DefaultPlans is the ordered group list walked for each intent. Vision is
// not listed: it only ever uses GroupVision.
var DefaultPlans = map[intent.Intent][]string{
	intent.Code:      {GroupCoder, GroupDeep, GroupVersatile},
	intent.MathLogic: {GroupReasoning, GroupDeep, GroupVersatile},
	intent.Reasoning: {GroupReasoning, GroupDeep, GroupVersatile},
	intent.Creative:  {GroupCreative, GroupVersatile, GroupFast},
	intent.FastChat:  {GroupFast, GroupVersatile},
	intent.Summary:   {GroupVersatile, GroupFast},
	intent.Knowledge: {GroupVersatile, GroupDeep, GroupFast},
	intent.General:   {GroupVersatile, GroupFast, GroupDeep},
}

// DefaultProviderPriority breaks ties inside a group.
var DefaultProviderPriority = []catalog.Backend{
	catalog.BackendGroq,
	catalog.BackendOpenRouter,
	catalog.BackendGemini,
	catalog.BackendAnthropic,
	catalog.BackendOllama,
}

// Options configures a Selector. Zero values use the defaults above.
type Options struct {
	// SupportedBackends restricts selection to backends usable in the
	// current execution context. Empty allows every backend.
	SupportedBackends []catalog.Backend
	ProviderPriority  []catalog.Backend
	Groups            map[string][]string
	Plans             map[intent.Intent][]string
}

// Selector is immutable and safe for concurrent use.
type Selector struct {
	supported map[catalog.Backend]bool
	rank      map[catalog.Backend]int
	groups    map[string][]string
	plans     map[intent.Intent][]string
}

func New(opts Options) *Selector {
	s := &Selector{
		groups: opts.Groups,
		plans:  opts.Plans,
		rank:   make(map[catalog.Backend]int),
	}
	if s.groups == nil {
		s.groups = DefaultGroups
	}
	if s.plans == nil {
		s.plans = DefaultPlans
	}
	priority := opts.ProviderPriority
	if len(priority) == 0 {
		priority = DefaultProviderPriority
	}
	for i, b := range priority {
		if _, dup := s.rank[b]; !dup {
			s.rank[b] = i
		}
	}
	if len(opts.SupportedBackends) > 0 {
		s.supported = make(map[catalog.Backend]bool, len(opts.SupportedBackends))
		for _, b := range opts.SupportedBackends {
			s.supported[b] = true
		}
	}
	return s
}

// Select returns the model to use for res, or nil when no candidate group
// matches an available model. Vision queries only ever get a model from the
// vision group that supports image input.
func (s *Selector) Select(res intent.Result, models []catalog.ModelEntry) *catalog.ModelEntry {
	available := s.filter(models, func(m catalog.ModelEntry) bool {
		return s.supported == nil || s.supported[m.Inference]
	})

	if res.Intent == intent.Vision {
		vision := s.filter(available, func(m catalog.ModelEntry) bool { return m.SupportsVision })
		return s.pick(GroupVision, vision)
	}

	// Attached images survive only on vision-capable models, so prefer them
	// when any match the plan.
	if res.HasImages {
		vision := s.filter(available, func(m catalog.ModelEntry) bool { return m.SupportsVision })
		if m := s.walk(res.Intent, vision); m != nil {
			return m
		}
	}
	return s.walk(res.Intent, available)
}

// Switch is the outcome of AutoSwitch.
type Switch struct {
	// Model is the selected model; nil when nothing matched.
	Model *catalog.ModelEntry
	// Changed is set when the caller should move off activeID.
	Changed bool
}

// AutoSwitch selects a model and reports whether it should replace the
// active one. Nothing changes unless enabled.
func (s *Selector) AutoSwitch(res intent.Result, models []catalog.ModelEntry, activeID string, enabled bool) Switch {
	m := s.Select(res, models)
	return Switch{
		Model:   m,
		Changed: enabled && m != nil && m.ID != activeID,
	}
}

func (s *Selector) walk(in intent.Intent, models []catalog.ModelEntry) *catalog.ModelEntry {
	plan, ok := s.plans[in]
	if !ok {
		plan = s.plans[intent.General]
	}
	for _, group := range plan {
		if m := s.pick(group, models); m != nil {
			return m
		}
	}
	return nil
}

// pick returns the best ranked model matching group; earlier models win
// ties.
func (s *Selector) pick(group string, models []catalog.ModelEntry) *catalog.ModelEntry {
	patterns := s.groups[group]
	best, bestRank := -1, 0
	for i, m := range models {
		if !matches(m, patterns) {
			continue
		}
		r := s.rankOf(m.Inference)
		if best < 0 || r < bestRank {
			best, bestRank = i, r
		}
	}
	if best < 0 {
		return nil
	}
	m := models[best]
	return &m
}

func (s *Selector) rankOf(b catalog.Backend) int {
	if r, ok := s.rank[b]; ok {
		return r
	}
	return len(s.rank)
}

func (s *Selector) filter(models []catalog.ModelEntry, keep func(catalog.ModelEntry) bool) []catalog.ModelEntry {
	out := make([]catalog.ModelEntry, 0, len(models))
	for _, m := range models {
		if keep(m) {
			out = append(out, m)
		}
	}
	return out
}

func matches(m catalog.ModelEntry, patterns []string) bool {
	id := strings.ToLower(m.ID)
	label := strings.ToLower(m.Label)
	for _, p := range patterns {
		if strings.Contains(id, p) || strings.Contains(label, p) {
			return true
		}
	}
	return false
}
