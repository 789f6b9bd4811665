package catalog

import (
	"encoding/json"
	"strings"

	"github.com/tidwall/gjson"
)

// ModelType is the coarse capability class of a model.
type ModelType string

const (
	TypeText   ModelType = "text"
	TypeVision ModelType = "vision"
	TypeReason ModelType = "reason"
)

// Backend names an upstream inference service.
type Backend string

const (
	BackendGroq       Backend = "groq"
	BackendOpenRouter Backend = "openrouter"
	BackendGemini     Backend = "gemini"
	BackendAnthropic  Backend = "anthropic"
	BackendOllama     Backend = "ollama"
)

// DefaultBackend serves models whose backend cannot be inferred.
const DefaultBackend = BackendGroq

// Backends lists every supported backend.
var Backends = []Backend{BackendGroq, BackendOpenRouter, BackendGemini, BackendAnthropic, BackendOllama}

// ParseBackend reports whether s names a supported backend.
func ParseBackend(s string) (Backend, bool) {
	b := Backend(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Backends {
		if b == known {
			return b, true
		}
	}
	return "", false
}

// UnknownProvider is the display name used when no brand matches.
const UnknownProvider = "Unknown"

// ModelEntry is a normalized catalog entry. Entries are values and are
// never modified after Normalize returns them.
type ModelEntry struct {
	ID             string    `json:"id"`
	Label          string    `json:"label"`
	Type           ModelType `json:"type"`
	Provider       string    `json:"provider"`
	Inference      Backend   `json:"inference"`
	HasReasoning   bool      `json:"has_reasoning"`
	SupportsVision bool      `json:"supports_vision"`
}

var (
	idKeys        = []string{"id", "model", "modelid", "model_id", "name"}
	labelKeys     = []string{"label", "displayname", "display_name", "name"}
	typeKeys      = []string{"type"}
	backendKeys   = []string{"inference", "backend"}
	reasoningKeys = []string{"reasoning", "hasreasoning", "has_reasoning", "thinking"}
	visionKeys    = []string{"vision", "supportsvision", "supports_vision"}
)

// Normalize turns raw descriptors into entries. A descriptor is either a
// JSON string holding the id or an object; object keys match
// case-insensitively. Descriptors without an id, malformed JSON and
// repeated ids are dropped.
func Normalize(raw []json.RawMessage) []ModelEntry {
	return normalize(raw, "", make(map[string]struct{}, len(raw)))
}

// normalize uses hint as the backend of descriptors that name none; seen
// carries ids already emitted by earlier sources.
func normalize(raw []json.RawMessage, hint Backend, seen map[string]struct{}) []ModelEntry {
	entries := make([]ModelEntry, 0, len(raw))
	for _, r := range raw {
		e, ok := normalizeOne(r, hint)
		if !ok {
			continue
		}
		if _, dup := seen[e.ID]; dup {
			continue
		}
		seen[e.ID] = struct{}{}
		entries = append(entries, e)
	}
	return entries
}

func normalizeOne(raw json.RawMessage, hint Backend) (ModelEntry, bool) {
	if !gjson.ValidBytes(raw) {
		return ModelEntry{}, false
	}
	v := gjson.ParseBytes(raw)

	switch {
	case v.Type == gjson.String:
		id := cleanID(v.String())
		if id == "" {
			return ModelEntry{}, false
		}
		return build(id, "", nil, hint), true
	case v.IsObject():
		f := foldKeys(v)
		id := cleanID(f.str(idKeys...))
		if id == "" {
			return ModelEntry{}, false
		}
		return build(id, strings.TrimSpace(f.str(labelKeys...)), f, hint), true
	}
	return ModelEntry{}, false
}

// cleanID trims whitespace and the "models/" resource prefix Gemini uses.
func cleanID(s string) string {
	return strings.TrimPrefix(strings.TrimSpace(s), "models/")
}

func build(id, label string, f fields, hint Backend) ModelEntry {
	if label == "" {
		label = id
	}
	lowerID := strings.ToLower(id)
	haystack := lowerID + " " + strings.ToLower(label)

	e := ModelEntry{ID: id, Label: label}

	e.SupportsVision = matchesAny(haystack, visionPatterns) || f.flag(visionKeys...) || f.imageInput()
	e.HasReasoning = matchesAny(lowerID, reasoningPatterns) || isOSeries(lowerID) || f.flag(reasoningKeys...)

	switch t := ModelType(strings.ToLower(f.str(typeKeys...))); {
	case t == TypeText || t == TypeVision || t == TypeReason:
		e.Type = t
	case e.SupportsVision:
		e.Type = TypeVision
	case e.HasReasoning:
		e.Type = TypeReason
	default:
		e.Type = TypeText
	}
	if e.Type == TypeVision {
		e.SupportsVision = true
	}
	if e.Type == TypeReason {
		e.HasReasoning = true
	}

	if b, ok := ParseBackend(f.str(backendKeys...)); ok {
		e.Inference = b
	} else if hint != "" {
		e.Inference = hint
	} else {
		e.Inference = inferBackend(lowerID)
	}

	e.Provider = brand(haystack, lowerID)
	return e
}

// fields indexes an object's members by lower-cased key. The first member
// wins when keys collide after folding.
type fields map[string]gjson.Result

func foldKeys(obj gjson.Result) fields {
	f := make(fields)
	obj.ForEach(func(k, v gjson.Result) bool {
		key := strings.ToLower(k.String())
		if _, ok := f[key]; !ok {
			f[key] = v
		}
		return true
	})
	return f
}

func (f fields) str(keys ...string) string {
	for _, k := range keys {
		if v, ok := f[k]; ok && v.Type == gjson.String && v.String() != "" {
			return v.String()
		}
	}
	return ""
}

func (f fields) flag(keys ...string) bool {
	for _, k := range keys {
		v, ok := f[k]
		if !ok {
			continue
		}
		switch v.Type {
		case gjson.True:
			return true
		case gjson.String:
			// e.g. "reasoning": "low" or "thinking": "enabled"
			s := strings.ToLower(v.String())
			if s != "" && s != "false" && s != "none" && s != "disabled" {
				return true
			}
		case gjson.JSON:
			return v.IsObject() || len(v.Array()) > 0
		}
	}
	return false
}

// imageInput reads OpenRouter style architecture.input_modalities and the
// flat input_modalities / modalities arrays.
func (f fields) imageInput() bool {
	var lists []gjson.Result
	if arch, ok := f["architecture"]; ok {
		lists = append(lists, arch.Get("input_modalities"))
	}
	if v, ok := f["input_modalities"]; ok {
		lists = append(lists, v)
	}
	if v, ok := f["modalities"]; ok {
		lists = append(lists, v)
	}
	for _, l := range lists {
		for _, m := range l.Array() {
			if strings.EqualFold(m.String(), "image") {
				return true
			}
		}
	}
	return false
}

func matchesAny(s string, patterns []string) bool {
	for _, p := range patterns {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}

func inferBackend(lowerID string) Backend {
	for _, rule := range backendRules {
		if rule.match(lowerID) {
			return rule.backend
		}
	}
	return DefaultBackend
}

func brand(haystack, lowerID string) string {
	for _, b := range brands {
		if matchesAny(haystack, b.patterns) {
			return b.name
		}
	}
	if isOSeries(lowerID) {
		return "OpenAI"
	}
	return UnknownProvider
}

// HasReasoning reports whether a model id is known to emit a reasoning
// phase.
func HasReasoning(id string) bool {
	lowerID := strings.ToLower(cleanID(id))
	return matchesAny(lowerID, reasoningPatterns) || isOSeries(lowerID)
}

// isOSeries matches o1/o3/o4 style ids, with or without a vendor prefix.
func isOSeries(lowerID string) bool {
	if i := strings.LastIndexByte(lowerID, '/'); i >= 0 {
		lowerID = lowerID[i+1:]
	}
	return len(lowerID) >= 2 && lowerID[0] == 'o' && lowerID[1] >= '0' && lowerID[1] <= '9'
}
