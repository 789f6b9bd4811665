// Package dispatch turns a query into one streamed answer: it classifies
// the query, picks a model, serves repeats from the response cache and
// otherwise streams the answer from the model's backend.
package dispatch

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"inferdispatch/internal/catalog"
	"inferdispatch/internal/core"
	"inferdispatch/internal/intent"
	"inferdispatch/internal/keys"
	"inferdispatch/internal/observability"
	"inferdispatch/internal/ratelimit"
	"inferdispatch/internal/responsecache"
	"inferdispatch/internal/selector"
	"inferdispatch/internal/stream"
	"inferdispatch/internal/tokens"
	"inferdispatch/internal/usage"
)

// ModelCatalog is the part of *catalog.Catalog the dispatcher reads.
type ModelCatalog interface {
	Models(ctx context.Context) []catalog.ModelEntry
	Lookup(id string) (catalog.ModelEntry, bool)
}

// Providers hands out a backend's provider bound to a key.
type Providers interface {
	WithKey(backend catalog.Backend, apiKey string) (core.Provider, error)
}

// KeyResolver resolves the key a user calls a backend with.
type KeyResolver interface {
	Resolve(ctx context.Context, userID, backend string) (keys.Resolved, error)
}

// Request is one user turn.
type Request struct {
	UserID  string
	Text    string
	Images  []core.Attachment
	History []core.Message

	// Memory is long-term context about the user, sent as a system turn.
	Memory string

	// Model pins the answer to a model id and skips selection.
	Model string
	// ActiveModel is the model the conversation currently uses.
	ActiveModel string
	// AutoSwitch overrides the configured default when set.
	AutoSwitch *bool

	ReasoningEffort string
	Temperature     *float64
	MaxTokens       *int
}

// Result describes a completed answer.
type Result struct {
	Text   string
	Model  catalog.ModelEntry
	Intent intent.Result
	Usage  core.Usage

	// Estimated is set when Usage was computed locally.
	Estimated bool
	Cached    bool
	// Switched is set when the selector moved the conversation off
	// ActiveModel.
	Switched  bool
	KeySource keys.Source
}

// Options wires a Dispatcher. Catalog, Providers and Keys are required.
type Options struct {
	Catalog   ModelCatalog
	Providers Providers
	Keys      KeyResolver
	Selector  *selector.Selector
	Cache     *responsecache.Cache
	Limiter   *ratelimit.Limiter
	Tokens    tokens.Counter
	Usage     usage.LoggerInterface
	Retry     ratelimit.Policy

	DefaultModel string
	AutoSwitch   bool
	SystemPrompt string
	// HistoryLimit caps forwarded history; 0 forwards everything.
	HistoryLimit int
}

// Dispatcher is safe for concurrent use.
type Dispatcher struct {
	opts Options
}

func New(opts Options) *Dispatcher {
	if opts.Selector == nil {
		opts.Selector = selector.New(selector.Options{})
	}
	if opts.Tokens == nil {
		opts.Tokens = tokens.Default()
	}
	if opts.Usage == nil {
		opts.Usage = &usage.NoopLogger{}
	}
	return &Dispatcher{opts: opts}
}

// Dispatch answers req, delivering events to emit in order: a status event
// naming the model, text deltas, then exactly one done or error event.
// Every failure is returned as a *core.NormalizedError.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request, emit stream.Emit) (*Result, error) {
	if emit == nil {
		emit = func(stream.Event) {}
	}
	start := time.Now()

	fail := func(backend string, res intent.Result, err error) (*Result, error) {
		nerr := core.Normalize(err, backend)
		emit(stream.Event{Type: stream.EventError, Err: nerr})
		d.observeFailure(backend, res, nerr, start)
		return nil, nerr
	}

	if strings.TrimSpace(req.Text) == "" && len(req.Images) == 0 {
		return fail("", intent.Result{}, core.NewError(core.KindInvalidRequest, "", "empty query"))
	}

	res := intent.Classify(req.Text, len(req.Images) > 0, len(req.History))
	model, switched, err := d.chooseModel(ctx, req, res)
	if err != nil {
		return fail("", res, err)
	}
	backend := string(model.Inference)
	result := &Result{Model: model, Intent: res, Switched: switched}
	emit(stream.ModelEvent(model.ID))

	messages := d.buildMessages(req)
	// Keys ignore attachments, so answers about images are never memoized.
	cacheable := !hasImages(messages)

	if cacheable {
		lookup := d.opts.Cache.Get(ctx, messages, model.ID)
		observability.CacheLookup(lookup.Hit())
		if lookup.Hit() {
			return d.replay(ctx, req, result, lookup.Entry, emit, start), nil
		}
	}

	if d.opts.Limiter != nil {
		if decision := d.opts.Limiter.CheckLimit(limitKey(backend, req.UserID)); !decision.Allowed {
			observability.RateLimited.WithLabelValues(backend).Inc()
			return fail(backend, res, core.NewRateLimitedError(backend, decision.RetryAfter))
		}
	}

	resolved, err := d.opts.Keys.Resolve(ctx, req.UserID, backend)
	if err != nil {
		return fail(backend, res, err)
	}
	result.KeySource = resolved.Source
	userKey := ""
	if resolved.Source == keys.SourceUser {
		userKey = resolved.Key
	}
	provider, err := d.opts.Providers.WithKey(model.Inference, userKey)
	if err != nil {
		return fail(backend, res, err)
	}

	chatReq := &core.ChatRequest{
		Model:           model.ID,
		Messages:        messages,
		Temperature:     req.Temperature,
		MaxTokens:       req.MaxTokens,
		ReasoningEffort: req.ReasoningEffort,
	}
	body, err := ratelimit.RetryWithBackoff(ctx, d.opts.Retry, func(ctx context.Context) (io.ReadCloser, error) {
		return provider.StreamChatCompletion(ctx, chatReq)
	})
	if err != nil {
		return fail(backend, res, err)
	}
	defer func() { _ = body.Close() }()

	var firstDelta bool
	tr := stream.NewTranscoder(stream.ForProvider(backend), backend)
	text, err := tr.Run(ctx, body, func(ev stream.Event) {
		if ev.Type == stream.EventDelta && !firstDelta {
			firstDelta = true
			observability.TimeToFirstDelta.WithLabelValues(backend).Observe(time.Since(start).Seconds())
		}
		emit(ev)
	})
	if err != nil {
		// The transcoder already emitted the terminal error event.
		nerr := core.Normalize(err, backend)
		d.observeFailure(backend, res, nerr, start)
		return nil, nerr
	}

	reported := tr.Usage()
	result.Text = text
	result.Usage = tokens.Fill(d.opts.Tokens, reported, messages, text)
	result.Estimated = reported.TotalTokens == 0 && reported.CompletionTokens == 0

	if cacheable {
		d.opts.Cache.Set(ctx, messages, model.ID, text, result.Usage.CompletionTokens)
	}
	d.record(ctx, req, result, start)
	observability.Dispatch(backend, string(res.Intent), observability.OutcomeSuccess, time.Since(start))
	return result, nil
}

// chooseModel resolves the model for req. A pinned model wins; otherwise
// the selector runs and, unless auto-switch is on, an active model is kept.
func (d *Dispatcher) chooseModel(ctx context.Context, req Request, res intent.Result) (catalog.ModelEntry, bool, error) {
	if req.Model != "" {
		return d.resolveID(req.Model), false, nil
	}

	autoSwitch := d.opts.AutoSwitch
	if req.AutoSwitch != nil {
		autoSwitch = *req.AutoSwitch
	}
	if req.ActiveModel != "" && !autoSwitch {
		return d.resolveID(req.ActiveModel), false, nil
	}

	sw := d.opts.Selector.AutoSwitch(res, d.opts.Catalog.Models(ctx), req.ActiveModel, autoSwitch)
	if sw.Model != nil {
		if sw.Changed && req.ActiveModel != "" {
			observability.ModelSwitches.Inc()
			slog.Debug("switching model", "from", req.ActiveModel, "to", sw.Model.ID, "intent", res.Intent)
		}
		return *sw.Model, sw.Changed && req.ActiveModel != "", nil
	}

	if res.Intent == intent.Vision {
		return catalog.ModelEntry{}, false, core.NewError(core.KindNotFound, "", "no vision-capable model available")
	}
	if req.ActiveModel != "" {
		return d.resolveID(req.ActiveModel), false, nil
	}
	if d.opts.DefaultModel != "" {
		return d.resolveID(d.opts.DefaultModel), false, nil
	}
	return catalog.ModelEntry{}, false, core.NewError(core.KindNotFound, "", "no model available for "+string(res.Intent))
}

// resolveID returns the catalog entry for id, or the entry inferred from
// the id alone when the catalog does not list it.
func (d *Dispatcher) resolveID(id string) catalog.ModelEntry {
	if m, ok := d.opts.Catalog.Lookup(id); ok {
		return m
	}
	if entries := catalog.Normalize([]json.RawMessage{json.RawMessage(strconv.Quote(id))}); len(entries) > 0 {
		return entries[0]
	}
	return catalog.ModelEntry{ID: id, Label: id, Type: catalog.TypeText, Inference: catalog.DefaultBackend}
}

func (d *Dispatcher) buildMessages(req Request) []core.Message {
	history := req.History
	if d.opts.HistoryLimit > 0 && len(history) > d.opts.HistoryLimit {
		history = history[len(history)-d.opts.HistoryLimit:]
	}

	messages := make([]core.Message, 0, len(history)+3)
	if d.opts.SystemPrompt != "" {
		messages = append(messages, core.Message{Role: core.RoleSystem, Content: d.opts.SystemPrompt})
	}
	if memory := strings.TrimSpace(req.Memory); memory != "" {
		messages = append(messages, core.Message{Role: core.RoleSystem, Content: "What you know about the user:\n" + memory})
	}
	messages = append(messages, history...)
	return append(messages, core.Message{Role: core.RoleUser, Content: req.Text, Images: req.Images})
}

// replay answers from a cache entry as a single delta.
func (d *Dispatcher) replay(ctx context.Context, req Request, result *Result, entry responsecache.Entry, emit stream.Emit, start time.Time) *Result {
	emit(stream.Event{Type: stream.EventDelta, Text: entry.Text})
	emit(stream.Event{Type: stream.EventDone, Text: entry.Text})

	result.Text = entry.Text
	result.Cached = true
	result.Usage = core.Usage{CompletionTokens: entry.TokenCount, TotalTokens: entry.TokenCount}
	d.record(ctx, req, result, start)
	observability.Dispatch(string(result.Model.Inference), string(result.Intent.Intent), observability.OutcomeCached, time.Since(start))
	return result
}

func (d *Dispatcher) record(ctx context.Context, req Request, result *Result, start time.Time) {
	entry := usage.NewEntry(core.GetRequestID(ctx), req.UserID)
	entry.Model = result.Model.ID
	entry.Provider = string(result.Model.Inference)
	entry.Intent = string(result.Intent.Intent)
	entry.InputTokens = result.Usage.PromptTokens
	entry.OutputTokens = result.Usage.CompletionTokens
	entry.TotalTokens = result.Usage.TotalTokens
	entry.Estimated = result.Estimated
	entry.Cached = result.Cached
	entry.DurationMs = time.Since(start).Milliseconds()
	d.opts.Usage.Write(entry)
}

func (d *Dispatcher) observeFailure(backend string, res intent.Result, nerr *core.NormalizedError, start time.Time) {
	outcome := observability.OutcomeError
	if nerr.Kind == core.KindCancelled {
		outcome = observability.OutcomeCancelled
	} else {
		observability.DispatchErrors.WithLabelValues(backend, string(nerr.Kind)).Inc()
		slog.Warn("dispatch failed", "backend", backend, "kind", nerr.Kind, "error", nerr.Message)
	}
	observability.Dispatch(backend, string(res.Intent), outcome, time.Since(start))
}

func limitKey(backend, userID string) string {
	return backend + ":" + userID
}

func hasImages(messages []core.Message) bool {
	for _, m := range messages {
		if len(m.Images) > 0 {
			return true
		}
	}
	return false
}
