package dispatch

import (
	"context"
	"encoding/json"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"inferdispatch/internal/catalog"
	"inferdispatch/internal/core"
	"inferdispatch/internal/keys"
	"inferdispatch/internal/ratelimit"
	"inferdispatch/internal/responsecache"
	"inferdispatch/internal/stream"
	"inferdispatch/internal/usage"
)

const openAIBody = "data: {\"choices\":[{\"delta\":{\"content\":\"Paris is the capital\"}}]}\n\n" +
	"data: {\"choices\":[{\"delta\":{\"content\":\" of France.\"}}],\"usage\":{\"prompt_tokens\":12,\"completion_tokens\":6,\"total_tokens\":18}}\n\n" +
	"data: [DONE]\n\n"

const noUsageBody = "data: {\"choices\":[{\"delta\":{\"content\":\"Hello there, how can I help?\"}}]}\n\n" +
	"data: [DONE]\n\n"

type fakeProvider struct {
	mu       sync.Mutex
	name     string
	body     func() io.ReadCloser
	err      error
	calls    int
	requests []*core.ChatRequest
}

func (p *fakeProvider) Name() string { return p.name }

func (p *fakeProvider) ChatCompletion(context.Context, *core.ChatRequest) (*core.ChatResponse, error) {
	return nil, core.NewError(core.KindInvalidRequest, p.name, "not used")
}

func (p *fakeProvider) StreamChatCompletion(_ context.Context, req *core.ChatRequest) (io.ReadCloser, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	p.requests = append(p.requests, req)
	if p.err != nil {
		return nil, p.err
	}
	return p.body(), nil
}

func (p *fakeProvider) ListModels(context.Context) ([]json.RawMessage, error) { return nil, nil }

func (p *fakeProvider) Health(context.Context) error { return nil }

func (p *fakeProvider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

type fakeProviders struct {
	provider *fakeProvider
	keys     []string
}

func (f *fakeProviders) WithKey(backend catalog.Backend, apiKey string) (core.Provider, error) {
	if string(backend) != f.provider.name {
		return nil, core.NewError(core.KindNotFound, string(backend), "backend not configured")
	}
	f.keys = append(f.keys, apiKey)
	return f.provider, nil
}

type fakeCatalog struct {
	models []catalog.ModelEntry
}

func (c *fakeCatalog) Models(context.Context) []catalog.ModelEntry { return c.models }

func (c *fakeCatalog) Lookup(id string) (catalog.ModelEntry, bool) {
	for _, m := range c.models {
		if m.ID == id {
			return m, true
		}
	}
	return catalog.ModelEntry{}, false
}

type recordingUsage struct {
	mu      sync.Mutex
	entries []*usage.UsageEntry
}

func (r *recordingUsage) Write(e *usage.UsageEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, e)
}

func (r *recordingUsage) Config() usage.Config { return usage.Config{Enabled: true} }

func (r *recordingUsage) Close() error { return nil }

func (r *recordingUsage) Entries() []*usage.UsageEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*usage.UsageEntry(nil), r.entries...)
}

type lengthCounter struct{}

func (lengthCounter) Count(text string) int { return (len(text) + 3) / 4 }

var testModels = []catalog.ModelEntry{
	{ID: "llama-3.3-70b-versatile", Label: "Llama 3.3 70B", Type: catalog.TypeText, Provider: "meta", Inference: catalog.BackendGroq},
	{ID: "llama-3.1-8b-instant", Label: "Llama 3.1 8B", Type: catalog.TypeText, Provider: "meta", Inference: catalog.BackendGroq},
}

type harness struct {
	dispatcher *Dispatcher
	provider   *fakeProvider
	providers  *fakeProviders
	cache      *responsecache.Cache
	usage      *recordingUsage
	userKeys   *keys.MemoryStore
}

func newHarness(t *testing.T, body string, mutate func(*Options)) *harness {
	t.Helper()

	provider := &fakeProvider{
		name: "groq",
		body: func() io.ReadCloser { return io.NopCloser(strings.NewReader(body)) },
	}
	store := responsecache.NewMemoryStore(10, time.Hour)
	t.Cleanup(func() { _ = store.Close() })

	h := &harness{
		provider:  provider,
		providers: &fakeProviders{provider: provider},
		cache:     responsecache.New(store, responsecache.Options{}),
		usage:     &recordingUsage{},
		userKeys:  keys.NewMemoryStore(),
	}
	opts := Options{
		Catalog:   &fakeCatalog{models: testModels},
		Providers: h.providers,
		Keys: keys.NewResolver(h.userKeys, keys.Options{
			Global: map[string]string{"groq": "global-key"},
		}),
		Cache:        h.cache,
		Tokens:       lengthCounter{},
		Usage:        h.usage,
		Retry:        ratelimit.Policy{},
		DefaultModel: "llama-3.3-70b-versatile",
		AutoSwitch:   true,
		SystemPrompt: "You are helpful.",
	}
	if mutate != nil {
		mutate(&opts)
	}
	h.dispatcher = New(opts)
	return h
}

type collector struct {
	events []stream.Event
}

func (c *collector) emit(ev stream.Event) { c.events = append(c.events, ev) }

func (c *collector) terminals() []stream.Event {
	var out []stream.Event
	for _, ev := range c.events {
		if ev.Type == stream.EventDone || ev.Type == stream.EventError {
			out = append(out, ev)
		}
	}
	return out
}

func TestDispatch_StreamsAnswer(t *testing.T) {
	h := newHarness(t, openAIBody, nil)
	var c collector

	res, err := h.dispatcher.Dispatch(context.Background(), Request{UserID: "u1", Text: "What is the capital of France?"}, c.emit)
	require.NoError(t, err)

	require.NotEmpty(t, c.events)
	assert.Equal(t, stream.ModelEvent("llama-3.3-70b-versatile"), c.events[0])
	terminals := c.terminals()
	require.Len(t, terminals, 1)
	assert.Equal(t, stream.EventDone, terminals[0].Type)
	assert.Equal(t, c.events[len(c.events)-1], terminals[0])

	assert.Equal(t, "Paris is the capital of France.", res.Text)
	assert.Equal(t, "llama-3.3-70b-versatile", res.Model.ID)
	assert.Equal(t, core.Usage{PromptTokens: 12, CompletionTokens: 6, TotalTokens: 18}, res.Usage)
	assert.False(t, res.Estimated)
	assert.False(t, res.Cached)
	assert.Equal(t, keys.SourceGlobal, res.KeySource)

	require.Len(t, h.provider.requests, 1)
	sent := h.provider.requests[0]
	require.Len(t, sent.Messages, 2)
	assert.Equal(t, core.RoleSystem, sent.Messages[0].Role)
	assert.Equal(t, core.RoleUser, sent.Messages[1].Role)
	assert.Equal(t, []string{""}, h.providers.keys)

	entries := h.usage.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, "u1", entries[0].UserID)
	assert.Equal(t, "groq", entries[0].Provider)
	assert.Equal(t, 18, entries[0].TotalTokens)
}

func TestDispatch_CacheHitOnRepeat(t *testing.T) {
	h := newHarness(t, openAIBody, nil)
	req := Request{UserID: "u1", Text: "What is the capital of France?"}

	_, err := h.dispatcher.Dispatch(context.Background(), req, nil)
	require.NoError(t, err)

	var c collector
	res, err := h.dispatcher.Dispatch(context.Background(), req, c.emit)
	require.NoError(t, err)

	assert.True(t, res.Cached)
	assert.Equal(t, "Paris is the capital of France.", res.Text)
	assert.Equal(t, 1, h.provider.Calls())

	require.Len(t, c.events, 3)
	assert.Equal(t, stream.EventStatus, c.events[0].Type)
	assert.Equal(t, stream.Event{Type: stream.EventDelta, Text: res.Text}, c.events[1])
	assert.Equal(t, stream.EventDone, c.events[2].Type)

	entries := h.usage.Entries()
	require.Len(t, entries, 2)
	assert.True(t, entries[1].Cached)
}

func TestDispatch_ImagesBypassCache(t *testing.T) {
	models := append([]catalog.ModelEntry{
		{ID: "meta-llama/llama-4-scout-17b-16e-instruct", Label: "Llama 4 Scout", Type: catalog.TypeVision, Inference: catalog.BackendGroq, SupportsVision: true},
	}, testModels...)
	h := newHarness(t, openAIBody, func(o *Options) { o.Catalog = &fakeCatalog{models: models} })
	req := Request{
		Text:   "Describe this photo",
		Images: []core.Attachment{{MIMEType: "image/png", Data: "aGVsbG8="}},
	}

	for range 2 {
		res, err := h.dispatcher.Dispatch(context.Background(), req, nil)
		require.NoError(t, err)
		assert.False(t, res.Cached)
		assert.Equal(t, "meta-llama/llama-4-scout-17b-16e-instruct", res.Model.ID)
	}
	assert.Equal(t, 2, h.provider.Calls())
	assert.Equal(t, 0, h.cache.Len(context.Background()))
}

func TestDispatch_VisionWithoutVisionModel(t *testing.T) {
	h := newHarness(t, openAIBody, nil)
	var c collector

	_, err := h.dispatcher.Dispatch(context.Background(), Request{
		Text:   "Describe this photo",
		Images: []core.Attachment{{MIMEType: "image/jpeg", Data: "aGVsbG8="}},
	}, c.emit)

	var nerr *core.NormalizedError
	require.ErrorAs(t, err, &nerr)
	assert.Equal(t, core.KindNotFound, nerr.Kind)
	require.Len(t, c.events, 1)
	assert.Equal(t, stream.EventError, c.events[0].Type)
	assert.Equal(t, 0, h.provider.Calls())
}

func TestDispatch_RateLimited(t *testing.T) {
	h := newHarness(t, openAIBody, func(o *Options) {
		o.Limiter = ratelimit.New(1, time.Minute)
		o.Cache = nil
	})

	_, err := h.dispatcher.Dispatch(context.Background(), Request{UserID: "u1", Text: "first question here"}, nil)
	require.NoError(t, err)

	var c collector
	_, err = h.dispatcher.Dispatch(context.Background(), Request{UserID: "u1", Text: "second question here"}, c.emit)
	var nerr *core.NormalizedError
	require.ErrorAs(t, err, &nerr)
	assert.Equal(t, core.KindRateLimited, nerr.Kind)
	assert.Positive(t, nerr.RetryAfter)

	terminals := c.terminals()
	require.Len(t, terminals, 1)
	assert.Equal(t, stream.EventError, terminals[0].Type)
	assert.Equal(t, 1, h.provider.Calls())

	_, err = h.dispatcher.Dispatch(context.Background(), Request{UserID: "u2", Text: "another user asks"}, nil)
	assert.NoError(t, err)
}

func TestDispatch_EstimatesMissingUsage(t *testing.T) {
	h := newHarness(t, noUsageBody, nil)

	res, err := h.dispatcher.Dispatch(context.Background(), Request{Text: "hello"}, nil)
	require.NoError(t, err)

	assert.True(t, res.Estimated)
	assert.Positive(t, res.Usage.PromptTokens)
	assert.Positive(t, res.Usage.CompletionTokens)
	assert.Equal(t, res.Usage.PromptTokens+res.Usage.CompletionTokens, res.Usage.TotalTokens)

	entries := h.usage.Entries()
	require.Len(t, entries, 1)
	assert.True(t, entries[0].Estimated)
}

func TestDispatch_CancelledMidStream(t *testing.T) {
	pr, pw := io.Pipe()
	h := newHarness(t, "", nil)
	h.provider.body = func() io.ReadCloser {
		go func() {
			_, _ = pw.Write([]byte("data: {\"choices\":[{\"delta\":{\"content\":\"partial answer text\"}}]}\n\n"))
		}()
		return pr
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var c collector
	_, err := h.dispatcher.Dispatch(ctx, Request{Text: "tell me a long story please"}, func(ev stream.Event) {
		c.emit(ev)
		if ev.Type == stream.EventDelta {
			cancel()
		}
	})

	var nerr *core.NormalizedError
	require.ErrorAs(t, err, &nerr)
	assert.Equal(t, core.KindCancelled, nerr.Kind)

	terminals := c.terminals()
	require.Len(t, terminals, 1)
	assert.Equal(t, stream.EventError, terminals[0].Type)
	assert.Equal(t, 0, h.cache.Len(context.Background()))
	assert.Empty(t, h.usage.Entries())
}

func TestDispatch_UpstreamErrorIsTerminal(t *testing.T) {
	h := newHarness(t, "", nil)
	h.provider.err = core.NewError(core.KindAuth, "groq", "invalid api key")

	var c collector
	_, err := h.dispatcher.Dispatch(context.Background(), Request{Text: "What is the capital of France?"}, c.emit)

	var nerr *core.NormalizedError
	require.ErrorAs(t, err, &nerr)
	assert.Equal(t, core.KindAuth, nerr.Kind)
	require.Len(t, c.terminals(), 1)
	assert.Equal(t, 0, h.cache.Len(context.Background()))
}

func TestDispatch_UserKeyIsForwarded(t *testing.T) {
	h := newHarness(t, openAIBody, nil)
	h.userKeys.Put("u1", "groq", keys.UserKey{Key: "user-key", Enabled: true})

	res, err := h.dispatcher.Dispatch(context.Background(), Request{UserID: "u1", Text: "What is the capital of France?"}, nil)
	require.NoError(t, err)

	assert.Equal(t, keys.SourceUser, res.KeySource)
	assert.Equal(t, []string{"user-key"}, h.providers.keys)
}

func TestDispatch_EmptyQuery(t *testing.T) {
	h := newHarness(t, openAIBody, nil)
	var c collector

	_, err := h.dispatcher.Dispatch(context.Background(), Request{Text: "   "}, c.emit)

	var nerr *core.NormalizedError
	require.ErrorAs(t, err, &nerr)
	assert.Equal(t, core.KindInvalidRequest, nerr.Kind)
	require.Len(t, c.events, 1)
	assert.Equal(t, stream.EventError, c.events[0].Type)
}

func TestChooseModel(t *testing.T) {
	off := false
	tests := []struct {
		name    string
		req     Request
		want    string
		changed bool
	}{
		{name: "pinned model", req: Request{Model: "llama-3.1-8b-instant", Text: "hi"}, want: "llama-3.1-8b-instant"},
		{name: "pinned unknown model", req: Request{Model: "gemini-2.5-pro", Text: "hi"}, want: "gemini-2.5-pro"},
		{name: "greeting picks fast", req: Request{Text: "hi"}, want: "llama-3.1-8b-instant"},
		{name: "switches off active", req: Request{Text: "hi", ActiveModel: "llama-3.3-70b-versatile"}, want: "llama-3.1-8b-instant", changed: true},
		{name: "keeps active when disabled", req: Request{Text: "hi", ActiveModel: "llama-3.3-70b-versatile", AutoSwitch: &off}, want: "llama-3.3-70b-versatile"},
	}

	h := newHarness(t, openAIBody, nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := h.dispatcher.Dispatch(context.Background(), tt.req, nil)
			require.NoError(t, err)
			assert.Equal(t, tt.want, res.Model.ID)
			assert.Equal(t, tt.changed, res.Switched)
		})
	}
}

func TestChooseModel_FallsBackToDefault(t *testing.T) {
	h := newHarness(t, openAIBody, func(o *Options) {
		o.Catalog = &fakeCatalog{}
		o.DefaultModel = "llama-3.3-70b-versatile"
	})

	res, err := h.dispatcher.Dispatch(context.Background(), Request{Text: "What is the capital of France?"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "llama-3.3-70b-versatile", res.Model.ID)
	assert.Equal(t, catalog.BackendGroq, res.Model.Inference)
}

func TestBuildMessages_TrimsHistory(t *testing.T) {
	d := New(Options{SystemPrompt: "sys", HistoryLimit: 2})
	history := []core.Message{
		{Role: core.RoleUser, Content: "one"},
		{Role: core.RoleAssistant, Content: "two"},
		{Role: core.RoleUser, Content: "three"},
	}

	got := d.buildMessages(Request{Text: "four", Memory: "likes cats", History: history})

	require.Len(t, got, 5)
	assert.Equal(t, "sys", got[0].Content)
	assert.Equal(t, core.RoleSystem, got[1].Role)
	assert.Contains(t, got[1].Content, "likes cats")
	assert.Equal(t, "two", got[2].Content)
	assert.Equal(t, "three", got[3].Content)
	assert.Equal(t, core.Message{Role: core.RoleUser, Content: "four"}, got[4])
}
