package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"inferdispatch/internal/catalog"
	"inferdispatch/internal/core"
	"inferdispatch/internal/dispatch"
	"inferdispatch/internal/keys"
	"inferdispatch/internal/stream"
	"inferdispatch/internal/usage"
)

type fakeDispatcher struct {
	events []stream.Event
	err    error
	got    dispatch.Request
	userID string
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, req dispatch.Request, emit stream.Emit) (*dispatch.Result, error) {
	f.got = req
	f.userID = core.GetUserID(ctx)
	for _, ev := range f.events {
		emit(ev)
	}
	if f.err != nil {
		return nil, f.err
	}
	return &dispatch.Result{}, nil
}

type fakeModels []catalog.ModelEntry

func (f fakeModels) Models(context.Context) []catalog.ModelEntry { return f }

type fakeHealth map[catalog.Backend]error

func (f fakeHealth) Health(context.Context) map[catalog.Backend]error { return f }

type fakeUsage struct {
	summaries []usage.ProviderSummary
	err       error
	got       usage.Query
}

func (f *fakeUsage) Summary(_ context.Context, q usage.Query) ([]usage.ProviderSummary, error) {
	f.got = q
	return f.summaries, f.err
}

type fakeKeys struct {
	stored  map[string]keys.UserKey
	deleted []string
}

func (f *fakeKeys) Put(userID, backend string, key keys.UserKey) error {
	if f.stored == nil {
		f.stored = make(map[string]keys.UserKey)
	}
	f.stored[userID+"/"+backend] = key
	return nil
}

func (f *fakeKeys) Delete(userID, backend string) error {
	f.deleted = append(f.deleted, userID+"/"+backend)
	return nil
}

func newTestServer(deps Deps) *Server {
	if deps.Dispatcher == nil {
		deps.Dispatcher = &fakeDispatcher{}
	}
	if deps.Models == nil {
		deps.Models = fakeModels{}
	}
	return New(deps, nil)
}

func postJSON(srv http.Handler, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	return rec
}

func TestDispatch_StreamsUnifiedFrames(t *testing.T) {
	d := &fakeDispatcher{events: []stream.Event{
		stream.ModelEvent("llama-3.3-70b-versatile"),
		{Type: stream.EventDelta, Text: "Hi"},
		{Type: stream.EventDone, Text: "Hi"},
	}}
	srv := newTestServer(Deps{Dispatcher: d})

	rec := postJSON(srv, "/v1/dispatch", `{"user_id":"u1","text":"hello","active_model":"m0","auto_switch":false,"max_tokens":64}`)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t,
		"data: {\"status\":\"model:llama-3.3-70b-versatile\"}\n\n"+
			"data: {\"delta\":\"Hi\"}\n\n"+
			"data: [DONE]\n\n",
		rec.Body.String())

	assert.Equal(t, "u1", d.got.UserID)
	assert.Equal(t, "u1", d.userID)
	assert.Equal(t, "hello", d.got.Text)
	assert.Equal(t, "m0", d.got.ActiveModel)
	require.NotNil(t, d.got.AutoSwitch)
	assert.False(t, *d.got.AutoSwitch)
	require.NotNil(t, d.got.MaxTokens)
	assert.Equal(t, 64, *d.got.MaxTokens)
}

func TestDispatch_ErrorFrame(t *testing.T) {
	nerr := core.NewRateLimitedError("groq", 3*time.Second)
	d := &fakeDispatcher{
		events: []stream.Event{{Type: stream.EventError, Err: nerr}},
		err:    nerr,
	}
	srv := newTestServer(Deps{Dispatcher: d})

	rec := postJSON(srv, "/v1/dispatch", `{"text":"hello"}`)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"code":"rate_limited"`)
	assert.Contains(t, rec.Body.String(), `"status":429`)
}

func TestDispatch_UserIDHeaderFallback(t *testing.T) {
	d := &fakeDispatcher{}
	srv := newTestServer(Deps{Dispatcher: d})

	req := httptest.NewRequest(http.MethodPost, "/v1/dispatch", strings.NewReader(`{"text":"hello"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-User-ID", "header-user")
	srv.ServeHTTP(httptest.NewRecorder(), req)

	assert.Equal(t, "header-user", d.got.UserID)
}

func TestDispatch_RejectsBadRequests(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "malformed json", body: `{"text":`},
		{name: "empty text", body: `{"text":"   "}`},
		{name: "no content", body: `{}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := &fakeDispatcher{}
			srv := newTestServer(Deps{Dispatcher: d})

			rec := postJSON(srv, "/v1/dispatch", tt.body)

			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Contains(t, rec.Body.String(), `"type":"invalid_request"`)
			assert.Empty(t, d.got.Text)
		})
	}
}

func TestDispatch_ImagesOnly(t *testing.T) {
	d := &fakeDispatcher{}
	srv := newTestServer(Deps{Dispatcher: d})

	rec := postJSON(srv, "/v1/dispatch", `{"images":[{"mime_type":"image/png","data":"aGVsbG8="}]}`)

	assert.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, d.got.Images, 1)
	assert.Equal(t, "image/png", d.got.Images[0].MIMEType)
}

func TestListModels(t *testing.T) {
	srv := newTestServer(Deps{Models: fakeModels{
		{ID: "llama-3.3-70b-versatile", Label: "Llama 3.3 70B", Type: catalog.TypeText, Inference: catalog.BackendGroq},
	}})

	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Object string               `json:"object"`
		Data   []catalog.ModelEntry `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "list", body.Object)
	require.Len(t, body.Data, 1)
	assert.Equal(t, catalog.BackendGroq, body.Data[0].Inference)
}

func TestListModels_EmptyCatalog(t *testing.T) {
	srv := New(Deps{Dispatcher: &fakeDispatcher{}, Models: fakeModels(nil)}, nil)

	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	assert.JSONEq(t, `{"object":"list","data":[]}`, rec.Body.String())
}

func TestUsage(t *testing.T) {
	t.Run("disabled", func(t *testing.T) {
		srv := newTestServer(Deps{})
		req := httptest.NewRequest(http.MethodGet, "/v1/usage", nil)
		rec := httptest.NewRecorder()
		srv.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("since and user filter", func(t *testing.T) {
		u := &fakeUsage{summaries: []usage.ProviderSummary{{Provider: "groq", Requests: 2, TotalTokens: 22}}}
		srv := newTestServer(Deps{Usage: u})

		req := httptest.NewRequest(http.MethodGet, "/v1/usage?since=2026-01-02T00:00:00Z&user_id=u1", nil)
		rec := httptest.NewRecorder()
		srv.ServeHTTP(rec, req)

		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "u1", u.got.UserID)
		assert.Equal(t, time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC), u.got.Since.UTC())
		assert.Contains(t, rec.Body.String(), `"groq"`)
	})

	t.Run("days window", func(t *testing.T) {
		u := &fakeUsage{}
		srv := newTestServer(Deps{Usage: u})

		req := httptest.NewRequest(http.MethodGet, "/v1/usage?days=7", nil)
		rec := httptest.NewRecorder()
		srv.ServeHTTP(rec, req)

		require.Equal(t, http.StatusOK, rec.Code)
		assert.WithinDuration(t, time.Now().AddDate(0, 0, -7), u.got.Since, time.Minute)
		assert.JSONEq(t, `{"data":[]}`, rec.Body.String())
	})

	t.Run("bad parameters", func(t *testing.T) {
		srv := newTestServer(Deps{Usage: &fakeUsage{}})
		for _, q := range []string{"since=yesterday", "days=-1", "days=abc"} {
			req := httptest.NewRequest(http.MethodGet, "/v1/usage?"+q, nil)
			rec := httptest.NewRecorder()
			srv.ServeHTTP(rec, req)
			assert.Equal(t, http.StatusBadRequest, rec.Code, q)
		}
	})

	t.Run("reader failure", func(t *testing.T) {
		srv := newTestServer(Deps{Usage: &fakeUsage{err: errors.New("db down")}})
		req := httptest.NewRequest(http.MethodGet, "/v1/usage", nil)
		rec := httptest.NewRecorder()
		srv.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
	})
}

func TestHealth(t *testing.T) {
	tests := []struct {
		name       string
		health     HealthChecker
		wantCode   int
		wantStatus string
	}{
		{name: "no checker", wantCode: http.StatusOK, wantStatus: "ok"},
		{
			name:       "all healthy",
			health:     fakeHealth{catalog.BackendGroq: nil, catalog.BackendGemini: nil},
			wantCode:   http.StatusOK,
			wantStatus: "ok",
		},
		{
			name:       "one failing",
			health:     fakeHealth{catalog.BackendGroq: nil, catalog.BackendGemini: core.NewError(core.KindNetwork, "gemini", "dial tcp")},
			wantCode:   http.StatusOK,
			wantStatus: "degraded",
		},
		{
			name:       "all failing",
			health:     fakeHealth{catalog.BackendGroq: errors.New("connection refused")},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: "unavailable",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newTestServer(Deps{Health: tt.health})

			req := httptest.NewRequest(http.MethodGet, "/health", nil)
			rec := httptest.NewRecorder()
			srv.ServeHTTP(rec, req)

			assert.Equal(t, tt.wantCode, rec.Code)
			var body map[string]any
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tt.wantStatus, body["status"])
		})
	}
}

func TestKeys(t *testing.T) {
	t.Run("put enables by default", func(t *testing.T) {
		k := &fakeKeys{}
		srv := newTestServer(Deps{Keys: k})

		req := httptest.NewRequest(http.MethodPut, "/v1/keys/Groq", strings.NewReader(`{"user_id":"u1","key":" gsk-user "}`))
		req.Header.Set("Content-Type", "application/json")
		rec := httptest.NewRecorder()
		srv.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusNoContent, rec.Code)
		assert.Equal(t, keys.UserKey{Key: "gsk-user", Enabled: true}, k.stored["u1/groq"])
	})

	t.Run("put disabled", func(t *testing.T) {
		k := &fakeKeys{}
		srv := newTestServer(Deps{Keys: k})

		req := httptest.NewRequest(http.MethodPut, "/v1/keys/gemini", strings.NewReader(`{"key":"g","enabled":false}`))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-User-ID", "u2")
		rec := httptest.NewRecorder()
		srv.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusNoContent, rec.Code)
		assert.False(t, k.stored["u2/gemini"].Enabled)
	})

	t.Run("delete", func(t *testing.T) {
		k := &fakeKeys{}
		srv := newTestServer(Deps{Keys: k})

		req := httptest.NewRequest(http.MethodDelete, "/v1/keys/openrouter?user_id=u1", nil)
		rec := httptest.NewRecorder()
		srv.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusNoContent, rec.Code)
		assert.Equal(t, []string{"u1/openrouter"}, k.deleted)
	})

	t.Run("rejections", func(t *testing.T) {
		tests := []struct {
			name   string
			deps   Deps
			method string
			path   string
			body   string
			want   int
		}{
			{name: "disabled", method: http.MethodDelete, path: "/v1/keys/groq?user_id=u1", want: http.StatusNotFound},
			{name: "unknown backend", deps: Deps{Keys: &fakeKeys{}}, method: http.MethodDelete, path: "/v1/keys/cohere?user_id=u1", want: http.StatusBadRequest},
			{name: "missing user", deps: Deps{Keys: &fakeKeys{}}, method: http.MethodDelete, path: "/v1/keys/groq", want: http.StatusBadRequest},
			{name: "missing key", deps: Deps{Keys: &fakeKeys{}}, method: http.MethodPut, path: "/v1/keys/groq", body: `{"user_id":"u1"}`, want: http.StatusBadRequest},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				srv := newTestServer(tt.deps)
				req := httptest.NewRequest(tt.method, tt.path, strings.NewReader(tt.body))
				req.Header.Set("Content-Type", "application/json")
				rec := httptest.NewRecorder()
				srv.ServeHTTP(rec, req)
				assert.Equal(t, tt.want, rec.Code)
			})
		}
	})
}
