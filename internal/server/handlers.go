// Package server exposes the dispatcher over HTTP: a unified SSE endpoint
// plus catalog, usage, health and metrics routes.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"inferdispatch/internal/catalog"
	"inferdispatch/internal/core"
	"inferdispatch/internal/dispatch"
	"inferdispatch/internal/keys"
	"inferdispatch/internal/stream"
	"inferdispatch/internal/usage"
)

const healthTimeout = 5 * time.Second

// Dispatcher answers one query as a stream of events.
type Dispatcher interface {
	Dispatch(ctx context.Context, req dispatch.Request, emit stream.Emit) (*dispatch.Result, error)
}

type ModelLister interface {
	Models(ctx context.Context) []catalog.ModelEntry
}

type HealthChecker interface {
	Health(ctx context.Context) map[catalog.Backend]error
}

// KeyManager stores users' own upstream keys.
type KeyManager interface {
	Put(userID, backend string, key keys.UserKey) error
	Delete(userID, backend string) error
}

// Deps are the services behind the routes. Usage and Keys may be nil when
// the feature is disabled.
type Deps struct {
	Dispatcher Dispatcher
	Models     ModelLister
	Health     HealthChecker
	Usage      usage.UsageReader
	Keys       KeyManager
}

// Handler holds the HTTP handlers
type Handler struct {
	deps Deps
}

func NewHandler(deps Deps) *Handler {
	return &Handler{deps: deps}
}

type dispatchRequest struct {
	UserID          string            `json:"user_id"`
	Text            string            `json:"text"`
	History         []core.Message    `json:"history"`
	Images          []core.Attachment `json:"images"`
	Model           string            `json:"model"`
	ActiveModel     string            `json:"active_model"`
	AutoSwitch      *bool             `json:"auto_switch"`
	ReasoningEffort string            `json:"reasoning_effort"`
	Temperature     *float64          `json:"temperature"`
	MaxTokens       *int              `json:"max_tokens"`
	Memory          string            `json:"memory"`
}

// Dispatch handles POST /v1/dispatch. Failures found before the first
// frame are plain JSON errors; later ones arrive as error frames.
func (h *Handler) Dispatch(c echo.Context) error {
	var body dispatchRequest
	if err := c.Bind(&body); err != nil {
		return handleError(c, core.NewError(core.KindInvalidRequest, "", "invalid request body: "+err.Error()))
	}
	if strings.TrimSpace(body.Text) == "" && len(body.Images) == 0 {
		return handleError(c, core.NewError(core.KindInvalidRequest, "", "text or images required"))
	}
	if body.UserID == "" {
		body.UserID = c.Request().Header.Get("X-User-ID")
	}

	ctx := core.WithUserID(c.Request().Context(), body.UserID)

	res := c.Response()
	res.Header().Set("Content-Type", "text/event-stream")
	res.Header().Set("Cache-Control", "no-cache")
	res.Header().Set("Connection", "keep-alive")
	res.WriteHeader(http.StatusOK)

	enc := stream.NewEncoder(res)
	writeFailed := false
	_, err := h.deps.Dispatcher.Dispatch(ctx, dispatch.Request{
		UserID:          body.UserID,
		Text:            body.Text,
		Images:          body.Images,
		History:         body.History,
		Memory:          body.Memory,
		Model:           body.Model,
		ActiveModel:     body.ActiveModel,
		AutoSwitch:      body.AutoSwitch,
		ReasoningEffort: body.ReasoningEffort,
		Temperature:     body.Temperature,
		MaxTokens:       body.MaxTokens,
	}, func(ev stream.Event) {
		if writeFailed {
			return
		}
		if err := enc.Encode(ev); err != nil {
			// Client went away; the request context ends the dispatch.
			writeFailed = true
			slog.Debug("stream write failed", "error", err)
		}
	})
	if err != nil {
		slog.Debug("dispatch ended with error", "request_id", core.GetRequestID(ctx), "error", err)
	}
	// Headers are sent, errors have been written as frames.
	return nil
}

// ListModels handles GET /v1/models
func (h *Handler) ListModels(c echo.Context) error {
	models := h.deps.Models.Models(c.Request().Context())
	if models == nil {
		models = []catalog.ModelEntry{}
	}
	return c.JSON(http.StatusOK, map[string]any{
		"object": "list",
		"data":   models,
	})
}

// Usage handles GET /v1/usage. The window is set with since (RFC 3339) or
// days, and user_id narrows it to one user.
func (h *Handler) Usage(c echo.Context) error {
	if h.deps.Usage == nil {
		return handleError(c, core.NewError(core.KindNotFound, "", "usage tracking is disabled"))
	}

	q := usage.Query{UserID: c.QueryParam("user_id")}
	if s := c.QueryParam("since"); s != "" {
		since, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return handleError(c, core.NewError(core.KindInvalidRequest, "", "invalid since: "+err.Error()))
		}
		q.Since = since
	} else if d := c.QueryParam("days"); d != "" {
		days, err := strconv.Atoi(d)
		if err != nil || days <= 0 {
			return handleError(c, core.NewError(core.KindInvalidRequest, "", "invalid days: "+d))
		}
		q.Since = time.Now().UTC().AddDate(0, 0, -days)
	}

	summaries, err := h.deps.Usage.Summary(c.Request().Context(), q)
	if err != nil {
		return handleError(c, err)
	}
	if summaries == nil {
		summaries = []usage.ProviderSummary{}
	}
	return c.JSON(http.StatusOK, map[string]any{"data": summaries})
}

type putKeyRequest struct {
	UserID  string `json:"user_id"`
	Key     string `json:"key"`
	Enabled *bool  `json:"enabled"`
}

// PutKey handles PUT /v1/keys/:backend. Keys are enabled unless the body
// says otherwise.
func (h *Handler) PutKey(c echo.Context) error {
	backend, err := h.keyBackend(c)
	if err != nil {
		return handleError(c, err)
	}
	var body putKeyRequest
	if err := c.Bind(&body); err != nil {
		return handleError(c, core.NewError(core.KindInvalidRequest, "", "invalid request body: "+err.Error()))
	}
	if body.UserID == "" {
		body.UserID = c.Request().Header.Get("X-User-ID")
	}
	if body.UserID == "" || strings.TrimSpace(body.Key) == "" {
		return handleError(c, core.NewError(core.KindInvalidRequest, "", "user_id and key are required"))
	}
	enabled := body.Enabled == nil || *body.Enabled

	if err := h.deps.Keys.Put(body.UserID, backend, keys.UserKey{Key: strings.TrimSpace(body.Key), Enabled: enabled}); err != nil {
		return handleError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// DeleteKey handles DELETE /v1/keys/:backend?user_id=...
func (h *Handler) DeleteKey(c echo.Context) error {
	backend, err := h.keyBackend(c)
	if err != nil {
		return handleError(c, err)
	}
	userID := c.QueryParam("user_id")
	if userID == "" {
		userID = c.Request().Header.Get("X-User-ID")
	}
	if userID == "" {
		return handleError(c, core.NewError(core.KindInvalidRequest, "", "user_id is required"))
	}
	if err := h.deps.Keys.Delete(userID, backend); err != nil {
		return handleError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) keyBackend(c echo.Context) (string, error) {
	if h.deps.Keys == nil {
		return "", core.NewError(core.KindNotFound, "", "user keys are disabled")
	}
	backend, ok := catalog.ParseBackend(c.Param("backend"))
	if !ok {
		return "", core.NewError(core.KindInvalidRequest, "", "unknown backend: "+c.Param("backend"))
	}
	return string(backend), nil
}

// Health handles GET /health. It answers 503 only when every configured
// backend fails its probe.
func (h *Handler) Health(c echo.Context) error {
	if h.deps.Health == nil {
		return c.JSON(http.StatusOK, map[string]any{"status": "ok"})
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), healthTimeout)
	defer cancel()

	results := h.deps.Health.Health(ctx)
	providers := make(map[string]string, len(results))
	failed := 0
	for backend, err := range results {
		if err != nil {
			failed++
			providers[string(backend)] = core.Normalize(err, string(backend)).UserMessage
			continue
		}
		providers[string(backend)] = "ok"
	}

	status, code := "ok", http.StatusOK
	switch {
	case failed > 0 && failed == len(results):
		status, code = "unavailable", http.StatusServiceUnavailable
	case failed > 0:
		status = "degraded"
	}
	return c.JSON(code, map[string]any{
		"status":    status,
		"providers": providers,
	})
}

// handleError converts normalized errors to HTTP responses
func handleError(c echo.Context, err error) error {
	nerr := core.Normalize(err, "")
	return c.JSON(nerr.HTTPStatusCode(), nerr.ToJSON())
}
