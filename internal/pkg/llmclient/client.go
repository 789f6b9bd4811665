// Package llmclient is the shared HTTP transport behind every provider
// client: request building, retries, a circuit breaker and error
// normalization at the upstream boundary.
package llmclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"inferdispatch/internal/core"
	"inferdispatch/internal/httpclient"
	"inferdispatch/internal/ratelimit"
)

// maxErrorBody caps how much of a failed response is read for parsing.
const maxErrorBody = 1 << 20

// Config holds the per-provider transport settings.
type Config struct {
	// ProviderName tags every normalized error.
	ProviderName string
	BaseURL      string

	// Retry applies to Do and DoRaw. Streams are never retried here.
	Retry ratelimit.Policy

	// CircuitBreaker is disabled when nil.
	CircuitBreaker *CircuitBreakerConfig
}

// DefaultConfig returns the standard settings for a provider.
func DefaultConfig(providerName, baseURL string) Config {
	return Config{
		ProviderName: providerName,
		BaseURL:      strings.TrimRight(baseURL, "/"),
		Retry:        ratelimit.DefaultPolicy(),
		CircuitBreaker: &CircuitBreakerConfig{
			FailureThreshold: 5,
			SuccessThreshold: 2,
			Timeout:          30 * time.Second,
		},
	}
}

// HeaderSetter adds provider-specific headers such as credentials.
type HeaderSetter func(req *http.Request)

// Client sends requests to one upstream provider.
type Client struct {
	httpClient   *http.Client
	streamClient *http.Client
	config       Config
	headerSetter HeaderSetter
	breaker      *circuitBreaker
}

// New creates a client with pooled default and streaming HTTP clients.
func New(config Config, headerSetter HeaderSetter) *Client {
	return NewWithHTTPClient(httpclient.NewDefaultHTTPClient(), httpclient.NewStreamingHTTPClient(), config, headerSetter)
}

// NewWithHTTPClient creates a client over caller-supplied HTTP clients.
// A nil stream client reuses httpClient.
func NewWithHTTPClient(httpClient, streamClient *http.Client, config Config, headerSetter HeaderSetter) *Client {
	if streamClient == nil {
		streamClient = httpClient
	}
	c := &Client{
		httpClient:   httpClient,
		streamClient: streamClient,
		config:       config,
		headerSetter: headerSetter,
	}
	c.config.BaseURL = strings.TrimRight(c.config.BaseURL, "/")
	if config.CircuitBreaker != nil {
		c.breaker = newCircuitBreaker(*config.CircuitBreaker)
	}
	return c
}

// WithHeaderSetter returns a client sharing the connection pools and the
// circuit breaker but sending different headers. Used to rebind
// credentials per user.
func (c *Client) WithHeaderSetter(hs HeaderSetter) *Client {
	cp := *c
	cp.headerSetter = hs
	return &cp
}

func (c *Client) BaseURL() string { return c.config.BaseURL }

func (c *Client) SetBaseURL(url string) {
	c.config.BaseURL = strings.TrimRight(url, "/")
}

func (c *Client) ProviderName() string { return c.config.ProviderName }

// Request describes one upstream call.
type Request struct {
	Method   string
	Endpoint string
	Body     any
	Headers  map[string]string
}

// Response is a fully read upstream response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Do sends the request with retries and decodes a JSON body into result
// (ignored when nil). Errors are always *core.NormalizedError.
func (c *Client) Do(ctx context.Context, req Request, result any) error {
	resp, err := c.DoRaw(ctx, req)
	if err != nil {
		return err
	}
	if result == nil || len(resp.Body) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Body, result); err != nil {
		return core.NewError(core.KindUnknown, c.config.ProviderName, "failed to decode response: "+err.Error())
	}
	return nil
}

// DoRaw sends the request with retries and returns the raw 2xx response.
func (c *Client) DoRaw(ctx context.Context, req Request) (*Response, error) {
	if c.breaker != nil && !c.breaker.Allow() {
		return nil, c.breakerOpen()
	}
	return ratelimit.RetryWithBackoff(ctx, c.config.Retry, func(ctx context.Context) (*Response, error) {
		return c.once(ctx, req)
	})
}

func (c *Client) once(ctx context.Context, req Request) (*Response, error) {
	httpReq, err := c.buildRequest(ctx, req)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, c.transportError(err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, c.statusError(resp)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, c.transportError(err)
	}
	c.recordSuccess()
	return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: body}, nil
}

// DoStream opens a streaming request and returns the body unread. The
// caller closes it. The stream itself is not retried.
func (c *Client) DoStream(ctx context.Context, req Request) (io.ReadCloser, error) {
	if c.breaker != nil && !c.breaker.Allow() {
		return nil, c.breakerOpen()
	}

	httpReq, err := c.buildRequest(ctx, req)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.streamClient.Do(httpReq)
	if err != nil {
		return nil, c.transportError(err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer func() { _ = resp.Body.Close() }()
		return nil, c.statusError(resp)
	}
	c.recordSuccess()
	return resp.Body, nil
}

func (c *Client) buildRequest(ctx context.Context, req Request) (*http.Request, error) {
	var body io.Reader
	if req.Body != nil {
		data, err := json.Marshal(req.Body)
		if err != nil {
			return nil, core.NewError(core.KindInvalidRequest, c.config.ProviderName, "failed to marshal request: "+err.Error())
		}
		body = bytes.NewReader(data)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, c.config.BaseURL+req.Endpoint, body)
	if err != nil {
		return nil, core.NewError(core.KindInvalidRequest, c.config.ProviderName, "failed to create request: "+err.Error())
	}
	if req.Body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if id := core.GetRequestID(ctx); id != "" {
		httpReq.Header.Set("X-Request-ID", id)
	}
	if c.headerSetter != nil {
		c.headerSetter(httpReq)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	return httpReq, nil
}

func (c *Client) statusError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	nerr := core.ParseHTTPError(c.config.ProviderName, resp.StatusCode, resp.Header, body)
	// Only server-side trouble counts against the breaker.
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		c.recordFailure()
	}
	slog.Debug("upstream error response",
		"provider", c.config.ProviderName,
		"status", resp.StatusCode,
		"kind", nerr.Kind,
	)
	return nerr
}

func (c *Client) transportError(err error) error {
	nerr := core.Normalize(err, c.config.ProviderName)
	if nerr.Kind != core.KindCancelled {
		c.recordFailure()
	}
	return nerr
}

func (c *Client) breakerOpen() error {
	return core.NewError(core.KindUpstreamUnavailable, c.config.ProviderName,
		fmt.Sprintf("circuit breaker is open for %s", c.config.ProviderName))
}

func (c *Client) recordSuccess() {
	if c.breaker != nil {
		c.breaker.RecordSuccess()
	}
}

func (c *Client) recordFailure() {
	if c.breaker != nil {
		c.breaker.RecordFailure()
	}
}
