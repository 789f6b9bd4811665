package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/tidwall/gjson"
)

// Kind is the closed set of failure categories surfaced to callers.
type Kind string

const (
	KindCancelled           Kind = "cancelled"
	KindNetwork             Kind = "network"
	KindTimeout             Kind = "timeout"
	KindInvalidRequest      Kind = "invalid_request"
	KindAuth                Kind = "auth"
	KindForbidden           Kind = "forbidden"
	KindNotFound            Kind = "not_found"
	KindRateLimited         Kind = "rate_limited"
	KindUpstreamUnavailable Kind = "upstream_unavailable"
	KindGatewayTimeout      Kind = "gateway_timeout"
	KindUnknown             Kind = "unknown"
)

// DetailTierRestricted marks a forbidden error caused by plan gating.
const DetailTierRestricted = "tier_restricted"

var knownKinds = map[Kind]struct{}{
	KindCancelled: {}, KindNetwork: {}, KindTimeout: {}, KindInvalidRequest: {},
	KindAuth: {}, KindForbidden: {}, KindNotFound: {}, KindRateLimited: {},
	KindUpstreamUnavailable: {}, KindGatewayTimeout: {}, KindUnknown: {},
}

// ParseKind reports whether s names a kind of the taxonomy.
func ParseKind(s string) (Kind, bool) {
	k := Kind(s)
	_, ok := knownKinds[k]
	return k, ok
}

// statusKinds maps upstream HTTP statuses to kinds. Anything missing is unknown.
var statusKinds = map[int]Kind{
	http.StatusBadRequest:          KindInvalidRequest,
	http.StatusUnauthorized:        KindAuth,
	http.StatusForbidden:           KindForbidden,
	http.StatusNotFound:            KindNotFound,
	http.StatusRequestTimeout:      KindTimeout,
	http.StatusTooManyRequests:     KindRateLimited,
	http.StatusInternalServerError: KindUpstreamUnavailable,
	http.StatusBadGateway:          KindUpstreamUnavailable,
	http.StatusServiceUnavailable:  KindUpstreamUnavailable,
	http.StatusGatewayTimeout:      KindGatewayTimeout,
}

var userMessages = map[Kind]string{
	KindCancelled:           "The request was cancelled.",
	KindNetwork:             "Could not reach the model provider. Check your connection and try again.",
	KindTimeout:             "The model took too long to respond. Please try again.",
	KindInvalidRequest:      "The request was rejected by the model provider. Try rephrasing or shortening your message.",
	KindAuth:                "The API key for this provider is missing or invalid.",
	KindForbidden:           "You do not have access to this model.",
	KindNotFound:            "The selected model is not available. Pick another model.",
	KindRateLimited:         "Too many requests. Please wait a moment and try again.",
	KindUpstreamUnavailable: "The model provider is temporarily unavailable. Please try again shortly.",
	KindGatewayTimeout:      "The model provider timed out. Please try again.",
	KindUnknown:             "Something went wrong while generating a response.",
}

// UserMessage returns the human-readable message for a kind.
func UserMessage(kind Kind) string {
	if msg, ok := userMessages[kind]; ok {
		return msg
	}
	return userMessages[KindUnknown]
}

// IsRetryableStatus reports whether an upstream status is worth retrying.
func IsRetryableStatus(status int) bool {
	switch status {
	case http.StatusRequestTimeout,
		http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

// KindForStatus maps an HTTP status to its kind.
func KindForStatus(status int) Kind {
	if kind, ok := statusKinds[status]; ok {
		return kind
	}
	return KindUnknown
}

// HTTPError is a raw non-2xx upstream response, before normalization.
type HTTPError struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("upstream returned status %d: %s", e.StatusCode, providerMessage(e.Body))
}

// NormalizedError is the only error type the dispatch layer returns to callers.
type NormalizedError struct {
	Kind        Kind   `json:"kind"`
	HTTPStatus  int    `json:"http_status,omitempty"`
	Provider    string `json:"provider,omitempty"`
	Retryable   bool   `json:"retryable"`
	UserMessage string `json:"user_message"`

	// Message is the raw upstream or transport text, for logs only.
	Message string `json:"-"`

	// Detail refines the kind, e.g. DetailTierRestricted.
	Detail       string `json:"detail,omitempty"`
	RequiredTier string `json:"required_tier,omitempty"`
	ActualTier   string `json:"actual_tier,omitempty"`

	// RetryAfter is the upstream's requested wait, when it sent one.
	RetryAfter time.Duration `json:"-"`

	Err error `json:"-"`
}

func (e *NormalizedError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.UserMessage
	}
	kind := string(e.Kind)
	if e.Detail != "" {
		kind += "/" + e.Detail
	}
	if e.Provider != "" {
		return fmt.Sprintf("[%s] %s: %s", e.Provider, kind, msg)
	}
	return fmt.Sprintf("%s: %s", kind, msg)
}

func (e *NormalizedError) Unwrap() error {
	return e.Err
}

// IsTierRestricted reports whether access was denied by plan gating.
func (e *NormalizedError) IsTierRestricted() bool {
	return e.Kind == KindForbidden && e.Detail == DetailTierRestricted
}

// HTTPStatusCode returns the status to use when relaying this error.
func (e *NormalizedError) HTTPStatusCode() int {
	if e.HTTPStatus != 0 {
		return e.HTTPStatus
	}
	switch e.Kind {
	case KindCancelled:
		return 499
	case KindNetwork, KindUpstreamUnavailable:
		return http.StatusBadGateway
	case KindTimeout, KindGatewayTimeout:
		return http.StatusGatewayTimeout
	case KindInvalidRequest:
		return http.StatusBadRequest
	case KindAuth:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// ToJSON converts the error to a JSON-compatible map
func (e *NormalizedError) ToJSON() map[string]any {
	body := map[string]any{
		"type":      e.Kind,
		"message":   e.UserMessage,
		"retryable": e.Retryable,
	}
	if e.Provider != "" {
		body["provider"] = e.Provider
	}
	if e.Detail != "" {
		body["code"] = e.Detail
	}
	if e.RequiredTier != "" {
		body["required_tier"] = e.RequiredTier
	}
	if e.ActualTier != "" {
		body["actual_tier"] = e.ActualTier
	}
	if e.RetryAfter > 0 {
		body["retry_after"] = int(e.RetryAfter.Round(time.Second) / time.Second)
	}
	return map[string]any{"error": body}
}

// NewError builds a normalized error of the given kind directly.
func NewError(kind Kind, provider, message string) *NormalizedError {
	return &NormalizedError{
		Kind:        kind,
		Provider:    provider,
		Retryable:   kindRetryable(kind),
		UserMessage: UserMessage(kind),
		Message:     message,
	}
}

// NewRateLimitedError builds a locally produced rate_limited error.
func NewRateLimitedError(provider string, retryAfter time.Duration) *NormalizedError {
	e := NewError(KindRateLimited, provider, "local rate limit exceeded")
	e.RetryAfter = retryAfter
	return e
}

// Normalize maps any error into the taxonomy. It is idempotent: an error
// that already contains a *NormalizedError is returned unchanged.
func Normalize(err error, provider string) *NormalizedError {
	if err == nil {
		return nil
	}

	var normalized *NormalizedError
	if errors.As(err, &normalized) {
		return normalized
	}

	if errors.Is(err, context.Canceled) {
		return wrap(KindCancelled, provider, err)
	}
	if isNetworkError(err) {
		return wrap(KindNetwork, provider, err)
	}
	if isTimeoutError(err) {
		return wrap(KindTimeout, provider, err)
	}

	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return fromHTTPError(httpErr, provider)
	}

	return wrap(KindUnknown, provider, err)
}

// ParseHTTPError builds a normalized error from a raw upstream response.
func ParseHTTPError(provider string, status int, header http.Header, body []byte) *NormalizedError {
	return fromHTTPError(&HTTPError{StatusCode: status, Header: header, Body: body}, provider)
}

func wrap(kind Kind, provider string, err error) *NormalizedError {
	e := NewError(kind, provider, err.Error())
	e.Err = err
	if kind == KindUnknown {
		// Unclassified failures are terminal.
		e.Retryable = false
	}
	return e
}

func kindRetryable(kind Kind) bool {
	switch kind {
	case KindNetwork, KindTimeout, KindRateLimited, KindUpstreamUnavailable, KindGatewayTimeout:
		return true
	}
	return false
}

func fromHTTPError(httpErr *HTTPError, provider string) *NormalizedError {
	kind := KindForStatus(httpErr.StatusCode)
	e := &NormalizedError{
		Kind:        kind,
		HTTPStatus:  httpErr.StatusCode,
		Provider:    provider,
		Retryable:   IsRetryableStatus(httpErr.StatusCode),
		UserMessage: UserMessage(kind),
		Message:     providerMessage(httpErr.Body),
		Err:         httpErr,
	}

	if kind == KindForbidden {
		if required, actual, ok := parseTierRestriction(httpErr.Body); ok {
			e.Detail = DetailTierRestricted
			e.RequiredTier = required
			e.ActualTier = actual
			e.UserMessage = tierMessage(required)
		}
	}
	if e.Retryable {
		e.RetryAfter = parseRetryAfter(httpErr.Header, httpErr.Body)
	}
	return e
}

func tierMessage(required string) string {
	if required == "" {
		return "Your current plan does not include this model. Upgrade to use it."
	}
	return fmt.Sprintf("This model requires the %s plan. Upgrade to use it.", required)
}

// providerMessage extracts the human text from common upstream error bodies.
func providerMessage(body []byte) string {
	if len(body) == 0 {
		return ""
	}
	if gjson.ValidBytes(body) {
		for _, path := range []string{"error.message", "message", "detail", "error"} {
			if v := gjson.GetBytes(body, path); v.Type == gjson.String && v.Str != "" {
				return v.Str
			}
		}
	}
	msg := strings.TrimSpace(string(body))
	if len(msg) > 512 {
		msg = msg[:512]
	}
	return msg
}

var tierReasonCodes = map[string]bool{
	"tier_restricted":       true,
	"model_tier_restricted": true,
	"insufficient_tier":     true,
	"plan_required":         true,
	"upgrade_required":      true,
}

var (
	reasonPaths       = []string{"error.code", "error.reason", "error.type", "code", "reason", "error.details.0.reason"}
	requiredTierPaths = []string{"error.required_tier", "error.requiredTier", "required_tier", "requiredTier", "error.details.0.metadata.required_tier"}
	actualTierPaths   = []string{"error.current_tier", "error.actual_tier", "error.userTier", "current_tier", "actual_tier", "userTier", "error.details.0.metadata.current_tier"}
)

func parseTierRestriction(body []byte) (required, actual string, ok bool) {
	if !gjson.ValidBytes(body) {
		return "", "", false
	}
	for _, path := range reasonPaths {
		if tierReasonCodes[strings.ToLower(gjson.GetBytes(body, path).String())] {
			ok = true
			break
		}
	}
	if !ok {
		return "", "", false
	}
	return firstString(body, requiredTierPaths), firstString(body, actualTierPaths), true
}

func firstString(body []byte, paths []string) string {
	for _, path := range paths {
		if v := gjson.GetBytes(body, path); v.Exists() && v.String() != "" {
			return v.String()
		}
	}
	return ""
}

// parseRetryAfter reads Retry-After (seconds or HTTP date) and falls back to
// Google-style retryDelay details in the body.
func parseRetryAfter(header http.Header, body []byte) time.Duration {
	if header != nil {
		if v := header.Get("Retry-After"); v != "" {
			if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
				return time.Duration(secs) * time.Second
			}
			if t, err := http.ParseTime(v); err == nil {
				if d := time.Until(t); d > 0 {
					return d
				}
			}
		}
	}
	if !gjson.ValidBytes(body) {
		return 0
	}
	for _, detail := range gjson.GetBytes(body, "error.details").Array() {
		for _, path := range []string{"retryDelay", "metadata.retryDelay"} {
			if v := detail.Get(path).String(); v != "" {
				if d, err := time.ParseDuration(v); err == nil {
					return d
				}
			}
		}
	}
	return 0
}

func isNetworkError(err error) bool {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return !dnsErr.IsTimeout
	}
	if errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EHOSTUNREACH) ||
		errors.Is(err, syscall.ENETUNREACH) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return !opErr.Timeout()
	}
	return false
}

func isTimeoutError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
