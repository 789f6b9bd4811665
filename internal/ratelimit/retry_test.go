package ratelimit

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"inferdispatch/internal/core"
)

func stubSleep(t *testing.T) *[]time.Duration {
	t.Helper()
	var delays []time.Duration
	orig := sleep
	sleep = func(ctx context.Context, d time.Duration) error {
		delays = append(delays, d)
		return ctx.Err()
	}
	t.Cleanup(func() { sleep = orig })
	return &delays
}

func TestRetryWithBackoff_SucceedsAfterRetryableFailures(t *testing.T) {
	delays := stubSleep(t)
	calls := 0

	got, err := RetryWithBackoff(context.Background(), Policy{MaxRetries: 3, InitialDelay: 100 * time.Millisecond},
		func(context.Context) (string, error) {
			calls++
			if calls < 3 {
				return "", &core.HTTPError{StatusCode: http.StatusServiceUnavailable}
			}
			return "ok", nil
		})

	require.NoError(t, err)
	assert.Equal(t, "ok", got)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}, *delays)
}

func TestRetryWithBackoff_StopsOnTerminalKinds(t *testing.T) {
	tests := []struct {
		name string
		err  error
		kind core.Kind
	}{
		{"auth", &core.HTTPError{StatusCode: http.StatusUnauthorized}, core.KindAuth},
		{"not found", &core.HTTPError{StatusCode: http.StatusNotFound}, core.KindNotFound},
		{"forbidden", &core.HTTPError{StatusCode: http.StatusForbidden}, core.KindForbidden},
		{"invalid request", &core.HTTPError{StatusCode: http.StatusBadRequest}, core.KindInvalidRequest},
		{"cancelled", context.Canceled, core.KindCancelled},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			delays := stubSleep(t)
			calls := 0

			_, err := RetryWithBackoff(context.Background(), Policy{MaxRetries: 5, InitialDelay: time.Millisecond},
				func(context.Context) (int, error) {
					calls++
					return 0, tt.err
				})

			var normalized *core.NormalizedError
			require.ErrorAs(t, err, &normalized)
			assert.Equal(t, tt.kind, normalized.Kind)
			assert.Equal(t, 1, calls)
			assert.Empty(t, *delays)
		})
	}
}

func TestRetryWithBackoff_ExhaustsRetries(t *testing.T) {
	stubSleep(t)
	calls := 0

	_, err := RetryWithBackoff(context.Background(), Policy{MaxRetries: 2, InitialDelay: time.Millisecond},
		func(context.Context) (struct{}, error) {
			calls++
			return struct{}{}, errors.New("flaky")
		})

	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, core.KindUnknown, core.Normalize(err, "").Kind)
}

func TestRetryWithBackoff_HonoursRetryAfter(t *testing.T) {
	delays := stubSleep(t)
	header := http.Header{}
	header.Set("Retry-After", "4")
	calls := 0

	_, err := RetryWithBackoff(context.Background(), Policy{MaxRetries: 1, InitialDelay: time.Millisecond, MaxDelay: time.Minute},
		func(context.Context) (int, error) {
			calls++
			if calls == 1 {
				return 0, &core.HTTPError{StatusCode: http.StatusTooManyRequests, Header: header}
			}
			return 1, nil
		})

	require.NoError(t, err)
	assert.Equal(t, []time.Duration{4 * time.Second}, *delays)
}

func TestRetryWithBackoff_ContextCancelledDuringBackoff(t *testing.T) {
	stubSleep(t)
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0

	_, err := RetryWithBackoff(ctx, Policy{MaxRetries: 3, InitialDelay: time.Millisecond},
		func(context.Context) (int, error) {
			calls++
			cancel()
			return 0, &core.HTTPError{StatusCode: http.StatusBadGateway}
		})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestPolicy_Delay(t *testing.T) {
	p := Policy{InitialDelay: time.Second, MaxDelay: 5 * time.Second}
	assert.Equal(t, time.Second, p.Delay(0))
	assert.Equal(t, 2*time.Second, p.Delay(1))
	assert.Equal(t, 4*time.Second, p.Delay(2))
	assert.Equal(t, 5*time.Second, p.Delay(3))

	jittered := Policy{InitialDelay: time.Second, Jitter: 100 * time.Millisecond}
	for i := 0; i < 20; i++ {
		d := jittered.Delay(0)
		assert.GreaterOrEqual(t, d, time.Second)
		assert.Less(t, d, 1100*time.Millisecond)
	}
}
