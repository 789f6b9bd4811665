package ratelimit

import (
	"context"
	"log/slog"
	"math"
	"math/rand/v2"
	"time"

	"inferdispatch/internal/core"
)

// Policy configures RetryWithBackoff.
type Policy struct {
	MaxRetries   int           // retries after the first attempt
	InitialDelay time.Duration // delay before the first retry
	MaxDelay     time.Duration // cap for a single delay, 0 means uncapped
	Jitter       time.Duration // upper bound of the random extra delay
}

// DefaultPolicy returns the policy used for upstream calls.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:   3,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     30 * time.Second,
		Jitter:       250 * time.Millisecond,
	}
}

// Delay returns the wait before retry number attempt (0-based):
// InitialDelay * 2^attempt plus up to Jitter, capped at MaxDelay.
func (p Policy) Delay(attempt int) time.Duration {
	d := float64(p.InitialDelay) * math.Pow(2, float64(attempt))
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	delay := time.Duration(d)
	if p.Jitter > 0 {
		delay += rand.N(p.Jitter)
	}
	return delay
}

// sleep is swapped in tests.
var sleep = func(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// RetryWithBackoff calls fn until it succeeds, the retries are exhausted,
// the context ends, or fn fails with a terminal error (auth, forbidden,
// not found, invalid request, cancelled). The last error is returned
// normalized.
func RetryWithBackoff[T any](ctx context.Context, p Policy, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	var lastErr *core.NormalizedError

	for attempt := 0; attempt <= p.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := p.Delay(attempt - 1)
			if lastErr != nil && lastErr.RetryAfter > delay {
				delay = lastErr.RetryAfter
				if p.MaxDelay > 0 && delay > p.MaxDelay {
					delay = p.MaxDelay
				}
			}
			slog.Debug("retrying upstream call",
				"attempt", attempt,
				"delay", delay,
				"kind", lastErr.Kind,
				"provider", lastErr.Provider,
			)
			if err := sleep(ctx, delay); err != nil {
				return zero, core.Normalize(err, lastErr.Provider)
			}
		}

		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}

		lastErr = core.Normalize(err, "")
		if isTerminal(lastErr) || ctx.Err() != nil {
			return zero, lastErr
		}
	}

	return zero, lastErr
}

func isTerminal(err *core.NormalizedError) bool {
	switch err.Kind {
	case core.KindAuth, core.KindForbidden, core.KindNotFound, core.KindInvalidRequest, core.KindCancelled:
		return true
	}
	return false
}
