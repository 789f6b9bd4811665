package ratelimit

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestLimiter(max int, window time.Duration) (*Limiter, *fakeClock) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	l := New(max, window)
	l.now = clock.Now
	return l, clock
}

func TestLimiter_WindowBoundary(t *testing.T) {
	l, clock := newTestLimiter(3, time.Minute)

	for i := 0; i < 3; i++ {
		d := l.CheckLimit("groq")
		require.True(t, d.Allowed, "request %d should be allowed", i)
		clock.Advance(time.Second)
	}

	denied := l.CheckLimit("groq")
	assert.False(t, denied.Allowed)
	// oldest record was at t0 and expires at t0+60s; now is t0+3s
	assert.Equal(t, 57*time.Second, denied.RetryAfter)
	assert.Equal(t, 57, denied.RetryAfterSeconds())
	assert.Equal(t, 3, l.Count("groq"))

	clock.Advance(time.Minute)
	assert.True(t, l.CheckLimit("groq").Allowed)
	assert.Equal(t, 1, l.Count("groq"))
}

func TestLimiter_KeysAreIndependent(t *testing.T) {
	l, _ := newTestLimiter(1, time.Minute)

	assert.True(t, l.CheckLimit("a").Allowed)
	assert.False(t, l.CheckLimit("a").Allowed)
	assert.True(t, l.CheckLimit("b").Allowed)
}

func TestLimiter_SameInstantRecordsCoalesce(t *testing.T) {
	l, _ := newTestLimiter(2, time.Minute)

	assert.True(t, l.CheckLimit("k").Allowed)
	assert.True(t, l.CheckLimit("k").Allowed)
	assert.False(t, l.CheckLimit("k").Allowed)
	assert.Len(t, l.windows["k"], 1)
	assert.Equal(t, 2, l.windows["k"][0].count)
}

func TestLimiter_Reset(t *testing.T) {
	l, _ := newTestLimiter(1, time.Minute)

	l.CheckLimit("k")
	assert.False(t, l.CheckLimit("k").Allowed)

	l.Reset("k")
	assert.Equal(t, 0, l.Count("k"))
	assert.True(t, l.CheckLimit("k").Allowed)
}

func TestLimiter_SweepDropsIdleKeys(t *testing.T) {
	l, clock := newTestLimiter(5, time.Minute)

	l.CheckLimit("a")
	l.CheckLimit("b")
	assert.Equal(t, 2, l.Keys())

	clock.Advance(2 * time.Minute)
	l.CheckLimit("c")
	assert.Equal(t, 1, l.Keys())
}

func TestLimiter_FailsOpen(t *testing.T) {
	var nilLimiter *Limiter
	assert.True(t, nilLimiter.CheckLimit("k").Allowed)
	assert.Equal(t, 0, nilLimiter.Count("k"))

	l := New(1, time.Minute)
	assert.True(t, l.CheckLimit("").Allowed)
	assert.True(t, l.CheckLimit("").Allowed)

	disabled := New(0, time.Minute)
	for i := 0; i < 10; i++ {
		assert.True(t, disabled.CheckLimit("k").Allowed)
	}
}

func TestLimiter_ConcurrentChecksNeverExceedMax(t *testing.T) {
	l := New(50, time.Hour)

	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.CheckLimit("shared").Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 50, allowed)
	assert.Equal(t, 50, l.Count("shared"))
}
