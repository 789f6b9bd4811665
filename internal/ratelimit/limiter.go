// Package ratelimit provides sliding-window admission control for outbound
// calls and a retry helper with exponential backoff.
package ratelimit

import (
	"math"
	"sync"
	"time"
)

// Decision is the outcome of CheckLimit.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
}

// RetryAfterSeconds returns RetryAfter rounded up to whole seconds (min 1 when denied).
func (d Decision) RetryAfterSeconds() int {
	if d.Allowed {
		return 0
	}
	secs := int(math.Ceil(d.RetryAfter.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return secs
}

type record struct {
	at    time.Time
	count int
}

// Limiter is a per-key sliding window limiter. It is safe for concurrent use.
// A nil *Limiter allows everything.
type Limiter struct {
	mu          sync.Mutex
	maxRequests int
	window      time.Duration
	windows     map[string][]record
	lastSweep   time.Time
	now         func() time.Time
}

// New creates a limiter admitting maxRequests per window for each key.
func New(maxRequests int, window time.Duration) *Limiter {
	return &Limiter{
		maxRequests: maxRequests,
		window:      window,
		windows:     make(map[string][]record),
		now:         time.Now,
	}
}

// CheckLimit admits or denies one request for key. Admitted requests are
// recorded; denied ones are not.
func (l *Limiter) CheckLimit(key string) Decision {
	if l == nil || key == "" || l.maxRequests <= 0 || l.window <= 0 {
		return Decision{Allowed: true}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.maybeSweep(now)

	records := prune(l.windows[key], now.Add(-l.window))
	total := 0
	for _, r := range records {
		total += r.count
	}

	if total >= l.maxRequests {
		l.windows[key] = records
		retryAfter := records[0].at.Add(l.window).Sub(now)
		if retryAfter <= 0 {
			retryAfter = time.Millisecond
		}
		return Decision{Allowed: false, RetryAfter: retryAfter}
	}

	if n := len(records); n > 0 && records[n-1].at.Equal(now) {
		records[n-1].count++
	} else {
		records = append(records, record{at: now, count: 1})
	}
	l.windows[key] = records
	return Decision{Allowed: true}
}

// Reset forgets all history for key.
func (l *Limiter) Reset(key string) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.windows, key)
}

// Count returns the number of requests recorded for key inside the current window.
func (l *Limiter) Count(key string) int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	total := 0
	cutoff := l.now().Add(-l.window)
	for _, r := range l.windows[key] {
		if r.at.After(cutoff) {
			total += r.count
		}
	}
	return total
}

// Keys returns the number of tracked keys.
func (l *Limiter) Keys() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.windows)
}

// maybeSweep drops keys without live records, at most once per window.
// Callers must hold l.mu.
func (l *Limiter) maybeSweep(now time.Time) {
	if now.Sub(l.lastSweep) < l.window {
		return
	}
	l.lastSweep = now
	cutoff := now.Add(-l.window)
	for key, records := range l.windows {
		live := prune(records, cutoff)
		if len(live) == 0 {
			delete(l.windows, key)
			continue
		}
		l.windows[key] = live
	}
}

// prune drops records at or before cutoff. Records are kept in time order.
func prune(records []record, cutoff time.Time) []record {
	i := 0
	for i < len(records) && !records[i].at.After(cutoff) {
		i++
	}
	if i == 0 {
		return records
	}
	return append(records[:0:0], records[i:]...)
}
