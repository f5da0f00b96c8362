package gateway

import (
	"context"
	"sync"
	"time"

	"pkt.systems/taskd/internal/clock"
)

// Decision is the outcome of one rate-limit check.
type Decision struct {
	Allowed    bool
	Count      int
	Limit      int
	Remaining  int
	RetryAfter time.Duration
}

// RateLimiter partitions request budgets by identity key. The in-memory
// fixed-window implementation is the default; the interface is the seam for
// an externally coordinated store.
type RateLimiter interface {
	Allow(key string) Decision
}

// WindowLimiter implements RateLimiter with a fixed window per identity and
// a burst allowance on top of the base limit.
type WindowLimiter struct {
	mu      sync.Mutex
	limit   int
	burst   int
	window  time.Duration
	clock   clock.Clock
	buckets map[string]*bucket
}

type bucket struct {
	windowStart time.Time
	count       int
}

// NewWindowLimiter builds a limiter allowing limit+burst requests per window
// per identity.
func NewWindowLimiter(limit, burst int, window time.Duration, cl clock.Clock) *WindowLimiter {
	if limit <= 0 {
		limit = 1
	}
	if burst < 0 {
		burst = 0
	}
	if window <= 0 {
		window = time.Minute
	}
	if cl == nil {
		cl = clock.Real{}
	}
	return &WindowLimiter{
		limit:   limit,
		burst:   burst,
		window:  window,
		clock:   cl,
		buckets: make(map[string]*bucket),
	}
}

// Allow implements RateLimiter. Buckets for different keys are fully
// isolated: exhausting one identity's budget never affects another's.
func (l *WindowLimiter) Allow(key string) Decision {
	now := l.clock.Now()
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[key]
	if !ok || now.Sub(b.windowStart) >= l.window {
		b = &bucket{windowStart: now}
		l.buckets[key] = b
	}
	b.count++

	ceiling := l.limit + l.burst
	d := Decision{
		Allowed: b.count <= ceiling,
		Count:   b.count,
		Limit:   l.limit,
	}
	if remaining := ceiling - b.count; remaining > 0 {
		d.Remaining = remaining
	}
	if !d.Allowed {
		d.RetryAfter = b.windowStart.Add(l.window).Sub(now)
		if d.RetryAfter < time.Second {
			d.RetryAfter = time.Second
		}
	}
	return d
}

// Sweep evicts buckets idle for at least two windows. The server runs this
// on a timer so the map cannot grow with one-shot identities.
func (l *WindowLimiter) Sweep() int {
	now := l.clock.Now()
	cutoff := 2 * l.window
	l.mu.Lock()
	defer l.mu.Unlock()
	evicted := 0
	for key, b := range l.buckets {
		if now.Sub(b.windowStart) >= cutoff {
			delete(l.buckets, key)
			evicted++
		}
	}
	return evicted
}

// RunSweeper sweeps on the supplied interval until ctx is cancelled.
func (l *WindowLimiter) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-l.clock.After(interval):
			l.Sweep()
		}
	}
}
