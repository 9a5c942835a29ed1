// Package ratelimiter guards outbound lyrics-provider calls with an
// in-process token bucket plus a sliding request window.
package ratelimiter

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/fairyhunter13/christian-cleanup/internal/adapter/observability"
)

// TokenBucket refills fractional tokens at a constant rate up to a capacity.
// Consumption is whole-token: a request is admitted only when the floored
// balance covers its cost.
type TokenBucket struct {
	mu         sync.Mutex
	capacity   int
	refillRate float64 // tokens per second
	tokens     float64
	lastRefill time.Time
	now        func() time.Time
}

// NewTokenBucket constructs a full bucket. A non-positive capacity or rate is
// clamped to the defaults (10 tokens, 1 token/s).
func NewTokenBucket(capacity int, refillRate float64) *TokenBucket {
	if capacity <= 0 {
		capacity = 10
	}
	if refillRate <= 0 {
		refillRate = 1.0
	}
	b := &TokenBucket{
		capacity:   capacity,
		refillRate: refillRate,
		tokens:     float64(capacity),
		now:        time.Now,
	}
	b.lastRefill = b.now()
	return b
}

// WithClock overrides the bucket's time source. Test hook.
func (b *TokenBucket) WithClock(now func() time.Time) *TokenBucket {
	b.now = now
	b.lastRefill = now()
	return b
}

// refill must be called with the mutex held.
func (b *TokenBucket) refill() {
	now := b.now()
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed > 0 {
		b.tokens = math.Min(float64(b.capacity), b.tokens+elapsed*b.refillRate)
	}
	b.lastRefill = now
}

// Consume attempts to take n whole tokens. n=0 always succeeds without state
// change; n<0 always fails.
func (b *TokenBucket) Consume(n int) bool {
	if n < 0 {
		return false
	}
	if n == 0 {
		return true
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refill()
	if int(math.Floor(b.tokens)) >= n {
		b.tokens -= float64(n)
		return true
	}
	return false
}

// Available returns the whole tokens currently held.
func (b *TokenBucket) Available() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refill()
	return int(math.Floor(b.tokens))
}

// TimeUntilAvailable returns how long until n tokens could be consumed. A
// request for more than capacity is answered for capacity, since it can never
// be satisfied in full.
func (b *TokenBucket) TimeUntilAvailable(n int) time.Duration {
	if n <= 0 {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refill()
	have := int(math.Floor(b.tokens))
	if have >= n {
		return 0
	}
	want := n
	if want > b.capacity {
		want = b.capacity
	}
	secs := float64(want-have) / b.refillRate
	return time.Duration(secs * float64(time.Second))
}

// SlidingWindow admits up to maxRequests within any rolling window.
type SlidingWindow struct {
	mu          sync.Mutex
	windowSize  time.Duration
	maxRequests int
	timestamps  []time.Time
	now         func() time.Time
}

// NewSlidingWindow constructs a window limiter. Non-positive arguments are
// clamped to the defaults (60s, 60 requests).
func NewSlidingWindow(windowSize time.Duration, maxRequests int) *SlidingWindow {
	if windowSize <= 0 {
		windowSize = time.Minute
	}
	if maxRequests <= 0 {
		maxRequests = 60
	}
	return &SlidingWindow{windowSize: windowSize, maxRequests: maxRequests, now: time.Now}
}

// WithClock overrides the window's time source. Test hook.
func (w *SlidingWindow) WithClock(now func() time.Time) *SlidingWindow {
	w.now = now
	return w
}

// evict must be called with the mutex held.
func (w *SlidingWindow) evict() {
	cutoff := w.now().Add(-w.windowSize)
	i := 0
	for i < len(w.timestamps) && !w.timestamps[i].After(cutoff) {
		i++
	}
	if i > 0 {
		w.timestamps = w.timestamps[i:]
	}
}

// CanMakeRequest reports whether one more request fits the current window.
func (w *SlidingWindow) CanMakeRequest() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.evict()
	return len(w.timestamps) < w.maxRequests
}

// RecordRequest appends the current timestamp.
func (w *SlidingWindow) RecordRequest() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.timestamps = append(w.timestamps, w.now())
}

// TimeUntilNextAvailable returns zero when a request is currently admissible,
// else the wait until the oldest in-window timestamp expires.
func (w *SlidingWindow) TimeUntilNextAvailable() time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.evict()
	if len(w.timestamps) < w.maxRequests {
		return 0
	}
	oldest := w.timestamps[0]
	return w.windowSize - w.now().Sub(oldest)
}

// ProviderLimiter combines both mechanisms in front of one provider.
type ProviderLimiter struct {
	provider string
	bucket   *TokenBucket
	window   *SlidingWindow
	sleep    func(context.Context, time.Duration) error
}

// NewProviderLimiter builds the combined guard for a named provider.
func NewProviderLimiter(provider string, bucket *TokenBucket, window *SlidingWindow) *ProviderLimiter {
	return &ProviderLimiter{
		provider: provider,
		bucket:   bucket,
		window:   window,
		sleep:    sleepCtx,
	}
}

// WithSleep overrides the blocking sleep. Test hook.
func (l *ProviderLimiter) WithSleep(f func(context.Context, time.Duration) error) *ProviderLimiter {
	l.sleep = f
	return l
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Wait blocks until both mechanisms admit one request, then records it.
// Returns the context error if cancelled while waiting.
func (l *ProviderLimiter) Wait(ctx context.Context) error {
	if l == nil {
		return nil
	}
	start := time.Now()
	defer func() {
		observability.RateLimitWaitSeconds.Observe(time.Since(start).Seconds())
	}()
	for !l.bucket.Consume(1) {
		d := l.bucket.TimeUntilAvailable(1)
		slog.Debug("rate limiter: waiting for token",
			slog.String("provider", l.provider), slog.Duration("wait", d))
		if err := l.sleep(ctx, d); err != nil {
			return err
		}
	}
	if !l.window.CanMakeRequest() {
		d := l.window.TimeUntilNextAvailable()
		slog.Debug("rate limiter: window full",
			slog.String("provider", l.provider), slog.Duration("wait", d))
		if err := l.sleep(ctx, d); err != nil {
			return err
		}
	}
	l.window.RecordRequest()
	return nil
}
