package lyrics

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	backoff "github.com/cenkalti/backoff/v4"

	"github.com/fairyhunter13/christian-cleanup/internal/domain"
)

const userAgent = "Christian Cleanup App/1.0"

// RetryPolicy bounds the per-provider HTTP retry loop.
type RetryPolicy struct {
	MaxAttempts  int
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	JitterFactor float64
}

// DefaultRetryPolicy mirrors the configured defaults.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 5, BaseDelay: 2 * time.Second, MaxDelay: 60 * time.Second, JitterFactor: 0.1}
}

func (p RetryPolicy) newBackOff() *backoff.ExponentialBackOff {
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = p.BaseDelay
	expo.MaxInterval = p.MaxDelay
	expo.RandomizationFactor = p.JitterFactor
	expo.Multiplier = 2.0
	expo.MaxElapsedTime = 0
	expo.Reset()
	return expo
}

func retryableStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

// parseRetryAfterHeader interprets Retry-After as seconds or an HTTP date.
// Returns 0 when absent or unparseable.
func parseRetryAfterHeader(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

// nextDelay picks the wait before the next attempt: the exponential delay,
// stretched to honor Retry-After, but never past maxDelay.
func nextDelay(exponential, retryAfter, maxDelay time.Duration) time.Duration {
	d := exponential
	if retryAfter > d {
		d = retryAfter
	}
	if d > maxDelay {
		d = maxDelay
	}
	return d
}

// doWithRetry issues the request built by mkReq until a terminal outcome.
// Retryable conditions: 429, 500, 502, 503, 504, connection errors, timeouts.
// A Retry-After header stretches the exponential delay but never past
// MaxDelay. The caller owns the returned response body.
func doWithRetry(ctx context.Context, hc *http.Client, policy RetryPolicy, provider string, mkReq func() (*http.Request, error)) (*http.Response, error) {
	expo := policy.newBackOff()
	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		req, err := mkReq()
		if err != nil {
			return nil, fmt.Errorf("op=lyrics.request build: %w", err)
		}
		req = req.WithContext(ctx)
		req.Header.Set("User-Agent", userAgent)

		resp, err := hc.Do(req)
		if err == nil {
			if resp.StatusCode < 400 || !retryableStatus(resp.StatusCode) {
				return resp, nil
			}
			retryAfter := parseRetryAfterHeader(resp.Header.Get("Retry-After"))
			_ = resp.Body.Close()
			lastErr = fmt.Errorf("%w: %s status %d", domain.ErrExternalService, provider, resp.StatusCode)
			if resp.StatusCode == http.StatusTooManyRequests {
				lastErr = fmt.Errorf("%w: %s status 429", domain.ErrUpstreamRateLimit, provider)
			}
			if attempt == policy.MaxAttempts {
				break
			}
			delay := nextDelay(expo.NextBackOff(), retryAfter, policy.MaxDelay)
			slog.Warn("lyrics provider retrying",
				slog.String("provider", provider),
				slog.Int("status", resp.StatusCode),
				slog.Int("attempt", attempt),
				slog.Duration("delay", delay))
			if err := sleepCtx(ctx, delay); err != nil {
				return nil, err
			}
			continue
		}

		// Connection error or timeout: retryable.
		lastErr = fmt.Errorf("%w: %s: %v", domain.ErrExternalService, provider, err)
		if attempt == policy.MaxAttempts {
			break
		}
		delay := nextDelay(expo.NextBackOff(), 0, policy.MaxDelay)
		slog.Warn("lyrics provider connection error; retrying",
			slog.String("provider", provider),
			slog.Int("attempt", attempt),
			slog.Duration("delay", delay),
			slog.Any("error", err))
		if err := sleepCtx(ctx, delay); err != nil {
			return nil, err
		}
	}
	return nil, lastErr
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
