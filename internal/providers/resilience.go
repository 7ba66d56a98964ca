package providers

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// RetryConfig defines retry behavior for cloud provider operations
type RetryConfig struct {
	MaxRetries      int
	InitialDelay    time.Duration
	MaxDelay        time.Duration
	BackoffFactor   float64
	RetryableErrors []int // HTTP status codes that should be retried
}

// DefaultRetryConfig is used for API calls made through NewHTTPClient.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:      3,
		InitialDelay:    1 * time.Second,
		MaxDelay:        30 * time.Second,
		BackoffFactor:   2.0,
		RetryableErrors: []int{429, 500, 502, 503, 504},
	}
}

// TeardownRetryConfig is a fixed backoff: every attempt waits Delay.
func TeardownRetryConfig(attempts int, delay time.Duration) RetryConfig {
	return RetryConfig{MaxRetries: attempts, InitialDelay: delay, MaxDelay: delay, BackoffFactor: 1}
}

// Delay returns the wait before retry number attempt (0 based), with jitter
// when the backoff is exponential.
func (c RetryConfig) Delay(attempt int) time.Duration {
	factor := c.BackoffFactor
	if factor <= 1 {
		return c.InitialDelay
	}
	delay := float64(c.InitialDelay) * math.Pow(factor, float64(attempt))
	delay += delay * 0.25 * (2*rand.Float64() - 1)
	if c.MaxDelay > 0 && delay > float64(c.MaxDelay) {
		delay = float64(c.MaxDelay)
	}
	return time.Duration(delay)
}

// Retry runs op up to cfg.MaxRetries times. onRetry is called before each
// wait. It returns the last error when attempts are exhausted and ctx.Err()
// when cancelled between attempts.
func Retry(ctx context.Context, cfg RetryConfig, op func(ctx context.Context) error, onRetry func(attempt int, err error)) error {
	attempts := cfg.MaxRetries
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}
		if attempt == attempts-1 {
			break
		}
		if onRetry != nil {
			onRetry(attempt+1, lastErr)
		}
		if err := sleep(ctx, cfg.Delay(attempt)); err != nil {
			return err
		}
	}
	return lastErr
}

// PollUntil calls check every interval until it reports done, returns an
// error, or ctx is cancelled. There is no deadline of its own.
func PollUntil(ctx context.Context, interval time.Duration, check func(ctx context.Context) (bool, error)) error {
	if interval <= 0 {
		interval = time.Second
	}
	for {
		done, err := check(ctx)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		if err := sleep(ctx, interval); err != nil {
			return err
		}
	}
}

// WaitFor is PollUntil bounded by timeout. Expiry yields a PollTimeoutError.
func WaitFor(ctx context.Context, what string, timeout, interval time.Duration, check func(ctx context.Context) (bool, error)) error {
	start := time.Now()
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	err := PollUntil(tctx, interval, check)
	if err != nil && ctx.Err() == nil && tctx.Err() == context.DeadlineExceeded {
		return &PollTimeoutError{What: what, Elapsed: time.Since(start)}
	}
	return err
}

// CleanupTimeout bounds best-effort cleanup that outlives its caller's context.
const CleanupTimeout = 30 * time.Second

// Cleanup runs fn with a context that ignores ctx's cancellation and expires
// after CleanupTimeout. Drivers use it to remove an instance whose readiness
// wait was aborted, so nothing billable is left unrecorded.
func Cleanup(ctx context.Context, fn func(ctx context.Context) error) error {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), CleanupTimeout)
	defer cancel()
	return fn(cctx)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
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

// RateLimiter provides rate limiting for API calls
type RateLimiter struct {
	mu       sync.Mutex
	lastCall time.Time
	interval time.Duration
}

// NewRateLimiter creates a rate limiter with minimum interval between calls
func NewRateLimiter(requestsPerSecond float64) *RateLimiter {
	return &RateLimiter{interval: time.Duration(float64(time.Second) / requestsPerSecond)}
}

// Wait blocks until it's safe to make the next API call
func (rl *RateLimiter) Wait(ctx context.Context) error {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if !rl.lastCall.IsZero() {
		if elapsed := time.Since(rl.lastCall); elapsed < rl.interval {
			log.Debug().Dur("sleep", rl.interval-elapsed).Msg("Rate limiting API call")
			if err := sleep(ctx, rl.interval-elapsed); err != nil {
				return err
			}
		}
	}
	rl.lastCall = time.Now()
	return nil
}
