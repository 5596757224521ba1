package pipeline

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"

	"github.com/creatorhq/maestro/fault"
)

// RetryPolicy shapes how the refresh state machine retries one analytics
// source. The policy is a small value passed into the pipeline rather than
// retry logic scattered through the refresh path.
type RetryPolicy struct {
	// MaxAttempts includes the initial attempt. Zero or one means no
	// retries.
	MaxAttempts int
	// InitialBackoff is the delay before the first retry.
	InitialBackoff time.Duration
	// MaxBackoff caps the delay between retries.
	MaxBackoff time.Duration
	// BackoffMultiplier grows the delay after each retry.
	BackoffMultiplier float64
	// Jitter adds up to this fraction of randomness to each delay.
	Jitter float64
}

// DefaultRetryPolicy returns the refresh defaults.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:       3,
		InitialBackoff:    200 * time.Millisecond,
		MaxBackoff:        5 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            0.1,
	}
}

// Do runs fn until it succeeds, fails terminally, or attempts run out.
// Cancellation stops immediately; typed faults retry only when their kind
// is retryable; untyped errors are assumed transient.
func (p RetryPolicy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if !retryable(err) || attempt >= attempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.backoff(attempt)):
		}
	}
	return lastErr
}

func retryable(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	var fe *fault.Error
	if errors.As(err, &fe) {
		return fe.Retryable()
	}
	return true
}

func (p RetryPolicy) backoff(attempt int) time.Duration {
	mult := p.BackoffMultiplier
	if mult <= 0 {
		mult = 2.0
	}
	d := float64(p.InitialBackoff) * math.Pow(mult, float64(attempt-1))
	if p.MaxBackoff > 0 && d > float64(p.MaxBackoff) {
		d = float64(p.MaxBackoff)
	}
	if p.Jitter > 0 {
		d += d * p.Jitter * (rand.Float64()*2 - 1)
	}
	return time.Duration(d)
}
