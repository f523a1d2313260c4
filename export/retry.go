package export

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// RetryPolicy controls exponential backoff between attempts. The n-th delay
// (n starting at 1) is BaseDelay * Multiplier^(n-1), capped at MaxDelay and
// then scaled by a random factor in [MinJitter, MaxJitter].
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Multiplier  float64
	MaxDelay    time.Duration
	MinJitter   float64
	MaxJitter   float64

	// Retryable decides whether an error is worth another attempt. Nil
	// retries every error.
	Retryable func(error) bool

	// Sleep waits between attempts. Nil uses a timer bound to ctx.
	Sleep func(ctx context.Context, d time.Duration) error
}

// DefaultRetryPolicy is used for every destination and spreadsheet call.
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts: 5,
	BaseDelay:   time.Second,
	Multiplier:  2,
	MaxDelay:    30 * time.Second,
	MinJitter:   1,
	MaxJitter:   2,
}

// Delay returns the wait before the attempt following the n-th failure.
func (p RetryPolicy) Delay(n int) time.Duration {
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	d := float64(p.BaseDelay) * math.Pow(mult, float64(n-1))
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	lo, hi := p.MinJitter, p.MaxJitter
	if lo <= 0 && hi <= 0 {
		lo, hi = 1, 1
	}
	if hi < lo {
		hi = lo
	}
	return time.Duration(d * (lo + rand.Float64()*(hi-lo)))
}

// Retry invokes op until it succeeds, the policy's attempts run out, or the
// error is classified as not retryable. The last error is returned unchanged.
func Retry[T any](ctx context.Context, p RetryPolicy, op func(ctx context.Context) (T, error)) (T, error) {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepContext
	}

	var zero T
	for n := 1; ; n++ {
		v, err := op(ctx)
		if err == nil {
			return v, nil
		}
		if n >= attempts || (p.Retryable != nil && !p.Retryable(err)) {
			return zero, err
		}
		if serr := sleep(ctx, p.Delay(n)); serr != nil {
			return zero, err
		}
	}
}

// RetryDo is Retry for operations without a result.
func RetryDo(ctx context.Context, p RetryPolicy, op func(ctx context.Context) error) error {
	_, err := Retry(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
