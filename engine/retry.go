package engine

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// RetryPolicy controls the exponential backoff applied to failing
// delegated calls before a node is marked failed.
type RetryPolicy struct {
	// MaxRetries is the number of attempts after the first. Zero disables
	// retrying.
	MaxRetries int
	// InitialDelay is the delay before the first retry.
	InitialDelay time.Duration
	// MaxDelay caps the backoff.
	MaxDelay time.Duration
	// Multiplier is the exponential growth factor between attempts.
	Multiplier float64
	// Jitter adds a random ±25% to each delay so retries from parallel
	// branches do not align.
	Jitter bool
}

// DefaultRetryPolicy matches the engine defaults: no retries unless the
// node (or engine config) asks for them, half-second initial backoff.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:   0,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}
}

// normalized returns the policy with out-of-range fields replaced by sane
// values.
func (p RetryPolicy) normalized() RetryPolicy {
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	if p.InitialDelay <= 0 {
		p.InitialDelay = 500 * time.Millisecond
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 30 * time.Second
	}
	if p.Multiplier < 1.0 {
		p.Multiplier = 2.0
	}
	return p
}

// delay computes the backoff before the given retry attempt (1-based).
func (p RetryPolicy) delay(attempt int) time.Duration {
	d := float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(attempt-1))
	if d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	if p.Jitter {
		jitter := d * 0.25
		d += (rand.Float64()*2 - 1) * jitter
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}

// sleep waits for the backoff delay, aborting early when ctx is cancelled.
func (p RetryPolicy) sleep(ctx context.Context, attempt int) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(p.delay(attempt)):
		return nil
	}
}
