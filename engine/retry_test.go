package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDelayGrowsExponentially(t *testing.T) {
	t.Parallel()

	p := RetryPolicy{
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     time.Second,
		Multiplier:   2.0,
	}

	assert.Equal(t, 100*time.Millisecond, p.delay(1))
	assert.Equal(t, 200*time.Millisecond, p.delay(2))
	assert.Equal(t, 400*time.Millisecond, p.delay(3))
	assert.Equal(t, time.Second, p.delay(5), "capped at MaxDelay")
	assert.Equal(t, time.Second, p.delay(20))
}

func TestDelayJitterStaysInBand(t *testing.T) {
	t.Parallel()

	p := RetryPolicy{
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}

	for i := 0; i < 200; i++ {
		d := p.delay(2) // base 200ms, jitter keeps it within ±25%
		assert.GreaterOrEqual(t, d, 150*time.Millisecond)
		assert.LessOrEqual(t, d, 250*time.Millisecond)
	}
}

func TestSleepAbortsOnCancel(t *testing.T) {
	t.Parallel()

	p := RetryPolicy{InitialDelay: time.Hour, MaxDelay: time.Hour, Multiplier: 1}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := p.sleep(ctx, 1)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNormalizedReplacesOutOfRangeFields(t *testing.T) {
	t.Parallel()

	p := RetryPolicy{MaxRetries: -1, Multiplier: 0.5}.normalized()
	assert.Equal(t, 0, p.MaxRetries)
	assert.Equal(t, 2.0, p.Multiplier)
	assert.Greater(t, p.InitialDelay, time.Duration(0))
	assert.Greater(t, p.MaxDelay, time.Duration(0))
}
