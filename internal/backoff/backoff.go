// Package backoff computes delays for store retries and idle lease polling.
package backoff

import (
	"context"
	"math"
	"math/rand/v2"
	"time"
)

// Strategy computes the delay before attempt n (1-indexed)
type Strategy interface {
	Delay(attempt int) time.Duration
}

// Constant always waits Interval
type Constant struct {
	Interval time.Duration
}

// Delay returns the fixed interval
func (c Constant) Delay(int) time.Duration {
	return c.Interval
}

// Exponential doubles the delay each attempt: min(Initial * 2^(n-1), Max)
type Exponential struct {
	Initial time.Duration
	Max     time.Duration
}

// Delay returns the capped exponential delay for attempt
func (e Exponential) Delay(attempt int) time.Duration {
	return time.Duration(capped(e.Initial, e.Max, attempt))
}

// Jittered is an exponential delay scaled by a random factor in
// [1-Fraction, 1]. Fraction 1 gives full jitter.
type Jittered struct {
	Initial  time.Duration
	Max      time.Duration
	Fraction float64
}

// NewJittered creates a full jitter exponential strategy
func NewJittered(initial, maxDelay time.Duration) Jittered {
	return Jittered{Initial: initial, Max: maxDelay, Fraction: 1}
}

// Delay returns a random duration within the jitter window of attempt
func (j Jittered) Delay(attempt int) time.Duration {
	base := capped(j.Initial, j.Max, attempt)
	fraction := math.Min(math.Max(j.Fraction, 0), 1)
	return time.Duration(base * (1 - fraction*rand.Float64())) //nolint:gosec // jitter does not need crypto rand
}

func capped(initial, maxDelay time.Duration, attempt int) float64 {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(initial) * math.Pow(2, float64(attempt-1))
	if maxDelay > 0 && d > float64(maxDelay) {
		d = float64(maxDelay)
	}
	return d
}

// Sleep waits for d or until ctx is done, returning ctx.Err() in the latter case
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
