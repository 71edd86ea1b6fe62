package backoff

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestConstant(t *testing.T) {
	s := Constant{Interval: 50 * time.Millisecond}
	assert.Equal(t, 50*time.Millisecond, s.Delay(1))
	assert.Equal(t, 50*time.Millisecond, s.Delay(10))
}

func TestExponential(t *testing.T) {
	s := Exponential{Initial: 100 * time.Millisecond, Max: time.Second}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 100 * time.Millisecond},
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{4, 800 * time.Millisecond},
		{5, time.Second},
		{60, time.Second},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, s.Delay(tt.attempt), "attempt %d", tt.attempt)
	}
}

func TestJittered_StaysInWindow(t *testing.T) {
	full := NewJittered(100*time.Millisecond, time.Second)
	half := Jittered{Initial: 100 * time.Millisecond, Max: time.Second, Fraction: 0.5}

	for i := 0; i < 200; i++ {
		d := full.Delay(3)
		assert.GreaterOrEqual(t, d, time.Duration(0))
		assert.LessOrEqual(t, d, 400*time.Millisecond)

		d = half.Delay(3)
		assert.GreaterOrEqual(t, d, 200*time.Millisecond)
		assert.LessOrEqual(t, d, 400*time.Millisecond)

		assert.LessOrEqual(t, full.Delay(50), time.Second)
	}
}

func TestSleep(t *testing.T) {
	assert.NoError(t, Sleep(context.Background(), time.Millisecond))
	assert.NoError(t, Sleep(context.Background(), 0))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, Sleep(ctx, time.Hour), context.Canceled)
}
