package backoff

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDelay_ExponentialUntilCap(t *testing.T) {
	p := DefaultPolicy()
	p.Jitter = Fixed(0)

	want := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		10 * time.Second,
		10 * time.Second,
	}
	for attempt, w := range want {
		assert.Equal(t, w, p.Delay(attempt), "attempt %d", attempt)
	}
}

func TestDelay_AddsJitter(t *testing.T) {
	p := DefaultPolicy()
	p.Jitter = Fixed(250 * time.Millisecond)

	assert.Equal(t, 1250*time.Millisecond, p.Delay(0))
	assert.Equal(t, 10250*time.Millisecond, p.Delay(9))
}

func TestDelay_ClampsJitterSource(t *testing.T) {
	p := DefaultPolicy()

	p.Jitter = Fixed(5 * time.Second)
	assert.Equal(t, p.Max(), p.Delay(20))

	p.Jitter = Fixed(-time.Second)
	assert.Equal(t, time.Second, p.Delay(0))
}

func TestDelay_NeverExceedsBound(t *testing.T) {
	p := DefaultPolicy()
	prev := time.Duration(0)
	for n := 0; n <= 200; n++ {
		p.Jitter = nil
		d := p.Delay(n)
		assert.LessOrEqual(t, d, p.Max(), "attempt %d", n)

		p.Jitter = Fixed(0)
		fixed := p.Delay(n)
		assert.GreaterOrEqual(t, fixed, prev, "attempt %d", n)
		prev = fixed
	}
}

func TestDelay_NegativeAttempt(t *testing.T) {
	p := DefaultPolicy()
	p.Jitter = Fixed(0)
	assert.Equal(t, time.Second, p.Delay(-3))
}

func TestSleep_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	err := Sleep(ctx, time.Minute)
	require.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), time.Second)
}

func TestSleep_Elapses(t *testing.T) {
	require.NoError(t, Sleep(context.Background(), time.Millisecond))
}
