// Package backoff computes capped exponential delays with additive jitter.
// The same policy drives session reconnects and generation retries.
package backoff

import (
	"context"
	"math/rand/v2"
	"time"
)

const (
	DefaultBase      = time.Second
	DefaultCap       = 10 * time.Second
	DefaultJitterMax = time.Second
)

// JitterFunc returns a value in [0, max).
type JitterFunc func(max time.Duration) time.Duration

// Policy is min(Base*2^attempt, Cap) + Jitter(JitterMax).
type Policy struct {
	Base      time.Duration
	Cap       time.Duration
	JitterMax time.Duration

	// Jitter defaults to a uniform random source when nil.
	Jitter JitterFunc
}

// DefaultPolicy returns the 1s/10s/1s policy.
func DefaultPolicy() Policy {
	return Policy{
		Base:      DefaultBase,
		Cap:       DefaultCap,
		JitterMax: DefaultJitterMax,
	}
}

// Delay returns the wait before the given attempt. Negative attempts are
// treated as zero.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	d := p.Cap
	// Compare against Cap>>attempt so Base<<attempt is only computed when it
	// cannot overflow.
	if p.Base > 0 && attempt < 63 && p.Base <= p.Cap>>uint(attempt) {
		d = p.Base << uint(attempt)
	}

	return d + p.jitter()
}

// Max is the upper bound of any Delay result.
func (p Policy) Max() time.Duration {
	return p.Cap + p.JitterMax
}

func (p Policy) jitter() time.Duration {
	if p.JitterMax <= 0 {
		return 0
	}
	fn := p.Jitter
	if fn == nil {
		fn = uniform
	}
	j := fn(p.JitterMax)
	if j < 0 {
		return 0
	}
	if j >= p.JitterMax {
		return p.JitterMax
	}
	return j
}

func uniform(max time.Duration) time.Duration {
	return time.Duration(rand.Int64N(int64(max)))
}

// Fixed returns a JitterFunc that always yields d.
func Fixed(d time.Duration) JitterFunc {
	return func(time.Duration) time.Duration { return d }
}

// Sleep waits for d or until ctx is done, whichever comes first.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SleepFunc matches Sleep so callers can swap it out in tests.
type SleepFunc func(ctx context.Context, d time.Duration) error
