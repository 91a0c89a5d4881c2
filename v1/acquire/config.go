package acquire

import (
	"fmt"
	"math"
	"math/rand"
	"time"

	dlockerrors "github.com/couponlock/go-dlock/v1/errors"
)

// Config bounds how long and how often the engine retries under contention.
type Config struct {
	// WaitTime is the total wait budget. Zero means a single attempt and a
	// negative value waits until the context is done or MaxAttempts is
	// reached.
	WaitTime time.Duration
	// MaxAttempts caps the number of tryCreate calls. Zero means no cap.
	MaxAttempts int
	// RetryInterval is the base delay between attempts, at least
	// MinRetryInterval.
	RetryInterval time.Duration
	// MaxRetryInterval caps exponential backoff. When it is larger than
	// RetryInterval and Backoff is nil, the delay doubles per attempt.
	MaxRetryInterval time.Duration
	// Backoff overrides the delay policy derived from the intervals.
	Backoff Backoff
	// Jitter spreads each delay uniformly by +/- this fraction.
	Jitter float64
}

// MinRetryInterval is the smallest delay between two attempts. Zero
// intervals and backoffs are raised to it so waiting never spins on the store.
const MinRetryInterval = time.Millisecond

// DefaultConfig returns the configuration used when none is given.
func DefaultConfig() Config {
	return Config{
		WaitTime:      5 * time.Second,
		RetryInterval: 50 * time.Millisecond,
		Jitter:        0.2,
	}
}

// Validate rejects negative intervals, attempt counts and jitter outside
// [0, 1].
func (c Config) Validate() error {
	switch {
	case c.MaxAttempts < 0:
		return fmt.Errorf("%w: negative MaxAttempts %d", dlockerrors.ErrInvalidConfig, c.MaxAttempts)
	case c.RetryInterval < 0:
		return fmt.Errorf("%w: negative RetryInterval %s", dlockerrors.ErrInvalidConfig, c.RetryInterval)
	case c.MaxRetryInterval < 0:
		return fmt.Errorf("%w: negative MaxRetryInterval %s", dlockerrors.ErrInvalidConfig, c.MaxRetryInterval)
	case c.Jitter < 0 || c.Jitter > 1 || math.IsNaN(c.Jitter):
		return fmt.Errorf("%w: jitter %v outside [0, 1]", dlockerrors.ErrInvalidConfig, c.Jitter)
	}
	return nil
}

func (c Config) backoff() Backoff {
	if c.Backoff != nil {
		return c.Backoff
	}
	if c.MaxRetryInterval > c.RetryInterval {
		return Exponential{Base: c.RetryInterval, Max: c.MaxRetryInterval}
	}
	return Fixed(c.RetryInterval)
}

// Backoff chooses the delay after a failed attempt. attempt starts at 1.
type Backoff interface {
	Delay(attempt int) time.Duration
}

// Fixed waits the same interval after every attempt.
type Fixed time.Duration

// Delay implements Backoff.
func (f Fixed) Delay(int) time.Duration { return time.Duration(f) }

// Exponential multiplies Base by Factor per attempt, capped at Max.
type Exponential struct {
	Base   time.Duration
	Max    time.Duration
	Factor float64
}

// Delay implements Backoff.
func (e Exponential) Delay(attempt int) time.Duration {
	factor := e.Factor
	if factor <= 1 {
		factor = 2
	}
	if attempt < 1 {
		attempt = 1
	}
	d := float64(e.Base) * math.Pow(factor, float64(attempt-1))
	if e.Max > 0 && d > float64(e.Max) {
		return e.Max
	}
	if d > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// jitter spreads d uniformly over [d*(1-j), d*(1+j)].
func jitter(d time.Duration, j float64) time.Duration {
	if d <= 0 || j == 0 {
		return d
	}
	spread := (rand.Float64()*2 - 1) * j
	return time.Duration(float64(d) * (1 + spread))
}
