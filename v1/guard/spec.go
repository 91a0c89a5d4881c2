package guard

import (
	"fmt"
	"math"
	"time"

	"github.com/couponlock/go-dlock/v1/acquire"
	dlockerrors "github.com/couponlock/go-dlock/v1/errors"
)

// Defaults applied to zero Spec fields.
const (
	DefaultWaitTime      = 5 * time.Second
	DefaultLeaseTime     = 3 * time.Second
	DefaultRetryInterval = 50 * time.Millisecond
)

// Special WaitTime values. NoWait makes a single attempt and WaitForever
// retries until the context is done or MaxAttempts is reached.
const (
	NoWait      time.Duration = -1
	WaitForever time.Duration = math.MinInt64
)

// Spec declares how an operation is guarded.
//
// Key is a key expression: a literal such as "KURLY_001", an argument
// reference such as "#lockName" or "#coupon.ID", or a mix such as
// "coupon:#id". Zero fields take the guard engine's configuration, and the
// package defaults where that is zero as well.
type Spec struct {
	Key           string
	WaitTime      time.Duration
	LeaseTime     time.Duration
	RetryInterval time.Duration

	// MaxAttempts caps the number of acquisition attempts. Zero means no cap.
	MaxAttempts int
	// MaxRetryInterval enables capped exponential backoff when larger than
	// RetryInterval.
	MaxRetryInterval time.Duration
	// Backoff overrides the delay policy derived from the intervals.
	Backoff acquire.Backoff
	// Renew extends the lease every LeaseTime/3 while the critical section
	// runs. Without it, a critical section outliving LeaseTime may overlap
	// with the next holder.
	Renew bool
}

// Validate reports malformed specs.
func (s Spec) Validate() error {
	switch {
	case s.Key == "":
		return fmt.Errorf("%w: empty key expression", dlockerrors.ErrInvalidConfig)
	case s.WaitTime < 0 && s.WaitTime != NoWait && s.WaitTime != WaitForever:
		return fmt.Errorf("%w: negative WaitTime %s", dlockerrors.ErrInvalidConfig, s.WaitTime)
	case s.LeaseTime < 0:
		return fmt.Errorf("%w: negative LeaseTime %s", dlockerrors.ErrInvalidConfig, s.LeaseTime)
	case s.RetryInterval < 0:
		return fmt.Errorf("%w: negative RetryInterval %s", dlockerrors.ErrInvalidConfig, s.RetryInterval)
	case s.MaxRetryInterval < 0:
		return fmt.Errorf("%w: negative MaxRetryInterval %s", dlockerrors.ErrInvalidConfig, s.MaxRetryInterval)
	case s.MaxAttempts < 0:
		return fmt.Errorf("%w: negative MaxAttempts %d", dlockerrors.ErrInvalidConfig, s.MaxAttempts)
	}
	return nil
}

// withDefaults fills zero fields from the engine configuration base, and
// from the package defaults where base leaves them zero too.
func (s Spec) withDefaults(base acquire.Config) Spec {
	if s.WaitTime == 0 {
		switch {
		case base.WaitTime > 0:
			s.WaitTime = base.WaitTime
		case base.WaitTime < 0:
			s.WaitTime = WaitForever
		default:
			s.WaitTime = DefaultWaitTime
		}
	}
	if s.LeaseTime == 0 {
		s.LeaseTime = DefaultLeaseTime
	}
	if s.RetryInterval == 0 {
		s.RetryInterval = base.RetryInterval
		if s.RetryInterval == 0 {
			s.RetryInterval = DefaultRetryInterval
		}
	}
	if s.MaxAttempts == 0 {
		s.MaxAttempts = base.MaxAttempts
	}
	if s.MaxRetryInterval == 0 {
		s.MaxRetryInterval = base.MaxRetryInterval
	}
	if s.Backoff == nil {
		s.Backoff = base.Backoff
	}
	return s
}

// config maps s onto the engine configuration. base supplies Jitter.
func (s Spec) config(base acquire.Config) acquire.Config {
	cfg := acquire.Config{
		WaitTime:         s.WaitTime,
		MaxAttempts:      s.MaxAttempts,
		RetryInterval:    s.RetryInterval,
		MaxRetryInterval: s.MaxRetryInterval,
		Backoff:          s.Backoff,
		Jitter:           base.Jitter,
	}
	switch s.WaitTime {
	case NoWait:
		cfg.WaitTime = 0
	case WaitForever:
		cfg.WaitTime = -1
	}
	return cfg
}
