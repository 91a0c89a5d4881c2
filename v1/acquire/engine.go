// Package acquire implements the lease acquisition state machine:
// Idle, Attempting, then Acquired, TimedOut or Failed.
//
// Contention is retried with a fixed or capped exponential backoff, jittered
// so that waiters do not poll in lockstep. When a syncbus.Bus is configured,
// waiters also wake as soon as a holder releases the key. Backend failures
// end the acquisition immediately and are never retried.
package acquire

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"time"

	dlockerrors "github.com/couponlock/go-dlock/v1/errors"
	"github.com/couponlock/go-dlock/v1/lease"
	"github.com/couponlock/go-dlock/v1/metrics"
	"github.com/couponlock/go-dlock/v1/syncbus"
)

// State is the phase of an acquisition request.
type State int

const (
	Idle State = iota
	Attempting
	Acquired
	TimedOut
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Attempting:
		return "attempting"
	case Acquired:
		return "acquired"
	case TimedOut:
		return "timed_out"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Attempt describes one tryCreate call of an acquisition. Delay is the
// backoff chosen after it and is zero for the final attempt.
type Attempt struct {
	Number  int
	Elapsed time.Duration
	Delay   time.Duration
	State   State
}

// Engine acquires and releases leases on a Store.
type Engine struct {
	store    lease.Store
	cfg      Config
	bus      syncbus.Bus
	logger   *slog.Logger
	observer func(key string, a Attempt)
	token    func() string
	now      func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithBus publishes release events on bus and lets waiters wake on them.
func WithBus(bus syncbus.Bus) Option {
	return func(e *Engine) {
		e.bus = bus
	}
}

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithObserver registers a callback invoked after every attempt.
func WithObserver(fn func(key string, a Attempt)) Option {
	return func(e *Engine) {
		e.observer = fn
	}
}

// WithTokenSource replaces lease.NewToken as the holder token generator.
func WithTokenSource(fn func() string) Option {
	return func(e *Engine) {
		if fn != nil {
			e.token = fn
		}
	}
}

// New returns an Engine acquiring leases on store with cfg as the default
// configuration.
func New(store lease.Store, cfg Config, opts ...Option) (*Engine, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: nil lease store", dlockerrors.ErrInvalidConfig)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	e := &Engine{
		store:  store,
		cfg:    cfg,
		logger: slog.Default(),
		token:  lease.NewToken,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Config returns the engine's default configuration.
func (e *Engine) Config() Config { return e.cfg }

// Store returns the underlying lease store.
func (e *Engine) Store() lease.Store { return e.store }

// Acquire obtains a lease on key using the engine's configuration.
func (e *Engine) Acquire(ctx context.Context, key string, ttl time.Duration) (*lease.Lease, error) {
	return e.AcquireWith(ctx, key, ttl, e.cfg)
}

// AcquireWith obtains a lease on key held for ttl, retrying under contention
// as cfg allows. It returns a *errors.LockTimeoutError once the budget is
// spent, the store's error on backend failure and ctx.Err() when ctx is done
// first.
func (e *Engine) AcquireWith(ctx context.Context, key string, ttl time.Duration, cfg Config) (*lease.Lease, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("%w: lease time must be positive, got %s", dlockerrors.ErrInvalidConfig, ttl)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	start := e.now()
	bounded := cfg.WaitTime >= 0
	deadline := start.Add(cfg.WaitTime)
	token := e.token()
	backoff := cfg.backoff()

	// Subscribe before the first attempt so a release between a failed
	// attempt and the wait is not missed.
	var wake chan struct{}
	if e.bus != nil && cfg.WaitTime != 0 {
		sctx, cancel := context.WithCancel(ctx)
		defer cancel()
		ch, err := e.bus.Subscribe(sctx, key)
		if err != nil {
			e.logger.Debug("dlock: release notifications unavailable", "key", key, "error", err)
		} else {
			wake = ch
		}
	}

	for n := 1; ; n++ {
		ok, err := e.store.TryCreate(ctx, key, token, ttl)
		now := e.now()
		elapsed := now.Sub(start)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				e.finish(key, Attempt{Number: n, Elapsed: elapsed, State: Failed}, metrics.OutcomeCanceled)
				return nil, ctxErr
			}
			e.finish(key, Attempt{Number: n, Elapsed: elapsed, State: Failed}, metrics.OutcomeUnavailable)
			return nil, dlockerrors.Unavailable("tryCreate", key, err)
		}
		if ok {
			e.finish(key, Attempt{Number: n, Elapsed: elapsed, State: Acquired}, metrics.OutcomeAcquired)
			metrics.HeldGauge.Inc()
			return &lease.Lease{Key: key, Token: token, TTL: ttl, ExpiresAt: now.Add(ttl), Attempts: n}, nil
		}
		if (cfg.MaxAttempts > 0 && n >= cfg.MaxAttempts) || (bounded && !now.Before(deadline)) {
			e.finish(key, Attempt{Number: n, Elapsed: elapsed, State: TimedOut}, metrics.OutcomeTimeout)
			return nil, &dlockerrors.LockTimeoutError{Key: key, Attempts: n, Waited: elapsed}
		}

		delay := jitter(backoff.Delay(n), cfg.Jitter)
		if delay < MinRetryInterval {
			delay = MinRetryInterval
		}
		if bounded {
			if remaining := deadline.Sub(now); delay > remaining {
				delay = remaining
			}
		}
		if delay < 0 {
			delay = 0
		}
		e.observe(key, Attempt{Number: n, Elapsed: elapsed, Delay: delay, State: Attempting})

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case _, open := <-wake:
			timer.Stop()
			if !open {
				wake = nil
			}
		case <-ctx.Done():
			timer.Stop()
			e.finish(key, Attempt{Number: n, Elapsed: e.now().Sub(start), State: Failed}, metrics.OutcomeCanceled)
			return nil, ctx.Err()
		}
	}
}

func (e *Engine) observe(key string, a Attempt) {
	if e.observer != nil {
		e.observer(key, a)
	}
}

func (e *Engine) finish(key string, a Attempt, outcome string) {
	e.observe(key, a)
	metrics.AcquireCounter.WithLabelValues(outcome).Inc()
	metrics.AcquireAttempts.Observe(float64(a.Number))
	metrics.AcquireWait.Observe(a.Elapsed.Seconds())
}

// Release deletes l if it is still held by its token and announces the
// release on the bus. It returns false when the lease had already expired
// or been taken over.
func (e *Engine) Release(ctx context.Context, l *lease.Lease) (bool, error) {
	if l == nil {
		return false, nil
	}
	metrics.HeldGauge.Dec()
	ok, err := e.store.DeleteIfOwned(ctx, l.Key, l.Token)
	if err != nil {
		metrics.ReleaseCounter.WithLabelValues(metrics.OutcomeError).Inc()
		return false, dlockerrors.Unavailable("deleteIfOwned", l.Key, err)
	}
	if !ok {
		metrics.ReleaseCounter.WithLabelValues(metrics.OutcomeNotOwned).Inc()
		return false, nil
	}
	metrics.ReleaseCounter.WithLabelValues(metrics.OutcomeReleased).Inc()
	if e.bus != nil {
		if err := e.bus.Publish(ctx, l.Key); err != nil {
			e.logger.Warn("dlock: publish release", "key", l.Key, "error", err)
		}
	}
	return true, nil
}

// Extend pushes the expiry of l forward by ttl while it is still held.
// Stores that cannot renew yield errors.ErrRenewalUnsupported.
func (e *Engine) Extend(ctx context.Context, l *lease.Lease, ttl time.Duration) (bool, error) {
	r, ok := e.store.(lease.Renewer)
	if !ok {
		return false, dlockerrors.ErrRenewalUnsupported
	}
	ok, err := r.Extend(ctx, l.Key, l.Token, ttl)
	switch {
	case stdErrors.Is(err, dlockerrors.ErrRenewalUnsupported):
		return false, err
	case err != nil:
		metrics.RenewCounter.WithLabelValues(metrics.OutcomeError).Inc()
		return false, dlockerrors.Unavailable("extend", l.Key, err)
	case !ok:
		metrics.RenewCounter.WithLabelValues(metrics.OutcomeLost).Inc()
		return false, nil
	}
	metrics.RenewCounter.WithLabelValues(metrics.OutcomeRenewed).Inc()
	return true, nil
}
