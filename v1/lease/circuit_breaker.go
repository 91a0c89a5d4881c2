package lease

import (
	"context"
	stdErrors "errors"
	"sync"
	"time"

	dlockerrors "github.com/couponlock/go-dlock/v1/errors"
)

type state int

const (
	stateClosed state = iota
	stateOpen
	stateHalfOpen
)

// CircuitBreaker decorates a Store so that, after threshold consecutive
// backend failures, calls fail immediately with a StoreUnavailableError
// wrapping ErrCircuitOpen until timeout has passed. Contention is a
// successful call as far as the breaker is concerned.
//
// Only TryCreate is gated. DeleteIfOwned and Extend act on leases that are
// already held, so they always reach the store and only feed their outcome
// into the failure count.
type CircuitBreaker struct {
	store     Store
	mu        sync.Mutex
	state     state
	failures  int
	threshold int
	timeout   time.Duration
	lastFail  time.Time
	probing   bool
}

// NewCircuitBreaker returns a CircuitBreaker around store.
func NewCircuitBreaker(store Store, threshold int, timeout time.Duration) *CircuitBreaker {
	if threshold < 1 {
		threshold = 1
	}
	return &CircuitBreaker{store: store, threshold: threshold, timeout: timeout}
}

// IsHealthy reports whether calls are currently let through.
func (cb *CircuitBreaker) IsHealthy() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == stateOpen {
		return time.Since(cb.lastFail) > cb.timeout
	}
	return true
}

// allow moves Open to Half-Open once the timeout elapsed and lets a single
// trial call through while Half-Open.
func (cb *CircuitBreaker) allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch cb.state {
	case stateClosed:
		return true
	case stateOpen:
		if time.Since(cb.lastFail) > cb.timeout {
			cb.state = stateHalfOpen
			cb.probing = true
			return true
		}
		return false
	case stateHalfOpen:
		if cb.probing {
			return false
		}
		cb.probing = true
		return true
	}
	return false
}

func (cb *CircuitBreaker) record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.probing = false
	if err == nil || !stdErrors.Is(err, dlockerrors.ErrStoreUnavailable) {
		cb.state = stateClosed
		cb.failures = 0
		return
	}
	cb.lastFail = time.Now()
	cb.failures++
	if cb.state == stateHalfOpen || cb.failures >= cb.threshold {
		cb.state = stateOpen
	}
}

func (cb *CircuitBreaker) call(op, key string, fn func() (bool, error)) (bool, error) {
	if !cb.allow() {
		return false, &dlockerrors.StoreUnavailableError{Op: op, Key: key, Err: dlockerrors.ErrCircuitOpen}
	}
	ok, err := fn()
	cb.record(err)
	return ok, err
}

// pass runs fn regardless of the breaker state and records its outcome.
func (cb *CircuitBreaker) pass(fn func() (bool, error)) (bool, error) {
	ok, err := fn()
	cb.observe(err)
	return ok, err
}

// observe is record for calls that did not take the half-open slot.
func (cb *CircuitBreaker) observe(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if err == nil || !stdErrors.Is(err, dlockerrors.ErrStoreUnavailable) {
		if cb.state == stateClosed {
			cb.failures = 0
		}
		return
	}
	cb.lastFail = time.Now()
	cb.failures++
	if cb.state == stateClosed && cb.failures >= cb.threshold {
		cb.state = stateOpen
	}
}

// TryCreate implements Store.TryCreate.
func (cb *CircuitBreaker) TryCreate(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	return cb.call("tryCreate", key, func() (bool, error) {
		return cb.store.TryCreate(ctx, key, token, ttl)
	})
}

// DeleteIfOwned implements Store.DeleteIfOwned.
func (cb *CircuitBreaker) DeleteIfOwned(ctx context.Context, key, token string) (bool, error) {
	return cb.pass(func() (bool, error) {
		return cb.store.DeleteIfOwned(ctx, key, token)
	})
}

// Extend implements Renewer.Extend when the wrapped store supports it.
func (cb *CircuitBreaker) Extend(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	r, ok := cb.store.(Renewer)
	if !ok {
		return false, dlockerrors.ErrRenewalUnsupported
	}
	return cb.pass(func() (bool, error) {
		return r.Extend(ctx, key, token, ttl)
	})
}
