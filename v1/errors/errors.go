// Package errors defines the error taxonomy shared by the lock coordinator,
// its lease backends and the protected resources it guards.
package errors

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrTimeout          = errors.New("timeout")
	ErrConnectionClosed = errors.New("connection closed")

	ErrKeyResolution      = errors.New("dlock: key resolution failed")
	ErrStoreUnavailable   = errors.New("dlock: lease store unavailable")
	ErrLockTimeout        = errors.New("dlock: lock wait exceeded")
	ErrCircuitOpen        = errors.New("dlock: circuit breaker is open")
	ErrRenewalUnsupported = errors.New("dlock: lease store does not support renewal")
	ErrLeaseLost          = errors.New("dlock: lease lost before the critical section finished")
	ErrInvalidConfig      = errors.New("dlock: invalid lock configuration")

	ErrNotFound = errors.New("dlock: resource not found")
	ErrDepleted = errors.New("dlock: resource depleted")
	ErrConflict = errors.New("dlock: concurrent modification")
)

// KeyResolutionError reports a key expression that could not be turned into a
// lock key for the given call arguments.
type KeyResolutionError struct {
	Expr   string
	Ref    string
	Reason string
}

func (e *KeyResolutionError) Error() string {
	if e.Ref == "" {
		return fmt.Sprintf("dlock: resolve key %q: %s", e.Expr, e.Reason)
	}
	return fmt.Sprintf("dlock: resolve key %q: #%s %s", e.Expr, e.Ref, e.Reason)
}

func (e *KeyResolutionError) Is(target error) bool { return target == ErrKeyResolution }

// StoreUnavailableError wraps a backend failure. It is distinct from
// contention, which lease stores report as a false result.
type StoreUnavailableError struct {
	Op  string
	Key string
	Err error
}

func (e *StoreUnavailableError) Error() string {
	return fmt.Sprintf("dlock: lease store %s %q: %v", e.Op, e.Key, e.Err)
}

func (e *StoreUnavailableError) Is(target error) bool { return target == ErrStoreUnavailable }

func (e *StoreUnavailableError) Unwrap() error { return e.Err }

// Unavailable wraps err as a StoreUnavailableError unless it already is one.
func Unavailable(op, key string, err error) error {
	if err == nil {
		return nil
	}
	var su *StoreUnavailableError
	if errors.As(err, &su) {
		return err
	}
	return &StoreUnavailableError{Op: op, Key: key, Err: err}
}

// LockTimeoutError is returned when contention outlasted the wait budget.
// Callers may retry.
type LockTimeoutError struct {
	Key      string
	Attempts int
	Waited   time.Duration
}

func (e *LockTimeoutError) Error() string {
	return fmt.Sprintf("dlock: lock %q not acquired after %d attempts in %s", e.Key, e.Attempts, e.Waited)
}

func (e *LockTimeoutError) Is(target error) bool { return target == ErrLockTimeout }
