// Package lease provides the lease stores backing the lock coordinator.
//
// A store exposes two atomic primitives: TryCreate, which creates a lease for
// a key only when no live lease exists, and DeleteIfOwned, which removes a
// lease only when the caller's holder token matches. Contention is reported
// as a false result, never as an error; backend failures are reported as
// *errors.StoreUnavailableError. Implementations exist for local memory,
// Redis, NATS JetStream key-value buckets and etcd.
package lease

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Store is the contract the acquisition engine needs from a coordination
// backend. No other code path writes lease entries.
type Store interface {
	// TryCreate atomically creates a lease for key held by token. It returns
	// false when a live lease already exists.
	TryCreate(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
	// DeleteIfOwned atomically deletes the lease for key if it is held by
	// token. It returns false if the lease expired or belongs to someone else.
	DeleteIfOwned(ctx context.Context, key, token string) (bool, error)
}

// Renewer is implemented by stores that can push the expiry of a lease
// forward while its holder is still running.
type Renewer interface {
	// Extend resets the TTL of the lease for key if it is still held by token.
	Extend(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
}

// Lease is an acquired claim on a key. Attempts is the number of TryCreate
// calls the acquisition took.
type Lease struct {
	Key       string
	Token     string
	TTL       time.Duration
	ExpiresAt time.Time
	Attempts  int
}

// Expired reports whether the lease TTL has elapsed at now.
func (l *Lease) Expired(now time.Time) bool {
	return !now.Before(l.ExpiresAt)
}

// NewToken returns a fresh holder token, unique per acquisition.
func NewToken() string {
	return uuid.NewString()
}
