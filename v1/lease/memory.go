package lease

import (
	"context"
	"sync"
	"time"
)

type entry struct {
	token     string
	expiresAt time.Time
}

// InMemory implements Store and Renewer using local memory. Expired leases
// are replaced lazily on the next TryCreate; a background sweep is not
// needed for correctness.
type InMemory struct {
	mu     sync.Mutex
	leases map[string]entry
	now    func() time.Time
}

// MemoryOption configures an InMemory store.
type MemoryOption func(*InMemory)

// WithClock replaces the time source, mainly for tests.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *InMemory) {
		m.now = now
	}
}

// NewInMemory returns an empty in-memory lease store.
func NewInMemory(opts ...MemoryOption) *InMemory {
	m := &InMemory{leases: make(map[string]entry), now: time.Now}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *InMemory) live(key string, now time.Time) (entry, bool) {
	e, ok := m.leases[key]
	if !ok {
		return entry{}, false
	}
	if !now.Before(e.expiresAt) {
		delete(m.leases, key)
		return entry{}, false
	}
	return e, true
}

// TryCreate implements Store.TryCreate.
func (m *InMemory) TryCreate(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if _, ok := m.live(key, now); ok {
		return false, nil
	}
	m.leases[key] = entry{token: token, expiresAt: now.Add(ttl)}
	return true, nil
}

// DeleteIfOwned implements Store.DeleteIfOwned.
func (m *InMemory) DeleteIfOwned(ctx context.Context, key, token string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.live(key, m.now())
	if !ok || e.token != token {
		return false, nil
	}
	delete(m.leases, key)
	return true, nil
}

// Extend implements Renewer.Extend.
func (m *InMemory) Extend(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	e, ok := m.live(key, now)
	if !ok || e.token != token {
		return false, nil
	}
	e.expiresAt = now.Add(ttl)
	m.leases[key] = e
	return true, nil
}

// Holder returns the token of the live lease on key, if any.
func (m *InMemory) Holder(key string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.live(key, m.now())
	return e.token, ok
}
