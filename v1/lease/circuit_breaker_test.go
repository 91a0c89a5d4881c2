package lease

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	dlockerrors "github.com/couponlock/go-dlock/v1/errors"
)

type flakyStore struct {
	mu    sync.Mutex
	fail  bool
	calls int
}

func (f *flakyStore) setFail(v bool) {
	f.mu.Lock()
	f.fail = v
	f.mu.Unlock()
}

func (f *flakyStore) result(op, key string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.fail {
		return false, dlockerrors.Unavailable(op, key, errors.New("boom"))
	}
	return true, nil
}

func (f *flakyStore) TryCreate(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	return f.result("tryCreate", key)
}

func (f *flakyStore) DeleteIfOwned(ctx context.Context, key, token string) (bool, error) {
	return f.result("deleteIfOwned", key)
}

func (f *flakyStore) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func TestCircuitBreakerOpensAfterThreshold(t *testing.T) {
	store := &flakyStore{fail: true}
	cb := NewCircuitBreaker(store, 2, time.Hour)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := cb.TryCreate(ctx, "k", "tok", time.Second); !errors.Is(err, dlockerrors.ErrStoreUnavailable) {
			t.Fatalf("call %d: expected ErrStoreUnavailable, got %v", i, err)
		}
	}
	if cb.IsHealthy() {
		t.Fatal("breaker should be open")
	}
	_, err := cb.TryCreate(ctx, "k", "tok", time.Second)
	if !errors.Is(err, dlockerrors.ErrCircuitOpen) || !errors.Is(err, dlockerrors.ErrStoreUnavailable) {
		t.Fatalf("expected open circuit error, got %v", err)
	}
	if store.callCount() != 2 {
		t.Fatalf("open breaker must not reach the store, calls %d", store.callCount())
	}
}

func TestCircuitBreakerRecovers(t *testing.T) {
	store := &flakyStore{fail: true}
	cb := NewCircuitBreaker(store, 1, 10*time.Millisecond)
	ctx := context.Background()

	_, _ = cb.TryCreate(ctx, "k", "tok", time.Second)
	if cb.IsHealthy() {
		t.Fatal("breaker should be open")
	}
	store.setFail(false)
	time.Sleep(20 * time.Millisecond)
	if !cb.IsHealthy() {
		t.Fatal("breaker should allow a trial call after the timeout")
	}
	if ok, err := cb.TryCreate(ctx, "k", "tok", time.Second); err != nil || !ok {
		t.Fatalf("trial call: ok %v err %v", ok, err)
	}
	if ok, err := cb.DeleteIfOwned(ctx, "k", "tok"); err != nil || !ok {
		t.Fatalf("closed breaker: ok %v err %v", ok, err)
	}
}

func TestCircuitBreakerIgnoresContention(t *testing.T) {
	cb := NewCircuitBreaker(NewInMemory(), 1, time.Hour)
	ctx := context.Background()
	if ok, _ := cb.TryCreate(ctx, "k", "a", time.Minute); !ok {
		t.Fatal("first create should win")
	}
	for i := 0; i < 3; i++ {
		if ok, err := cb.TryCreate(ctx, "k", "b", time.Minute); err != nil || ok {
			t.Fatalf("contention: ok %v err %v", ok, err)
		}
	}
	if !cb.IsHealthy() {
		t.Fatal("contention must not trip the breaker")
	}
}

func TestCircuitBreakerExtend(t *testing.T) {
	ctx := context.Background()
	if _, err := NewCircuitBreaker(&flakyStore{}, 1, time.Second).Extend(ctx, "k", "t", time.Second); !errors.Is(err, dlockerrors.ErrRenewalUnsupported) {
		t.Fatalf("expected ErrRenewalUnsupported, got %v", err)
	}
	cb := NewCircuitBreaker(NewInMemory(), 1, time.Second)
	_, _ = cb.TryCreate(ctx, "k", "t", time.Second)
	if ok, err := cb.Extend(ctx, "k", "t", time.Second); err != nil || !ok {
		t.Fatalf("extend: ok %v err %v", ok, err)
	}
}

// brokenKeyStore fails every call on one key and delegates the rest.
type brokenKeyStore struct {
	*InMemory
	broken string
}

func (s brokenKeyStore) TryCreate(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	if key == s.broken {
		return false, dlockerrors.Unavailable("tryCreate", key, errors.New("boom"))
	}
	return s.InMemory.TryCreate(ctx, key, token, ttl)
}

func TestCircuitBreakerOpenStillReleases(t *testing.T) {
	mem := NewInMemory()
	cb := NewCircuitBreaker(brokenKeyStore{InMemory: mem, broken: "bad"}, 1, time.Hour)
	ctx := context.Background()

	if ok, err := cb.TryCreate(ctx, "good", "tok", time.Minute); err != nil || !ok {
		t.Fatalf("acquire good: ok %v err %v", ok, err)
	}
	if _, err := cb.TryCreate(ctx, "bad", "tok", time.Minute); !errors.Is(err, dlockerrors.ErrStoreUnavailable) {
		t.Fatalf("expected failure on bad key, got %v", err)
	}
	if cb.IsHealthy() {
		t.Fatal("breaker should be open")
	}

	if ok, err := cb.Extend(ctx, "good", "tok", time.Minute); err != nil || !ok {
		t.Fatalf("extend while open: ok %v err %v", ok, err)
	}
	if ok, err := cb.DeleteIfOwned(ctx, "good", "tok"); err != nil || !ok {
		t.Fatalf("release while open: ok %v err %v", ok, err)
	}
	if _, held := mem.Holder("good"); held {
		t.Fatal("released lease is still held")
	}
	if cb.IsHealthy() {
		t.Fatal("a release must not close the breaker for acquisitions")
	}
}

func TestCircuitBreakerReleaseFailuresCount(t *testing.T) {
	store := &flakyStore{fail: true}
	cb := NewCircuitBreaker(store, 2, time.Hour)
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if _, err := cb.DeleteIfOwned(ctx, "k", "tok"); !errors.Is(err, dlockerrors.ErrStoreUnavailable) {
			t.Fatalf("call %d: expected ErrStoreUnavailable, got %v", i, err)
		}
	}
	if cb.IsHealthy() {
		t.Fatal("failed releases should open the breaker")
	}
}
