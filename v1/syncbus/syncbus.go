package syncbus

import (
	"context"
	"sync"
	"sync/atomic"
)

// Bus carries "lock released" notifications between processes so that
// waiters can retry immediately instead of sleeping out their backoff.
// Delivery is best effort: a missed event only costs a waiter its next
// backoff interval.
type Bus interface {
	Publish(ctx context.Context, key string) error
	Subscribe(ctx context.Context, key string) (chan struct{}, error)
	Unsubscribe(ctx context.Context, key string, ch chan struct{}) error
}

// Metrics reports how many events a bus published and handed to local
// subscribers.
type Metrics struct {
	Published uint64
	Delivered uint64
}

// hub keeps the local subscriber channels of a bus. Channels are buffered
// with capacity one and never block the sender; a pending signal already
// wakes the waiter.
type hub struct {
	mu        sync.Mutex
	subs      map[string][]chan struct{}
	published atomic.Uint64
	delivered atomic.Uint64
}

// add registers a channel for key and reports whether it is the first one.
func (h *hub) add(key string) (chan struct{}, bool) {
	ch := make(chan struct{}, 1)
	h.mu.Lock()
	if h.subs == nil {
		h.subs = make(map[string][]chan struct{})
	}
	first := len(h.subs[key]) == 0
	h.subs[key] = append(h.subs[key], ch)
	h.mu.Unlock()
	return ch, first
}

// remove closes ch and reports whether key has no subscribers left.
// Removing an unknown channel is a no-op.
func (h *hub) remove(key string, ch chan struct{}) (last, found bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs := h.subs[key]
	for i, c := range subs {
		if c == ch {
			subs[i] = subs[len(subs)-1]
			subs = subs[:len(subs)-1]
			close(c)
			found = true
			break
		}
	}
	if len(subs) == 0 {
		delete(h.subs, key)
		return found, found
	}
	h.subs[key] = subs
	return false, found
}

// deliver signals every subscriber of key. Sends happen under the lock so
// a concurrent remove never closes a channel mid-send.
func (h *hub) deliver(key string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs[key] {
		select {
		case ch <- struct{}{}:
			h.delivered.Add(1)
		default:
		}
	}
}

func (h *hub) has(key string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[key]) > 0
}

func (h *hub) closeAll() map[string][]chan struct{} {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs := h.subs
	for _, chans := range subs {
		for _, ch := range chans {
			close(ch)
		}
	}
	h.subs = nil
	return subs
}

func (h *hub) metrics() Metrics {
	return Metrics{Published: h.published.Load(), Delivered: h.delivered.Load()}
}

// watch unsubscribes ch once ctx is done.
func watch(ctx context.Context, b Bus, key string, ch chan struct{}) {
	go func() {
		<-ctx.Done()
		_ = b.Unsubscribe(context.Background(), key, ch)
	}()
}

// InMemoryBus is a process local Bus.
type InMemoryBus struct {
	hub
}

// NewInMemoryBus returns a new InMemoryBus.
func NewInMemoryBus() *InMemoryBus {
	return &InMemoryBus{}
}

// Publish implements Bus.Publish.
func (b *InMemoryBus) Publish(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.published.Add(1)
	b.deliver(key)
	return nil
}

// Subscribe implements Bus.Subscribe.
func (b *InMemoryBus) Subscribe(ctx context.Context, key string) (chan struct{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ch, _ := b.add(key)
	watch(ctx, b, key, ch)
	return ch, nil
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *InMemoryBus) Unsubscribe(ctx context.Context, key string, ch chan struct{}) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.remove(key, ch)
	return nil
}

// Metrics returns the published and delivered counts.
func (b *InMemoryBus) Metrics() Metrics {
	return b.metrics()
}
