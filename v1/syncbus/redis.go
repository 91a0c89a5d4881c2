package syncbus

import (
	"context"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
)

const (
	redisBusTimeout = 5 * time.Second
	// DefaultRedisChannelPrefix prefixes the pub/sub channel of every key.
	DefaultRedisChannelPrefix = "dlock:release:"
)

// RedisBus implements Bus with Redis pub/sub, one channel per lock key.
type RedisBus struct {
	hub
	client redis.UniversalClient
	prefix string

	subMu sync.Mutex
	subs  map[string]*redis.PubSub
}

// RedisBusOption configures a RedisBus.
type RedisBusOption func(*RedisBus)

// WithRedisChannelPrefix overrides DefaultRedisChannelPrefix.
func WithRedisChannelPrefix(prefix string) RedisBusOption {
	return func(b *RedisBus) {
		b.prefix = prefix
	}
}

// NewRedisBus returns a new RedisBus using the provided client.
func NewRedisBus(client redis.UniversalClient, opts ...RedisBusOption) *RedisBus {
	b := &RedisBus{
		client: client,
		prefix: DefaultRedisChannelPrefix,
		subs:   make(map[string]*redis.PubSub),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *RedisBus) channel(key string) string { return b.prefix + key }

// Publish implements Bus.Publish.
func (b *RedisBus) Publish(ctx context.Context, key string) error {
	cctx, cancel := context.WithTimeout(ctx, redisBusTimeout)
	defer cancel()
	if err := b.client.Publish(cctx, b.channel(key), "1").Err(); err != nil {
		return err
	}
	b.published.Add(1)
	return nil
}

// Subscribe implements Bus.Subscribe. It returns once Redis confirmed the
// subscription, so an event published afterwards is not missed.
func (b *RedisBus) Subscribe(ctx context.Context, key string) (chan struct{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.subMu.Lock()
	defer b.subMu.Unlock()
	if _, ok := b.subs[key]; !ok {
		ps := b.client.Subscribe(ctx, b.channel(key))
		cctx, cancel := context.WithTimeout(ctx, redisBusTimeout)
		_, err := ps.Receive(cctx)
		cancel()
		if err != nil {
			_ = ps.Close()
			return nil, err
		}
		b.subs[key] = ps
		go b.dispatch(key, ps)
	}
	ch, _ := b.add(key)
	watch(ctx, b, key, ch)
	return ch, nil
}

func (b *RedisBus) dispatch(key string, ps *redis.PubSub) {
	for range ps.Channel() {
		b.deliver(key)
	}
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *RedisBus) Unsubscribe(ctx context.Context, key string, ch chan struct{}) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.subMu.Lock()
	defer b.subMu.Unlock()
	if last, _ := b.remove(key, ch); !last {
		return nil
	}
	ps, ok := b.subs[key]
	if !ok {
		return nil
	}
	delete(b.subs, key)
	return ps.Close()
}

// Metrics returns the published and delivered counts.
func (b *RedisBus) Metrics() Metrics {
	return b.metrics()
}

// Close drops every subscription and closes subscriber channels.
func (b *RedisBus) Close() error {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	for key, ps := range b.subs {
		_ = ps.Close()
		delete(b.subs, key)
	}
	b.closeAll()
	return nil
}
