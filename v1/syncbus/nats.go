package syncbus

import (
	"context"
	stdErrors "errors"
	"strings"
	"sync"

	nats "github.com/nats-io/nats.go"
)

// DefaultNATSSubjectPrefix prefixes the subject of every key.
const DefaultNATSSubjectPrefix = "dlock.release."

// NATSBus implements Bus using core NATS subjects.
type NATSBus struct {
	hub
	conn   *nats.Conn
	prefix string

	subMu sync.Mutex
	subs  map[string]*nats.Subscription
}

// NewNATSBus returns a new NATSBus using the provided connection.
func NewNATSBus(conn *nats.Conn) *NATSBus {
	return &NATSBus{
		conn:   conn,
		prefix: DefaultNATSSubjectPrefix,
		subs:   make(map[string]*nats.Subscription),
	}
}

// subject maps a lock key to a single subject token. Separators and
// wildcards would otherwise change the subject's meaning.
func (b *NATSBus) subject(key string) string {
	return b.prefix + strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, key)
}

// Publish implements Bus.Publish.
func (b *NATSBus) Publish(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := b.conn.Publish(b.subject(key), []byte(key)); err != nil {
		return err
	}
	b.published.Add(1)
	return nil
}

// Subscribe implements Bus.Subscribe.
func (b *NATSBus) Subscribe(ctx context.Context, key string) (chan struct{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.subMu.Lock()
	defer b.subMu.Unlock()
	if _, ok := b.subs[key]; !ok {
		sub, err := b.conn.Subscribe(b.subject(key), func(_ *nats.Msg) {
			b.deliver(key)
		})
		if err != nil {
			return nil, err
		}
		if err := b.conn.Flush(); err != nil {
			_ = sub.Unsubscribe()
			return nil, err
		}
		b.subs[key] = sub
	}
	ch, _ := b.add(key)
	watch(ctx, b, key, ch)
	return ch, nil
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *NATSBus) Unsubscribe(ctx context.Context, key string, ch chan struct{}) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.subMu.Lock()
	defer b.subMu.Unlock()
	if last, _ := b.remove(key, ch); !last {
		return nil
	}
	sub, ok := b.subs[key]
	if !ok {
		return nil
	}
	delete(b.subs, key)
	if err := sub.Unsubscribe(); err != nil && !stdErrors.Is(err, nats.ErrConnectionClosed) {
		return err
	}
	return nil
}

// Metrics returns the published and delivered counts.
func (b *NATSBus) Metrics() Metrics {
	return b.metrics()
}
