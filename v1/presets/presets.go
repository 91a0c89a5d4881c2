package presets

import (
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	redis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/trace"

	"github.com/couponlock/go-dlock/v1/acquire"
	"github.com/couponlock/go-dlock/v1/guard"
	"github.com/couponlock/go-dlock/v1/keyspec"
	"github.com/couponlock/go-dlock/v1/lease"
	"github.com/couponlock/go-dlock/v1/syncbus"
)

// RedisOptions configures the connection to Redis.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
}

// Coordinator bundles a wired lock stack. Close releases the connections
// the preset opened.
type Coordinator struct {
	Guard  *guard.Guard
	Engine *acquire.Engine
	Store  lease.Store
	Bus    syncbus.Bus

	closers []func() error
}

// Close shuts down the bus and backend connections in reverse order of
// creation and returns the first error.
func (c *Coordinator) Close() error {
	var first error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	c.closers = nil
	return first
}

type settings struct {
	cfg            acquire.Config
	logger         *slog.Logger
	tracerProvider trace.TracerProvider
	bus            syncbus.Bus
	breaker        bool
	threshold      int
	timeout        time.Duration
}

// Option tunes a preset.
type Option func(*settings)

// WithAcquireConfig replaces acquire.DefaultConfig.
func WithAcquireConfig(cfg acquire.Config) Option {
	return func(s *settings) {
		s.cfg = cfg
	}
}

// WithLogger sets the logger of the engine and the guard.
func WithLogger(l *slog.Logger) Option {
	return func(s *settings) {
		s.logger = l
	}
}

// WithTracerProvider sets the tracer provider of the guard.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(s *settings) {
		s.tracerProvider = tp
	}
}

// WithBus replaces the preset's release bus. The caller keeps ownership.
func WithBus(b syncbus.Bus) Option {
	return func(s *settings) {
		s.bus = b
	}
}

// WithCircuitBreaker wraps the lease store in a circuit breaker that opens
// after threshold consecutive backend failures for timeout.
func WithCircuitBreaker(threshold int, timeout time.Duration) Option {
	return func(s *settings) {
		s.breaker = true
		s.threshold = threshold
		s.timeout = timeout
	}
}

func apply(opts []Option) settings {
	s := settings{cfg: acquire.DefaultConfig()}
	for _, opt := range opts {
		opt(&s)
	}
	return s
}

func build(store lease.Store, bus syncbus.Bus, s settings, closers []func() error) (*Coordinator, error) {
	if s.bus != nil {
		bus = s.bus
	}
	if s.breaker {
		store = lease.NewCircuitBreaker(store, s.threshold, s.timeout)
	}
	engineOpts := []acquire.Option{acquire.WithBus(bus)}
	guardOpts := []guard.Option{}
	if s.logger != nil {
		engineOpts = append(engineOpts, acquire.WithLogger(s.logger))
		guardOpts = append(guardOpts, guard.WithLogger(s.logger))
	}
	if s.tracerProvider != nil {
		guardOpts = append(guardOpts, guard.WithTracerProvider(s.tracerProvider))
	}
	e, err := acquire.New(store, s.cfg, engineOpts...)
	if err != nil {
		c := &Coordinator{closers: closers}
		_ = c.Close()
		return nil, err
	}
	codec := keyspec.NewCodec()
	closers = append(closers, func() error { codec.Close(); return nil })
	return &Coordinator{
		Guard:   guard.New(e, codec, guardOpts...),
		Engine:  e,
		Store:   store,
		Bus:     bus,
		closers: closers,
	}, nil
}

// NewInMemoryStandalone returns a Coordinator that runs entirely in-process
// with no external dependencies. Locks are only shared by goroutines using
// the same Coordinator.
func NewInMemoryStandalone(opts ...Option) (*Coordinator, error) {
	return build(lease.NewInMemory(), syncbus.NewInMemoryBus(), apply(opts), nil)
}

// NewRedis returns a Coordinator using Redis for both leases and release
// notifications.
func NewRedis(ro RedisOptions, opts ...Option) (*Coordinator, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     ro.Addr,
		Password: ro.Password,
		DB:       ro.DB,
	})
	return NewRedisFromClient(client, opts...)
}

// NewRedisFromClient is NewRedis on an existing client. Close closes client.
func NewRedisFromClient(client redis.UniversalClient, opts ...Option) (*Coordinator, error) {
	s := apply(opts)
	closers := []func() error{client.Close}
	var bus syncbus.Bus
	if s.bus == nil {
		rb := syncbus.NewRedisBus(client)
		closers = append(closers, rb.Close)
		bus = rb
	}
	return build(lease.NewRedis(client), bus, s, closers)
}

// NewNATS connects to url and returns a Coordinator keeping leases in a
// JetStream key-value bucket and publishing releases on core NATS.
func NewNATS(url string, opts ...Option) (*Coordinator, error) {
	conn, err := nats.Connect(url)
	if err != nil {
		return nil, err
	}
	c, err := NewNATSFromConn(conn, opts...)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return c, nil
}

// NewNATSFromConn is NewNATS on an existing connection. Close drains conn.
func NewNATSFromConn(conn *nats.Conn, opts ...Option) (*Coordinator, error) {
	js, err := conn.JetStream()
	if err != nil {
		return nil, err
	}
	kv, err := lease.OpenNATSBucket(js, lease.DefaultNATSBucket)
	if err != nil {
		return nil, err
	}
	closers := []func() error{func() error { conn.Close(); return nil }}
	return build(lease.NewNATS(kv), syncbus.NewNATSBus(conn), apply(opts), closers)
}

// NewEtcd dials etcd and returns a Coordinator keeping leases there. etcd
// carries no release notifications, so unless WithBus is given waiters in
// other processes poll.
func NewEtcd(eo lease.EtcdOptions, opts ...Option) (*Coordinator, error) {
	cli, err := lease.DialEtcd(eo)
	if err != nil {
		return nil, err
	}
	return build(lease.NewEtcd(cli, eo), syncbus.NewInMemoryBus(), apply(opts), []func() error{cli.Close})
}
