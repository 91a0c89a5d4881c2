package presets

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	natsserver "github.com/nats-io/nats-server/v2/test"
	"github.com/nats-io/nats.go"

	"github.com/couponlock/go-dlock/v1/acquire"
	dlockerrors "github.com/couponlock/go-dlock/v1/errors"
	"github.com/couponlock/go-dlock/v1/guard"
	"github.com/couponlock/go-dlock/v1/keyspec"
	"github.com/couponlock/go-dlock/v1/lease"
	"github.com/couponlock/go-dlock/v1/syncbus"
)

var spec = guard.Spec{
	Key:              "#id",
	WaitTime:         20 * time.Second,
	RetryInterval:    time.Millisecond,
	MaxRetryInterval: 20 * time.Millisecond,
}

func exercise(t *testing.T, c *Coordinator) {
	t.Helper()
	var mu sync.Mutex
	inside, counter := 0, 0
	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- c.Guard.Run(context.Background(), spec, keyspec.Args{"id": "KURLY_001"}, func(ctx context.Context) error {
				mu.Lock()
				inside++
				n := inside
				mu.Unlock()
				if n > 1 {
					return errors.New("two holders inside")
				}
				time.Sleep(100 * time.Microsecond)
				mu.Lock()
				inside--
				counter++
				mu.Unlock()
				return nil
			})
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	}
	if counter != 20 {
		t.Fatalf("expected 20 runs, got %d", counter)
	}
}

func TestNewInMemoryStandalone(t *testing.T) {
	c, err := NewInMemoryStandalone()
	if err != nil {
		t.Fatalf("preset: %v", err)
	}
	defer c.Close()
	if _, ok := c.Store.(*lease.InMemory); !ok {
		t.Fatalf("unexpected store %T", c.Store)
	}
	if _, ok := c.Bus.(*syncbus.InMemoryBus); !ok {
		t.Fatalf("unexpected bus %T", c.Bus)
	}
	exercise(t, c)
}

func TestNewRedis(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	defer mr.Close()

	c, err := NewRedis(RedisOptions{Addr: mr.Addr()})
	if err != nil {
		t.Fatalf("preset: %v", err)
	}
	exercise(t, c)
	if mr.Exists(keyspec.DefaultPrefix + "KURLY_001") {
		t.Fatal("lease left behind")
	}
	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

func TestNewNATS(t *testing.T) {
	opts := natsserver.DefaultTestOptions
	opts.Port = -1
	opts.JetStream = true
	opts.StoreDir = t.TempDir()
	s := natsserver.RunServer(&opts)
	defer s.Shutdown()

	c, err := NewNATS(s.ClientURL())
	if err != nil {
		t.Fatalf("preset: %v", err)
	}
	defer c.Close()
	if _, ok := c.Bus.(*syncbus.NATSBus); !ok {
		t.Fatalf("unexpected bus %T", c.Bus)
	}
	exercise(t, c)
}

func TestNewNATSWithoutJetStream(t *testing.T) {
	s := natsserver.RunRandClientPortServer()
	defer s.Shutdown()
	conn, err := nats.Connect(s.ClientURL())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer conn.Close()
	if _, err := NewNATSFromConn(conn); err == nil {
		t.Fatal("expected error without JetStream")
	}
}

func TestCircuitBreakerOption(t *testing.T) {
	c, err := NewInMemoryStandalone(WithCircuitBreaker(3, time.Second))
	if err != nil {
		t.Fatalf("preset: %v", err)
	}
	defer c.Close()
	if _, ok := c.Store.(*lease.CircuitBreaker); !ok {
		t.Fatalf("unexpected store %T", c.Store)
	}
	exercise(t, c)
}

func TestWithBus(t *testing.T) {
	bus := syncbus.NewInMemoryBus()
	c, err := NewInMemoryStandalone(WithBus(bus))
	if err != nil {
		t.Fatalf("preset: %v", err)
	}
	defer c.Close()
	if c.Bus != bus {
		t.Fatal("bus not used")
	}
	exercise(t, c)
	if bus.Metrics().Published == 0 {
		t.Fatal("expected release events on the supplied bus")
	}
}

func TestInvalidAcquireConfig(t *testing.T) {
	_, err := NewInMemoryStandalone(WithAcquireConfig(acquire.Config{RetryInterval: -1}))
	if !errors.Is(err, dlockerrors.ErrInvalidConfig) {
		t.Fatalf("expected invalid config, got %v", err)
	}
}

func TestAcquireConfigReachesGuard(t *testing.T) {
	c, err := NewInMemoryStandalone(WithAcquireConfig(acquire.Config{
		WaitTime:      time.Second,
		RetryInterval: 10 * time.Millisecond,
		MaxAttempts:   2,
	}))
	if err != nil {
		t.Fatalf("preset: %v", err)
	}
	defer c.Close()

	ctx := context.Background()
	ok, err := c.Store.TryCreate(ctx, keyspec.DefaultPrefix+"k", "other", time.Minute)
	if err != nil || !ok {
		t.Fatalf("pre-hold: %v %v", ok, err)
	}

	start := time.Now()
	err = c.Guard.Run(ctx, guard.Spec{Key: "k"}, nil, func(ctx context.Context) error {
		t.Fatal("critical section ran while the lease was held")
		return nil
	})
	var lte *dlockerrors.LockTimeoutError
	if !errors.As(err, &lte) {
		t.Fatalf("expected lock timeout, got %v", err)
	}
	if lte.Attempts != 2 {
		t.Fatalf("expected MaxAttempts 2 to apply, got %d attempts", lte.Attempts)
	}
	if waited := time.Since(start); waited > 500*time.Millisecond {
		t.Fatalf("waited %v, configured budget not applied", waited)
	}
}

func TestAcquireWaitTimeReachesGuard(t *testing.T) {
	c, err := NewInMemoryStandalone(WithAcquireConfig(acquire.Config{
		WaitTime:      100 * time.Millisecond,
		RetryInterval: 10 * time.Millisecond,
	}))
	if err != nil {
		t.Fatalf("preset: %v", err)
	}
	defer c.Close()

	ctx := context.Background()
	if ok, err := c.Store.TryCreate(ctx, keyspec.DefaultPrefix+"k", "other", time.Minute); err != nil || !ok {
		t.Fatalf("pre-hold: %v %v", ok, err)
	}
	start := time.Now()
	err = c.Guard.Run(ctx, guard.Spec{Key: "k"}, nil, func(ctx context.Context) error { return nil })
	if !errors.Is(err, dlockerrors.ErrLockTimeout) {
		t.Fatalf("expected lock timeout, got %v", err)
	}
	if waited := time.Since(start); waited < 80*time.Millisecond || waited > 2*time.Second {
		t.Fatalf("waited %v, expected about 100ms", waited)
	}
}
