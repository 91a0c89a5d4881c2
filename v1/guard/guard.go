// Package guard runs critical sections under a distributed lock.
//
// A Guard resolves the lock key of a call, acquires a lease through an
// acquire.Engine, runs the critical section and releases the lease exactly
// once on every exit path, panics included. Errors from the critical section
// are returned unchanged. Acquisition failures are returned without running
// it.
//
// Guards compose at the call site: Run and Do wrap a closure, Func
// decorates a typed function, and Middleware plugs into an explicit Chain.
package guard

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/couponlock/go-dlock/v1/acquire"
	dlockerrors "github.com/couponlock/go-dlock/v1/errors"
	"github.com/couponlock/go-dlock/v1/keyspec"
	"github.com/couponlock/go-dlock/v1/lease"
)

const (
	tracerName     = "github.com/couponlock/go-dlock/v1/guard"
	releaseTimeout = 5 * time.Second
)

// Guard runs critical sections while holding a lease.
type Guard struct {
	engine *acquire.Engine
	codec  *keyspec.Codec
	logger *slog.Logger
	tracer trace.Tracer
}

// Option configures a Guard.
type Option func(*Guard)

// WithLogger sets the logger used for release and renewal problems.
func WithLogger(l *slog.Logger) Option {
	return func(g *Guard) {
		if l != nil {
			g.logger = l
		}
	}
}

// WithTracerProvider traces runs with tp instead of the global provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(g *Guard) {
		if tp != nil {
			g.tracer = tp.Tracer(tracerName)
		}
	}
}

// New returns a Guard acquiring leases through engine. A nil codec uses
// keyspec.NewCodec with its defaults.
func New(engine *acquire.Engine, codec *keyspec.Codec, opts ...Option) *Guard {
	if codec == nil {
		codec = keyspec.NewCodec()
	}
	g := &Guard{
		engine: engine,
		codec:  codec,
		logger: slog.Default(),
		tracer: otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Engine returns the acquisition engine.
func (g *Guard) Engine() *acquire.Engine { return g.engine }

// Run resolves spec.Key against args, acquires the lock and runs fn while
// holding it. With spec.Renew set, fn's context is canceled with cause
// errors.ErrLeaseLost if the lease cannot be kept.
func (g *Guard) Run(ctx context.Context, spec Spec, args keyspec.Args, fn func(ctx context.Context) error) error {
	ctx, span := g.tracer.Start(ctx, "dlock.run", trace.WithAttributes(attribute.String("dlock.expr", spec.Key)))
	defer span.End()

	err := g.run(ctx, span, spec, args, fn)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (g *Guard) run(ctx context.Context, span trace.Span, spec Spec, args keyspec.Args, fn func(ctx context.Context) error) error {
	if err := spec.Validate(); err != nil {
		return err
	}
	base := g.engine.Config()
	spec = spec.withDefaults(base)
	key, err := g.codec.Key(spec.Key, args)
	if err != nil {
		return err
	}
	span.SetAttributes(attribute.String("dlock.key", key))

	l, err := g.engine.AcquireWith(ctx, key, spec.LeaseTime, spec.config(base))
	if err != nil {
		var lte *dlockerrors.LockTimeoutError
		if stdErrors.As(err, &lte) {
			span.SetAttributes(attribute.Int("dlock.attempts", lte.Attempts))
		}
		return err
	}
	span.SetAttributes(attribute.Int("dlock.attempts", l.Attempts))
	return g.hold(ctx, spec, l, fn)
}

// hold runs fn and releases l on the way out, including when fn panics.
func (g *Guard) hold(ctx context.Context, spec Spec, l *lease.Lease, fn func(ctx context.Context) error) error {
	runCtx := ctx
	var stop func()
	if spec.Renew {
		var cancel context.CancelCauseFunc
		runCtx, cancel = context.WithCancelCause(ctx)
		stop = g.watchdog(runCtx, cancel, l)
		defer cancel(nil)
	}
	defer func() {
		if stop != nil {
			stop()
		}
		g.release(ctx, l)
	}()
	return fn(runCtx)
}

// release logs failures instead of returning them.
func (g *Guard) release(ctx context.Context, l *lease.Lease) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()
	ok, err := g.engine.Release(rctx, l)
	switch {
	case err != nil:
		g.logger.Warn("dlock: release failed", "key", l.Key, "token", l.Token, "error", err)
	case !ok:
		g.logger.Warn("dlock: lease expired before release", "key", l.Key, "token", l.Token, "lease", l.TTL)
	}
}

// watchdog extends l every TTL/3 until stopped. A lease that can no longer
// be extended cancels ctx with errors.ErrLeaseLost.
func (g *Guard) watchdog(ctx context.Context, cancel context.CancelCauseFunc, l *lease.Lease) func() {
	interval := l.TTL / 3
	if interval <= 0 {
		interval = time.Millisecond
	}
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			ok, err := g.engine.Extend(ctx, l, l.TTL)
			switch {
			case stdErrors.Is(err, dlockerrors.ErrRenewalUnsupported):
				g.logger.Warn("dlock: lease store cannot renew, lease will expire", "key", l.Key, "lease", l.TTL)
				return
			case err != nil:
				if ctx.Err() != nil {
					return
				}
				g.logger.Warn("dlock: renew failed", "key", l.Key, "token", l.Token, "error", err)
			case !ok:
				g.logger.Warn("dlock: lease lost", "key", l.Key, "token", l.Token)
				cancel(dlockerrors.ErrLeaseLost)
				return
			}
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}

// Do runs fn under the lock described by spec and returns its result.
func Do[R any](ctx context.Context, g *Guard, spec Spec, args keyspec.Args, fn func(ctx context.Context) (R, error)) (R, error) {
	var out R
	err := g.Run(ctx, spec, args, func(ctx context.Context) error {
		var err error
		out, err = fn(ctx)
		return err
	})
	return out, err
}

// Func decorates fn so that every call runs under the lock described by
// spec. bind exposes the call argument to the key expression.
func Func[A, R any](g *Guard, spec Spec, bind func(A) keyspec.Args, fn func(ctx context.Context, a A) (R, error)) func(ctx context.Context, a A) (R, error) {
	return func(ctx context.Context, a A) (R, error) {
		var args keyspec.Args
		if bind != nil {
			args = bind(a)
		}
		return Do(ctx, g, spec, args, func(ctx context.Context) (R, error) {
			return fn(ctx, a)
		})
	}
}
