package guard

import (
	"context"

	"github.com/couponlock/go-dlock/v1/keyspec"
)

// Handler is an operation whose arguments are exposed to key expressions.
type Handler func(ctx context.Context, args keyspec.Args) error

// Middleware wraps a Handler.
type Middleware func(Handler) Handler

// Chain applies mws to h. The first middleware is the outermost, so it runs
// first on the way in and last on the way out.
func Chain(h Handler, mws ...Middleware) Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

// Middleware returns a Middleware running the next handler under the lock
// described by spec, with the key resolved from the handler's arguments.
func (g *Guard) Middleware(spec Spec) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, args keyspec.Args) error {
			return g.Run(ctx, spec, args, func(ctx context.Context) error {
				return next(ctx, args)
			})
		}
	}
}
