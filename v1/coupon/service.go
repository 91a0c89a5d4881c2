package coupon

import (
	"context"

	"github.com/couponlock/go-dlock/v1/guard"
	"github.com/couponlock/go-dlock/v1/keyspec"
)

// DefaultLockSpec guards DecreaseWithLock by the caller supplied lock name.
var DefaultLockSpec = guard.Spec{Key: "#lockName"}

// Service decrements coupon stock.
type Service struct {
	repo  Repository
	guard *guard.Guard
	spec  guard.Spec
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithLockSpec overrides DefaultLockSpec. The key expression may refer to
// #lockName and #couponID.
func WithLockSpec(spec guard.Spec) ServiceOption {
	return func(s *Service) {
		s.spec = spec
	}
}

// NewService returns a Service on repo. g may be nil when only the
// unguarded Decrease is used.
func NewService(repo Repository, g *guard.Guard, opts ...ServiceOption) *Service {
	s := &Service{repo: repo, guard: g, spec: DefaultLockSpec}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Decrease loads the coupon, takes one unit and commits it. Concurrent
// callers on the same coupon race and the losers get errors.ErrConflict.
func (s *Service) Decrease(ctx context.Context, couponID int64) error {
	c, err := s.repo.Load(ctx, couponID)
	if err != nil {
		return err
	}
	if err := c.Decrease(); err != nil {
		return err
	}
	return s.repo.Commit(ctx, &c)
}

// DecreaseWithLock runs Decrease while holding the lock for lockName, so
// callers sharing a lock name never conflict.
func (s *Service) DecreaseWithLock(ctx context.Context, lockName string, couponID int64) error {
	args := keyspec.Args{"lockName": lockName, "couponID": couponID}
	return s.guard.Run(ctx, s.spec, args, func(ctx context.Context) error {
		return s.Decrease(ctx, couponID)
	})
}

// Stock returns the remaining stock of a coupon.
func (s *Service) Stock(ctx context.Context, couponID int64) (int64, error) {
	c, err := s.repo.Load(ctx, couponID)
	if err != nil {
		return 0, err
	}
	return c.AvailableStock, nil
}
