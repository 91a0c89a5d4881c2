// Package coupon is the resource the lock coordinator protects: a coupon
// with a stock counter that must never go negative.
//
// Repositories expose Load and an optimistic Commit that fails with
// errors.ErrConflict when the stored version moved since Load. Service
// wires a repository to a guard so that decrements under one lock name are
// serialized.
package coupon

import (
	"context"
	"fmt"

	dlockerrors "github.com/couponlock/go-dlock/v1/errors"
)

// Coupon is a named stock of redeemable units. Version counts commits and
// backs optimistic concurrency control.
type Coupon struct {
	ID             int64  `json:"id"`
	Name           string `json:"name"`
	AvailableStock int64  `json:"available_stock"`
	Version        int64  `json:"version"`
}

// New returns a coupon with the given stock.
func New(id int64, name string, stock int64) Coupon {
	return Coupon{ID: id, Name: name, AvailableStock: stock}
}

// Decrease takes one unit of stock. It fails with errors.ErrDepleted when
// none is left.
func (c *Coupon) Decrease() error {
	if c.AvailableStock <= 0 {
		return fmt.Errorf("%w: coupon %d (%s) has no stock left", dlockerrors.ErrDepleted, c.ID, c.Name)
	}
	c.AvailableStock--
	return nil
}

// Repository persists coupons.
type Repository interface {
	// Save creates or overwrites c as given.
	Save(ctx context.Context, c Coupon) error
	// Load returns the coupon with id or errors.ErrNotFound.
	Load(ctx context.Context, id int64) (Coupon, error)
	// Commit stores c if the stored version still equals c.Version and
	// advances c.Version. A moved version yields errors.ErrConflict.
	Commit(ctx context.Context, c *Coupon) error
}

func notFound(id int64) error {
	return fmt.Errorf("%w: coupon %d", dlockerrors.ErrNotFound, id)
}

func conflict(id int64, version int64) error {
	return fmt.Errorf("%w: coupon %d changed since version %d", dlockerrors.ErrConflict, id, version)
}
