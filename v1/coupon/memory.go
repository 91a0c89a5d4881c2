package coupon

import (
	"context"
	"sync"
)

// InMemoryRepository is a Repository backed by a map.
type InMemoryRepository struct {
	mu    sync.RWMutex
	items map[int64]Coupon
}

// NewInMemoryRepository returns an empty InMemoryRepository.
func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{items: make(map[int64]Coupon)}
}

// Save implements Repository.Save.
func (r *InMemoryRepository) Save(ctx context.Context, c Coupon) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	r.items[c.ID] = c
	r.mu.Unlock()
	return nil
}

// Load implements Repository.Load.
func (r *InMemoryRepository) Load(ctx context.Context, id int64) (Coupon, error) {
	if err := ctx.Err(); err != nil {
		return Coupon{}, err
	}
	r.mu.RLock()
	c, ok := r.items[id]
	r.mu.RUnlock()
	if !ok {
		return Coupon{}, notFound(id)
	}
	return c, nil
}

// Commit implements Repository.Commit.
func (r *InMemoryRepository) Commit(ctx context.Context, c *Coupon) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.items[c.ID]
	if !ok {
		return notFound(c.ID)
	}
	if cur.Version != c.Version {
		return conflict(c.ID, c.Version)
	}
	next := *c
	next.Version++
	r.items[c.ID] = next
	c.Version = next.Version
	return nil
}
