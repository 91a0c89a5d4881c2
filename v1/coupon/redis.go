package coupon

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"

	dlockerrors "github.com/couponlock/go-dlock/v1/errors"
)

const (
	defaultRedisOpTimeout = 5 * time.Second
	defaultRedisKeyPrefix = "coupon:"
)

// RedisRepository stores coupons as JSON documents. Commit is a
// WATCH/MULTI transaction guarded by the stored version.
type RedisRepository struct {
	client  redis.UniversalClient
	timeout time.Duration
	prefix  string
}

// RedisOption configures a RedisRepository.
type RedisOption func(*RedisRepository)

// WithRedisTimeout sets the operation timeout for Redis calls.
func WithRedisTimeout(d time.Duration) RedisOption {
	return func(r *RedisRepository) {
		r.timeout = d
	}
}

// WithRedisKeyPrefix sets the prefix of coupon keys.
func WithRedisKeyPrefix(p string) RedisOption {
	return func(r *RedisRepository) {
		r.prefix = p
	}
}

// NewRedisRepository returns a RedisRepository using client.
func NewRedisRepository(client redis.UniversalClient, opts ...RedisOption) *RedisRepository {
	r := &RedisRepository{client: client, timeout: defaultRedisOpTimeout, prefix: defaultRedisKeyPrefix}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *RedisRepository) key(id int64) string {
	return r.prefix + strconv.FormatInt(id, 10)
}

// Save implements Repository.Save.
func (r *RedisRepository) Save(ctx context.Context, c Coupon) error {
	if err := ctx.Err(); err != nil {
		return translateRedis(err)
	}
	data, err := json.Marshal(c)
	if err != nil {
		return err
	}
	cctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return translateRedis(r.client.Set(cctx, r.key(c.ID), data, 0).Err())
}

// Load implements Repository.Load.
func (r *RedisRepository) Load(ctx context.Context, id int64) (Coupon, error) {
	if err := ctx.Err(); err != nil {
		return Coupon{}, translateRedis(err)
	}
	cctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return r.get(cctx, r.client, id)
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (r *RedisRepository) get(ctx context.Context, c getter, id int64) (Coupon, error) {
	data, err := c.Get(ctx, r.key(id)).Bytes()
	if err == redis.Nil {
		return Coupon{}, notFound(id)
	}
	if err != nil {
		return Coupon{}, translateRedis(err)
	}
	var out Coupon
	if err := json.Unmarshal(data, &out); err != nil {
		return Coupon{}, err
	}
	return out, nil
}

// Commit implements Repository.Commit.
func (r *RedisRepository) Commit(ctx context.Context, c *Coupon) error {
	if err := ctx.Err(); err != nil {
		return translateRedis(err)
	}
	cctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	next := *c
	next.Version++
	data, err := json.Marshal(next)
	if err != nil {
		return err
	}
	key := r.key(c.ID)
	err = r.client.Watch(cctx, func(tx *redis.Tx) error {
		cur, err := r.get(cctx, tx, c.ID)
		if err != nil {
			return err
		}
		if cur.Version != c.Version {
			return conflict(c.ID, c.Version)
		}
		_, err = tx.TxPipelined(cctx, func(pipe redis.Pipeliner) error {
			pipe.Set(cctx, key, data, 0)
			return nil
		})
		return err
	}, key)
	if stdErrors.Is(err, redis.TxFailedErr) {
		return conflict(c.ID, c.Version)
	}
	if err != nil {
		return translateRedis(err)
	}
	c.Version = next.Version
	return nil
}

func translateRedis(err error) error {
	switch {
	case err == nil:
		return nil
	case stdErrors.Is(err, context.DeadlineExceeded):
		return dlockerrors.ErrTimeout
	case stdErrors.Is(err, redis.ErrClosed):
		return dlockerrors.ErrConnectionClosed
	}
	return err
}
