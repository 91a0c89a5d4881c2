package lease

import (
	"context"
	stdErrors "errors"
	"time"

	redis "github.com/redis/go-redis/v9"

	dlockerrors "github.com/couponlock/go-dlock/v1/errors"
)

const defaultRedisOpTimeout = 5 * time.Second

var deleteIfOwnedScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
else
    return 0
end
`)

var extendIfOwnedScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("PEXPIRE", KEYS[1], ARGV[2])
else
    return 0
end
`)

// Redis implements Store and Renewer on a Redis server. Leases are plain
// string keys holding the holder token, created with SET NX PX and removed
// by a compare-and-delete script.
type Redis struct {
	client  redis.UniversalClient
	timeout time.Duration
}

// RedisOption configures a Redis store.
type RedisOption func(*Redis)

// WithRedisTimeout bounds every Redis round trip.
func WithRedisTimeout(d time.Duration) RedisOption {
	return func(r *Redis) {
		r.timeout = d
	}
}

// NewRedis returns a Redis lease store using client. The client lifecycle
// stays with the caller.
func NewRedis(client redis.UniversalClient, opts ...RedisOption) *Redis {
	r := &Redis{client: client, timeout: defaultRedisOpTimeout}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// TryCreate implements Store.TryCreate.
func (r *Redis) TryCreate(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	cctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	ok, err := r.client.SetNX(cctx, key, token, ttl).Result()
	if err != nil {
		return false, dlockerrors.Unavailable("tryCreate", key, translateRedis(err))
	}
	return ok, nil
}

// DeleteIfOwned implements Store.DeleteIfOwned.
func (r *Redis) DeleteIfOwned(ctx context.Context, key, token string) (bool, error) {
	cctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	n, err := deleteIfOwnedScript.Run(cctx, r.client, []string{key}, token).Int64()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, dlockerrors.Unavailable("deleteIfOwned", key, translateRedis(err))
	}
	return n == 1, nil
}

// Extend implements Renewer.Extend.
func (r *Redis) Extend(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	cctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	n, err := extendIfOwnedScript.Run(cctx, r.client, []string{key}, token, ttl.Milliseconds()).Int64()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, dlockerrors.Unavailable("extend", key, translateRedis(err))
	}
	return n == 1, nil
}

func translateRedis(err error) error {
	switch {
	case stdErrors.Is(err, context.DeadlineExceeded):
		return stdErrors.Join(dlockerrors.ErrTimeout, err)
	case stdErrors.Is(err, redis.ErrClosed):
		return dlockerrors.ErrConnectionClosed
	}
	return err
}
