package lease

import (
	"context"
	stdErrors "errors"
	"time"

	"go.etcd.io/etcd/api/v3/v3rpc/rpctypes"
	clientv3 "go.etcd.io/etcd/client/v3"
	raftv3 "go.etcd.io/raft/v3"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	dlockerrors "github.com/couponlock/go-dlock/v1/errors"
)

// EtcdOptions configures the etcd connection and request handling.
type EtcdOptions struct {
	Endpoints      []string
	Username       string
	Password       string
	DialTimeout    time.Duration
	RequestTimeout time.Duration
	// Retries bounds transport-level retries of a single primitive when the
	// cluster is briefly unavailable (leader change, dropped proposal).
	Retries       uint64
	RetryInterval time.Duration
	Logger        *zap.Logger
}

func (o *EtcdOptions) setDefaults() {
	if o.DialTimeout == 0 {
		o.DialTimeout = 5 * time.Second
	}
	if o.RequestTimeout == 0 {
		o.RequestTimeout = 5 * time.Second
	}
	if o.RetryInterval == 0 {
		o.RetryInterval = 100 * time.Millisecond
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
}

// DialEtcd opens an etcd client for the lease store.
func DialEtcd(opts EtcdOptions) (*clientv3.Client, error) {
	opts.setDefaults()
	return clientv3.New(clientv3.Config{
		Endpoints:   opts.Endpoints,
		Username:    opts.Username,
		Password:    opts.Password,
		DialTimeout: opts.DialTimeout,
		Logger:      opts.Logger,
	})
}

// Etcd implements Store and Renewer on etcd. Each lease is a key bound to an
// etcd lease; creation is a transaction conditioned on the key having no
// version, deletion a transaction conditioned on the stored token. etcd
// lease TTLs have one second granularity and a cluster-defined minimum, so
// the effective TTL is rounded up.
type Etcd struct {
	cli  *clientv3.Client
	opts EtcdOptions
}

// NewEtcd returns a store using cli. The client lifecycle stays with the caller.
func NewEtcd(cli *clientv3.Client, opts EtcdOptions) *Etcd {
	opts.setDefaults()
	return &Etcd{cli: cli, opts: opts}
}

func ttlSeconds(ttl time.Duration) int64 {
	s := int64((ttl + time.Second - 1) / time.Second)
	if s < 1 {
		s = 1
	}
	return s
}

func shouldRetry(err error, retries uint64) bool {
	if retries == 0 {
		return false
	}
	var etcdErr rpctypes.EtcdError
	if stdErrors.As(err, &etcdErr) {
		return etcdErr.Code() == codes.Unavailable
	}
	stat, ok := status.FromError(err)
	if !ok {
		return false
	}
	return stat.Code() == codes.Unavailable || stat.Message() == raftv3.ErrProposalDropped.Error()
}

func (e *Etcd) withRetries(ctx context.Context, op, key string, fn func(context.Context) error) error {
	retries := e.opts.Retries
	for {
		cctx, cancel := context.WithTimeout(ctx, e.opts.RequestTimeout)
		err := fn(cctx)
		cancel()
		if err == nil {
			return nil
		}
		if !shouldRetry(err, retries) || ctx.Err() != nil {
			if stdErrors.Is(err, context.DeadlineExceeded) {
				err = stdErrors.Join(dlockerrors.ErrTimeout, err)
			}
			return dlockerrors.Unavailable(op, key, err)
		}
		retries--
		select {
		case <-time.After(e.opts.RetryInterval):
		case <-ctx.Done():
			return dlockerrors.Unavailable(op, key, ctx.Err())
		}
	}
}

// TryCreate implements Store.TryCreate.
func (e *Etcd) TryCreate(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	var grant *clientv3.LeaseGrantResponse
	err := e.withRetries(ctx, "tryCreate", key, func(c context.Context) error {
		var err error
		grant, err = e.cli.Grant(c, ttlSeconds(ttl))
		return err
	})
	if err != nil {
		return false, err
	}

	var created bool
	err = e.withRetries(ctx, "tryCreate", key, func(c context.Context) error {
		resp, err := e.cli.Txn(c).
			If(clientv3.Compare(clientv3.Version(key), "=", 0)).
			Then(clientv3.OpPut(key, token, clientv3.WithLease(grant.ID))).
			Else(clientv3.OpGet(key)).
			Commit()
		if err != nil {
			return err
		}
		created = resp.Succeeded || createdBy(resp, token, grant.ID)
		return nil
	})
	if err != nil || !created {
		e.revoke(ctx, grant.ID)
		return false, err
	}
	return true, nil
}

// createdBy reports whether a failed create Txn found the key already
// holding token under lease id. That happens when an earlier attempt was
// applied but its response was lost and the Txn was retried.
func createdBy(resp *clientv3.TxnResponse, token string, id clientv3.LeaseID) bool {
	if len(resp.Responses) == 0 {
		return false
	}
	rr := resp.Responses[0].GetResponseRange()
	if rr == nil || len(rr.Kvs) != 1 {
		return false
	}
	kv := rr.Kvs[0]
	return string(kv.Value) == token && kv.Lease == int64(id)
}

// DeleteIfOwned implements Store.DeleteIfOwned.
func (e *Etcd) DeleteIfOwned(ctx context.Context, key, token string) (bool, error) {
	var leaseID clientv3.LeaseID
	var deleted bool
	err := e.withRetries(ctx, "deleteIfOwned", key, func(c context.Context) error {
		resp, err := e.cli.Txn(c).
			If(clientv3.Compare(clientv3.Value(key), "=", token)).
			Then(clientv3.OpGet(key), clientv3.OpDelete(key)).
			Commit()
		if err != nil {
			return err
		}
		deleted = resp.Succeeded
		if deleted {
			if kvs := resp.Responses[0].GetResponseRange().GetKvs(); len(kvs) > 0 {
				leaseID = clientv3.LeaseID(kvs[0].Lease)
			}
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	if deleted && leaseID != clientv3.NoLease {
		e.revoke(ctx, leaseID)
	}
	return deleted, nil
}

// Extend implements Renewer.Extend. etcd leases keep the TTL they were
// granted with, so ttl only matters for the first grant.
func (e *Etcd) Extend(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	var leaseID clientv3.LeaseID
	err := e.withRetries(ctx, "extend", key, func(c context.Context) error {
		resp, err := e.cli.Txn(c).
			If(clientv3.Compare(clientv3.Value(key), "=", token)).
			Then(clientv3.OpGet(key)).
			Commit()
		if err != nil {
			return err
		}
		if !resp.Succeeded {
			return nil
		}
		if kvs := resp.Responses[0].GetResponseRange().GetKvs(); len(kvs) > 0 {
			leaseID = clientv3.LeaseID(kvs[0].Lease)
		}
		return nil
	})
	if err != nil || leaseID == clientv3.NoLease {
		return false, err
	}
	err = e.withRetries(ctx, "extend", key, func(c context.Context) error {
		_, err := e.cli.KeepAliveOnce(c, leaseID)
		return err
	})
	if stdErrors.Is(err, rpctypes.ErrLeaseNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// revoke drops an etcd lease on a best effort basis; an orphaned lease
// expires on its own.
func (e *Etcd) revoke(ctx context.Context, id clientv3.LeaseID) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.opts.RequestTimeout)
	defer cancel()
	if _, err := e.cli.Revoke(cctx, id); err != nil {
		e.opts.Logger.Debug("dlock: revoke etcd lease", zap.Int64("lease", int64(id)), zap.Error(err))
	}
}
