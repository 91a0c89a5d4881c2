package lease

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"strings"
	"time"

	nats "github.com/nats-io/nats.go"

	dlockerrors "github.com/couponlock/go-dlock/v1/errors"
)

// DefaultNATSBucket is the JetStream key-value bucket holding leases.
const DefaultNATSBucket = "dlock_leases"

type natsRecord struct {
	Token     string `json:"t"`
	ExpiresAt int64  `json:"e"` // UnixNano
}

// NATS implements Store and Renewer on a JetStream key-value bucket.
//
// Create and revision-checked Update/Delete give the atomic create-if-absent
// and compare-and-delete primitives. Expiry is carried in the entry itself so
// each lease keeps its own TTL; an expired entry is taken over with an Update
// pinned to the revision that was read. Holders' clocks must therefore be
// reasonably synchronised.
type NATS struct {
	kv  nats.KeyValue
	now func() time.Time
}

// NATSOption configures a NATS store.
type NATSOption func(*NATS)

// WithNATSClock replaces the time source used to stamp and check expiry.
func WithNATSClock(now func() time.Time) NATSOption {
	return func(n *NATS) {
		n.now = now
	}
}

// NewNATS returns a store backed by kv.
func NewNATS(kv nats.KeyValue, opts ...NATSOption) *NATS {
	n := &NATS{kv: kv, now: time.Now}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// OpenNATSBucket binds to the lease bucket, creating it when missing.
func OpenNATSBucket(js nats.JetStreamContext, bucket string) (nats.KeyValue, error) {
	if bucket == "" {
		bucket = DefaultNATSBucket
	}
	kv, err := js.KeyValue(bucket)
	if stdErrors.Is(err, nats.ErrBucketNotFound) {
		kv, err = js.CreateKeyValue(&nats.KeyValueConfig{Bucket: bucket, History: 1})
	}
	if err != nil {
		return nil, err
	}
	return kv, nil
}

// natsKey maps a lock key onto the bucket key alphabet. Bytes in
// [-/_a-zA-Z0-9] are kept and every other byte, '=' and '.' included,
// becomes '=' followed by two hex digits, so distinct keys never share an
// entry.
func natsKey(key string) string {
	const hex = "0123456789ABCDEF"
	var b strings.Builder
	b.Grow(len(key))
	for i := 0; i < len(key); i++ {
		c := key[i]
		switch {
		case c == '-', c == '/', c == '_',
			'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', '0' <= c && c <= '9':
			b.WriteByte(c)
		default:
			b.WriteByte('=')
			b.WriteByte(hex[c>>4])
			b.WriteByte(hex[c&0x0f])
		}
	}
	return b.String()
}

func (n *NATS) encode(token string, ttl time.Duration) []byte {
	data, _ := json.Marshal(natsRecord{Token: token, ExpiresAt: n.now().Add(ttl).UnixNano()})
	return data
}

// read returns the live record and its revision. A missing, deleted or
// expired entry yields ok=false with the revision to pin a takeover to.
func (n *NATS) read(key string) (rec natsRecord, rev uint64, ok bool, err error) {
	e, err := n.kv.Get(natsKey(key))
	if stdErrors.Is(err, nats.ErrKeyNotFound) || stdErrors.Is(err, nats.ErrKeyDeleted) {
		return natsRecord{}, 0, false, nil
	}
	if err != nil {
		return natsRecord{}, 0, false, err
	}
	if err := json.Unmarshal(e.Value(), &rec); err != nil {
		return natsRecord{}, e.Revision(), false, nil
	}
	if n.now().UnixNano() >= rec.ExpiresAt {
		return rec, e.Revision(), false, nil
	}
	return rec, e.Revision(), true, nil
}

// TryCreate implements Store.TryCreate.
func (n *NATS) TryCreate(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	value := n.encode(token, ttl)
	_, err := n.kv.Create(natsKey(key), value)
	if err == nil {
		return true, nil
	}
	if !revisionConflict(err) {
		return false, dlockerrors.Unavailable("tryCreate", key, translateNATS(err))
	}
	_, rev, live, err := n.read(key)
	if err != nil {
		return false, dlockerrors.Unavailable("tryCreate", key, translateNATS(err))
	}
	if live || rev == 0 {
		return false, nil
	}
	if _, err := n.kv.Update(natsKey(key), value, rev); err != nil {
		if revisionConflict(err) {
			return false, nil
		}
		return false, dlockerrors.Unavailable("tryCreate", key, translateNATS(err))
	}
	return true, nil
}

// DeleteIfOwned implements Store.DeleteIfOwned.
func (n *NATS) DeleteIfOwned(ctx context.Context, key, token string) (bool, error) {
	rec, rev, live, err := n.read(key)
	if err != nil {
		return false, dlockerrors.Unavailable("deleteIfOwned", key, translateNATS(err))
	}
	if !live || rec.Token != token {
		return false, nil
	}
	if err := n.kv.Delete(natsKey(key), nats.LastRevision(rev)); err != nil {
		if revisionConflict(err) {
			return false, nil
		}
		return false, dlockerrors.Unavailable("deleteIfOwned", key, translateNATS(err))
	}
	return true, nil
}

// Extend implements Renewer.Extend.
func (n *NATS) Extend(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	rec, rev, live, err := n.read(key)
	if err != nil {
		return false, dlockerrors.Unavailable("extend", key, translateNATS(err))
	}
	if !live || rec.Token != token {
		return false, nil
	}
	if _, err := n.kv.Update(natsKey(key), n.encode(token, ttl), rev); err != nil {
		if revisionConflict(err) {
			return false, nil
		}
		return false, dlockerrors.Unavailable("extend", key, translateNATS(err))
	}
	return true, nil
}

// revisionConflict reports whether a revision-pinned write lost a race.
func revisionConflict(err error) bool {
	if stdErrors.Is(err, nats.ErrKeyExists) {
		return true
	}
	var apiErr *nats.APIError
	return stdErrors.As(err, &apiErr) && apiErr.ErrorCode == nats.JSErrCodeStreamWrongLastSequence
}

func translateNATS(err error) error {
	switch {
	case stdErrors.Is(err, nats.ErrTimeout), stdErrors.Is(err, context.DeadlineExceeded):
		return stdErrors.Join(dlockerrors.ErrTimeout, err)
	case stdErrors.Is(err, nats.ErrConnectionClosed):
		return dlockerrors.ErrConnectionClosed
	}
	return err
}
