package lease

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/etcd/api/v3/etcdserverpb"
	"go.etcd.io/etcd/api/v3/mvccpb"
	"go.etcd.io/etcd/api/v3/v3rpc/rpctypes"
	clientv3 "go.etcd.io/etcd/client/v3"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func newEtcdStore(t *testing.T) *Etcd {
	t.Helper()
	addr := os.Getenv("DLOCK_TEST_ETCD_ADDR")
	if addr == "" {
		t.Skip("DLOCK_TEST_ETCD_ADDR not set, skipping etcd integration tests")
	}
	t.Logf("TestEtcd: using real etcd at %s", addr)
	opts := EtcdOptions{Endpoints: strings.Split(addr, ","), Retries: 3}
	cli, err := DialEtcd(opts)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = cli.Close() })
	return NewEtcd(cli, opts)
}

func TestEtcdPrimitives(t *testing.T) {
	s := newEtcdStore(t)
	ctx := context.Background()
	key := "LOCK:test-" + uuid.NewString()

	if ok, err := s.TryCreate(ctx, key, "a", 5*time.Second); err != nil || !ok {
		t.Fatalf("tryCreate: ok %v err %v", ok, err)
	}
	if ok, err := s.TryCreate(ctx, key, "b", 5*time.Second); err != nil || ok {
		t.Fatalf("second tryCreate: ok %v err %v", ok, err)
	}
	if ok, err := s.Extend(ctx, key, "a", 5*time.Second); err != nil || !ok {
		t.Fatalf("extend: ok %v err %v", ok, err)
	}
	if ok, err := s.DeleteIfOwned(ctx, key, "b"); err != nil || ok {
		t.Fatalf("delete by non holder: ok %v err %v", ok, err)
	}
	if ok, err := s.DeleteIfOwned(ctx, key, "a"); err != nil || !ok {
		t.Fatalf("delete: ok %v err %v", ok, err)
	}
	if ok, err := s.TryCreate(ctx, key, "b", 5*time.Second); err != nil || !ok {
		t.Fatalf("re-acquire: ok %v err %v", ok, err)
	}
	_, _ = s.DeleteIfOwned(ctx, key, "b")
}

func TestEtcdConcurrentCreate(t *testing.T) {
	s := newEtcdStore(t)
	testConcurrentCreate(t, s, 8)
	_, _ = s.cli.Delete(context.Background(), "LOCK:race")
}

func TestTTLSeconds(t *testing.T) {
	cases := map[time.Duration]int64{
		0:                       1,
		300 * time.Millisecond:  1,
		time.Second:             1,
		1500 * time.Millisecond: 2,
		30 * time.Second:        30,
	}
	for in, want := range cases {
		if got := ttlSeconds(in); got != want {
			t.Fatalf("ttlSeconds(%v) = %d, want %d", in, got, want)
		}
	}
}

func TestShouldRetry(t *testing.T) {
	if shouldRetry(rpctypes.ErrGRPCNoLeader, 0) {
		t.Fatal("no retries left")
	}
	if !shouldRetry(status.Error(codes.Unavailable, "leader changed"), 1) {
		t.Fatal("unavailable should be retried")
	}
	if shouldRetry(status.Error(codes.InvalidArgument, "bad"), 3) {
		t.Fatal("invalid argument must not be retried")
	}
	if shouldRetry(context.Canceled, 3) {
		t.Fatal("plain errors must not be retried")
	}
}

func rangeResponse(kvs ...*mvccpb.KeyValue) *clientv3.TxnResponse {
	return &clientv3.TxnResponse{
		Responses: []*etcdserverpb.ResponseOp{{
			Response: &etcdserverpb.ResponseOp_ResponseRange{
				ResponseRange: &etcdserverpb.RangeResponse{Kvs: kvs},
			},
		}},
	}
}

func TestCreatedByRetriedTxn(t *testing.T) {
	const id clientv3.LeaseID = 7
	cases := []struct {
		name string
		resp *clientv3.TxnResponse
		want bool
	}{
		{"own write applied earlier", rangeResponse(&mvccpb.KeyValue{Key: []byte("k"), Value: []byte("tok"), Lease: 7}), true},
		{"other holder", rangeResponse(&mvccpb.KeyValue{Key: []byte("k"), Value: []byte("other"), Lease: 9}), false},
		{"same token other lease", rangeResponse(&mvccpb.KeyValue{Key: []byte("k"), Value: []byte("tok"), Lease: 9}), false},
		{"key gone", rangeResponse(), false},
		{"no responses", &clientv3.TxnResponse{}, false},
	}
	for _, c := range cases {
		if got := createdBy(c.resp, "tok", id); got != c.want {
			t.Fatalf("%s: createdBy = %v, want %v", c.name, got, c.want)
		}
	}
}
