package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	redis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/couponlock/go-dlock/v1/coupon"
	dlockerrors "github.com/couponlock/go-dlock/v1/errors"
	"github.com/couponlock/go-dlock/v1/guard"
	"github.com/couponlock/go-dlock/v1/harness"
	"github.com/couponlock/go-dlock/v1/lease"
	"github.com/couponlock/go-dlock/v1/metrics"
	"github.com/couponlock/go-dlock/v1/presets"
)

var (
	backend     = flag.String("backend", "memory", "Lease backend: memory, redis, nats or etcd")
	repoKind    = flag.String("repo", "memory", "Coupon repository: memory, redis or sqlite")
	redisAddr   = flag.String("redis", "localhost:6379", "Redis address")
	natsURL     = flag.String("nats", "nats://localhost:4222", "NATS URL")
	etcdAddrs   = flag.String("etcd", "localhost:2379", "Comma separated etcd endpoints")
	sqliteDSN   = flag.String("dsn", "file:dlock-bench?mode=memory&cache=shared", "SQLite DSN for -repo sqlite")
	callers     = flag.Int("n", 100, "Number of callers")
	concurrency = flag.Int("c", 0, "Callers in flight, 0 releases all at once")
	stock       = flag.Int64("stock", 100, "Initial coupon stock")
	lockName    = flag.String("key", "KURLY_001", "Lock name")
	waitTime    = flag.Duration("wait", 30*time.Second, "Lock wait time")
	leaseTime   = flag.Duration("lease", guard.DefaultLeaseTime, "Lease time")
	retry       = flag.Duration("retry", guard.DefaultRetryInterval, "Retry interval")
	renew       = flag.Bool("renew", false, "Renew leases while held")
	unguarded   = flag.Bool("unguarded", false, "Decrease without the lock")
	metricsAddr = flag.String("metrics", "", "Serve /metrics on this address and keep running")
	trace       = flag.Bool("trace", false, "Export spans to stdout")
)

const couponID = 1

func main() {
	flag.Parse()
	ctx := context.Background()

	if *trace {
		exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			log.Fatal(err)
		}
		tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp))
		defer func() { _ = tp.Shutdown(ctx) }()
		otel.SetTracerProvider(tp)
	}

	reg := metrics.NewRegistry()
	metrics.RegisterLockMetrics(reg)
	if *metricsAddr != "" {
		http.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		go func() {
			log.Fatal(http.ListenAndServe(*metricsAddr, nil))
		}()
	}

	slogger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	c, client, err := coordinator(slogger)
	if err != nil {
		log.Fatalf("Backend setup failed: %v", err)
	}
	defer c.Close()

	repo, err := repository(client)
	if err != nil {
		log.Fatalf("Repository setup failed: %v", err)
	}
	if err := repo.Save(ctx, coupon.New(couponID, *lockName, *stock)); err != nil {
		log.Fatalf("Seeding coupon failed: %v", err)
	}

	svc := coupon.NewService(repo, c.Guard, coupon.WithLockSpec(guard.Spec{
		Key:           coupon.DefaultLockSpec.Key,
		WaitTime:      *waitTime,
		LeaseTime:     *leaseTime,
		RetryInterval: *retry,
		Renew:         *renew,
	}))

	log.Printf("Starting benchmark: %d callers, stock %d, backend %s, repo %s, guarded %t",
		*callers, *stock, *backend, *repoKind, !*unguarded)

	r := harness.Run(ctx, harness.Config{Callers: *callers, Concurrency: *concurrency}, func(ctx context.Context, i int) error {
		if *unguarded {
			return svc.Decrease(ctx, couponID)
		}
		return svc.DecreaseWithLock(ctx, *lockName, couponID)
	})

	left, err := svc.Stock(ctx, couponID)
	if err != nil {
		log.Fatalf("Reading stock failed: %v", err)
	}

	log.Printf("Finished in %v", r.Elapsed)
	log.Printf("Succeeded: %d", r.Succeeded)
	log.Printf("Depleted: %d", r.Count(dlockerrors.ErrDepleted))
	log.Printf("Conflicts: %d", r.Count(dlockerrors.ErrConflict))
	log.Printf("Lock timeouts: %d", r.Count(dlockerrors.ErrLockTimeout))
	log.Printf("Store unavailable: %d", r.Count(dlockerrors.ErrStoreUnavailable))
	log.Printf("Stock left: %d (expected %d)", left, *stock-int64(r.Succeeded))
	if left != *stock-int64(r.Succeeded) {
		log.Printf("Lost updates: %d", left-(*stock-int64(r.Succeeded)))
	}

	if *metricsAddr != "" {
		log.Printf("Serving metrics on %s/metrics", *metricsAddr)
		select {}
	}
}

func coordinator(l *slog.Logger) (*presets.Coordinator, redis.UniversalClient, error) {
	opts := []presets.Option{presets.WithLogger(l)}
	switch *backend {
	case "memory":
		c, err := presets.NewInMemoryStandalone(opts...)
		return c, nil, err
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: *redisAddr})
		c, err := presets.NewRedisFromClient(client, opts...)
		return c, client, err
	case "nats":
		c, err := presets.NewNATS(*natsURL, opts...)
		return c, nil, err
	case "etcd":
		c, err := presets.NewEtcd(lease.EtcdOptions{Endpoints: strings.Split(*etcdAddrs, ",")}, opts...)
		return c, nil, err
	}
	return nil, nil, fmt.Errorf("unknown backend %q", *backend)
}

func repository(client redis.UniversalClient) (coupon.Repository, error) {
	switch *repoKind {
	case "memory":
		return coupon.NewInMemoryRepository(), nil
	case "redis":
		if client == nil {
			client = redis.NewClient(&redis.Options{Addr: *redisAddr})
		}
		return coupon.NewRedisRepository(client), nil
	case "sqlite":
		db, err := gorm.Open(sqlite.Open(*sqliteDSN), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
		if err != nil {
			return nil, err
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
		return coupon.NewGormRepository(db)
	}
	return nil, fmt.Errorf("unknown repository %q", *repoKind)
}
