package metrics

import "github.com/prometheus/client_golang/prometheus"

// Outcome label values.
const (
	OutcomeAcquired    = "acquired"
	OutcomeTimeout     = "timeout"
	OutcomeUnavailable = "unavailable"
	OutcomeCanceled    = "canceled"
	OutcomeReleased    = "released"
	OutcomeNotOwned    = "not_owned"
	OutcomeError       = "error"
	OutcomeRenewed     = "renewed"
	OutcomeLost        = "lost"
)

var (
	// AcquireCounter counts acquisition requests by outcome.
	AcquireCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dlock_acquire_total",
		Help: "Total number of lock acquisition requests by outcome",
	}, []string{"outcome"})
	// AcquireAttempts observes how many tryCreate calls an acquisition took.
	AcquireAttempts = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "dlock_acquire_attempts",
		Help:    "Number of attempts per lock acquisition",
		Buckets: []float64{1, 2, 3, 5, 10, 20, 50, 100},
	})
	// AcquireWait observes the time spent waiting for a lock.
	AcquireWait = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "dlock_acquire_wait_seconds",
		Help:    "Time spent acquiring a lock",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
	})
	// ReleaseCounter counts releases by outcome.
	ReleaseCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dlock_release_total",
		Help: "Total number of lock releases by outcome",
	}, []string{"outcome"})
	// HeldGauge reports the number of leases currently held by this process.
	HeldGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "dlock_held",
		Help: "Current number of leases held by this process",
	})
	// RenewCounter counts lease renewals by outcome.
	RenewCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dlock_renew_total",
		Help: "Total number of lease renewals by outcome",
	}, []string{"outcome"})
)

// NewRegistry creates a new Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// RegisterLockMetrics registers the lock metrics on the provided registry.
func RegisterLockMetrics(reg prometheus.Registerer) {
	reg.MustRegister(AcquireCounter, AcquireAttempts, AcquireWait, ReleaseCounter, HeldGauge, RenewCounter)
}
