package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// AcquireCounter counts finished acquisitions by result
	// (acquired, timeout, error).
	AcquireCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pick_runner_lock_acquire_total",
		Help: "Total number of lock acquisitions by result",
	}, []string{"result"})
	// ConflictCounter tracks create attempts rejected because the lock was held.
	ConflictCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pick_runner_lock_conflicts_total",
		Help: "Total number of create attempts that found the lock held",
	})
	// ReclaimCounter tracks expired records deleted by a waiter.
	ReclaimCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pick_runner_lock_reclaims_total",
		Help: "Total number of expired lock records reclaimed",
	})
	// ReleaseCounter counts releases by result (released, absent, error).
	ReleaseCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pick_runner_lock_release_total",
		Help: "Total number of lock releases by result",
	}, []string{"result"})
	// HeldGauge reports the number of locks held by this process.
	HeldGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pick_runner_lock_held",
		Help: "Current number of locks held by this process",
	})
	// AcquireWait observes how long acquisitions waited.
	AcquireWait = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "pick_runner_lock_acquire_wait_seconds",
		Help:    "Time spent acquiring a lock",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 13),
	})
)

// NewRegistry creates a new Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// RegisterLockMetrics registers the lock metrics on the provided registry.
func RegisterLockMetrics(reg prometheus.Registerer) {
	reg.MustRegister(AcquireCounter, ConflictCounter, ReclaimCounter, ReleaseCounter, HeldGauge, AcquireWait)
}
