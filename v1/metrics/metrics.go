package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// LockAcquireCounter counts TryAcquire outcomes by lock implementation
	// and result (acquired, contended, error).
	LockAcquireCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "warden_lock_acquire_total",
		Help: "Total number of lock acquisition attempts",
	}, []string{"impl", "result"})
	// LockReleaseCounter counts Release outcomes by lock implementation and
	// result (released, not_owner, error).
	LockReleaseCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "warden_lock_release_total",
		Help: "Total number of lock release attempts",
	}, []string{"impl", "result"})
	// LockTimeoutCounter tracks ExecuteWithLock calls that gave up waiting.
	LockTimeoutCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "warden_lock_timeouts_total",
		Help: "Total number of lock waits that timed out",
	})
	// LockLostCounter tracks kept-alive locks that could not be renewed.
	LockLostCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "warden_lock_lost_total",
		Help: "Total number of kept-alive locks lost before release",
	})
	// CacheLookupCounter counts cache lookups by result (l1_hit, l2_hit,
	// negative_hit, miss, fallback).
	CacheLookupCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "warden_cache_lookups_total",
		Help: "Total number of cache lookups",
	}, []string{"result"})
	// FactoryCounter tracks the number of factory invocations.
	FactoryCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "warden_factory_calls_total",
		Help: "Total number of factory invocations on cache miss",
	})
	// SetCounter tracks the number of Set operations.
	SetCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "warden_set_total",
		Help: "Total number of Set operations",
	})
	// InvalidateCounter tracks the number of invalidations.
	InvalidateCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "warden_invalidate_total",
		Help: "Total number of cache invalidations",
	})
	// ActorGauge reports the number of live lock actors.
	ActorGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "warden_lock_actors",
		Help: "Current number of live lock actors",
	})
)

// Cache lookup results.
const (
	ResultL1Hit       = "l1_hit"
	ResultL2Hit       = "l2_hit"
	ResultNegativeHit = "negative_hit"
	ResultMiss        = "miss"
	ResultFallback    = "fallback"
)

// NewRegistry creates a new Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// RegisterMetrics registers warden metrics on the provided registry.
func RegisterMetrics(reg prometheus.Registerer) {
	reg.MustRegister(
		LockAcquireCounter,
		LockReleaseCounter,
		LockTimeoutCounter,
		LockLostCounter,
		CacheLookupCounter,
		FactoryCounter,
		SetCounter,
		InvalidateCounter,
		ActorGauge,
	)
}
