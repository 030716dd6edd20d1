package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// AcquireCounter counts acquisitions by outcome (acquired, timeout,
	// not_enough_servers, canceled, invalid_timeout, backend).
	AcquireCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mutex_acquire_total",
		Help: "Total number of lock acquisitions by outcome",
	}, []string{"outcome"})
	// ReleaseCounter counts releases by outcome (released, failed, outside_lock).
	ReleaseCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mutex_release_total",
		Help: "Total number of lock releases by outcome",
	}, []string{"outcome"})
	// AcquireLatency tracks the time spent obtaining locks.
	AcquireLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "mutex_acquire_seconds",
		Help:    "Time spent acquiring locks",
		Buckets: prometheus.DefBuckets,
	})
	// HoldDuration tracks how long critical sections run.
	HoldDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "mutex_hold_seconds",
		Help:    "Time spent inside critical sections",
		Buckets: prometheus.DefBuckets,
	})
	// MemberErrors counts quorum member failures by operation (set, delete).
	MemberErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mutex_member_errors_total",
		Help: "Total number of quorum member errors by operation",
	}, []string{"op"})
)

// NewRegistry creates a new Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// RegisterMutexMetrics registers the mutex collectors on the provided registry.
func RegisterMutexMetrics(reg prometheus.Registerer) {
	reg.MustRegister(AcquireCounter, ReleaseCounter, AcquireLatency, HoldDuration, MemberErrors)
}
