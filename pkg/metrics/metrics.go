package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Session metrics
	SessionsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "burrow_sessions_total",
			Help: "Total number of sessions by tenant and status",
		},
		[]string{"tenant", "status"},
	)

	ApplicationsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "burrow_applications_total",
			Help: "Total number of applications with an active session",
		},
	)

	SuperModelGeneration = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "burrow_supermodel_generation",
			Help: "Current cluster-wide config generation",
		},
	)

	// Lifecycle operation metrics
	PrepareDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "burrow_prepare_duration_seconds",
			Help:    "Session prepare duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"tenant"},
	)

	ActivateDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "burrow_activate_duration_seconds",
			Help:    "Session activate duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"tenant"},
	)

	OperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "burrow_operations_total",
			Help: "Total lifecycle operations by operation and outcome",
		},
		[]string{"operation", "outcome"},
	)

	// Sweep metrics
	SessionsExpiredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "burrow_sessions_expired_total",
			Help: "Total sessions removed by expiry sweeps, by view",
		},
		[]string{"view"},
	)

	SweepDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "burrow_sweep_duration_seconds",
			Help:    "Expiry sweep cycle duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	SweepCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "burrow_sweep_cycles_total",
			Help: "Total expiry sweep cycles run",
		},
	)

	FilesDeletedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "burrow_files_deleted_total",
			Help: "Total unreferenced file blobs deleted by the file GC",
		},
	)

	// Config resolution cache metrics
	CacheHitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "burrow_cache_hits_total",
			Help: "Total config resolution cache hits",
		},
	)

	CacheMissesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "burrow_cache_misses_total",
			Help: "Total config resolution cache misses",
		},
	)

	// Raft metrics
	RaftLeader = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "burrow_raft_is_leader",
			Help: "Whether this node is the Raft leader (1 = leader, 0 = follower)",
		},
	)

	RaftLogIndex = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "burrow_raft_log_index",
			Help: "Current Raft log index",
		},
	)

	RaftAppliedIndex = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "burrow_raft_applied_index",
			Help: "Last applied Raft log index",
		},
	)
)

func init() {
	prometheus.MustRegister(SessionsTotal)
	prometheus.MustRegister(ApplicationsTotal)
	prometheus.MustRegister(SuperModelGeneration)
	prometheus.MustRegister(PrepareDuration)
	prometheus.MustRegister(ActivateDuration)
	prometheus.MustRegister(OperationsTotal)
	prometheus.MustRegister(SessionsExpiredTotal)
	prometheus.MustRegister(SweepDuration)
	prometheus.MustRegister(SweepCyclesTotal)
	prometheus.MustRegister(FilesDeletedTotal)
	prometheus.MustRegister(CacheHitsTotal)
	prometheus.MustRegister(CacheMissesTotal)
	prometheus.MustRegister(RaftLeader)
	prometheus.MustRegister(RaftLogIndex)
	prometheus.MustRegister(RaftAppliedIndex)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
