package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Synchronizer metrics
	SyncCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "burrow_sync_cycles_total",
			Help: "Total number of synchronizer cycles run",
		},
	)

	SyncCycleDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "burrow_sync_cycle_duration_seconds",
			Help:    "Synchronizer cycle duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	ActionsDelivered = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "burrow_actions_delivered_total",
			Help: "Total number of pending actions acknowledged by the server",
		},
	)

	// Queue metrics
	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "burrow_queue_depth",
			Help: "Number of pending actions in the mutation queue",
		},
	)

	QueueRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "burrow_queue_retries_total",
			Help: "Total number of transient-failure retries scheduled",
		},
	)

	MutationsRolledBack = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "burrow_mutations_rolled_back_total",
			Help: "Total number of optimistic mutations rolled back after permanent rejection",
		},
	)

	// Cache metrics
	CacheHitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "burrow_cache_hits_total",
			Help: "Total number of cache hits by staleness",
		},
		[]string{"stale"},
	)

	CacheMissesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "burrow_cache_misses_total",
			Help: "Total number of cache misses",
		},
	)

	CacheEvictionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "burrow_cache_evictions_total",
			Help: "Total number of records evicted under storage pressure",
		},
	)

	// Session metrics
	SessionsExpiredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "burrow_sessions_expired_total",
			Help: "Total number of sessions destroyed by idle timeout",
		},
	)

	TokenRefreshesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "burrow_token_refreshes_total",
			Help: "Total number of proactive token refresh attempts by outcome",
		},
		[]string{"outcome"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(SyncCyclesTotal)
	prometheus.MustRegister(SyncCycleDuration)
	prometheus.MustRegister(ActionsDelivered)
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(QueueRetriesTotal)
	prometheus.MustRegister(MutationsRolledBack)
	prometheus.MustRegister(CacheHitsTotal)
	prometheus.MustRegister(CacheMissesTotal)
	prometheus.MustRegister(CacheEvictionsTotal)
	prometheus.MustRegister(SessionsExpiredTotal)
	prometheus.MustRegister(TokenRefreshesTotal)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
