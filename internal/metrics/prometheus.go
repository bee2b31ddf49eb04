package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the cache engine
type Metrics struct {
	// Fetch path
	FetchRequestsTotal      *prometheus.CounterVec // outcome: hit|miss|not_found|error
	FetchDuration           prometheus.Histogram
	FetchBytes              prometheus.Histogram
	SingleflightSharedTotal prometheus.Counter

	// Per-tier traffic
	TierHitsTotal     *prometheus.CounterVec // tier
	TierMissesTotal   *prometheus.CounterVec
	TierFailuresTotal *prometheus.CounterVec // tier, kind
	TierUsedBytes     *prometheus.GaugeVec
	BreakerState      *prometheus.GaugeVec // tier; 0=closed 1=half_open 2=open

	// ARC eviction cores
	CacheResidentEntries *prometheus.GaugeVec // tier
	CacheTrackedKeys     *prometheus.GaugeVec
	CacheTargetP         *prometheus.GaugeVec
	CacheEvictionsTotal  *prometheus.CounterVec

	// Migration
	PromotionsTotal        prometheus.Counter
	DemotionsTotal         prometheus.Counter
	MigrationFailuresTotal prometheus.Counter

	// Replication
	ReplicationRunsTotal   *prometheus.CounterVec // level
	ReplicationWritesTotal prometheus.Counter
	ReplicationDuration    prometheus.Histogram

	// Integrity
	VerifyRunsTotal  prometheus.Counter
	CorruptionsTotal *prometheus.CounterVec // tier
	RepairsTotal     prometheus.Counter
}

// New creates all metrics and registers them on reg
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		FetchRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tiercache",
			Subsystem: "fetch",
			Name:      "requests_total",
			Help:      "Total number of fetch requests by outcome",
		}, []string{"outcome"}),
		FetchDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "tiercache",
			Subsystem: "fetch",
			Name:      "duration_seconds",
			Help:      "Histogram of fetch durations",
			Buckets:   prometheus.DefBuckets,
		}),
		FetchBytes: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "tiercache",
			Subsystem: "fetch",
			Name:      "bytes",
			Help:      "Histogram of fetched payload sizes in bytes",
			Buckets:   prometheus.ExponentialBuckets(256, 4, 10),
		}),
		SingleflightSharedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "tiercache",
			Subsystem: "fetch",
			Name:      "singleflight_shared_total",
			Help:      "Fetches that piggybacked on an in-flight fetch for the same cid",
		}),

		TierHitsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tiercache",
			Subsystem: "tier",
			Name:      "hits_total",
			Help:      "Successful reads per tier",
		}, []string{"tier"}),
		TierMissesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tiercache",
			Subsystem: "tier",
			Name:      "misses_total",
			Help:      "Clean misses per tier",
		}, []string{"tier"}),
		TierFailuresTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tiercache",
			Subsystem: "tier",
			Name:      "failures_total",
			Help:      "Tier I/O failures by kind",
		}, []string{"tier", "kind"}),
		TierUsedBytes: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "tiercache",
			Subsystem: "tier",
			Name:      "used_bytes",
			Help:      "Tracked used bytes per tier",
		}, []string{"tier"}),
		BreakerState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "tiercache",
			Subsystem: "tier",
			Name:      "breaker_state",
			Help:      "Circuit breaker state per tier (0=closed, 1=half-open, 2=open)",
		}, []string{"tier"}),

		CacheResidentEntries: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "tiercache",
			Subsystem: "cache",
			Name:      "resident_entries",
			Help:      "Resident entries (T1+T2) per cache-bearing tier",
		}, []string{"tier"}),
		CacheTrackedKeys: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "tiercache",
			Subsystem: "cache",
			Name:      "tracked_keys",
			Help:      "Tracked keys including ghost lists per cache-bearing tier",
		}, []string{"tier"}),
		CacheTargetP: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "tiercache",
			Subsystem: "cache",
			Name:      "target_p",
			Help:      "Adaptive T1 target size per cache-bearing tier",
		}, []string{"tier"}),
		CacheEvictionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tiercache",
			Subsystem: "cache",
			Name:      "evictions_total",
			Help:      "Evictions per cache-bearing tier",
		}, []string{"tier"}),

		PromotionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "tiercache",
			Subsystem: "migration",
			Name:      "promotions_total",
			Help:      "Payloads promoted to a faster tier",
		}),
		DemotionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "tiercache",
			Subsystem: "migration",
			Name:      "demotions_total",
			Help:      "Payloads demoted to a slower tier",
		}),
		MigrationFailuresTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "tiercache",
			Subsystem: "migration",
			Name:      "failures_total",
			Help:      "Migration copies that failed and were aborted",
		}),

		ReplicationRunsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tiercache",
			Subsystem: "replication",
			Name:      "runs_total",
			Help:      "Replication operations by achieved success level",
		}, []string{"level"}),
		ReplicationWritesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "tiercache",
			Subsystem: "replication",
			Name:      "writes_total",
			Help:      "Successful replica writes",
		}),
		ReplicationDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "tiercache",
			Subsystem: "replication",
			Name:      "duration_seconds",
			Help:      "Histogram of replication operation durations",
			Buckets:   prometheus.DefBuckets,
		}),

		VerifyRunsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "tiercache",
			Subsystem: "integrity",
			Name:      "verify_runs_total",
			Help:      "Integrity verifications performed",
		}),
		CorruptionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tiercache",
			Subsystem: "integrity",
			Name:      "corruptions_total",
			Help:      "Corrupted replicas detected per tier",
		}, []string{"tier"}),
		RepairsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "tiercache",
			Subsystem: "integrity",
			Name:      "repairs_total",
			Help:      "Automatic repairs triggered after corruption",
		}),
	}
}
