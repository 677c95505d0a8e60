package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the composition service.
type Metrics struct {
	// --- Sessions & legs ---
	SessionsCreated prometheus.Counter
	SessionsExpired prometheus.Counter
	SessionsActive  prometheus.Gauge
	LegsActive      prometheus.Gauge

	// --- Identity resolution ---
	ResolutionsTotal   *prometheus.CounterVec
	ResolutionDuration *prometheus.HistogramVec
	StaleDiscards      *prometheus.CounterVec

	// --- Validation ---
	AmountValidationFailures *prometheus.CounterVec
	NFTLimitWarnings         prometheus.Counter

	// --- Asset details cache ---
	DetailsCacheHits   prometheus.Counter
	DetailsCacheMisses prometheus.Counter
	DetailsFetchErrors prometheus.Counter

	// --- Finalize ---
	FinalizeTotal    *prometheus.CounterVec
	FinalizeLegs     prometheus.Histogram
	FinalizeDuration prometheus.Histogram

	// --- Chain movement intake ---
	MovementsApplied prometheus.Counter
	MovementsIgnored prometheus.Counter

	// --- Outbound publish & audit persistence ---
	PublishDrops   prometheus.Counter
	AuditWrites    prometheus.Counter
	AuditErrors    *prometheus.CounterVec
	AuditBatchSize prometheus.Histogram

	// --- HTTP API ---
	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	resolveBuckets := []float64{
		0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0,
	}

	return &Metrics{
		SessionsCreated: promauto.NewCounter(prometheus.CounterOpts{
			Name: "composer_sessions_created_total",
			Help: "Composition sessions created",
		}),

		SessionsExpired: promauto.NewCounter(prometheus.CounterOpts{
			Name: "composer_sessions_expired_total",
			Help: "Sessions removed by idle expiry",
		}),

		SessionsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "composer_sessions_active",
			Help: "Live composition sessions",
		}),

		LegsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "composer_legs_active",
			Help: "Live legs across all sessions",
		}),

		ResolutionsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "composer_resolutions_total",
			Help: "DID resolutions by side and outcome",
		}, []string{"side", "outcome"}),

		ResolutionDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "composer_resolution_duration_seconds",
			Help:    "Identity + portfolio fetch time",
			Buckets: resolveBuckets,
		}, []string{"side"}),

		StaleDiscards: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "composer_stale_resolution_discards_total",
			Help: "Resolution responses discarded because a newer attempt superseded them",
		}, []string{"side"}),

		AmountValidationFailures: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "composer_amount_validation_failures_total",
			Help: "Amount inputs rejected, by rule",
		}, []string{"rule"}),

		NFTLimitWarnings: promauto.NewCounter(prometheus.CounterOpts{
			Name: "composer_nft_limit_warnings_total",
			Help: "Legs whose token selection exceeded the soft limit",
		}),

		DetailsCacheHits: promauto.NewCounter(prometheus.CounterOpts{
			Name: "composer_details_cache_hits_total",
			Help: "Asset detail lookups served from cache",
		}),

		DetailsCacheMisses: promauto.NewCounter(prometheus.CounterOpts{
			Name: "composer_details_cache_misses_total",
			Help: "Asset detail lookups that went to the chain",
		}),

		DetailsFetchErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: "composer_details_fetch_errors_total",
			Help: "Asset detail fetches that failed (entry left uncached)",
		}),

		FinalizeTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "composer_finalize_total",
			Help: "Finalize attempts by outcome",
		}, []string{"outcome"}),

		FinalizeLegs: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "composer_finalize_legs",
			Help:    "Legs per finalized instruction batch",
			Buckets: []float64{1, 2, 3, 5, 8, 13, 21},
		}),

		FinalizeDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "composer_finalize_duration_seconds",
			Help:    "Time to validate and assemble an instruction batch",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05},
		}),

		MovementsApplied: promauto.NewCounter(prometheus.CounterOpts{
			Name: "composer_movements_applied_total",
			Help: "Portfolio movement events that invalidated session data",
		}),

		MovementsIgnored: promauto.NewCounter(prometheus.CounterOpts{
			Name: "composer_movements_ignored_total",
			Help: "Portfolio movement events touching no live session",
		}),

		PublishDrops: promauto.NewCounter(prometheus.CounterOpts{
			Name: "composer_publish_drops_total",
			Help: "Instruction batches whose stream publish failed and was dropped",
		}),

		AuditWrites: promauto.NewCounter(prometheus.CounterOpts{
			Name: "composer_audit_writes_total",
			Help: "Finalized compositions written to Postgres",
		}),

		AuditErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "composer_audit_errors_total",
			Help: "Audit persistence errors",
		}, []string{"error_type"}),

		AuditBatchSize: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "composer_audit_batch_size",
			Help:    "Compositions per audit write batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100},
		}),

		HTTPRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "composer_http_requests_total",
			Help: "HTTP API requests",
		}, []string{"method", "path", "status"}),

		HTTPDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "composer_http_request_duration_seconds",
			Help:    "HTTP API request latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path"}),
	}
}
