package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for MiniPerps.
// Every field is safe to leave unused; callers guard on a nil *Metrics.
type Metrics struct {
	// --- Engine ---
	OpsApplied    *prometheus.CounterVec
	OpsRejected   *prometheus.CounterVec
	OpDuration    *prometheus.HistogramVec
	EngineSeq     prometheus.Gauge
	CustodyErrors *prometheus.CounterVec

	// --- Market state ---
	OpenInterest        *prometheus.GaugeVec
	OraclePrice         prometheus.Gauge
	OracleStaleness     prometheus.Gauge
	FundingRateLast     prometheus.Gauge
	FundingApplied      prometheus.Counter
	PositionsOpened     *prometheus.CounterVec
	PositionsClosed     *prometheus.CounterVec
	LiquidationFees     prometheus.Counter
	ProtocolPaused      prometheus.Gauge
	PriceFeedOutOfOrder prometheus.Counter

	// --- Idempotency ---
	IdempotencyDuplicates prometheus.Counter
	DedupLRUSize          prometheus.Gauge
	DedupLRUEvictions     prometheus.Counter

	// --- Channels ---
	ProjectionDrops prometheus.Counter
	PublishDrops    prometheus.Counter

	// --- Persistence ---
	PersistEventsWritten prometheus.Counter
	PersistBatchSize     prometheus.Histogram
	PersistErrors        *prometheus.CounterVec
	PersistLastSequence  prometheus.Gauge

	// --- Keepers ---
	KeeperRuns   *prometheus.CounterVec
	KeeperErrors *prometheus.CounterVec

	// --- API ---
	APIRequests    *prometheus.CounterVec
	APIDuration    *prometheus.HistogramVec
	APIRateLimited prometheus.Counter
}

// NewMetrics creates all metrics and registers them with reg. Pass
// prometheus.DefaultRegisterer in the daemon and a fresh registry in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	latencyBuckets := []float64{
		0.000005, 0.00001, 0.000025, 0.00005, 0.0001,
		0.00025, 0.0005, 0.001, 0.002, 0.005, 0.01, 0.05,
	}

	return &Metrics{
		OpsApplied: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_engine_ops_applied_total",
			Help: "Operations committed by the engine",
		}, []string{"op"}),

		OpsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_engine_ops_rejected_total",
			Help: "Operations rejected before commit",
		}, []string{"op", "code"}),

		OpDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "perp_engine_op_duration_seconds",
			Help:    "Time to validate and commit one operation",
			Buckets: latencyBuckets,
		}, []string{"op"}),

		EngineSeq: f.NewGauge(prometheus.GaugeOpts{
			Name: "perp_engine_sequence",
			Help: "Sequence of the last committed operation",
		}),

		CustodyErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_custody_errors_total",
			Help: "Custody transfer failures",
		}, []string{"direction"}),

		OpenInterest: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "perp_open_interest",
			Help: "Entry notional of open positions, quote units",
		}, []string{"side"}),

		OraclePrice: f.NewGauge(prometheus.GaugeOpts{
			Name: "perp_oracle_price",
			Help: "Latest oracle price, fixed-point",
		}),

		OracleStaleness: f.NewGauge(prometheus.GaugeOpts{
			Name: "perp_oracle_age_seconds",
			Help: "Age of the oracle sample at the last operation",
		}),

		FundingRateLast: f.NewGauge(prometheus.GaugeOpts{
			Name: "perp_funding_rate_last",
			Help: "Rate applied by the last funding settlement, fixed-point",
		}),

		FundingApplied: f.NewCounter(prometheus.CounterOpts{
			Name: "perp_funding_applied_total",
			Help: "Funding settlements applied",
		}),

		PositionsOpened: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_positions_opened_total",
			Help: "Positions opened",
		}, []string{"side"}),

		PositionsClosed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_positions_closed_total",
			Help: "Positions closed, by reason",
		}, []string{"side", "reason"}),

		LiquidationFees: f.NewCounter(prometheus.CounterOpts{
			Name: "perp_liquidation_fees_total",
			Help: "Liquidation fees credited to liquidators, quote units",
		}),

		ProtocolPaused: f.NewGauge(prometheus.GaugeOpts{
			Name: "perp_protocol_paused",
			Help: "1 if new positions are paused",
		}),

		PriceFeedOutOfOrder: f.NewCounter(prometheus.CounterOpts{
			Name: "perp_price_feed_out_of_order_total",
			Help: "Price feed messages dropped as stale or duplicate",
		}),

		IdempotencyDuplicates: f.NewCounter(prometheus.CounterOpts{
			Name: "perp_idempotency_duplicates_total",
			Help: "Requests rejected as duplicates",
		}),

		DedupLRUSize: f.NewGauge(prometheus.GaugeOpts{
			Name: "perp_dedup_lru_size",
			Help: "Current entries in the request-key LRU",
		}),

		DedupLRUEvictions: f.NewCounter(prometheus.CounterOpts{
			Name: "perp_dedup_lru_evictions_total",
			Help: "Request keys evicted from the LRU",
		}),

		ProjectionDrops: f.NewCounter(prometheus.CounterOpts{
			Name: "perp_projection_drops_total",
			Help: "Envelopes dropped because the projection channel was full",
		}),

		PublishDrops: f.NewCounter(prometheus.CounterOpts{
			Name: "perp_publish_drops_total",
			Help: "Envelopes that could not be published to NATS",
		}),

		PersistEventsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "perp_persist_events_written_total",
			Help: "Envelopes written to the event log",
		}),

		PersistBatchSize: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "perp_persist_batch_size",
			Help:    "Envelopes per event-log transaction",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		}),

		PersistErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_persist_errors_total",
			Help: "Persistence failures",
		}, []string{"error_type"}),

		PersistLastSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "perp_persist_last_sequence",
			Help: "Last sequence written to the event log",
		}),

		KeeperRuns: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_keeper_runs_total",
			Help: "Keeper actions taken",
		}, []string{"keeper", "result"}),

		KeeperErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_keeper_errors_total",
			Help: "Keeper actions that failed",
		}, []string{"keeper", "code"}),

		APIRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_api_requests_total",
			Help: "API requests by route and status",
		}, []string{"route", "status"}),

		APIDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "perp_api_duration_seconds",
			Help:    "API request duration",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),

		APIRateLimited: f.NewCounter(prometheus.CounterOpts{
			Name: "perp_api_rate_limited_total",
			Help: "Requests rejected by the rate limiter",
		}),
	}
}
