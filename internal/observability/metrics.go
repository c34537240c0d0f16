package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the wagering ledger.
type Metrics struct {
	// --- Bet acceptance ---
	BetsAccepted      prometheus.Counter
	BetsRejected      *prometheus.CounterVec
	BetsCancelled     prometheus.Counter
	PlacementDuration prometheus.Histogram
	ExposureHeld      prometheus.Gauge

	// --- Settlement ---
	MarketsSettled     prometheus.Counter
	BetsSettled        *prometheus.CounterVec
	SettlementDuration prometheus.Histogram
	SettlementFailures prometheus.Counter
	DuplicateResults   prometheus.Counter
	CommissionPaid     prometheus.Counter

	// --- Result ingestion ---
	ResultsProcessed prometheus.Counter
	ResultsRejected  prometheus.Counter
	IngestToSettle   prometheus.Histogram

	// --- Accounts & ledger ---
	LockTimeouts        prometheus.Counter
	InvariantViolations prometheus.Counter
	LedgerRows          *prometheus.CounterVec

	// --- Channel & backpressure ---
	ChannelSize        *prometheus.GaugeVec
	ChannelCapacity    *prometheus.GaugeVec
	ChannelUtilization *prometheus.GaugeVec
	PersistBackpressure prometheus.Counter
	PublishDrops        prometheus.Counter

	// --- Persistence ---
	PersistRowsWritten prometheus.Counter
	PersistBatchSize   prometheus.Histogram
	PersistBatchDur    prometheus.Histogram
	PersistErrors      *prometheus.CounterVec
	PersistRetry       prometheus.Counter

	// --- HTTP API ---
	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	settleBuckets := []float64{
		0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0,
	}

	return &Metrics{
		// Bet acceptance
		BetsAccepted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "bet_placements_accepted_total",
			Help: "Bets accepted into the ledger",
		}),

		BetsRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "bet_placements_rejected_total",
			Help: "Bets rejected at validation",
		}, []string{"reason"}),

		BetsCancelled: promauto.NewCounter(prometheus.CounterOpts{
			Name: "bet_cancellations_total",
			Help: "Bets cancelled within the grace window",
		}),

		PlacementDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "bet_placement_duration_seconds",
			Help:    "Validate-and-commit time for one placement",
			Buckets: settleBuckets,
		}),

		ExposureHeld: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "bet_exposure_held",
			Help: "Sum of exposure currently held across accounts",
		}),

		// Settlement
		MarketsSettled: promauto.NewCounter(prometheus.CounterOpts{
			Name: "bet_markets_settled_total",
			Help: "Market results fully processed",
		}),

		BetsSettled: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "bet_settlements_total",
			Help: "Bets moved to a terminal state",
		}, []string{"result"}),

		SettlementDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "bet_settlement_duration_seconds",
			Help:    "Time to settle one market",
			Buckets: settleBuckets,
		}),

		SettlementFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "bet_settlement_failures_total",
			Help: "Bets left pending after a failed settlement unit",
		}),

		DuplicateResults: promauto.NewCounter(prometheus.CounterOpts{
			Name: "bet_duplicate_results_total",
			Help: "Market results ignored as already settled",
		}),

		CommissionPaid: promauto.NewCounter(prometheus.CounterOpts{
			Name: "bet_commission_paid_total",
			Help: "Total commission credited to agents",
		}),

		// Result ingestion
		ResultsProcessed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "bet_results_processed_total",
			Help: "Result messages settled and ACKed",
		}),

		ResultsRejected: promauto.NewCounter(prometheus.CounterOpts{
			Name: "bet_results_rejected_total",
			Help: "Unparseable result messages dropped",
		}),

		IngestToSettle: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "bet_ingest_to_settle_seconds",
			Help:    "NATS receive to settlement complete",
			Buckets: settleBuckets,
		}),

		// Accounts & ledger
		LockTimeouts: promauto.NewCounter(prometheus.CounterOpts{
			Name: "bet_account_lock_timeouts_total",
			Help: "Account lock acquisitions that timed out",
		}),

		InvariantViolations: promauto.NewCounter(prometheus.CounterOpts{
			Name: "bet_ledger_invariant_violations_total",
			Help: "Balance continuity breaches detected",
		}),

		LedgerRows: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "bet_ledger_rows_total",
			Help: "Ledger rows appended",
		}, []string{"type"}),

		// Channel & backpressure
		ChannelSize: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "bet_channel_size",
			Help: "Current items in channel",
		}, []string{"name"}),

		ChannelCapacity: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "bet_channel_capacity",
			Help: "Channel capacity (constant)",
		}, []string{"name"}),

		ChannelUtilization: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "bet_channel_utilization",
			Help: "Channel size / capacity (0.0-1.0)",
		}, []string{"name"}),

		PersistBackpressure: promauto.NewCounter(prometheus.CounterOpts{
			Name: "bet_persist_backpressure_total",
			Help: "Times a writer blocked on the persist channel",
		}),

		PublishDrops: promauto.NewCounter(prometheus.CounterOpts{
			Name: "bet_publish_drops_total",
			Help: "Updates dropped due to publish failures",
		}),

		// Persistence
		PersistRowsWritten: promauto.NewCounter(prometheus.CounterOpts{
			Name: "bet_persist_rows_written_total",
			Help: "Rows written to Postgres",
		}),

		PersistBatchSize: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "bet_persist_batch_size",
			Help:    "Records per flushed batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		}),

		PersistBatchDur: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "bet_persist_batch_duration_seconds",
			Help:    "Postgres batch write duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}),

		PersistErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "bet_persist_errors_total",
			Help: "Persistence errors",
		}, []string{"error_type"}),

		PersistRetry: promauto.NewCounter(prometheus.CounterOpts{
			Name: "bet_persist_retry_total",
			Help: "Persistence retries",
		}),

		// HTTP API
		HTTPRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "bet_http_requests_total",
			Help: "API requests",
		}, []string{"endpoint", "status"}),

		HTTPDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "bet_http_request_duration_seconds",
			Help:    "API request latency",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}, []string{"endpoint"}),
	}
}

// SetChannelMetrics updates channel utilization metrics.
func (m *Metrics) SetChannelMetrics(name string, size, capacity int) {
	m.ChannelSize.WithLabelValues(name).Set(float64(size))
	m.ChannelCapacity.WithLabelValues(name).Set(float64(capacity))
	if capacity > 0 {
		m.ChannelUtilization.WithLabelValues(name).Set(float64(size) / float64(capacity))
	}
}
