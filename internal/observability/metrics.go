package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the engine's Prometheus metrics.
type Metrics struct {
	// Intake
	IntentsAccepted *prometheus.CounterVec
	IntentsRejected *prometheus.CounterVec

	// Queues
	QueueDepth *prometheus.GaugeVec

	// Settlement
	BatchesSettled    *prometheus.CounterVec
	BatchesRolledBack *prometheus.CounterVec
	SettleDuration    *prometheus.HistogramVec
	TradesSettled     prometheus.Counter
	ClosesSettled     prometheus.Counter
	FeesCollected     prometheus.Counter
	LastBatchID       prometheus.Gauge
	SettlementsHalted prometheus.Gauge

	// Commitment store
	StoreLeaves     prometheus.Gauge
	IntegrityErrors prometheus.Counter

	// Snapshot persistence
	SnapshotTaken    prometheus.Counter
	SnapshotDuration prometheus.Histogram
	SnapshotErrors   prometheus.Counter

	// Batch history persistence
	HistoryWritten  prometheus.Counter
	HistoryErrors   *prometheus.CounterVec
	HistoryFlushDur prometheus.Histogram
}

// NewMetrics creates and registers all metrics on the default registry.
func NewMetrics() *Metrics {
	settleBuckets := []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 15.0}

	return &Metrics{
		IntentsAccepted: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "cipher_intents_accepted_total",
			Help: "Intents accepted into a pending queue",
		}, []string{"kind"}),

		IntentsRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "cipher_intents_rejected_total",
			Help: "Intents rejected before queueing (decrypt, signature, validation, funds)",
		}, []string{"kind", "reason"}),

		QueueDepth: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "cipher_queue_depth",
			Help: "Pending records per pipeline",
		}, []string{"pipeline"}),

		BatchesSettled: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "cipher_batches_settled_total",
			Help: "Batches committed on-chain",
		}, []string{"pipeline"}),

		BatchesRolledBack: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "cipher_batches_rolled_back_total",
			Help: "Batches rolled back after submission failure",
		}, []string{"pipeline"}),

		SettleDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cipher_settlement_duration_seconds",
			Help:    "End-to-end settlement attempt duration",
			Buckets: settleBuckets,
		}, []string{"pipeline", "outcome"}),

		TradesSettled: promauto.NewCounter(prometheus.CounterOpts{
			Name: "cipher_trades_settled_total",
			Help: "Trade records settled",
		}),

		ClosesSettled: promauto.NewCounter(prometheus.CounterOpts{
			Name: "cipher_closes_settled_total",
			Help: "Close records settled",
		}),

		FeesCollected: promauto.NewCounter(prometheus.CounterOpts{
			Name: "cipher_fees_collected_total",
			Help: "Fees transferred to the protocol sink (quote units)",
		}),

		LastBatchID: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "cipher_last_batch_id",
			Help: "Most recently committed batch id",
		}),

		SettlementsHalted: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "cipher_settlements_halted",
			Help: "1 when settlements are halted after an integrity failure",
		}),

		StoreLeaves: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "cipher_store_leaves",
			Help: "Open positions committed in the store",
		}),

		IntegrityErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: "cipher_integrity_errors_total",
			Help: "Commitment store integrity check failures",
		}),

		SnapshotTaken: promauto.NewCounter(prometheus.CounterOpts{
			Name: "cipher_snapshot_taken_total",
			Help: "State snapshots persisted",
		}),

		SnapshotDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "cipher_snapshot_duration_seconds",
			Help:    "Snapshot persistence time",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 5.0},
		}),

		SnapshotErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: "cipher_snapshot_errors_total",
			Help: "Snapshot persistence failures",
		}),

		HistoryWritten: promauto.NewCounter(prometheus.CounterOpts{
			Name: "cipher_history_rows_written_total",
			Help: "Batch history rows written to Postgres",
		}),

		HistoryErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "cipher_history_errors_total",
			Help: "Batch history write failures by stage",
		}, []string{"stage"}),

		HistoryFlushDur: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "cipher_history_flush_duration_seconds",
			Help:    "Batch history flush time",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
		}),
	}
}
