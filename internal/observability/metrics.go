package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for LevTrade.
type Metrics struct {
	// --- Engine ---
	PositionsOpened     *prometheus.CounterVec
	PositionsClosed     *prometheus.CounterVec
	PositionsLiquidated *prometheus.CounterVec
	OperationsRejected  *prometheus.CounterVec
	OperationDuration   *prometheus.HistogramVec
	OpenPositions       prometheus.Gauge

	// --- Lending ---
	OutstandingDebt *prometheus.GaugeVec
	BorrowedTotal   *prometheus.CounterVec
	RepaidTotal     *prometheus.CounterVec
	DebtForgiven    *prometheus.CounterVec

	// --- Swap ---
	SwapsExecuted *prometheus.CounterVec
	SwapVolumeIn  *prometheus.CounterVec

	// --- Keeper ---
	PriceUpdates       *prometheus.CounterVec
	KeeperScans        prometheus.Counter
	KeeperScanDuration prometheus.Histogram
	KeeperLiquidations *prometheus.CounterVec

	// --- Persistence ---
	PersistRecordsWritten prometheus.Counter
	PersistBatchSize      prometheus.Histogram
	PersistBatchDur       prometheus.Histogram
	PersistErrors         *prometheus.CounterVec
	PersistRetry          prometheus.Counter
	PersistBackpressure   prometheus.Counter

	// --- Publishing ---
	EventsPublished *prometheus.CounterVec
	PublishDrops    prometheus.Counter

	// --- Channels ---
	ChannelSize        *prometheus.GaugeVec
	ChannelCapacity    *prometheus.GaugeVec
	ChannelUtilization *prometheus.GaugeVec

	// --- HTTP API ---
	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	opBuckets := []float64{
		0.00001, 0.000025, 0.00005, 0.0001, 0.00025,
		0.0005, 0.001, 0.002, 0.005, 0.01, 0.05,
	}

	return &Metrics{
		// Engine
		PositionsOpened: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "levtrade_positions_opened_total",
			Help: "Positions opened successfully",
		}, []string{"pair"}),

		PositionsClosed: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "levtrade_positions_closed_total",
			Help: "Positions closed voluntarily",
		}, []string{"pair"}),

		PositionsLiquidated: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "levtrade_positions_liquidated_total",
			Help: "Positions force-closed by liquidation",
		}, []string{"pair"}),

		OperationsRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "levtrade_operations_rejected_total",
			Help: "Engine operations rejected, by operation and error class",
		}, []string{"op", "class"}),

		OperationDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "levtrade_operation_duration_seconds",
			Help:    "Engine operation latency",
			Buckets: opBuckets,
		}, []string{"op"}),

		OpenPositions: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "levtrade_open_positions",
			Help: "Currently open positions",
		}),

		// Lending
		OutstandingDebt: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "levtrade_outstanding_debt",
			Help: "Borrowed liquidity not yet repaid, per pair",
		}, []string{"pair"}),

		BorrowedTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "levtrade_borrowed_total",
			Help: "Cumulative liquidity borrowed, per pair",
		}, []string{"pair"}),

		RepaidTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "levtrade_repaid_total",
			Help: "Cumulative liquidity repaid, per pair",
		}, []string{"pair"}),

		DebtForgiven: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "levtrade_debt_forgiven_total",
			Help: "Debt written off after liquidation shortfalls, per pair",
		}, []string{"pair"}),

		// Swap
		SwapsExecuted: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "levtrade_swaps_executed_total",
			Help: "Swaps executed against the venue",
		}, []string{"pair"}),

		SwapVolumeIn: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "levtrade_swap_volume_in",
			Help: "Cumulative input volume swapped, per pair",
		}, []string{"pair"}),

		// Keeper
		PriceUpdates: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "levtrade_price_updates_total",
			Help: "Price updates received, per pair",
		}, []string{"pair"}),

		KeeperScans: promauto.NewCounter(prometheus.CounterOpts{
			Name: "levtrade_keeper_scans_total",
			Help: "Liquidation scans performed",
		}),

		KeeperScanDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "levtrade_keeper_scan_duration_seconds",
			Help:    "Time to scan open positions for one pair",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
		}),

		KeeperLiquidations: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "levtrade_keeper_liquidations_total",
			Help: "Liquidations initiated by the keeper",
		}, []string{"pair"}),

		// Persistence
		PersistRecordsWritten: promauto.NewCounter(prometheus.CounterOpts{
			Name: "levtrade_persist_records_written_total",
			Help: "Records written to Postgres",
		}),

		PersistBatchSize: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "levtrade_persist_batch_size",
			Help:    "Records per batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		}),

		PersistBatchDur: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "levtrade_persist_batch_duration_seconds",
			Help:    "Postgres batch write duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}),

		PersistErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "levtrade_persist_errors_total",
			Help: "Persistence errors",
		}, []string{"error_type"}),

		PersistRetry: promauto.NewCounter(prometheus.CounterOpts{
			Name: "levtrade_persist_retry_total",
			Help: "Persistence retries",
		}),

		PersistBackpressure: promauto.NewCounter(prometheus.CounterOpts{
			Name: "levtrade_persist_backpressure_total",
			Help: "Times the engine blocked on the persist channel",
		}),

		// Publishing
		EventsPublished: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "levtrade_events_published_total",
			Help: "Lifecycle events published to NATS",
		}, []string{"event_type"}),

		PublishDrops: promauto.NewCounter(prometheus.CounterOpts{
			Name: "levtrade_publish_drops_total",
			Help: "Events dropped due to full publish channel",
		}),

		// Channels
		ChannelSize: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "levtrade_channel_size",
			Help: "Current items in channel",
		}, []string{"name"}),

		ChannelCapacity: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "levtrade_channel_capacity",
			Help: "Channel capacity (constant)",
		}, []string{"name"}),

		ChannelUtilization: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "levtrade_channel_utilization",
			Help: "Channel size / capacity (0.0-1.0)",
		}, []string{"name"}),

		// HTTP API
		HTTPRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "levtrade_http_requests_total",
			Help: "HTTP API requests",
		}, []string{"endpoint", "status"}),

		HTTPDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "levtrade_http_request_duration_seconds",
			Help:    "HTTP API latency",
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
