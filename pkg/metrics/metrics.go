package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// OrdersProcessed counts orders leaving the engine by side, type and final outcome.
var OrdersProcessed = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "predex_orders_processed_total",
		Help: "Total number of orders processed by the matching engine",
	},
	[]string{"market", "side", "outcome"},
)

// OrderRejections counts orders rejected before reaching the book.
var OrderRejections = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "predex_order_rejections_total",
		Help: "Orders rejected by validation or risk checks",
	},
	[]string{"stage", "reason"},
)

// TradesExecuted counts fills per market.
var TradesExecuted = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "predex_trades_total",
		Help: "Total number of trades executed",
	},
	[]string{"market"},
)

// MatchLatency records latency distribution for a single placeOrder call.
var MatchLatency = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Name:    "predex_match_latency_seconds",
		Help:    "Latency in seconds of order placement under the market lock",
		Buckets: []float64{.00001, .00005, .0001, .0005, .001, .005, .01, .05},
	},
)

// Market integrity metrics
var (
	MarketHalts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "predex_market_halts_total",
			Help: "Trading halts by market and cause",
		},
		[]string{"market", "cause"},
	)

	Inversions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "predex_book_inversions_total",
			Help: "Crossed book detections by severity",
		},
		[]string{"market", "severity"},
	)
)

// Publisher metrics
var (
	PublisherMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "predex_publisher_messages_total",
			Help: "Market data messages by level and result (sent, dropped, suppressed, retried, expired)",
		},
		[]string{"level", "result"},
	)

	PublisherPending = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "predex_publisher_pending_acks",
			Help: "Update messages awaiting client acknowledgement",
		},
	)
)

// Rate limiter metrics
var (
	RateLimitDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "predex_rate_limit_decisions_total",
			Help: "Rate limiter decisions by action class and result",
		},
		[]string{"action", "result"},
	)

	RateLimitStoreErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "predex_rate_limit_store_errors_total",
			Help: "Backing store failures that caused the limiter to fail open",
		},
	)
)

// PersistenceFailures counts asynchronous writes that were logged and dropped.
var PersistenceFailures = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "predex_persistence_failures_total",
		Help: "Asynchronous persistence operations that failed",
	},
	[]string{"op"},
)

var (
	PersistenceQueue = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "predex_persistence_queue_depth",
			Help: "Operations waiting in the write-behind queue",
		},
	)
	EventsPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "predex_events_published_total",
			Help: "Trade and order events handed to a sink",
		},
		[]string{"sink", "result"},
	)
	Commitments = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "predex_commitments_total",
			Help: "Commit-reveal outcomes",
		},
		[]string{"result"},
	)
)

var (
	DBOpenConns = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "predex_db_open_connections",
			Help: "Open database connections",
		},
		[]string{"driver"},
	)
	DBIdleConns = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "predex_db_idle_connections",
			Help: "Idle database connections",
		},
		[]string{"driver"},
	)
	DBInUseConns = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "predex_db_in_use_connections",
			Help: "Database connections in use",
		},
		[]string{"driver"},
	)
)

func init() {
	prometheus.MustRegister(OrdersProcessed, OrderRejections, TradesExecuted, MatchLatency)
	prometheus.MustRegister(MarketHalts, Inversions)
	prometheus.MustRegister(PublisherMessages, PublisherPending)
	prometheus.MustRegister(RateLimitDecisions, RateLimitStoreErrors)
	prometheus.MustRegister(PersistenceFailures, PersistenceQueue)
	prometheus.MustRegister(EventsPublished, Commitments)
	prometheus.MustRegister(DBOpenConns, DBIdleConns, DBInUseConns)
}
