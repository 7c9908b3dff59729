package metrics

import (
	"database/sql"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Settlement counters and histograms.

var (
	// Orders
	OrdersCreatedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escrow",
		Subsystem: "order",
		Name:      "created_total",
		Help:      "Total transport orders created",
	}, []string{"transport_type"})

	OrderTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escrow",
		Subsystem: "order",
		Name:      "transitions_total",
		Help:      "Order status transitions, by target status",
	}, []string{"status"})

	// Deposits
	DepositsCreatedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escrow",
		Subsystem: "deposit",
		Name:      "created_total",
		Help:      "Deposits created, by risk category and balance check outcome",
	}, []string{"risk_category", "sufficient"})

	DepositsConfirmedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "escrow",
		Subsystem: "deposit",
		Name:      "confirmed_total",
		Help:      "Deposits confirmed and applied to their order",
	})

	DepositConfirmRejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escrow",
		Subsystem: "deposit",
		Name:      "confirm_rejected_total",
		Help:      "Deposit confirmations rejected, by error code",
	}, []string{"code"})

	DepositConfirmRetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "escrow",
		Subsystem: "deposit",
		Name:      "confirm_retries_total",
		Help:      "Confirmation transactions retried after a transient persistence error",
	})

	DepositConfirmLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "escrow",
		Subsystem: "deposit",
		Name:      "confirm_duration_seconds",
		Help:      "Deposit confirmation duration including retries",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	})

	// Contracts
	ContractsCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "escrow",
		Subsystem: "contract",
		Name:      "created_total",
		Help:      "Multi-party contracts created",
	})

	ContractSignaturesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escrow",
		Subsystem: "contract",
		Name:      "signatures_total",
		Help:      "Contract signatures recorded, by party role",
	}, []string{"role"})

	ContractsActivatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "escrow",
		Subsystem: "contract",
		Name:      "activated_total",
		Help:      "Contracts activated after every party signed",
	})

	ContractStatusOverridesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escrow",
		Subsystem: "contract",
		Name:      "status_overrides_total",
		Help:      "Operator status overrides, by target status",
	}, []string{"status"})

	// Auth
	AuthLoginsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escrow",
		Subsystem: "auth",
		Name:      "logins_total",
		Help:      "Wallet login attempts, by result",
	}, []string{"result"})

	SignerCacheLookupsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escrow",
		Subsystem: "auth",
		Name:      "signer_cache_lookups_total",
		Help:      "Recovered-signer cache lookups, by hit or miss",
	}, []string{"result"})

	// Events
	EventsPublishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escrow",
		Subsystem: "events",
		Name:      "published_total",
		Help:      "Settlement events published, by type",
	}, []string{"type"})

	EventPublishErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escrow",
		Subsystem: "events",
		Name:      "publish_errors_total",
		Help:      "Settlement events that could not be published",
	}, []string{"type"})

	// API
	APIRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escrow",
		Subsystem: "api",
		Name:      "requests_total",
		Help:      "HTTP requests served, by route and status code",
	}, []string{"route", "method", "code"})

	APIRequestLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "escrow",
		Subsystem: "api",
		Name:      "request_duration_seconds",
		Help:      "HTTP request duration",
		Buckets:   prometheus.DefBuckets,
	}, []string{"route", "method"})

	// DB pool
	DBPoolOpen = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "escrow",
		Subsystem: "db_pool",
		Name:      "open_connections",
		Help:      "Number of open connections in the DB pool",
	})

	DBPoolInUse = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "escrow",
		Subsystem: "db_pool",
		Name:      "in_use",
		Help:      "Number of connections currently in use",
	})

	DBPoolIdle = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "escrow",
		Subsystem: "db_pool",
		Name:      "idle",
		Help:      "Number of idle connections in the DB pool",
	})

	DBPoolWaitCount = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "escrow",
		Subsystem: "db_pool",
		Name:      "wait_count",
		Help:      "Total number of connections waited for",
	})

	// Alerts
	AlertsSentTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escrow",
		Subsystem: "alert",
		Name:      "sent_total",
		Help:      "Alerts delivered, by channel and type",
	}, []string{"channel", "type"})

	AlertsCooldownSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escrow",
		Subsystem: "alert",
		Name:      "cooldown_skipped_total",
		Help:      "Alerts suppressed by cooldown, by channel and type",
	}, []string{"channel", "type"})

	AlertsCircuitOpenTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escrow",
		Subsystem: "alert",
		Name:      "circuit_open_total",
		Help:      "Alerts dropped because the channel breaker was open",
	}, []string{"channel"})

	// Reconciliation
	ReconciliationRunsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "escrow",
		Subsystem: "reconciliation",
		Name:      "runs_total",
		Help:      "Reconciliation runs",
	})

	ReconciliationIncidentsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escrow",
		Subsystem: "reconciliation",
		Name:      "incidents_total",
		Help:      "Reconciliation incidents recorded, by kind",
	}, []string{"kind"})

	ReconciliationErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "escrow",
		Subsystem: "reconciliation",
		Name:      "errors_total",
		Help:      "Orders that could not be checked during a run",
	})
)

// ObserveDBPool copies the pool statistics into the DB pool gauges.
func ObserveDBPool(stats sql.DBStats) {
	DBPoolOpen.Set(float64(stats.OpenConnections))
	DBPoolInUse.Set(float64(stats.InUse))
	DBPoolIdle.Set(float64(stats.Idle))
	DBPoolWaitCount.Set(float64(stats.WaitCount))
}
