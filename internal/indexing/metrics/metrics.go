package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TransfersSentTotal tracks dispatched transfers per variant and destination
	TransfersSentTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crosslane_transfers_sent_total",
			Help: "Total number of transfers dispatched",
		},
		[]string{"kind", "dest"},
	)

	// SendRejectionsTotal tracks sends rejected before dispatch
	SendRejectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crosslane_send_rejections_total",
			Help: "Total number of sends rejected before dispatch",
		},
		[]string{"reason"},
	)

	// TransfersReceivedTotal tracks accepted inbound transfers
	TransfersReceivedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crosslane_transfers_received_total",
			Help: "Total number of inbound transfers accepted",
		},
		[]string{"kind", "source"},
	)

	// ReceiveRejectionsTotal tracks inbound deliveries rejected by policy
	ReceiveRejectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crosslane_receive_rejections_total",
			Help: "Total number of inbound deliveries rejected",
		},
		[]string{"reason"},
	)

	// TransferOutcomesTotal tracks processing outcomes per resulting status
	TransferOutcomesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crosslane_transfer_outcomes_total",
			Help: "Total number of processing attempts by resulting status",
		},
		[]string{"status"},
	)

	// RetriesTotal tracks owner-triggered retries by result
	RetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crosslane_retries_total",
			Help: "Total number of retries",
		},
		[]string{"result"},
	)

	// TokenChecksTotal tracks token verdicts by result
	TokenChecksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crosslane_token_checks_total",
			Help: "Total number of token safety checks",
		},
		[]string{"result"},
	)

	// GateDecisionsTotal tracks security gate decisions
	GateDecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crosslane_gate_decisions_total",
			Help: "Total number of security gate decisions",
		},
		[]string{"mode", "outcome"},
	)

	// IncidentsTotal tracks incidents logged by the gate
	IncidentsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crosslane_incidents_total",
			Help: "Total number of incidents logged",
		},
		[]string{"reason", "blocked"},
	)

	// GatePaused is 1 while the system is paused
	GatePaused = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "crosslane_gate_paused",
			Help: "Whether the security gate is paused (1) or not (0)",
		},
	)

	// OrdersExecutedTotal tracks executed orders per trigger type
	OrdersExecutedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crosslane_orders_executed_total",
			Help: "Total number of order executions",
		},
		[]string{"trigger"},
	)

	// OrdersSkippedTotal tracks skipped orders per reason
	OrdersSkippedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crosslane_orders_skipped_total",
			Help: "Total number of skipped order evaluations",
		},
		[]string{"reason"},
	)

	// UpkeepDuration tracks the time spent in one upkeep round
	UpkeepDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "crosslane_upkeep_duration_seconds",
			Help:    "Duration of one check+perform upkeep round",
			Buckets: prometheus.DefBuckets,
		},
	)

	// LedgerAppendsTotal tracks ledger appends by result
	LedgerAppendsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crosslane_ledger_appends_total",
			Help: "Total number of ledger append attempts",
		},
		[]string{"result"},
	)

	// EventsEmittedTotal tracks published events per type and sink
	EventsEmittedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crosslane_events_emitted_total",
			Help: "Total number of events published",
		},
		[]string{"type", "sink"},
	)

	// IngestLag tracks how many events a consumer is behind the log head
	IngestLag = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "crosslane_ingest_lag_events",
			Help: "Events between the consumer cursor and the log head",
		},
		[]string{"consumer"},
	)

	// IngestPaused is 1 while a consumer cursor is paused
	IngestPaused = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "crosslane_ingest_paused",
			Help: "Whether the consumer cursor is paused",
		},
		[]string{"consumer"},
	)

	// IngestThroughput tracks recent events per second per consumer
	IngestThroughput = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "crosslane_ingest_events_per_second",
			Help: "Events per second over the recent batch window",
		},
		[]string{"consumer"},
	)

	// IngestedEventsTotal tracks handled events by result
	IngestedEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crosslane_ingested_events_total",
			Help: "Total number of events handled by the ingester",
		},
		[]string{"result"},
	)

	// HTTPThrottledTotal tracks API requests rejected by the rate limiter
	HTTPThrottledTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "crosslane_http_throttled_total",
			Help: "Total number of API requests rejected by the rate limiter",
		},
	)

	// DBConnectionPoolUsage tracks the share of open connections in percent
	DBConnectionPoolUsage = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "crosslane_db_connection_pool_usage_percent",
			Help: "Open database connections as a percentage of the pool size",
		},
	)

	// DBBatchSize tracks rows written per batch operation
	DBBatchSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "crosslane_db_batch_size",
			Help:    "Number of rows written per batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250},
		},
		[]string{"operation"},
	)
)
