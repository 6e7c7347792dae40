// Package metrics defines the Prometheus instrumentation for the audit core.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EventsIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bkaudit_events_ingested_total",
			Help: "Total number of operation-log events ingested",
		},
		[]string{"source_system"},
	)

	StrategyEvaluations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bkaudit_strategy_evaluations_total",
			Help: "Total number of strategy evaluation runs",
		},
		[]string{"result"}, // hit, miss, error, skipped
	)

	StrategyEvaluationDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "bkaudit_strategy_evaluation_duration_seconds",
			Help:    "Time taken to evaluate one strategy run",
			Buckets: prometheus.DefBuckets,
		},
	)

	LifecycleTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bkaudit_strategy_lifecycle_transitions_total",
			Help: "Total number of strategy control-state transitions",
		},
		[]string{"to_state"},
	)

	ProvisionerPolls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bkaudit_provisioner_polls_total",
			Help: "Total number of pipeline provisioner status polls",
		},
		[]string{"status"},
	)

	TicketsGenerated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bkaudit_tickets_generated_total",
			Help: "Total number of risk tickets created",
		},
	)

	TicketHitsFolded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bkaudit_ticket_hits_folded_total",
			Help: "Total number of duplicate hits folded into open tickets",
		},
	)

	TicketTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bkaudit_ticket_transitions_total",
			Help: "Total number of risk ticket state transitions",
		},
		[]string{"to_state"},
	)

	ToolExecutions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bkaudit_tool_executions_total",
			Help: "Total number of processing tool executions",
		},
		[]string{"outcome"}, // finished, failed, terminated
	)

	NotificationsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bkaudit_notifications_sent_total",
			Help: "Total number of notifications dispatched",
		},
		[]string{"channel", "result"},
	)

	DedupCacheErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bkaudit_dedup_cache_errors_total",
			Help: "Total number of dedup index cache errors",
		},
		[]string{"operation"},
	)

	UpgradePendingStrategies = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "bkaudit_upgrade_pending_strategies",
			Help: "Number of model strategies flagged upgrade-pending",
		},
	)
)
