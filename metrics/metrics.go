package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RulesReconciled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rulekeeper_rules_reconciled_total",
			Help: "Total number of rule rows written by reconciliation passes",
		},
		[]string{"action"}, // created, updated, removed
	)

	ReconcileDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "rulekeeper_reconcile_duration_seconds",
			Help:    "Time taken by a full reconciliation pass",
			Buckets: prometheus.DefBuckets,
		},
	)

	ReconcileFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rulekeeper_reconcile_failures_total",
			Help: "Total number of aborted reconciliation passes",
		},
	)

	DebtAttachmentsSkipped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rulekeeper_debt_attachments_skipped_total",
			Help: "Rules declared with an unknown debt sub-characteristic",
		},
	)

	ActiveRulesDeactivated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rulekeeper_active_rules_deactivated_total",
			Help: "Total number of rule activations removed from quality profiles",
		},
	)

	RuleOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rulekeeper_rule_operations_total",
			Help: "Custom and manual rule lifecycle operations",
		},
		[]string{"operation", "result"},
	)

	RuleCacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rulekeeper_rule_cache_lookups_total",
			Help: "Rule cache lookups during reconciliation",
		},
		[]string{"result"}, // hit, miss
	)

	RuleChangesPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rulekeeper_rule_changes_published_total",
			Help: "Rule change notifications sent to the index stream",
		},
		[]string{"result"},
	)

	APIRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rulekeeper_api_requests_total",
			Help: "HTTP requests served by the API",
		},
		[]string{"route", "status"},
	)

	SQLitePoolOpenConnections = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rulekeeper_sqlite_pool_open_connections",
			Help: "Open connections per SQLite pool",
		},
		[]string{"pool"},
	)

	SQLitePoolInUse = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rulekeeper_sqlite_pool_in_use",
			Help: "Connections in use per SQLite pool",
		},
		[]string{"pool"},
	)

	SQLitePoolWaitCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rulekeeper_sqlite_pool_wait_total",
			Help: "Connections waited for per SQLite pool",
		},
		[]string{"pool"},
	)
)
