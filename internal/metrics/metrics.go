// Package metrics holds the Prometheus collectors of the rule pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// namespace prefixes every metric (e.g. programrules_engine_...).
const namespace = "programrules"

// Rule outcomes used as the "outcome" label of RuleEvaluations.
const (
	OutcomeTrue       = "true"
	OutcomeFalse      = "false"
	OutcomeError      = "error"
	OutcomeNonBoolean = "non_boolean"
)

// Notification results used as the "result" label of Notifications.
const (
	ResultSent            = "sent"
	ResultScheduled       = "scheduled"
	ResultDuplicate       = "duplicate"
	ResultMissingTemplate = "missing_template"
	ResultFailed          = "failed"
)

var (
	// RuleEvaluations counts rule conditions evaluated by the engine.
	// Metric: programrules_engine_rule_evaluations_total
	RuleEvaluations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "engine",
		Name:      "rule_evaluations_total",
		Help:      "Total rule conditions evaluated, by outcome",
	}, []string{"outcome"})

	// EvaluationDuration measures one full evaluation pass.
	// Metric: programrules_engine_evaluation_duration_seconds
	EvaluationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "engine",
		Name:      "evaluation_duration_seconds",
		Help:      "Time spent evaluating all rules in scope for one target",
		Buckets:   []float64{.0005, .001, .0025, .005, .010, .025, .050, .100, .250},
	}, []string{"level"}) // enrollment, event

	// CompiledPrograms tracks the size of the compiled expression cache.
	CompiledPrograms = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "engine",
		Name:      "compiled_programs",
		Help:      "Number of compiled CEL programs held in memory",
	})

	// Effects counts effects routed to implementers, by action kind.
	// Metric: programrules_effect_dispatched_total
	Effects = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "effect",
		Name:      "dispatched_total",
		Help:      "Total rule effects dispatched, by action and status",
	}, []string{"action", "status"}) // applied, failed, dropped

	// Notifications counts send and schedule decisions.
	// Metric: programrules_notification_decisions_total
	Notifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "notification",
		Name:      "decisions_total",
		Help:      "Total notification send/schedule decisions, by result",
	}, []string{"action", "result"})

	// SnapshotRebuilds counts rule snapshot rebuilds after a cache miss.
	SnapshotRebuilds = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "pipeline",
		Name:      "snapshot_rebuilds_total",
		Help:      "Total rule snapshot rebuilds after invalidation",
	})

	// TemplateCacheHits and TemplateCacheMisses track the template cache.
	TemplateCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "notification",
		Name:      "template_cache_hits_total",
		Help:      "Total notification template cache hits",
	})

	TemplateCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "notification",
		Name:      "template_cache_misses_total",
		Help:      "Total notification template cache misses",
	})
)
