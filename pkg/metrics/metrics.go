// Package metrics provides Prometheus metrics for the fern service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// MergeOutcomesTotal counts per-duplicate merge outcomes by status
	MergeOutcomesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Name:      "merge_outcomes_total",
			Help:      "Total number of duplicate merge outcomes by status",
		},
		[]string{"status"},
	)

	// MergeUnitDuration tracks how long one duplicate's history re-point takes
	MergeUnitDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "fern",
			Name:      "merge_unit_duration_seconds",
			Help:      "Duration of a single duplicate merge unit in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20},
		},
	)

	// MergeSizeWarningsTotal counts duplicates whose history exceeded a warn threshold
	MergeSizeWarningsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Name:      "merge_size_warnings_total",
			Help:      "Total number of oversized merges by kind of history",
		},
		[]string{"kind"},
	)

	ResolveTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Name:      "resolve_total",
			Help:      "Total number of resolved observations by action",
		},
		[]string{"action"},
	)

	AvatarResultsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Name:      "avatar_results_total",
			Help:      "Total number of profile image acquisitions by result",
		},
		[]string{"result"},
	)

	PipelineStageFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Name:      "pipeline_stage_failures_total",
			Help:      "Total number of failed intake pipeline stages",
		},
		[]string{"stage"},
	)

	RemediationActionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Name:      "remediation_actions_total",
			Help:      "Total number of offline remediation actions by action and status",
		},
		[]string{"action", "status"},
	)

	DeferredMergesSweptTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Name:      "deferred_merges_swept_total",
			Help:      "Total number of deferred merges processed by the sweeper",
		},
		[]string{"status"},
	)

	// HTTPRequestsTotal tracks outbound HTTP requests
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "http_client",
			Name:      "requests_total",
			Help:      "Total number of outbound HTTP requests",
		},
		[]string{"method", "status_code"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "fern",
			Subsystem: "http_client",
			Name:      "request_duration_seconds",
			Help:      "Duration of outbound HTTP requests in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"method"},
	)

	KafkaMessagesConsumed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "kafka",
			Name:      "messages_consumed_total",
			Help:      "Total number of inbound channel events by result",
		},
		[]string{"result"},
	)
)
