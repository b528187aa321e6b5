// Package metrics is the Prometheus self-instrumentation for the incident
// pipeline: one metric family per pipeline stage (spec §6), plus cluster
// client health metrics shared by internal/k8s.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Gateway
	AlertsIngestedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aiops_alerts_ingested_total",
			Help: "Total alerts received by the gateway, by source",
		},
		[]string{"source"},
	)

	AlertsDeduplicatedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aiops_alerts_deduplicated_total",
			Help: "Alerts folded into an existing open incident by fingerprint",
		},
		[]string{"source"},
	)

	AlertsRateLimitedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aiops_alerts_rate_limited_total",
			Help: "Alerts rejected by the per-source rate limiter",
		},
		[]string{"source"},
	)

	// Evidence collection
	EvidenceCollectedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aiops_evidence_collected_total",
			Help: "Evidence records collected, by collector and outcome",
		},
		[]string{"collector", "status"},
	)

	EvidenceCollectionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "aiops_evidence_collection_duration_seconds",
			Help:    "Wall time for a single evidence collector to run",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		},
		[]string{"collector"},
	)

	// Graph assembly
	GraphEntitiesUpsertedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "aiops_graph_entities_upserted_total",
			Help: "Graph entities created or updated by the graph assembler",
		},
	)

	GraphRelationsSkippedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "aiops_graph_relations_skipped_total",
			Help: "Graph relations skipped because an endpoint entity did not exist",
		},
	)

	// Rules and ranking
	HypothesesGeneratedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aiops_hypotheses_generated_total",
			Help: "Hypotheses generated by the rules engine, by category",
		},
		[]string{"category"},
	)

	HypothesisRankDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "aiops_hypothesis_rank_duration_seconds",
			Help:    "Time to score and rank hypotheses for one incident",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 8),
		},
	)

	// Policy and approval
	PolicyEvaluationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aiops_policy_evaluations_total",
			Help: "Policy gate evaluations, by decision",
		},
		[]string{"decision"},
	)

	BlastRadiusExceededTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "aiops_blast_radius_exceeded_total",
			Help: "Remediation actions rejected for exceeding the blast radius ceiling",
		},
	)

	ApprovalsRequestedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "aiops_approvals_requested_total",
			Help: "Remediation actions that required human approval",
		},
	)

	ApprovalWaitDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "aiops_approval_wait_duration_seconds",
			Help:    "Time spent waiting for an approval decision",
			Buckets: prometheus.ExponentialBuckets(1, 4, 12), // 1s .. ~4h
		},
	)

	ApprovalOutcomesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aiops_approval_outcomes_total",
			Help: "Approval outcomes, by result",
		},
		[]string{"result"}, // approved/rejected/timed_out
	)

	// Remediation execution
	RemediationActionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aiops_remediation_actions_total",
			Help: "Remediation actions executed, by type and outcome",
		},
		[]string{"action_type", "status"},
	)

	RemediationActionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "aiops_remediation_action_duration_seconds",
			Help:    "Wall time to execute a single remediation action",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
		},
		[]string{"action_type"},
	)

	VerificationResultsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aiops_verification_results_total",
			Help: "Verification outcomes after remediation, by improvement",
		},
		[]string{"metrics_improved"},
	)

	// Orchestrator / workflow
	WorkflowsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "aiops_workflows_active",
			Help: "Number of incident workflows currently running",
		},
	)

	WorkflowStepDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "aiops_workflow_step_duration_seconds",
			Help:    "Duration of a single orchestrator step",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		},
		[]string{"step"},
	)

	WorkflowStepRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aiops_workflow_step_retries_total",
			Help: "Retries attempted for an orchestrator step",
		},
		[]string{"step"},
	)

	IncidentsClosedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aiops_incidents_closed_total",
			Help: "Incidents reaching a terminal status, by status",
		},
		[]string{"status"},
	)

	// Cluster client health (internal/k8s)
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "aiops_k8s_circuit_breaker_state",
			Help: "Circuit breaker state per cluster (0=closed,1=open,2=half-open)",
		},
		[]string{"cluster"},
	)

	CircuitBreakerTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aiops_k8s_circuit_breaker_transitions_total",
			Help: "Circuit breaker state transitions per cluster",
		},
		[]string{"cluster", "from", "to"},
	)

	CircuitBreakerFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aiops_k8s_circuit_breaker_failures_total",
			Help: "Retryable API failures recorded by the circuit breaker per cluster",
		},
		[]string{"cluster"},
	)

	RetryAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aiops_k8s_retry_attempts_total",
			Help: "Kubernetes API call retries by cluster and outcome",
		},
		[]string{"cluster", "outcome"},
	)

	// HTTP ingress
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aiops_http_requests_total",
			Help: "HTTP requests handled by the ingress, by route and status",
		},
		[]string{"route", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "aiops_http_request_duration_seconds",
			Help:    "HTTP request duration, by route",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)
)
