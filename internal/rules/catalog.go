package rules

import "github.com/kubilitics/aiops-responder/internal/models"

// conditionKind enumerates the condition predicates a rule can test against
// a SignalBundle (spec §4.4).
type conditionKind string

const (
	condWaitingReason   conditionKind = "waiting_reason"
	condTerminatedReason conditionKind = "terminated_reason"
	condRecentDeploy    conditionKind = "recent_deploy"
	condNoRecentDeploy  conditionKind = "no_recent_deploy"
	condMemoryUsageHigh conditionKind = "memory_usage_high"
	condHPAAtMax        conditionKind = "hpa_at_max"
	condLatencyHigh     conditionKind = "latency_high"
	condLogPattern      conditionKind = "log_pattern"
	condNodeUnhealthy   conditionKind = "node_unhealthy"
)

// conditionStrength is the fixed per-kind strength contribution (spec §4.4
// table).
var conditionStrength = map[conditionKind]float64{
	condWaitingReason:    0.90,
	condTerminatedReason: 0.90,
	condRecentDeploy:     0.80,
	condNoRecentDeploy:   0.60,
	condMemoryUsageHigh:  0.85,
	condHPAAtMax:         0.75,
	condLatencyHigh:      0.70,
	condLogPattern:       0.65,
	condNodeUnhealthy:    0.80,
}

// condition is one typed predicate a rule tests against a SignalBundle.
type condition struct {
	kind   conditionKind
	values []string // for waiting_reason/terminated_reason/log_pattern set-intersection tests
}

func (c condition) matches(b SignalBundle) bool {
	switch c.kind {
	case condWaitingReason:
		return intersects(b.WaitingReasons, c.values)
	case condTerminatedReason:
		return intersects(b.TerminatedReasons, c.values)
	case condRecentDeploy:
		return b.HasRecentDeploy
	case condNoRecentDeploy:
		return !b.HasRecentDeploy
	case condMemoryUsageHigh:
		return b.MemoryUsageHigh
	case condHPAAtMax:
		return b.HPAAtMax
	case condLatencyHigh:
		return b.LatencyHigh
	case condLogPattern:
		return intersects(b.LogPatterns, c.values)
	case condNodeUnhealthy:
		return len(b.NodeIssues) > 0
	default:
		return false
	}
}

func intersects(set map[string]bool, values []string) bool {
	for _, v := range values {
		if set[v] {
			return true
		}
	}
	return false
}

// rule is one entry in the static diagnostic catalog.
type rule struct {
	id                 string
	category           models.HypothesisCategory
	base               float64
	conditions         []condition
	recommendedActions []string
}

// catalog is the fixed 10-rule table from spec §4.4. Order matters only for
// the insertion-order tiebreak applied later by the ranker.
var catalog = []rule{
	{
		id:       "crashloop_recent_deploy",
		category: models.CategoryBadDeployment,
		base:     0.90,
		conditions: []condition{
			{kind: condWaitingReason, values: []string{"CrashLoopBackOff"}},
			{kind: condRecentDeploy},
		},
		recommendedActions: []string{"rollback_deployment", "restart_pod"},
	},
	{
		id:       "crashloop_no_change",
		category: models.CategoryExternalDependency,
		base:     0.75,
		conditions: []condition{
			{kind: condWaitingReason, values: []string{"CrashLoopBackOff"}},
			{kind: condNoRecentDeploy},
		},
		recommendedActions: []string{"restart_pod"},
	},
	{
		id:       "oom_killed",
		category: models.CategoryResourceExhaustion,
		base:     0.95,
		conditions: []condition{
			{kind: condTerminatedReason, values: []string{"OOMKilled"}},
		},
		recommendedActions: []string{"scale_replicas", "restart_pod"},
	},
	{
		id:       "oom_high_memory",
		category: models.CategoryResourceExhaustion,
		base:     0.80,
		conditions: []condition{
			{kind: condMemoryUsageHigh},
		},
		recommendedActions: []string{"scale_replicas"},
	},
	{
		id:       "image_pull_failure",
		category: models.CategoryConfigurationError,
		base:     0.95,
		conditions: []condition{
			{kind: condWaitingReason, values: []string{"ImagePullBackOff", "ErrImagePull"}},
		},
		recommendedActions: []string{"rollback_deployment"},
	},
	{
		id:       "node_failure_isolated",
		category: models.CategoryInfrastructure,
		base:     0.85,
		conditions: []condition{
			{kind: condNodeUnhealthy},
		},
		recommendedActions: []string{"cordon_node"},
	},
	{
		id:       "hpa_maxed",
		category: models.CategoryScalingIssue,
		base:     0.80,
		conditions: []condition{
			{kind: condHPAAtMax},
			{kind: condLatencyHigh},
		},
		recommendedActions: []string{"scale_replicas"},
	},
	{
		id:       "readiness_probe_failing",
		category: models.CategoryDependencyFailure,
		base:     0.75,
		conditions: []condition{
			{kind: condLatencyHigh},
			{kind: condNoRecentDeploy},
		},
		recommendedActions: []string{"restart_pod"},
	},
	{
		id:       "config_error",
		category: models.CategoryConfigurationError,
		base:     0.90,
		conditions: []condition{
			{kind: condTerminatedReason, values: []string{"ContainerCannotRun", "CreateContainerConfigError"}},
		},
		recommendedActions: []string{"rollback_deployment"},
	},
	{
		id:       "network_error",
		category: models.CategoryNetworkIssue,
		base:     0.70,
		conditions: []condition{
			{kind: condLogPattern, values: []string{"network", "connection"}},
		},
		recommendedActions: []string{"restart_pod"},
	},
}
