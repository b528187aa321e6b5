// Package runbook generates the templated investigation guide attached to
// an incident (spec §4.6). It is purely templated — no inference, no LLM
// calls — keyed on the top-ranked hypothesis category.
package runbook

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kubilitics/aiops-responder/internal/models"
)

// Target names the resource coordinates substituted into templates.
type Target struct {
	Namespace  string
	Service    string
	Deployment string
	Replicas   int
}

type categoryTemplate struct {
	commands []string
	queries  []string
}

// templates is the fixed per-category command/query set (spec §4.6).
var templates = map[models.HypothesisCategory]categoryTemplate{
	models.CategoryResourceExhaustion: {
		commands: []string{
			"kubectl top pod -n {namespace} -l app={service}",
			"kubectl describe pod -n {namespace} -l app={service}",
		},
		queries: []string{
			"container_memory_usage_bytes / container_spec_memory_limit_bytes",
			"rate(container_cpu_usage_seconds_total{namespace=\"{namespace}\"}[5m])",
		},
	},
	models.CategoryBadDeployment: {
		commands: []string{
			"kubectl rollout history deployment/{deployment} -n {namespace}",
			"kubectl rollout undo deployment/{deployment} -n {namespace} --dry-run=client",
		},
		queries: []string{
			"kube_deployment_status_replicas_unavailable{namespace=\"{namespace}\",deployment=\"{deployment}\"}",
		},
	},
	models.CategoryConfigurationError: {
		commands: []string{
			"kubectl describe pod -n {namespace} -l app={service}",
			"kubectl get events -n {namespace} --field-selector involvedObject.name={deployment}",
		},
		queries: []string{
			"kube_pod_container_status_waiting_reason{namespace=\"{namespace}\"}",
		},
	},
	models.CategoryInfrastructure: {
		commands: []string{
			"kubectl get nodes -o wide",
			"kubectl describe node",
		},
		queries: []string{
			"kube_node_status_condition{condition!=\"Ready\",status=\"true\"}",
		},
	},
	models.CategoryDependencyFailure: {
		commands: []string{
			"kubectl logs -n {namespace} -l app={service} --tail=200",
		},
		queries: []string{
			"histogram_quantile(0.99, rate(http_request_duration_seconds_bucket{namespace=\"{namespace}\"}[5m]))",
		},
	},
	models.CategoryNetworkIssue: {
		commands: []string{
			"kubectl get networkpolicy -n {namespace}",
			"kubectl exec -n {namespace} deploy/{deployment} -- nslookup kubernetes.default",
		},
		queries: []string{
			"rate(container_network_transmit_errors_total{namespace=\"{namespace}\"}[5m])",
		},
	},
	models.CategoryScalingIssue: {
		commands: []string{
			"kubectl get hpa -n {namespace}",
			"kubectl scale deployment/{deployment} -n {namespace} --replicas={replicas}",
		},
		queries: []string{
			"kube_horizontalpodautoscaler_status_current_replicas{namespace=\"{namespace}\"}",
		},
	},
	models.CategorySecurityIssue: {
		commands: []string{
			"kubectl get events -n {namespace} --field-selector reason=FailedCreate",
		},
		queries: []string{
			"kube_pod_status_reason{reason=\"Forbidden\",namespace=\"{namespace}\"}",
		},
	},
	models.CategoryExternalDependency: {
		commands: []string{
			"kubectl logs -n {namespace} -l app={service} --tail=200 | grep -i timeout",
		},
		queries: []string{
			"rate(http_client_requests_total{namespace=\"{namespace}\",status=~\"5..\"}[5m])",
		},
	},
	models.CategoryDataIssue: {
		commands: []string{
			"kubectl logs -n {namespace} -l app={service} --tail=200 | grep -i 'constraint\\|migration'",
		},
		queries: []string{
			"pg_stat_database_conflicts{datname=\"{namespace}\"}",
		},
	},
	models.CategoryUnknown: {
		commands: []string{
			"kubectl describe pod -n {namespace} -l app={service}",
			"kubectl logs -n {namespace} -l app={service} --tail=200",
		},
		queries: []string{
			"up{namespace=\"{namespace}\"}",
		},
	},
}

// investigationPlan is the fixed 9-step plan appended to every runbook
// (spec §4.6), independent of category.
var investigationPlan = []string{
	"Confirm the incident's blast radius: which pods, deployments and namespaces are affected.",
	"Review the evidence graph for the incident to trace affected resources.",
	"Check for recent deployments or configuration changes correlated with onset.",
	"Inspect pod events and container statuses for the affected workload.",
	"Review application logs for errors, panics or stack traces in the incident window.",
	"Check resource utilization (CPU, memory) against configured limits.",
	"Verify dependent services and their health status.",
	"Cross-check node and cluster-level health conditions.",
	"Document findings and confirm the proposed remediation before approval.",
}

var dashboardURLTemplates = []string{
	"https://grafana.internal/d/cluster-overview?var-namespace={namespace}",
	"https://grafana.internal/d/pod-detail?var-namespace={namespace}&var-pod={service}",
	"https://grafana.internal/d/deployment-health?var-deployment={deployment}",
	"https://grafana.internal/d/node-health",
}

// categoryExtension appends category-specific steps onto the base plan.
var categoryExtension = map[models.HypothesisCategory]string{
	models.CategoryResourceExhaustion: "Consider scaling replicas or raising memory limits if usage is sustained.",
	models.CategoryBadDeployment:      "Evaluate rolling back to the previous deployment revision.",
	models.CategoryScalingIssue:       "Evaluate raising the HPA max replica ceiling if sustained at max.",
}

// Generate builds a Runbook for incidentID keyed on topCategory, templated
// with target (spec §4.6). It does not persist the result; callers pass it
// to internal/store.
func Generate(incidentID string, topCategory models.HypothesisCategory, target Target) *models.Runbook {
	tmpl, ok := templates[topCategory]
	if !ok {
		tmpl = templates[models.CategoryUnknown]
	}

	substitute := func(s string) string {
		r := strings.NewReplacer(
			"{namespace}", target.Namespace,
			"{service}", target.Service,
			"{deployment}", target.Deployment,
			"{replicas}", fmt.Sprintf("%d", target.Replicas),
		)
		return r.Replace(s)
	}

	commands := make([]string, len(tmpl.commands))
	for i, c := range tmpl.commands {
		commands[i] = substitute(c)
	}
	queries := make([]string, len(tmpl.queries))
	for i, q := range tmpl.queries {
		queries[i] = substitute(q)
	}
	dashboards := make([]string, len(dashboardURLTemplates))
	for i, d := range dashboardURLTemplates {
		dashboards[i] = substitute(d)
	}

	plan := make([]string, len(investigationPlan))
	copy(plan, investigationPlan)
	if ext, ok := categoryExtension[topCategory]; ok {
		plan = append(plan, ext)
	}

	return &models.Runbook{
		ID:                    uuid.NewString(),
		IncidentID:            incidentID,
		Category:              topCategory,
		InvestigationCommands: commands,
		Queries:               queries,
		DashboardURLs:         dashboards,
		InvestigationPlan:     plan,
		CreatedAt:             time.Now(),
	}
}
