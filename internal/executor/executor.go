// Package executor is the Remediation Executor: it performs one of the
// five mutating cluster operations the rules/ranker pipeline can propose,
// dispatched by a handler table keyed on action type (spec §4.9).
//
// Grounded on src/services/remediation/executor.py's handler-table shape,
// itself grounded in the teacher's internal/mcp/tools/execution/tools.go
// dispatch-by-name pattern.
package executor

import (
	"context"
	"fmt"
	"sort"
	"time"

	corev1 "k8s.io/api/core/v1"

	"github.com/kubilitics/aiops-responder/internal/k8s"
	"github.com/kubilitics/aiops-responder/internal/metrics"
	"github.com/kubilitics/aiops-responder/internal/models"
)

// ActionResult is the outcome of executing one RemediationAction.
type ActionResult struct {
	Success bool
	Error   string
	Target  map[string]interface{}
}

// Executor dispatches a RemediationAction to the handler for its type.
type Executor interface {
	Execute(ctx context.Context, action *models.RemediationAction) ActionResult
}

type handlerFunc func(ctx context.Context, client *k8s.Client, action *models.RemediationAction) ActionResult

type executor struct {
	client   *k8s.Client
	handlers map[models.RemediationActionType]handlerFunc
}

// New creates an Executor backed by client.
func New(client *k8s.Client) Executor {
	return &executor{
		client: client,
		handlers: map[models.RemediationActionType]handlerFunc{
			models.ActionRestartPod:         restartPod,
			models.ActionRestartDeployment:  restartDeployment,
			models.ActionRollbackDeployment: rollbackDeployment,
			models.ActionScaleReplicas:      scaleReplicas,
			models.ActionCordonNode:         cordonNode,
		},
	}
}

// Execute runs action's handler and records execution metrics (spec §4.9:
// "unknown types yield {success:false, error:\"Unknown action type\"}").
func (e *executor) Execute(ctx context.Context, action *models.RemediationAction) ActionResult {
	start := time.Now()
	handler, ok := e.handlers[action.ActionType]
	if !ok {
		metrics.RemediationActionsTotal.WithLabelValues(string(action.ActionType), "failed").Inc()
		return ActionResult{Success: false, Error: "Unknown action type"}
	}

	result := handler(ctx, e.client, action)

	status := "completed"
	if !result.Success {
		status = "failed"
	}
	metrics.RemediationActionsTotal.WithLabelValues(string(action.ActionType), status).Inc()
	metrics.RemediationActionDuration.WithLabelValues(string(action.ActionType)).Observe(time.Since(start).Seconds())

	return result
}

func restartPod(ctx context.Context, client *k8s.Client, action *models.RemediationAction) ActionResult {
	ns := action.Target.Namespace
	podName, _ := action.Parameters["pod_name"].(string)

	if podName == "" {
		appLabel, _ := action.Parameters["service"].(string)
		podSelector := ""
		if appLabel != "" {
			podSelector = "app=" + appLabel
		}
		pods, err := client.ListPods(ctx, ns, podSelector)
		if err != nil {
			return ActionResult{Success: false, Error: err.Error()}
		}
		podName = findUnhealthyPod(pods, appLabel)
		if podName == "" {
			return ActionResult{Success: false, Error: "no pod found to restart"}
		}
	}

	if err := client.DeletePod(ctx, ns, podName); err != nil {
		return ActionResult{Success: false, Error: err.Error()}
	}
	return ActionResult{Success: true, Target: map[string]interface{}{"namespace": ns, "pod": podName}}
}

// findUnhealthyPod picks the first non-Running pod matching app=appLabel,
// else the first pod overall (spec §4.9).
func findUnhealthyPod(pods []corev1.Pod, appLabel string) string {
	matching := pods
	if appLabel != "" {
		matching = nil
		for _, p := range pods {
			if p.Labels["app"] == appLabel {
				matching = append(matching, p)
			}
		}
	}
	if len(matching) == 0 {
		return ""
	}
	for _, p := range matching {
		if p.Status.Phase != corev1.PodRunning {
			return p.Name
		}
	}
	return matching[0].Name
}

func restartDeployment(ctx context.Context, client *k8s.Client, action *models.RemediationAction) ActionResult {
	ns := action.Target.Namespace
	name, _ := action.Parameters["deployment_name"].(string)
	if name == "" {
		name = action.Target.Resource
	}

	if err := client.RestartDeployment(ctx, ns, name); err != nil {
		return ActionResult{Success: false, Error: err.Error()}
	}
	return ActionResult{Success: true, Target: map[string]interface{}{"namespace": ns, "deployment": name}}
}

func rollbackDeployment(ctx context.Context, client *k8s.Client, action *models.RemediationAction) ActionResult {
	ns := action.Target.Namespace
	name, _ := action.Parameters["deployment_name"].(string)
	if name == "" {
		name = action.Target.Resource
	}

	replicaSets, err := client.ReplicaSetsForDeployment(ctx, ns, name)
	if err != nil {
		return ActionResult{Success: false, Error: err.Error()}
	}
	if len(replicaSets) < 2 {
		return ActionResult{Success: false, Error: "fewer than 2 revisions available for rollback"}
	}

	sort.Slice(replicaSets, func(i, j int) bool {
		return revisionOf(&replicaSets[i]) > revisionOf(&replicaSets[j])
	})
	previous := replicaSets[1]

	if err := client.ReplaceDeploymentPodTemplate(ctx, ns, name, previous.Spec.Template); err != nil {
		return ActionResult{Success: false, Error: err.Error()}
	}
	return ActionResult{Success: true, Target: map[string]interface{}{
		"namespace":         ns,
		"deployment":        name,
		"rolled_back_to":    revisionOf(&previous),
	}}
}

func revisionOf(rs interface{ GetAnnotations() map[string]string }) int {
	rev := rs.GetAnnotations()["deployment.kubernetes.io/revision"]
	n := 0
	fmt.Sscanf(rev, "%d", &n)
	return n
}

func scaleReplicas(ctx context.Context, client *k8s.Client, action *models.RemediationAction) ActionResult {
	ns := action.Target.Namespace
	name := action.Target.Resource

	var replicas int32
	if v, ok := action.Parameters["replicas"]; ok {
		switch n := v.(type) {
		case int:
			replicas = int32(n)
		case float64:
			replicas = int32(n)
		}
	}

	if replicas == 0 {
		dep, err := client.GetDeployment(ctx, ns, name)
		if err != nil {
			return ActionResult{Success: false, Error: err.Error()}
		}
		current := int32(1)
		if dep.Spec.Replicas != nil {
			current = *dep.Spec.Replicas
		}
		replicas = current + 1
	}

	if err := client.ScaleDeployment(ctx, ns, name, replicas); err != nil {
		return ActionResult{Success: false, Error: err.Error()}
	}
	return ActionResult{Success: true, Target: map[string]interface{}{"namespace": ns, "deployment": name, "replicas": replicas}}
}

func cordonNode(ctx context.Context, client *k8s.Client, action *models.RemediationAction) ActionResult {
	nodeName, _ := action.Parameters["node_name"].(string)
	if nodeName == "" {
		return ActionResult{Success: false, Error: "node_name is required"}
	}
	if err := client.CordonNode(ctx, nodeName); err != nil {
		return ActionResult{Success: false, Error: err.Error()}
	}
	return ActionResult{Success: true, Target: map[string]interface{}{"node": nodeName}}
}
