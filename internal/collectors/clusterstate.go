package collectors

import (
	"context"
	"fmt"
	"time"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"

	"github.com/google/uuid"

	"github.com/kubilitics/aiops-responder/internal/k8s"
	"github.com/kubilitics/aiops-responder/internal/models"
)

// warningReasonsHigh get 0.90 strength; any other warning gets 0.70 (spec §4.2.1).
var warningReasonsHigh = map[string]bool{
	"FailedScheduling": true,
	"FailedMount":      true,
	"BackOff":          true,
	"Unhealthy":        true,
	"Failed":           true,
}

// ClusterStateCollector queries pods, deployments, events, nodes and HPA
// status (spec §4.2.1).
type ClusterStateCollector struct {
	Client *k8s.Client
}

func (c *ClusterStateCollector) Name() string { return "cluster_state" }

func (c *ClusterStateCollector) Collect(ctx context.Context, incident *models.Incident, window models.TimeWindow) Result {
	var result Result
	now := time.Now().UTC()
	incidentEntityID := "incident:" + incident.ID
	result.Entities = append(result.Entities, &models.GraphEntity{
		ID:    incidentEntityID,
		Label: "Incident",
		Properties: map[string]interface{}{
			"title":    incident.Title,
			"severity": string(incident.Severity),
		},
	})

	podSelector := ""
	if incident.Service != "" {
		podSelector = "app=" + incident.Service
	}
	pods, err := c.Client.ListPods(ctx, incident.Namespace, podSelector)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("list pods: %v", err))
	}
	for _, pod := range pods {
		evidence, entity, relations := podEvidence(incident, &pod, window, now)
		result.Evidence = append(result.Evidence, evidence)
		result.Entities = append(result.Entities, entity)
		result.Relations = append(result.Relations,
			&models.GraphRelation{SourceID: incidentEntityID, TargetID: entity.ID, Type: models.RelationAffects},
		)
		result.Relations = append(result.Relations, relations...)
	}

	deployments, err := c.Client.ListDeployments(ctx, incident.Namespace)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("list deployments: %v", err))
	}
	for _, dep := range deployments {
		result.Evidence = append(result.Evidence, deploymentEvidence(incident, &dep, window, now))
		result.Entities = append(result.Entities, &models.GraphEntity{
			ID:    fmt.Sprintf("deployment:%s:%s", dep.Namespace, dep.Name),
			Label: "Deployment",
			Properties: map[string]interface{}{
				"replicas":      dep.Status.Replicas,
				"ready":         dep.Status.ReadyReplicas,
				"unavailable":   dep.Status.UnavailableReplicas,
			},
		})
	}

	events, err := c.Client.ListEvents(ctx, incident.Namespace, window.Start)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("list events: %v", err))
	}
	for _, ev := range events {
		result.Evidence = append(result.Evidence, eventEvidence(incident, &ev, window, now))
	}

	nodes, err := c.Client.ListNodes(ctx)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("list nodes: %v", err))
	}
	for _, node := range nodes {
		conditions := unhealthyConditions(&node)
		if len(conditions) == 0 {
			continue
		}
		result.Evidence = append(result.Evidence, &models.Evidence{
			ID:             uuid.New().String(),
			IncidentID:     incident.ID,
			EvidenceType:   models.EvidenceTypeNode,
			Source:         c.Name(),
			EntityName:     node.Name,
			Data:           map[string]interface{}{"conditions": conditions},
			SignalStrength: 0.85,
			TimeWindow:     window,
			CollectedAt:    now,
		})
		result.Entities = append(result.Entities, &models.GraphEntity{
			ID:         "node:" + node.Name,
			Label:      "Node",
			Properties: map[string]interface{}{"conditions": conditions},
		})
	}

	if incident.Service != "" {
		hpa, err := c.Client.GetHPA(ctx, incident.Namespace, incident.Service)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("get hpa: %v", err))
		} else if hpa != nil {
			result.Entities = append(result.Entities, &models.GraphEntity{
				ID:    fmt.Sprintf("hpa:%s:%s", incident.Namespace, incident.Service),
				Label: "HPA",
				Properties: map[string]interface{}{
					"current_replicas": hpa.Status.CurrentReplicas,
					"desired_replicas": hpa.Status.DesiredReplicas,
					"max_replicas":     hpa.Spec.MaxReplicas,
				},
			})
		}
	}

	result.Success = len(result.Errors) == 0
	return result
}

func podEvidence(incident *models.Incident, pod *corev1.Pod, window models.TimeWindow, now time.Time) (*models.Evidence, *models.GraphEntity, []*models.GraphRelation) {
	waitingReason, terminatedReason := "", ""
	restartCount := int32(0)
	for _, cs := range pod.Status.ContainerStatuses {
		if cs.RestartCount > restartCount {
			restartCount = cs.RestartCount
		}
		if cs.State.Waiting != nil && waitingReason == "" {
			waitingReason = cs.State.Waiting.Reason
		}
		if cs.State.Terminated != nil && terminatedReason == "" {
			terminatedReason = cs.State.Terminated.Reason
		}
	}

	strength := 0.30
	switch {
	case waitingReason == "CrashLoopBackOff" || waitingReason == "ImagePullBackOff" || waitingReason == "ErrImagePull":
		strength = 0.95
	case terminatedReason == "OOMKilled":
		strength = 0.95
	case restartCount > 3:
		strength = 0.80
	case pod.Status.Phase != corev1.PodRunning:
		strength = 0.70
	}

	entityID := fmt.Sprintf("pod:%s:%s", pod.Namespace, pod.Name)
	evidence := &models.Evidence{
		ID:           uuid.New().String(),
		IncidentID:   incident.ID,
		EvidenceType: models.EvidenceTypePod,
		Source:       "cluster_state",
		EntityName:   pod.Name,
		EntityNS:     pod.Namespace,
		Data: map[string]interface{}{
			"waiting_reason":    waitingReason,
			"terminated_reason": terminatedReason,
			"restart_count":     int(restartCount),
			"phase":             string(pod.Status.Phase),
		},
		SignalStrength: strength,
		TimeWindow:     window,
		CollectedAt:    now,
	}

	entity := &models.GraphEntity{
		ID:    entityID,
		Label: "Pod",
		Properties: map[string]interface{}{
			"phase":          string(pod.Status.Phase),
			"restart_count":  int(restartCount),
			"waiting_reason": waitingReason,
		},
	}

	var relations []*models.GraphRelation
	if pod.Spec.NodeName != "" {
		relations = append(relations, &models.GraphRelation{
			SourceID: entityID,
			TargetID: "node:" + pod.Spec.NodeName,
			Type:     models.RelationScheduledOn,
		})
	}

	return evidence, entity, relations
}

func deploymentEvidence(incident *models.Incident, dep *appsv1.Deployment, window models.TimeWindow, now time.Time) *models.Evidence {
	desired := int32(1)
	if dep.Spec.Replicas != nil {
		desired = *dep.Spec.Replicas
	}

	strength := 0.30
	switch {
	case dep.Status.UnavailableReplicas > 0:
		strength = 0.80
	case dep.Status.ReadyReplicas < desired:
		strength = 0.70
	}

	return &models.Evidence{
		ID:           uuid.New().String(),
		IncidentID:   incident.ID,
		EvidenceType: models.EvidenceTypeDeployment,
		Source:       "cluster_state",
		EntityName:   dep.Name,
		EntityNS:     dep.Namespace,
		Data: map[string]interface{}{
			"desired":     int(desired),
			"ready":       int(dep.Status.ReadyReplicas),
			"unavailable": int(dep.Status.UnavailableReplicas),
		},
		SignalStrength: strength,
		TimeWindow:     window,
		CollectedAt:    now,
	}
}

func eventEvidence(incident *models.Incident, ev *corev1.Event, window models.TimeWindow, now time.Time) *models.Evidence {
	strength := 0.40
	if ev.Type == corev1.EventTypeWarning {
		strength = 0.70
		if warningReasonsHigh[ev.Reason] {
			strength = 0.90
		}
	}

	return &models.Evidence{
		ID:           uuid.New().String(),
		IncidentID:   incident.ID,
		EvidenceType: models.EvidenceTypeEvent,
		Source:       "cluster_state",
		EntityName:   ev.InvolvedObject.Name,
		EntityNS:     ev.Namespace,
		Data: map[string]interface{}{
			"type":    ev.Type,
			"reason":  ev.Reason,
			"message": ev.Message,
		},
		SignalStrength: strength,
		TimeWindow:     window,
		CollectedAt:    now,
	}
}

func unhealthyConditions(node *corev1.Node) []string {
	var conditions []string
	for _, cond := range node.Status.Conditions {
		switch cond.Type {
		case corev1.NodeReady:
			if cond.Status != corev1.ConditionTrue {
				conditions = append(conditions, "NotReady")
			}
		case corev1.NodeMemoryPressure, corev1.NodeDiskPressure, corev1.NodePIDPressure, corev1.NodeNetworkUnavailable:
			if cond.Status == corev1.ConditionTrue {
				conditions = append(conditions, string(cond.Type))
			}
		}
	}
	return conditions
}
