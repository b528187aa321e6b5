package collectors

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"

	"github.com/google/uuid"

	"github.com/kubilitics/aiops-responder/internal/k8s"
	"github.com/kubilitics/aiops-responder/internal/models"
)

// ChangeHistoryCollector reconstructs recent deployment/replica-set/
// configmap history (spec §4.2.4).
type ChangeHistoryCollector struct {
	Client *k8s.Client
}

func (c *ChangeHistoryCollector) Name() string { return "change_history" }

func (c *ChangeHistoryCollector) Collect(ctx context.Context, incident *models.Incident, window models.TimeWindow) Result {
	var result Result
	now := time.Now().UTC()
	incidentEntityID := "incident:" + incident.ID

	deployments, err := c.Client.ListDeployments(ctx, incident.Namespace)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("list deployments: %v", err))
		result.Success = false
		return result
	}

	for _, dep := range deployments {
		if incident.Service != "" && !strings.Contains(dep.Name, incident.Service) {
			continue
		}

		recent := dep.CreationTimestamp.Time.After(window.Start) || dep.CreationTimestamp.Time.Equal(window.Start)

		strength := 0.30
		switch {
		case recent && now.Sub(dep.CreationTimestamp.Time) < 30*time.Minute:
			strength = 0.95
		case recent:
			strength = 0.85
		case dep.Generation != dep.Status.ObservedGeneration:
			strength = 0.70
		}

		result.Evidence = append(result.Evidence, &models.Evidence{
			ID:           uuid.New().String(),
			IncidentID:   incident.ID,
			EvidenceType: models.EvidenceTypeDeployChange,
			Source:       c.Name(),
			EntityName:   dep.Name,
			EntityNS:     dep.Namespace,
			Data: map[string]interface{}{
				"recent":              recent,
				"created_at":          dep.CreationTimestamp.Time.Format(time.RFC3339),
				"generation":          dep.Generation,
				"observed_generation": dep.Status.ObservedGeneration,
			},
			SignalStrength: strength,
			TimeWindow:     window,
			CollectedAt:    now,
		})

		if recent {
			changeID := fmt.Sprintf("change:deployment:%s:%s:%d", dep.Namespace, dep.Name, dep.Generation)
			result.Entities = append(result.Entities, &models.GraphEntity{
				ID:    changeID,
				Label: "ChangeEvent",
				Properties: map[string]interface{}{
					"deployment": dep.Name,
					"created_at": dep.CreationTimestamp.Time.Format(time.RFC3339),
				},
			})
			result.Relations = append(result.Relations,
				&models.GraphRelation{
					SourceID: fmt.Sprintf("deployment:%s:%s", dep.Namespace, dep.Name),
					TargetID: changeID,
					Type:     models.RelationHasRecentChange,
				},
				&models.GraphRelation{
					SourceID: incidentEntityID,
					TargetID: changeID,
					Type:     models.RelationCorrelatesWith,
				},
			)
		}

		replicaSets, err := c.Client.ReplicaSetsForDeployment(ctx, incident.Namespace, dep.Name)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("list replicasets for %s: %v", dep.Name, err))
			continue
		}
		if ev := imageChangeEvidence(incident, dep.Name, replicaSets, window, now); ev != nil {
			result.Evidence = append(result.Evidence, ev)
		}
	}

	configMaps, err := c.Client.ListConfigMaps(ctx, incident.Namespace)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("list configmaps: %v", err))
	}
	for i := range configMaps {
		if ev, entity := configMapEvidence(incident, &configMaps[i], window, now); ev != nil {
			result.Evidence = append(result.Evidence, ev)
			result.Entities = append(result.Entities, entity)
		}
	}

	result.Success = len(result.Errors) == 0
	return result
}

// configMapEvidence flags a config map created within the collection window
// (spec §4.2.4), skipping system configmaps (kube-* namespace defaults).
func configMapEvidence(incident *models.Incident, cm *corev1.ConfigMap, window models.TimeWindow, now time.Time) (*models.Evidence, *models.GraphEntity) {
	if strings.HasPrefix(cm.Name, "kube-") {
		return nil, nil
	}
	if cm.CreationTimestamp.Time.Before(window.Start) {
		return nil, nil
	}

	keys := make([]string, 0, len(cm.Data))
	for k := range cm.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	evidence := &models.Evidence{
		ID:           uuid.New().String(),
		IncidentID:   incident.ID,
		EvidenceType: models.EvidenceTypeConfigMap,
		Source:       "change_history",
		EntityName:   cm.Name,
		EntityNS:     cm.Namespace,
		Data: map[string]interface{}{
			"name":             cm.Name,
			"keys":             keys,
			"created_at":       cm.CreationTimestamp.Time.Format(time.RFC3339),
			"resource_version": cm.ResourceVersion,
		},
		SignalStrength: 0.6,
		TimeWindow:     window,
		CollectedAt:    now,
	}

	entity := &models.GraphEntity{
		ID:    fmt.Sprintf("configmap:%s:%s", cm.Namespace, cm.Name),
		Label: "ConfigMap",
		Properties: map[string]interface{}{
			"name":      cm.Name,
			"namespace": cm.Namespace,
			"keys":      keys,
		},
	}

	return evidence, entity
}

// imageChangeEvidence compares the two most recent ReplicaSet revisions'
// container image lists (spec §4.2.4): emitted only when they differ,
// following the spec's literal wording over the Python original which
// always emits at a lower strength when unchanged (see DESIGN.md).
func imageChangeEvidence(incident *models.Incident, deploymentName string, replicaSets []appsv1.ReplicaSet, window models.TimeWindow, now time.Time) *models.Evidence {
	if len(replicaSets) < 2 {
		return nil
	}

	sort.Slice(replicaSets, func(i, j int) bool {
		return revisionOf(&replicaSets[i]) > revisionOf(&replicaSets[j])
	})

	latestImages := imagesOf(&replicaSets[0])
	previousImages := imagesOf(&replicaSets[1])

	if equalImageSets(latestImages, previousImages) {
		return nil
	}

	return &models.Evidence{
		ID:           uuid.New().String(),
		IncidentID:   incident.ID,
		EvidenceType: models.EvidenceTypeImageChange,
		Source:       "change_history",
		EntityName:   deploymentName,
		EntityNS:     incident.Namespace,
		Data: map[string]interface{}{
			"previous_images": previousImages,
			"current_images":  latestImages,
		},
		SignalStrength: 0.85,
		TimeWindow:     window,
		CollectedAt:    now,
	}
}

func revisionOf(rs *appsv1.ReplicaSet) int {
	rev, err := strconv.Atoi(rs.Annotations["deployment.kubernetes.io/revision"])
	if err != nil {
		return 0
	}
	return rev
}

func imagesOf(rs *appsv1.ReplicaSet) []string {
	images := make([]string, 0, len(rs.Spec.Template.Spec.Containers))
	for _, c := range rs.Spec.Template.Spec.Containers {
		images = append(images, c.Image)
	}
	return images
}

func equalImageSets(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	sort.Strings(a)
	sort.Strings(b)
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
