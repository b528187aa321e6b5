package collectors

import (
	"context"
	"testing"
	"time"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/stretchr/testify/require"

	"github.com/kubilitics/aiops-responder/internal/k8s"
	"github.com/kubilitics/aiops-responder/internal/models"
)

func TestClusterStateCollector_CrashLoopPodYieldsHighStrengthEvidence(t *testing.T) {
	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{Name: "api-7d-xyz", Namespace: "default"},
		Spec:       corev1.PodSpec{NodeName: "node-1"},
		Status: corev1.PodStatus{
			Phase: corev1.PodRunning,
			ContainerStatuses: []corev1.ContainerStatus{
				{
					RestartCount: 6,
					State: corev1.ContainerState{
						Waiting: &corev1.ContainerStateWaiting{Reason: "CrashLoopBackOff"},
					},
				},
			},
		},
	}
	client := k8s.NewClientForTest(fake.NewSimpleClientset(pod))
	c := &ClusterStateCollector{Client: client}
	incident := &models.Incident{ID: "inc-1", Namespace: "default", Service: "api", Severity: models.SeverityCritical}
	window := models.TimeWindow{Start: time.Now().Add(-15 * time.Minute), End: time.Now()}

	result := c.Collect(context.Background(), incident, window)
	require.True(t, result.Success)

	var podEv *models.Evidence
	for _, ev := range result.Evidence {
		if ev.EvidenceType == models.EvidenceTypePod {
			podEv = ev
		}
	}
	require.NotNil(t, podEv)
	require.Equal(t, 0.95, podEv.SignalStrength)
	require.Equal(t, "CrashLoopBackOff", podEv.Data["waiting_reason"])

	foundScheduledOn := false
	for _, rel := range result.Relations {
		if rel.Type == models.RelationScheduledOn {
			foundScheduledOn = true
		}
	}
	require.True(t, foundScheduledOn)
}

func TestClusterStateCollector_OOMKilledYields095(t *testing.T) {
	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{Name: "worker-1", Namespace: "default"},
		Status: corev1.PodStatus{
			ContainerStatuses: []corev1.ContainerStatus{
				{State: corev1.ContainerState{Terminated: &corev1.ContainerStateTerminated{Reason: "OOMKilled"}}},
			},
		},
	}
	client := k8s.NewClientForTest(fake.NewSimpleClientset(pod))
	c := &ClusterStateCollector{Client: client}
	incident := &models.Incident{ID: "inc-1", Namespace: "default"}
	window := models.TimeWindow{Start: time.Now().Add(-15 * time.Minute), End: time.Now()}

	result := c.Collect(context.Background(), incident, window)
	require.Len(t, result.Evidence, 1)
	require.Equal(t, 0.95, result.Evidence[0].SignalStrength)
}

func TestClusterStateCollector_DeploymentUnavailableYields080(t *testing.T) {
	dep := &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{Name: "api", Namespace: "default"},
		Status:     appsv1.DeploymentStatus{UnavailableReplicas: 2},
	}
	client := k8s.NewClientForTest(fake.NewSimpleClientset(dep))
	c := &ClusterStateCollector{Client: client}
	incident := &models.Incident{ID: "inc-1", Namespace: "default"}
	window := models.TimeWindow{Start: time.Now().Add(-15 * time.Minute), End: time.Now()}

	result := c.Collect(context.Background(), incident, window)
	require.Len(t, result.Evidence, 1)
	require.Equal(t, 0.80, result.Evidence[0].SignalStrength)
}

func TestClusterStateCollector_CollectorErrorsDoNotFailRun(t *testing.T) {
	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{Name: "api-1", Namespace: "default"},
		Status:     corev1.PodStatus{Phase: corev1.PodRunning},
	}
	client := k8s.NewClientForTest(fake.NewSimpleClientset(pod))
	c := &ClusterStateCollector{Client: client}
	incident := &models.Incident{ID: "inc-1", Namespace: "default"}
	window := models.TimeWindow{Start: time.Now().Add(-15 * time.Minute), End: time.Now()}

	result := c.Collect(context.Background(), incident, window)
	require.True(t, result.Success)
	require.NotEmpty(t, result.Evidence)
}
