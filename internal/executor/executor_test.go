package executor

import (
	"context"
	"testing"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/stretchr/testify/require"

	"github.com/kubilitics/aiops-responder/internal/k8s"
	"github.com/kubilitics/aiops-responder/internal/models"
)

func TestExecute_UnknownActionType(t *testing.T) {
	client := k8s.NewClientForTest(fake.NewSimpleClientset())
	ex := New(client)

	result := ex.Execute(context.Background(), &models.RemediationAction{ActionType: "bogus"})
	require.False(t, result.Success)
	require.Equal(t, "Unknown action type", result.Error)
}

func TestExecute_RestartPodPicksFirstNonRunning(t *testing.T) {
	running := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{Name: "api-1", Namespace: "default", Labels: map[string]string{"app": "api"}},
		Status:     corev1.PodStatus{Phase: corev1.PodRunning},
	}
	crashing := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{Name: "api-2", Namespace: "default", Labels: map[string]string{"app": "api"}},
		Status:     corev1.PodStatus{Phase: corev1.PodPending},
	}
	client := k8s.NewClientForTest(fake.NewSimpleClientset(running, crashing))
	ex := New(client)

	action := &models.RemediationAction{
		ActionType: models.ActionRestartPod,
		Target:     models.RemediationTarget{Namespace: "default"},
		Parameters: map[string]interface{}{"service": "api"},
	}
	result := ex.Execute(context.Background(), action)
	require.True(t, result.Success)
	require.Equal(t, "api-2", result.Target["pod"])
}

func TestExecute_RestartPodNoMatchingPodFails(t *testing.T) {
	client := k8s.NewClientForTest(fake.NewSimpleClientset())
	ex := New(client)

	action := &models.RemediationAction{
		ActionType: models.ActionRestartPod,
		Target:     models.RemediationTarget{Namespace: "default"},
	}
	result := ex.Execute(context.Background(), action)
	require.False(t, result.Success)
}

func TestExecute_ScaleReplicasDefaultsToCurrentPlusOne(t *testing.T) {
	replicas := int32(2)
	dep := &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{Name: "api", Namespace: "default"},
		Spec:       appsv1.DeploymentSpec{Replicas: &replicas},
	}
	client := k8s.NewClientForTest(fake.NewSimpleClientset(dep))
	ex := New(client)

	action := &models.RemediationAction{
		ActionType: models.ActionScaleReplicas,
		Target:     models.RemediationTarget{Namespace: "default", Resource: "api"},
	}
	result := ex.Execute(context.Background(), action)
	require.True(t, result.Success)
	require.EqualValues(t, 3, result.Target["replicas"])
}

func TestExecute_ScaleReplicasExplicitParameter(t *testing.T) {
	replicas := int32(2)
	dep := &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{Name: "api", Namespace: "default"},
		Spec:       appsv1.DeploymentSpec{Replicas: &replicas},
	}
	client := k8s.NewClientForTest(fake.NewSimpleClientset(dep))
	ex := New(client)

	action := &models.RemediationAction{
		ActionType: models.ActionScaleReplicas,
		Target:     models.RemediationTarget{Namespace: "default", Resource: "api"},
		Parameters: map[string]interface{}{"replicas": 5},
	}
	result := ex.Execute(context.Background(), action)
	require.True(t, result.Success)
	require.EqualValues(t, 5, result.Target["replicas"])
}

func TestExecute_RollbackDeploymentFailsWithFewerThanTwoRevisions(t *testing.T) {
	dep := &appsv1.Deployment{ObjectMeta: metav1.ObjectMeta{Name: "api", Namespace: "default"}}
	client := k8s.NewClientForTest(fake.NewSimpleClientset(dep))
	ex := New(client)

	action := &models.RemediationAction{
		ActionType: models.ActionRollbackDeployment,
		Target:     models.RemediationTarget{Namespace: "default", Resource: "api"},
	}
	result := ex.Execute(context.Background(), action)
	require.False(t, result.Success)
	require.Contains(t, result.Error, "fewer than 2 revisions")
}

func TestExecute_CordonNodeRequiresNodeName(t *testing.T) {
	client := k8s.NewClientForTest(fake.NewSimpleClientset())
	ex := New(client)

	action := &models.RemediationAction{ActionType: models.ActionCordonNode}
	result := ex.Execute(context.Background(), action)
	require.False(t, result.Success)
	require.Equal(t, "node_name is required", result.Error)
}

func TestExecute_CordonNodeSucceeds(t *testing.T) {
	node := &corev1.Node{ObjectMeta: metav1.ObjectMeta{Name: "node-1"}}
	client := k8s.NewClientForTest(fake.NewSimpleClientset(node))
	ex := New(client)

	action := &models.RemediationAction{
		ActionType: models.ActionCordonNode,
		Parameters: map[string]interface{}{"node_name": "node-1"},
	}
	result := ex.Execute(context.Background(), action)
	require.True(t, result.Success)
	require.Equal(t, "node-1", result.Target["node"])
}
