package verifier

import (
	"context"
	"testing"
	"time"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"

	promv1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
	"github.com/stretchr/testify/require"

	"github.com/kubilitics/aiops-responder/internal/k8s"
	"github.com/kubilitics/aiops-responder/internal/models"
)

// fakeQuerier returns a scripted series of scalar values in call order:
// checkErrorRate queries (after, before) then checkRestartRate (after, before).
type fakeQuerier struct {
	values []float64
	calls  int
}

func (f *fakeQuerier) Query(ctx context.Context, query string, ts time.Time) (model.Value, promv1.Warnings, error) {
	idx := f.calls
	f.calls++
	if idx >= len(f.values) {
		return model.Vector{}, nil, nil
	}
	return model.Vector{&model.Sample{Value: model.SampleValue(f.values[idx])}}, nil, nil
}

func healthyPod(ns, name, app string) *corev1.Pod {
	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: ns, Labels: map[string]string{"app": app}},
		Status: corev1.PodStatus{
			Phase:      corev1.PodRunning,
			Conditions: []corev1.PodCondition{{Type: corev1.PodReady, Status: corev1.ConditionTrue}},
		},
	}
}

func TestVerify_SuccessWhenErrorRateImprovedAndPodsHealthy(t *testing.T) {
	client := k8s.NewClientForTest(fake.NewSimpleClientset(healthyPod("default", "api-1", "api")))
	v := &Verifier{
		Metrics: &fakeQuerier{values: []float64{0.01, 0.20, 1, 1}}, // after-err, before-err, after-restart, before-restart
		Client:  client,
	}
	incident := &models.Incident{ID: "inc-1", Namespace: "default", Service: "api"}

	result := v.Verify(context.Background(), incident)
	require.True(t, result.MetricsImproved)
	require.True(t, result.Success)
}

func TestVerify_FailsWhenPodsUnhealthyEvenIfMetricsImprove(t *testing.T) {
	unhealthy := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{Name: "api-1", Namespace: "default", Labels: map[string]string{"app": "api"}},
		Status:     corev1.PodStatus{Phase: corev1.PodPending},
	}
	client := k8s.NewClientForTest(fake.NewSimpleClientset(unhealthy))
	v := &Verifier{
		Metrics: &fakeQuerier{values: []float64{0.01, 0.20, 1, 1}},
		Client:  client,
	}
	incident := &models.Incident{ID: "inc-1", Namespace: "default", Service: "api"}

	result := v.Verify(context.Background(), incident)
	require.True(t, result.MetricsImproved, "error rate improved")
	require.False(t, result.Success, "success requires all pods healthy")
}

func TestVerify_NoMetricsDataMeansNotImproved(t *testing.T) {
	client := k8s.NewClientForTest(fake.NewSimpleClientset())
	v := &Verifier{Metrics: nil, Client: client}
	incident := &models.Incident{ID: "inc-1", Namespace: "default", Service: "api"}

	result := v.Verify(context.Background(), incident)
	require.False(t, result.MetricsImproved)
	require.False(t, result.Success)
}
