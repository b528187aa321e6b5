// Package verifier implements the post-remediation verification probes:
// error rate, restart rate and pod health, compared against a pre-action
// baseline window (spec §4.10).
//
// Grounded on src/services/remediation/verifier.py's three probes and
// PromQL templates.
package verifier

import (
	"context"
	"fmt"
	"time"

	corev1 "k8s.io/api/core/v1"

	promv1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"

	"github.com/kubilitics/aiops-responder/internal/k8s"
	"github.com/kubilitics/aiops-responder/internal/metrics"
	"github.com/kubilitics/aiops-responder/internal/models"
)

// InstantQuerier is the subset of promv1.API used for single-value queries.
type InstantQuerier interface {
	Query(ctx context.Context, query string, ts time.Time) (model.Value, promv1.Warnings, error)
}

// Verifier checks whether a remediation action improved the incident's
// service.
type Verifier struct {
	Metrics InstantQuerier
	Client  *k8s.Client
}

// Verify implements spec §4.10 in full: error rate, restart rate, pod
// health, then the combined metricsImproved/success predicates.
func (v *Verifier) Verify(ctx context.Context, incident *models.Incident) models.VerificationResult {
	result := models.VerificationResult{
		ActionID:   "",
		IncidentID: incident.ID,
		VerifiedAt: time.Now().UTC(),
	}

	errorImproved, before1, after1 := v.checkErrorRate(ctx, incident)
	restartImproved, before2, after2 := v.checkRestartRate(ctx, incident)
	healthy, total, allHealthy := v.checkPodHealth(ctx, incident)

	result.Before = models.MetricSnapshot{ErrorRate: before1, RestartCount: before2}
	result.After = models.MetricSnapshot{ErrorRate: after1, RestartCount: after2, PodHealthyCount: healthy}

	result.MetricsImproved = errorImproved || restartImproved || allHealthy
	result.Success = result.MetricsImproved && allHealthy

	_ = total
	metrics.VerificationResultsTotal.WithLabelValues(fmt.Sprintf("%t", result.MetricsImproved)).Inc()
	return result
}

func (v *Verifier) checkErrorRate(ctx context.Context, incident *models.Incident) (improved bool, before, after float64) {
	podFilter := ""
	if incident.Service != "" {
		podFilter = fmt.Sprintf(`, pod=~"%s.*"`, incident.Service)
	}

	current := fmt.Sprintf(
		`sum(rate(http_requests_total{namespace="%s"%s, status=~"5.."}[5m])) / sum(rate(http_requests_total{namespace="%s"%s}[5m]))`,
		incident.Namespace, podFilter, incident.Namespace, podFilter,
	)
	prior := fmt.Sprintf(
		`sum(rate(http_requests_total{namespace="%s"%s, status=~"5.."}[5m] offset 15m)) / sum(rate(http_requests_total{namespace="%s"%s}[5m] offset 15m))`,
		incident.Namespace, podFilter, incident.Namespace, podFilter,
	)

	after, afterOK := v.scalar(ctx, current)
	before, beforeOK := v.scalar(ctx, prior)

	return afterOK && beforeOK && after < before, before, after
}

func (v *Verifier) checkRestartRate(ctx context.Context, incident *models.Incident) (improved bool, before, after float64) {
	podPrefix := incident.Service
	if podPrefix == "" {
		podPrefix = ".*"
	}

	current := fmt.Sprintf(
		`sum(increase(kube_pod_container_status_restarts_total{namespace="%s", pod=~"%s.*"}[5m]))`,
		incident.Namespace, podPrefix,
	)
	prior := fmt.Sprintf(
		`sum(increase(kube_pod_container_status_restarts_total{namespace="%s", pod=~"%s.*"}[5m] offset 15m))`,
		incident.Namespace, podPrefix,
	)

	after, afterOK := v.scalar(ctx, current)
	before, beforeOK := v.scalar(ctx, prior)

	return afterOK && beforeOK && after <= before, before, after
}

func (v *Verifier) scalar(ctx context.Context, query string) (float64, bool) {
	if v.Metrics == nil {
		return 0, false
	}
	value, _, err := v.Metrics.Query(ctx, query, time.Now())
	if err != nil {
		return 0, false
	}
	vec, ok := value.(model.Vector)
	if !ok || len(vec) == 0 {
		return 0, false
	}
	return float64(vec[0].Value), true
}

func (v *Verifier) checkPodHealth(ctx context.Context, incident *models.Incident) (healthy, total int, allHealthy bool) {
	podSelector := ""
	if incident.Service != "" {
		podSelector = "app=" + incident.Service
	}
	pods, err := v.Client.ListPods(ctx, incident.Namespace, podSelector)
	if err != nil {
		return 0, 0, false
	}

	total = len(pods)
	for _, p := range pods {
		if isPodHealthy(&p) {
			healthy++
		}
	}

	return healthy, total, total > 0 && healthy == total
}

func isPodHealthy(pod *corev1.Pod) bool {
	if pod.Status.Phase != corev1.PodRunning {
		return false
	}
	for _, cond := range pod.Status.Conditions {
		if cond.Type == corev1.PodReady && cond.Status != corev1.ConditionTrue {
			return false
		}
	}
	return true
}
