package k8s

import (
	"context"
	"fmt"
	"time"

	appsv1 "k8s.io/api/apps/v1"
	autoscalingv2 "k8s.io/api/autoscaling/v2"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	metricsv1beta1 "k8s.io/metrics/pkg/client/clientset/versioned/typed/metrics/v1beta1"
)

// ListPods returns pods in namespace (all namespaces if ns is ""), optionally
// narrowed by labelSelector (e.g. "app=checkout-service"). Used by the
// cluster-state collector to scope evidence to the alerting service (spec
// §4.2.1: "pods (optionally filtered by app=<service>)").
func (c *Client) ListPods(ctx context.Context, ns, labelSelector string) ([]corev1.Pod, error) {
	if err := c.waitRateLimit(ctx); err != nil {
		return nil, err
	}
	var result []corev1.Pod
	err := c.circuitBreaker.Execute(ctx, func() error {
		ctx, cancel := c.withTimeout(ctx)
		defer cancel()
		var fnErr error
		result, fnErr = doWithRetryValue(ctx, c.circuitBreaker.clusterID, defaultRetryAttempts, func() ([]corev1.Pod, error) {
			list, err := c.Clientset.CoreV1().Pods(ns).List(ctx, metav1.ListOptions{LabelSelector: labelSelector})
			if err != nil {
				return nil, err
			}
			return list.Items, nil
		})
		return fnErr
	})
	c.updateHealth(err)
	return result, err
}

// GetDeployment fetches a single deployment.
func (c *Client) GetDeployment(ctx context.Context, ns, name string) (*appsv1.Deployment, error) {
	if err := c.waitRateLimit(ctx); err != nil {
		return nil, err
	}
	var result *appsv1.Deployment
	err := c.circuitBreaker.Execute(ctx, func() error {
		ctx, cancel := c.withTimeout(ctx)
		defer cancel()
		var fnErr error
		result, fnErr = doWithRetryValue(ctx, c.circuitBreaker.clusterID, defaultRetryAttempts, func() (*appsv1.Deployment, error) {
			return c.Clientset.AppsV1().Deployments(ns).Get(ctx, name, metav1.GetOptions{})
		})
		return fnErr
	})
	c.updateHealth(err)
	return result, err
}

// ListDeployments returns deployments in namespace.
func (c *Client) ListDeployments(ctx context.Context, ns string) ([]appsv1.Deployment, error) {
	if err := c.waitRateLimit(ctx); err != nil {
		return nil, err
	}
	var result []appsv1.Deployment
	err := c.circuitBreaker.Execute(ctx, func() error {
		ctx, cancel := c.withTimeout(ctx)
		defer cancel()
		var fnErr error
		result, fnErr = doWithRetryValue(ctx, c.circuitBreaker.clusterID, defaultRetryAttempts, func() ([]appsv1.Deployment, error) {
			list, err := c.Clientset.AppsV1().Deployments(ns).List(ctx, metav1.ListOptions{})
			if err != nil {
				return nil, err
			}
			return list.Items, nil
		})
		return fnErr
	})
	c.updateHealth(err)
	return result, err
}

// ListEvents returns events in namespace within the last window, used by
// the cluster-state collector to surface recent warnings (spec §4.2).
func (c *Client) ListEvents(ctx context.Context, ns string, since time.Time) ([]corev1.Event, error) {
	if err := c.waitRateLimit(ctx); err != nil {
		return nil, err
	}
	var result []corev1.Event
	err := c.circuitBreaker.Execute(ctx, func() error {
		ctx, cancel := c.withTimeout(ctx)
		defer cancel()
		var fnErr error
		result, fnErr = doWithRetryValue(ctx, c.circuitBreaker.clusterID, defaultRetryAttempts, func() ([]corev1.Event, error) {
			list, err := c.Clientset.CoreV1().Events(ns).List(ctx, metav1.ListOptions{})
			if err != nil {
				return nil, err
			}
			filtered := make([]corev1.Event, 0, len(list.Items))
			for _, e := range list.Items {
				if e.LastTimestamp.Time.After(since) {
					filtered = append(filtered, e)
				}
			}
			return filtered, nil
		})
		return fnErr
	})
	c.updateHealth(err)
	return result, err
}

// ListNodes returns all cluster nodes.
func (c *Client) ListNodes(ctx context.Context) ([]corev1.Node, error) {
	if err := c.waitRateLimit(ctx); err != nil {
		return nil, err
	}
	var result []corev1.Node
	err := c.circuitBreaker.Execute(ctx, func() error {
		ctx, cancel := c.withTimeout(ctx)
		defer cancel()
		var fnErr error
		result, fnErr = doWithRetryValue(ctx, c.circuitBreaker.clusterID, defaultRetryAttempts, func() ([]corev1.Node, error) {
			list, err := c.Clientset.CoreV1().Nodes().List(ctx, metav1.ListOptions{})
			if err != nil {
				return nil, err
			}
			return list.Items, nil
		})
		return fnErr
	})
	c.updateHealth(err)
	return result, err
}

// ListConfigMaps returns config maps in namespace, used by the change-history
// collector to flag recently-modified configuration (spec §4.2.4).
func (c *Client) ListConfigMaps(ctx context.Context, ns string) ([]corev1.ConfigMap, error) {
	if err := c.waitRateLimit(ctx); err != nil {
		return nil, err
	}
	var result []corev1.ConfigMap
	err := c.circuitBreaker.Execute(ctx, func() error {
		ctx, cancel := c.withTimeout(ctx)
		defer cancel()
		var fnErr error
		result, fnErr = doWithRetryValue(ctx, c.circuitBreaker.clusterID, defaultRetryAttempts, func() ([]corev1.ConfigMap, error) {
			list, err := c.Clientset.CoreV1().ConfigMaps(ns).List(ctx, metav1.ListOptions{})
			if err != nil {
				return nil, err
			}
			return list.Items, nil
		})
		return fnErr
	})
	c.updateHealth(err)
	return result, err
}

// GetHPA fetches the HorizontalPodAutoscaler for a deployment, if any.
func (c *Client) GetHPA(ctx context.Context, ns, name string) (*autoscalingv2.HorizontalPodAutoscaler, error) {
	if err := c.waitRateLimit(ctx); err != nil {
		return nil, err
	}
	var result *autoscalingv2.HorizontalPodAutoscaler
	err := c.circuitBreaker.Execute(ctx, func() error {
		ctx, cancel := c.withTimeout(ctx)
		defer cancel()
		var fnErr error
		result, fnErr = doWithRetryValue(ctx, c.circuitBreaker.clusterID, defaultRetryAttempts, func() (*autoscalingv2.HorizontalPodAutoscaler, error) {
			return c.Clientset.AutoscalingV2().HorizontalPodAutoscalers(ns).Get(ctx, name, metav1.GetOptions{})
		})
		return fnErr
	})
	c.updateHealth(err)
	if apierrors.IsNotFound(err) {
		return nil, nil
	}
	return result, err
}

// PodMetrics fetches current CPU/memory usage for pods in namespace via the
// metrics.k8s.io aggregated API server, used by the metrics collector
// (spec §4.2). Returns nil, nil if the metrics-server API is unavailable —
// metric evidence is best-effort, not required for the pipeline to proceed.
func (c *Client) PodMetrics(ctx context.Context, ns string) ([]MetricsPodUsage, error) {
	if c.metricsClient == nil {
		return nil, nil
	}
	if err := c.waitRateLimit(ctx); err != nil {
		return nil, err
	}

	var result []MetricsPodUsage
	err := c.circuitBreaker.Execute(ctx, func() error {
		ctx, cancel := c.withTimeout(ctx)
		defer cancel()
		var fnErr error
		result, fnErr = doWithRetryValue(ctx, c.circuitBreaker.clusterID, defaultRetryAttempts, func() ([]MetricsPodUsage, error) {
			list, err := c.metricsClient.PodMetricses(ns).List(ctx, metav1.ListOptions{})
			if err != nil {
				return nil, err
			}
			usage := make([]MetricsPodUsage, 0, len(list.Items))
			for _, item := range list.Items {
				u := MetricsPodUsage{Name: item.Name, Namespace: item.Namespace, Timestamp: item.Timestamp.Time}
				for _, container := range item.Containers {
					u.CPUMilli += container.Usage.Cpu().MilliValue()
					u.MemoryBytes += container.Usage.Memory().Value()
				}
				usage = append(usage, u)
			}
			return usage, nil
		})
		return fnErr
	})
	c.updateHealth(err)
	if apierrors.IsNotFound(err) {
		return nil, nil
	}
	return result, err
}

// MetricsPodUsage is the summarized CPU/memory usage for one pod.
type MetricsPodUsage struct {
	Name        string
	Namespace   string
	CPUMilli    int64
	MemoryBytes int64
	Timestamp   time.Time
}

// SetMetricsClient wires the metrics.k8s.io client used by PodMetrics.
// Left unset when the cluster has no metrics-server installed.
func (c *Client) SetMetricsClient(mc metricsv1beta1.MetricsV1beta1Interface) {
	c.metricsClient = mc
}

// DeletePod deletes a single pod, the restart_pod remediation action
// (spec §4.9). Kubernetes reschedules it via the owning ReplicaSet.
func (c *Client) DeletePod(ctx context.Context, ns, name string) error {
	if err := c.waitRateLimit(ctx); err != nil {
		return err
	}
	err := c.circuitBreaker.Execute(ctx, func() error {
		ctx, cancel := c.withTimeout(ctx)
		defer cancel()
		return doWithRetry(ctx, c.circuitBreaker.clusterID, defaultRetryAttempts, func() error {
			return c.Clientset.CoreV1().Pods(ns).Delete(ctx, name, metav1.DeleteOptions{})
		})
	})
	c.updateHealth(err)
	return err
}

// RestartDeployment performs a rolling restart by patching the pod template
// annotation, the restart_deployment remediation action (spec §4.9) —
// `kubectl rollout restart` does the same patch under the hood.
func (c *Client) RestartDeployment(ctx context.Context, ns, name string) error {
	if err := c.waitRateLimit(ctx); err != nil {
		return err
	}
	patch := fmt.Sprintf(
		`{"spec":{"template":{"metadata":{"annotations":{"aiops.kubilitics.io/restartedAt":%q}}}}}`,
		time.Now().UTC().Format(time.RFC3339),
	)
	err := c.circuitBreaker.Execute(ctx, func() error {
		ctx, cancel := c.withTimeout(ctx)
		defer cancel()
		return doWithRetry(ctx, c.circuitBreaker.clusterID, defaultRetryAttempts, func() error {
			_, err := c.Clientset.AppsV1().Deployments(ns).Patch(ctx, name, types.StrategicMergePatchType, []byte(patch), metav1.PatchOptions{})
			return err
		})
	})
	c.updateHealth(err)
	return err
}

// ReplaceDeploymentPodTemplate reads the current deployment, replaces its
// entire pod template with template and writes it back, the
// rollback_deployment remediation action's mechanism (spec §4.9): a prior
// ReplicaSet's full template is copied in wholesale rather than patching a
// single container image, since a revision can differ in more than the
// image (env, volumes, resources).
func (c *Client) ReplaceDeploymentPodTemplate(ctx context.Context, ns, name string, template corev1.PodTemplateSpec) error {
	if err := c.waitRateLimit(ctx); err != nil {
		return err
	}
	err := c.circuitBreaker.Execute(ctx, func() error {
		ctx, cancel := c.withTimeout(ctx)
		defer cancel()
		return doWithRetry(ctx, c.circuitBreaker.clusterID, defaultRetryAttempts, func() error {
			deploy, err := c.Clientset.AppsV1().Deployments(ns).Get(ctx, name, metav1.GetOptions{})
			if err != nil {
				return err
			}
			deploy.Spec.Template = template
			_, err = c.Clientset.AppsV1().Deployments(ns).Update(ctx, deploy, metav1.UpdateOptions{})
			return err
		})
	})
	c.updateHealth(err)
	return err
}

// ScaleDeployment sets deployment replica count, the scale_replicas
// remediation action (spec §4.9).
func (c *Client) ScaleDeployment(ctx context.Context, ns, name string, replicas int32) error {
	if err := c.waitRateLimit(ctx); err != nil {
		return err
	}
	patch := fmt.Sprintf(`{"spec":{"replicas":%d}}`, replicas)
	err := c.circuitBreaker.Execute(ctx, func() error {
		ctx, cancel := c.withTimeout(ctx)
		defer cancel()
		return doWithRetry(ctx, c.circuitBreaker.clusterID, defaultRetryAttempts, func() error {
			_, err := c.Clientset.AppsV1().Deployments(ns).Patch(ctx, name, types.StrategicMergePatchType, []byte(patch), metav1.PatchOptions{})
			return err
		})
	})
	c.updateHealth(err)
	return err
}

// CordonNode marks a node unschedulable, the cordon_node remediation action
// (spec §4.9). It never evicts existing pods.
func (c *Client) CordonNode(ctx context.Context, name string) error {
	if err := c.waitRateLimit(ctx); err != nil {
		return err
	}
	patch := `{"spec":{"unschedulable":true}}`
	err := c.circuitBreaker.Execute(ctx, func() error {
		ctx, cancel := c.withTimeout(ctx)
		defer cancel()
		return doWithRetry(ctx, c.circuitBreaker.clusterID, defaultRetryAttempts, func() error {
			_, err := c.Clientset.CoreV1().Nodes().Patch(ctx, name, types.StrategicMergePatchType, []byte(patch), metav1.PatchOptions{})
			return err
		})
	})
	c.updateHealth(err)
	return err
}

// ReplicaSetsForDeployment lists the ReplicaSets owned by a deployment, used
// by the change-history collector to reconstruct prior image revisions
// (spec §4.2).
func (c *Client) ReplicaSetsForDeployment(ctx context.Context, ns, deploymentName string) ([]appsv1.ReplicaSet, error) {
	if err := c.waitRateLimit(ctx); err != nil {
		return nil, err
	}
	var result []appsv1.ReplicaSet
	err := c.circuitBreaker.Execute(ctx, func() error {
		ctx, cancel := c.withTimeout(ctx)
		defer cancel()
		var fnErr error
		result, fnErr = doWithRetryValue(ctx, c.circuitBreaker.clusterID, defaultRetryAttempts, func() ([]appsv1.ReplicaSet, error) {
			list, err := c.Clientset.AppsV1().ReplicaSets(ns).List(ctx, metav1.ListOptions{})
			if err != nil {
				return nil, err
			}
			owned := make([]appsv1.ReplicaSet, 0, len(list.Items))
			for _, rs := range list.Items {
				for _, ref := range rs.OwnerReferences {
					if ref.Kind == "Deployment" && ref.Name == deploymentName {
						owned = append(owned, rs)
						break
					}
				}
			}
			return owned, nil
		})
		return fnErr
	})
	c.updateHealth(err)
	return result, err
}
