package collectors

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	promapi "github.com/prometheus/client_golang/api"
	promv1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"

	"github.com/google/uuid"

	"github.com/kubilitics/aiops-responder/internal/models"
)

// MetricsAPI is the subset of the Prometheus HTTP API the collector needs,
// satisfied by promv1.API (see NewMetricsAPI).
type MetricsAPI interface {
	QueryRange(ctx context.Context, query string, r promv1.Range) (model.Value, promv1.Warnings, error)
}

// NewMetricsAPI builds a MetricsAPI client against baseURL using
// prometheus/client_golang/api (spec's "Metrics store client").
func NewMetricsAPI(baseURL string) (MetricsAPI, error) {
	client, err := promapi.NewClient(promapi.Config{Address: baseURL})
	if err != nil {
		return nil, fmt.Errorf("metrics: build prometheus client: %w", err)
	}
	return promv1.NewAPI(client), nil
}

type queryTemplate struct {
	name      string
	query     string
	threshold string // memory | latency | hpa | restart | error_rate | cpu_throttle | oom
}

// queryCatalog is organized by collector category (spec §4.2.3). Queries
// use {{namespace}}/{{pod_prefix}}/{{deployment}} substitution tokens.
var queryCatalog = map[string][]queryTemplate{
	"deployment": {
		{"deployment_ready_replicas", `kube_deployment_status_replicas_ready{namespace="{{namespace}}", deployment="{{deployment}}"}`, "restart"},
	},
	"resource": {
		{"memory_utilization", `container_memory_usage_bytes{namespace="{{namespace}}", pod=~"{{pod_prefix}}.*"} / container_spec_memory_limit_bytes{namespace="{{namespace}}", pod=~"{{pod_prefix}}.*"}`, "memory"},
		{"cpu_throttling", `rate(container_cpu_cfs_throttled_periods_total{namespace="{{namespace}}", pod=~"{{pod_prefix}}.*"}[5m])`, "cpu_throttle"},
	},
	"crashloop": {
		{"restart_rate", `increase(kube_pod_container_status_restarts_total{namespace="{{namespace}}", pod=~"{{pod_prefix}}.*"}[5m])`, "restart"},
	},
	"oom": {
		{"oom_kill_count", `kube_pod_container_status_last_terminated_reason{namespace="{{namespace}}", pod=~"{{pod_prefix}}.*", reason="OOMKilled"}`, "oom"},
	},
	"error_rate": {
		{"http_error_rate", `sum(rate(http_requests_total{namespace="{{namespace}}", status=~"5.."}[5m])) / sum(rate(http_requests_total{namespace="{{namespace}}"}[5m]))`, "error_rate"},
	},
	"latency": {
		{"latency_p99", `histogram_quantile(0.99, sum(rate(http_request_duration_seconds_bucket{namespace="{{namespace}}"}[5m])) by (le))`, "latency"},
	},
	"node": {
		{"node_memory_pressure", `kube_node_status_condition{condition="MemoryPressure", status="true"}`, "restart"},
	},
	"hpa": {
		{"hpa_at_max", `kube_horizontalpodautoscaler_status_current_replicas{namespace="{{namespace}}", horizontalpodautoscaler="{{deployment}}"} >= kube_horizontalpodautoscaler_spec_max_replicas{namespace="{{namespace}}", horizontalpodautoscaler="{{deployment}}"}`, "hpa"},
	},
}

// categoriesFor determines which optional categories apply from alert
// title/label keywords, in addition to the always-run deployment/resource
// categories (spec §4.2.3).
func categoriesFor(incident *models.Incident) []string {
	categories := []string{"deployment", "resource"}
	title := strings.ToLower(incident.Title)
	alertname := strings.ToLower(incident.Labels["alertname"])
	haystack := title + " " + alertname

	add := func(cat string, keywords ...string) {
		for _, kw := range keywords {
			if strings.Contains(haystack, kw) {
				categories = append(categories, cat)
				return
			}
		}
	}
	add("crashloop", "crash", "restart")
	add("oom", "oom", "memory")
	add("error_rate", "error", "5xx")
	add("latency", "latency", "slow", "timeout")
	add("node", "node")
	add("hpa", "hpa", "scal")

	return categories
}

// MetricsCollector executes the query catalog as range queries over the
// collection window (spec §4.2.3).
type MetricsCollector struct {
	API             MetricsAPI
	MaxMetricPoints int
}

func (c *MetricsCollector) Name() string { return "metrics" }

func (c *MetricsCollector) Collect(ctx context.Context, incident *models.Incident, window models.TimeWindow) Result {
	var result Result

	maxPoints := c.MaxMetricPoints
	if maxPoints <= 0 {
		maxPoints = 500
	}

	duration := window.End.Sub(window.Start)
	step := time.Duration(math.Max(float64(15*time.Second), float64(duration)/100))

	podPrefix := incident.Service
	if podPrefix == "" {
		podPrefix = ".*"
	}

	r := promv1.Range{Start: window.Start, End: window.End, Step: step}

	for _, category := range categoriesFor(incident) {
		for _, tmpl := range queryCatalog[category] {
			query := substitute(tmpl.query, incident.Namespace, podPrefix, incident.Service)

			value, _, err := c.API.QueryRange(ctx, query, r)
			if err != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("query %s: %v", tmpl.name, err))
				continue
			}

			points := extractPoints(value)
			points = decimate(points, maxPoints)

			evidence := metricEvidence(incident, tmpl, points, window)
			if evidence != nil {
				result.Evidence = append(result.Evidence, evidence)
			}
		}
	}

	result.Success = len(result.Errors) == 0
	return result
}

func substitute(query, namespace, podPrefix, deployment string) string {
	r := strings.NewReplacer(
		"{{namespace}}", namespace,
		"{{pod_prefix}}", podPrefix,
		"{{deployment}}", deployment,
	)
	return r.Replace(query)
}

// extractPoints flattens a matrix result into a single numeric series,
// discarding ±inf values (spec §8 boundary behavior).
func extractPoints(value model.Value) []float64 {
	matrix, ok := value.(model.Matrix)
	if !ok {
		return nil
	}
	var points []float64
	for _, series := range matrix {
		for _, sample := range series.Values {
			f := float64(sample.Value)
			if math.IsInf(f, 0) {
				continue
			}
			points = append(points, f)
		}
	}
	return points
}

// decimate stride-decimates points down to at most maxPoints (spec §4.2.3,
// §8: "length > maxMetricPoints: strided").
func decimate(points []float64, maxPoints int) []float64 {
	if len(points) <= maxPoints {
		return points
	}
	stride := len(points) / maxPoints
	if stride < 1 {
		stride = 1
	}
	var out []float64
	for i := 0; i < len(points); i += stride {
		out = append(out, points[i])
	}
	return out
}

func latest(points []float64) float64 {
	if len(points) == 0 {
		return 0
	}
	return points[len(points)-1]
}

// metricEvidence scores the latest value against the threshold table for
// tmpl.threshold (spec §4.2.3) and shapes Data so internal/rules.signals
// can read it via the "query_name"/"high"/"at_max" convention.
func metricEvidence(incident *models.Incident, tmpl queryTemplate, points []float64, window models.TimeWindow) *models.Evidence {
	if len(points) == 0 {
		return nil
	}
	value := latest(points)

	strength := 0.3
	high := false
	atMax := false

	switch tmpl.threshold {
	case "restart":
		switch {
		case value > 5:
			strength = 0.9
		case value > 2:
			strength = 0.7
		case value > 0:
			strength = 0.5
		}
	case "error_rate":
		switch {
		case value > 0.10:
			strength = 0.9
		case value > 0.05:
			strength = 0.8
		case value > 0.01:
			strength = 0.6
		}
		high = strength >= 0.6
	case "memory":
		pct := value * 100
		switch {
		case pct > 90:
			strength = 0.9
		case pct > 80:
			strength = 0.7
		case pct > 70:
			strength = 0.5
		}
		high = strength >= 0.7
	case "latency":
		switch {
		case value > 5:
			strength = 0.9
		case value > 2:
			strength = 0.7
		case value > 1:
			strength = 0.5
		}
		high = strength >= 0.7
	case "cpu_throttle":
		switch {
		case value > 0.5:
			strength = 0.8
		case value > 0.1:
			strength = 0.6
		}
	case "oom":
		if value > 0 {
			strength = 0.95
		}
	case "hpa":
		if value >= 1 && strings.Contains(tmpl.name, "max") {
			strength = 0.8
			atMax = true
		}
	}

	return &models.Evidence{
		ID:           uuid.New().String(),
		IncidentID:   incident.ID,
		EvidenceType: models.EvidenceTypeMetric,
		Source:       "metrics",
		EntityName:   incident.Service,
		EntityNS:     incident.Namespace,
		Data: map[string]interface{}{
			"query_name": tmpl.name,
			"value":      value,
			"high":       high,
			"at_max":     atMax,
			"points":     len(points),
		},
		SignalStrength: strength,
		TimeWindow:     window,
		CollectedAt:    time.Now().UTC(),
	}
}
