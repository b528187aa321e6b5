package collectors

import (
	"context"
	"math"
	"testing"
	"time"

	promv1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"

	"github.com/stretchr/testify/require"

	"github.com/kubilitics/aiops-responder/internal/models"
)

type fakeMetricsAPI struct {
	value model.Value
	err   error
}

func (f *fakeMetricsAPI) QueryRange(ctx context.Context, query string, r promv1.Range) (model.Value, promv1.Warnings, error) {
	return f.value, nil, f.err
}

func matrixOf(values ...float64) model.Matrix {
	samples := make([]model.SamplePair, len(values))
	for i, v := range values {
		samples[i] = model.SamplePair{Timestamp: model.Time(i), Value: model.SampleValue(v)}
	}
	return model.Matrix{&model.SampleStream{Values: samples}}
}

func TestMetricsCollector_HighErrorRateYields09(t *testing.T) {
	api := &fakeMetricsAPI{value: matrixOf(0.2)}
	c := &MetricsCollector{API: api}
	incident := &models.Incident{ID: "inc-1", Namespace: "default", Service: "api", Title: "high error rate"}
	window := models.TimeWindow{Start: time.Now().Add(-15 * time.Minute), End: time.Now()}

	result := c.Collect(context.Background(), incident, window)
	require.True(t, result.Success)

	var found bool
	for _, ev := range result.Evidence {
		if ev.Data["query_name"] == "http_error_rate" {
			found = true
			require.Equal(t, 0.9, ev.SignalStrength)
			require.Equal(t, true, ev.Data["high"])
		}
	}
	require.True(t, found)
}

func TestMetricsCollector_InfValuesDiscarded(t *testing.T) {
	points := extractPoints(matrixOf(1.0, math.Inf(1), 2.0, math.Inf(-1), 3.0))
	require.Equal(t, []float64{1.0, 2.0, 3.0}, points)
}

func TestDecimate_LengthEqualToMaxIsUnchanged(t *testing.T) {
	points := make([]float64, 500)
	for i := range points {
		points[i] = float64(i)
	}
	out := decimate(points, 500)
	require.Len(t, out, 500)
}

func TestDecimate_LengthGreaterThanMaxIsStrided(t *testing.T) {
	points := make([]float64, 1000)
	for i := range points {
		points[i] = float64(i)
	}
	out := decimate(points, 500)
	require.LessOrEqual(t, len(out), 500)
	require.Equal(t, 0.0, out[0])
}

func TestMetricsCollector_QueryErrorRecordedNotFatal(t *testing.T) {
	api := &fakeMetricsAPI{err: context.DeadlineExceeded}
	c := &MetricsCollector{API: api}
	incident := &models.Incident{ID: "inc-1", Namespace: "default", Service: "api"}
	window := models.TimeWindow{Start: time.Now().Add(-15 * time.Minute), End: time.Now()}

	result := c.Collect(context.Background(), incident, window)
	require.False(t, result.Success)
	require.NotEmpty(t, result.Errors)
	require.Empty(t, result.Evidence)
}

func TestCategoriesFor_HPAKeywordAddsHPACategory(t *testing.T) {
	incident := &models.Incident{Title: "HPA scaling maxed out"}
	cats := categoriesFor(incident)
	require.Contains(t, cats, "hpa")
	require.Contains(t, cats, "deployment")
	require.Contains(t, cats, "resource")
}

func TestMetricsCollector_HPAAtMaxSetsAtMaxFlag(t *testing.T) {
	api := &fakeMetricsAPI{value: matrixOf(1.0)}
	c := &MetricsCollector{API: api}
	incident := &models.Incident{ID: "inc-1", Namespace: "default", Service: "api", Title: "hpa at max replicas"}
	window := models.TimeWindow{Start: time.Now().Add(-15 * time.Minute), End: time.Now()}

	result := c.Collect(context.Background(), incident, window)
	var found bool
	for _, ev := range result.Evidence {
		if ev.Data["query_name"] == "hpa_at_max" {
			found = true
			require.Equal(t, true, ev.Data["at_max"])
			require.Equal(t, 0.8, ev.SignalStrength)
		}
	}
	require.True(t, found)
}
