// Package collectors implements the four Evidence Collectors (spec §4.2):
// ClusterState, Logs, Metrics, ChangeHistory. Each is a
// single-method-per-instance Collector, fanned out concurrently by Run,
// following the teacher's guidance (spec §9) to replace the
// BaseCollector/template-method class hierarchy with one small capability
// interface and four implementations.
package collectors

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kubilitics/aiops-responder/internal/metrics"
	"github.com/kubilitics/aiops-responder/internal/models"
)

// Result is the shared envelope every collector returns. A non-empty
// Errors list marks Success=false but never aborts the run — partial
// evidence is still usable (spec §4.2, §7).
type Result struct {
	Evidence        []*models.Evidence
	Entities        []*models.GraphEntity
	Relations       []*models.GraphRelation
	Errors          []string
	DurationSeconds float64
	Success         bool
}

// Collector is the single capability every evidence source implements.
type Collector interface {
	Name() string
	Collect(ctx context.Context, incident *models.Incident, window models.TimeWindow) Result
}

// Run fans out every collector concurrently and aggregates their results.
// One collector's error never prevents the others from completing (spec
// §5: "fans out to all four collectors concurrently").
func Run(ctx context.Context, incident *models.Incident, window models.TimeWindow, cs ...Collector) []Result {
	results := make([]Result, len(cs))

	g, gctx := errgroup.WithContext(ctx)
	for i, c := range cs {
		i, c := i, c
		g.Go(func() error {
			results[i] = runOne(gctx, c, incident, window)
			return nil
		})
	}
	_ = g.Wait() // runOne never returns an error; each collector owns its own Errors list

	return results
}

func runOne(ctx context.Context, c Collector, incident *models.Incident, window models.TimeWindow) Result {
	start := time.Now()
	result := c.Collect(ctx, incident, window)
	result.DurationSeconds = time.Since(start).Seconds()

	status := "success"
	if !result.Success {
		status = "partial"
	}
	metrics.EvidenceCollectedTotal.WithLabelValues(c.Name(), status).Add(float64(len(result.Evidence)))
	metrics.EvidenceCollectionDuration.WithLabelValues(c.Name()).Observe(result.DurationSeconds)

	return result
}

// WindowFor builds the bounded collection window [incident.StartedAt - W, now]
// (spec §4.2), W defaulting to 15 minutes.
func WindowFor(incident *models.Incident, w time.Duration) models.TimeWindow {
	if w <= 0 {
		w = 15 * time.Minute
	}
	return models.TimeWindow{
		Start: incident.StartedAt.Add(-w),
		End:   time.Now().UTC(),
	}
}
