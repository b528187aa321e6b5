// Package graph is the Graph Assembler: it normalizes collector output into
// GraphEntity/GraphRelation upserts and exposes the bounded subgraph query
// used by incident detail views (spec §4.3).
//
// The underlying MERGE semantics (idempotent upsert keyed by composite id,
// relations skipped when an endpoint is missing) live in internal/store's
// Postgres implementation; this package is the thin orchestration layer
// collectors and the orchestrator call into.
package graph

import (
	"context"
	"fmt"

	"github.com/kubilitics/aiops-responder/internal/metrics"
	"github.com/kubilitics/aiops-responder/internal/models"
	"github.com/kubilitics/aiops-responder/internal/store"
)

// Assembler merges collector-produced entities/relations into the shared
// evidence graph and answers subgraph queries for a single incident.
type Assembler interface {
	Merge(ctx context.Context, entities []*models.GraphEntity, relations []*models.GraphRelation) error
	Subgraph(ctx context.Context, incidentID string, depth int) ([]*models.GraphEntity, []*models.GraphRelation, error)
}

type assembler struct {
	st store.Store
}

// New creates an Assembler over st.
func New(st store.Store) Assembler {
	return &assembler{st: st}
}

// Merge upserts entities before relations so every relation's endpoints
// exist by the time it is written; relations whose endpoint is still
// missing (e.g. a collector error dropped that entity) are counted as
// skipped, never an error (spec §4.3 edge case).
func (a *assembler) Merge(ctx context.Context, entities []*models.GraphEntity, relations []*models.GraphRelation) error {
	if len(entities) > 0 {
		n, err := a.st.UpsertGraphEntities(ctx, entities)
		if err != nil {
			return fmt.Errorf("graph: upsert entities: %w", err)
		}
		metrics.GraphEntitiesUpsertedTotal.Add(float64(n))
	}

	if len(relations) > 0 {
		_, skipped, err := a.st.UpsertGraphRelations(ctx, relations)
		if err != nil {
			return fmt.Errorf("graph: upsert relations: %w", err)
		}
		if skipped > 0 {
			metrics.GraphRelationsSkippedTotal.Add(float64(skipped))
		}
	}

	return nil
}

// Subgraph returns every entity and relation reachable from incidentID's
// node within depth hops (spec §4.3's bounded BFS).
func (a *assembler) Subgraph(ctx context.Context, incidentID string, depth int) ([]*models.GraphEntity, []*models.GraphRelation, error) {
	entities, relations, err := a.st.Subgraph(ctx, incidentID, depth)
	if err != nil {
		return nil, nil, fmt.Errorf("graph: subgraph: %w", err)
	}
	return entities, relations, nil
}
