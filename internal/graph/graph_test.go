package graph

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kubilitics/aiops-responder/internal/models"
	"github.com/kubilitics/aiops-responder/internal/store"
)

type fakeGraphStore struct {
	store.Store
	entitiesUpserted  []*models.GraphEntity
	relationsUpserted []*models.GraphRelation
	skipped           int
	upsertErr         error
	subgraphEntities  []*models.GraphEntity
	subgraphRelations []*models.GraphRelation
}

func (f *fakeGraphStore) UpsertGraphEntities(ctx context.Context, entities []*models.GraphEntity) (int, error) {
	if f.upsertErr != nil {
		return 0, f.upsertErr
	}
	f.entitiesUpserted = append(f.entitiesUpserted, entities...)
	return len(entities), nil
}

func (f *fakeGraphStore) UpsertGraphRelations(ctx context.Context, relations []*models.GraphRelation) (int, int, error) {
	f.relationsUpserted = append(f.relationsUpserted, relations...)
	return len(relations) - f.skipped, f.skipped, nil
}

func (f *fakeGraphStore) Subgraph(ctx context.Context, incidentID string, depth int) ([]*models.GraphEntity, []*models.GraphRelation, error) {
	return f.subgraphEntities, f.subgraphRelations, nil
}

func TestMerge_UpsertsEntitiesAndRelations(t *testing.T) {
	fs := &fakeGraphStore{}
	a := New(fs)

	entities := []*models.GraphEntity{{ID: "pod:default:api-1", Label: "Pod"}}
	relations := []*models.GraphRelation{{SourceID: "incident:1", TargetID: "pod:default:api-1", Type: models.RelationAffects}}

	err := a.Merge(context.Background(), entities, relations)
	require.NoError(t, err)
	require.Len(t, fs.entitiesUpserted, 1)
	require.Len(t, fs.relationsUpserted, 1)
}

func TestMerge_SkippedRelationsDoNotError(t *testing.T) {
	fs := &fakeGraphStore{skipped: 1}
	a := New(fs)

	relations := []*models.GraphRelation{{SourceID: "missing", TargetID: "also-missing", Type: "AFFECTS"}}
	err := a.Merge(context.Background(), nil, relations)
	require.NoError(t, err)
}

func TestMerge_PropagatesEntityUpsertError(t *testing.T) {
	fs := &fakeGraphStore{upsertErr: errors.New("db down")}
	a := New(fs)

	err := a.Merge(context.Background(), []*models.GraphEntity{{ID: "x"}}, nil)
	require.Error(t, err)
}

func TestSubgraph_ReturnsStoreResult(t *testing.T) {
	entity := &models.GraphEntity{ID: "incident:1", Label: "Incident"}
	fs := &fakeGraphStore{subgraphEntities: []*models.GraphEntity{entity}}
	a := New(fs)

	entities, _, err := a.Subgraph(context.Background(), "1", 2)
	require.NoError(t, err)
	require.Equal(t, []*models.GraphEntity{entity}, entities)
}
