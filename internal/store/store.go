// Package store is the relational persistence layer: incidents, evidence
// and runbooks as documented in spec §6, plus the evidence graph
// implemented as relational tables (graph_entities, graph_relations) over
// the same Postgres pool — no graph database driver exists anywhere in
// the example corpus, so the Graph Assembler's MERGE semantics are
// expressed as SQL upserts instead (see DESIGN.md).
package store

import (
	"context"
	"time"

	"github.com/kubilitics/aiops-responder/internal/models"
)

// IncidentFilter narrows ListIncidents results.
type IncidentFilter struct {
	Status    string
	Severity  string
	Namespace string
	Limit     int
	Offset    int
}

// Store is the persistence boundary consumed by every pipeline stage.
type Store interface {
	CreateIncident(ctx context.Context, incident *models.Incident) error
	GetIncident(ctx context.Context, id string) (*models.Incident, error)
	GetIncidentByFingerprint(ctx context.Context, fingerprint string) (*models.Incident, error)
	ListIncidents(ctx context.Context, filter IncidentFilter) ([]*models.Incident, error)
	UpdateIncidentStatus(ctx context.Context, id string, status models.IncidentStatus) error

	InsertEvidence(ctx context.Context, evidence []*models.Evidence) error
	ListEvidenceByIncident(ctx context.Context, incidentID string) ([]*models.Evidence, error)

	UpsertGraphEntities(ctx context.Context, entities []*models.GraphEntity) (upserted int, err error)
	UpsertGraphRelations(ctx context.Context, relations []*models.GraphRelation) (upserted, skipped int, err error)
	Subgraph(ctx context.Context, incidentID string, depth int) ([]*models.GraphEntity, []*models.GraphRelation, error)

	SaveRunbook(ctx context.Context, runbook *models.Runbook) error

	CreateRemediationAction(ctx context.Context, action *models.RemediationAction) error
	GetRemediationActionByIdempotencyKey(ctx context.Context, key string) (*models.RemediationAction, error)
	UpdateRemediationActionStatus(ctx context.Context, id string, status models.RemediationStatus) error
	SaveVerificationResult(ctx context.Context, result *models.VerificationResult) error

	Ping(ctx context.Context) error
	Close() error
}

// idempotencyHourBucket formats t into the "YYYYMMDDHH" bucket used by
// idempotency keys (spec GLOSSARY).
func idempotencyHourBucket(t time.Time) string {
	return t.UTC().Format("2006010215")
}

// IdempotencyKey builds "<incidentId>_<actionType>_<target>_<YYYYMMDDHH>".
func IdempotencyKey(incidentID string, actionType models.RemediationActionType, target string, at time.Time) string {
	return incidentID + "_" + string(actionType) + "_" + target + "_" + idempotencyHourBucket(at)
}
