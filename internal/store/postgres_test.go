package store

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/kubilitics/aiops-responder/internal/apperr"
	"github.com/kubilitics/aiops-responder/internal/models"
)

func newMockStore(t *testing.T) (*postgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	sqlxDB := sqlx.NewDb(db, "sqlmock")
	return &postgresStore{db: sqlxDB}, mock
}

func TestIdempotencyKey(t *testing.T) {
	at := time.Date(2026, 7, 31, 14, 0, 0, 0, time.UTC)
	key := IdempotencyKey("inc-1", models.ActionRestartPod, "default/api-7f9", at)
	require.Equal(t, "inc-1_restart_pod_default/api-7f9_2026073114", key)
}

func TestCreateIncident(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()

	now := time.Now()
	inc := &models.Incident{
		ID:          "inc-1",
		Fingerprint: "fp-1",
		Title:       "CrashLoopBackOff in api-server",
		Severity:    models.SeverityCritical,
		Status:      models.IncidentStatusOpen,
		Labels:      map[string]string{"app": "api-server"},
		Annotations: map[string]string{},
		StartedAt:   now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	mock.ExpectExec("INSERT INTO incidents").WillReturnResult(sqlmock.NewResult(1, 1))

	err := s.CreateIncident(ctx, inc)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetIncident_NotFound(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()

	cols := []string{"id", "fingerprint", "title", "severity", "status", "source", "cluster", "namespace", "service", "labels", "annotations", "started_at", "created_at", "updated_at"}
	mock.ExpectQuery("SELECT \\* FROM incidents WHERE id").
		WillReturnRows(sqlmock.NewRows(cols))

	_, err := s.GetIncident(ctx, "missing")
	require.Error(t, err)
}

func TestUpdateIncidentStatus_NoRowsAffected(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectExec("UPDATE incidents SET status").WillReturnResult(sqlmock.NewResult(0, 0))

	err := s.UpdateIncidentStatus(ctx, "missing", models.IncidentStatusClosed)
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertGraphEntities(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO graph_entities").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	entities := []*models.GraphEntity{
		{ID: "pod:default/api-7f9", Label: "Pod", Properties: map[string]interface{}{"phase": "CrashLoopBackOff"}},
	}

	n, err := s.UpsertGraphEntities(ctx, entities)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertGraphRelations_SkipsMissingEndpoint(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT EXISTS").WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectQuery("SELECT EXISTS").WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectCommit()

	relations := []*models.GraphRelation{
		{SourceID: "pod:default/missing", TargetID: "node:worker-1", Type: models.RelationScheduledOn},
	}

	upserted, skipped, err := s.UpsertGraphRelations(ctx, relations)
	require.NoError(t, err)
	require.Equal(t, 0, upserted)
	require.Equal(t, 1, skipped)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateRemediationAction_DuplicateKey(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectExec("INSERT INTO remediation_actions").
		WillReturnError(&pgconn.PgError{Code: "23505", Message: "duplicate key value violates unique constraint"})

	action := &models.RemediationAction{
		ID:             "act-1",
		IncidentID:     "inc-1",
		IdempotencyKey: "inc-1_restart_pod_default/api-7f9_2026073114",
		ActionType:     models.ActionRestartPod,
		Status:         models.RemediationProposed,
		CreatedAt:      time.Now(),
		UpdatedAt:      time.Now(),
	}

	err := s.CreateRemediationAction(ctx, action)
	require.Error(t, err)
	require.Equal(t, apperr.KindPermanent, apperr.KindOf(err))
}
