package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"

	"github.com/kubilitics/aiops-responder/internal/apperr"
	"github.com/kubilitics/aiops-responder/internal/models"
)

// postgresStore implements Store over a Postgres connection pool, using
// sqlx for struct-mapped scans and pgx's stdlib adapter as the underlying
// driver.
type postgresStore struct {
	db *sqlx.DB
}

// NewPostgres opens a connection pool to dsn and returns a Store.
func NewPostgres(dsn string) (Store, error) {
	db, err := sqlx.Open("pgx", dsn)
	if err != nil {
		return nil, apperr.Permanent("store.open", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	return &postgresStore{db: db}, nil
}

type incidentRow struct {
	ID          string    `db:"id"`
	Fingerprint string    `db:"fingerprint"`
	Title       string    `db:"title"`
	Severity    string    `db:"severity"`
	Status      string    `db:"status"`
	Source      string    `db:"source"`
	Cluster     string    `db:"cluster"`
	Namespace   string    `db:"namespace"`
	Service     string    `db:"service"`
	Labels      []byte    `db:"labels"`
	Annotations []byte    `db:"annotations"`
	StartedAt   time.Time `db:"started_at"`
	CreatedAt   time.Time `db:"created_at"`
	UpdatedAt   time.Time `db:"updated_at"`
}

func (r *incidentRow) toModel() (*models.Incident, error) {
	inc := &models.Incident{
		ID:          r.ID,
		Fingerprint: r.Fingerprint,
		Title:       r.Title,
		Severity:    models.IncidentSeverity(r.Severity),
		Status:      models.IncidentStatus(r.Status),
		Source:      r.Source,
		Cluster:     r.Cluster,
		Namespace:   r.Namespace,
		Service:     r.Service,
		StartedAt:   r.StartedAt,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
	if len(r.Labels) > 0 {
		if err := json.Unmarshal(r.Labels, &inc.Labels); err != nil {
			return nil, err
		}
	}
	if len(r.Annotations) > 0 {
		if err := json.Unmarshal(r.Annotations, &inc.Annotations); err != nil {
			return nil, err
		}
	}
	return inc, nil
}

func (s *postgresStore) CreateIncident(ctx context.Context, incident *models.Incident) error {
	labels, err := json.Marshal(incident.Labels)
	if err != nil {
		return apperr.Programmer("store.create_incident.marshal_labels", err)
	}
	annotations, err := json.Marshal(incident.Annotations)
	if err != nil {
		return apperr.Programmer("store.create_incident.marshal_annotations", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO incidents (id, fingerprint, title, severity, status, source, cluster, namespace, service, labels, annotations, started_at, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		incident.ID, incident.Fingerprint, incident.Title, string(incident.Severity), string(incident.Status),
		incident.Source, incident.Cluster, incident.Namespace, incident.Service, labels, annotations,
		incident.StartedAt, incident.CreatedAt, incident.UpdatedAt,
	)
	if err != nil {
		return apperr.Transient("store.create_incident", err)
	}
	return nil
}

func (s *postgresStore) GetIncident(ctx context.Context, id string) (*models.Incident, error) {
	var row incidentRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM incidents WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.Permanent("store.get_incident", fmt.Errorf("incident %s not found", id))
		}
		return nil, apperr.Transient("store.get_incident", err)
	}
	return row.toModel()
}

func (s *postgresStore) GetIncidentByFingerprint(ctx context.Context, fingerprint string) (*models.Incident, error) {
	var row incidentRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM incidents WHERE fingerprint = $1 ORDER BY created_at DESC LIMIT 1`, fingerprint)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, apperr.Transient("store.get_incident_by_fingerprint", err)
	}
	return row.toModel()
}

func (s *postgresStore) ListIncidents(ctx context.Context, filter IncidentFilter) ([]*models.Incident, error) {
	query := `SELECT * FROM incidents WHERE 1=1`
	args := []interface{}{}
	argN := 1

	if filter.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argN)
		args = append(args, filter.Status)
		argN++
	}
	if filter.Severity != "" {
		query += fmt.Sprintf(" AND severity = $%d", argN)
		args = append(args, filter.Severity)
		argN++
	}
	if filter.Namespace != "" {
		query += fmt.Sprintf(" AND namespace = $%d", argN)
		args = append(args, filter.Namespace)
		argN++
	}

	query += " ORDER BY created_at DESC"

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	query += fmt.Sprintf(" LIMIT $%d OFFSET $%d", argN, argN+1)
	args = append(args, limit, filter.Offset)

	var rows []incidentRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, apperr.Transient("store.list_incidents", err)
	}

	out := make([]*models.Incident, 0, len(rows))
	for i := range rows {
		inc, err := rows[i].toModel()
		if err != nil {
			return nil, apperr.Permanent("store.list_incidents.unmarshal", err)
		}
		out = append(out, inc)
	}
	return out, nil
}

func (s *postgresStore) UpdateIncidentStatus(ctx context.Context, id string, status models.IncidentStatus) error {
	res, err := s.db.ExecContext(ctx, `UPDATE incidents SET status = $1, updated_at = now() WHERE id = $2`, string(status), id)
	if err != nil {
		return apperr.Transient("store.update_incident_status", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return apperr.Permanent("store.update_incident_status", fmt.Errorf("incident %s not found", id))
	}
	return nil
}

func (s *postgresStore) InsertEvidence(ctx context.Context, evidence []*models.Evidence) error {
	if len(evidence) == 0 {
		return nil
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return apperr.Transient("store.insert_evidence.begin", err)
	}
	defer tx.Rollback()

	for _, e := range evidence {
		data, err := json.Marshal(e.Data)
		if err != nil {
			return apperr.Programmer("store.insert_evidence.marshal", err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO evidence (id, incident_id, evidence_type, source, entity_name, entity_ns, data, signal_strength, window_start, window_end, collected_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
			e.ID, e.IncidentID, string(e.EvidenceType), e.Source, e.EntityName, e.EntityNS, data,
			e.SignalStrength, e.TimeWindow.Start, e.TimeWindow.End, e.CollectedAt,
		)
		if err != nil {
			return apperr.Transient("store.insert_evidence", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return apperr.Transient("store.insert_evidence.commit", err)
	}
	return nil
}

type evidenceRow struct {
	ID             string    `db:"id"`
	IncidentID     string    `db:"incident_id"`
	EvidenceType   string    `db:"evidence_type"`
	Source         string    `db:"source"`
	EntityName     string    `db:"entity_name"`
	EntityNS       string    `db:"entity_ns"`
	Data           []byte    `db:"data"`
	SignalStrength float64   `db:"signal_strength"`
	WindowStart    time.Time `db:"window_start"`
	WindowEnd      time.Time `db:"window_end"`
	CollectedAt    time.Time `db:"collected_at"`
}

func (s *postgresStore) ListEvidenceByIncident(ctx context.Context, incidentID string) ([]*models.Evidence, error) {
	var rows []evidenceRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT * FROM evidence WHERE incident_id = $1 ORDER BY collected_at ASC`, incidentID); err != nil {
		return nil, apperr.Transient("store.list_evidence", err)
	}

	out := make([]*models.Evidence, 0, len(rows))
	for _, r := range rows {
		var data map[string]interface{}
		if len(r.Data) > 0 {
			if err := json.Unmarshal(r.Data, &data); err != nil {
				return nil, apperr.Permanent("store.list_evidence.unmarshal", err)
			}
		}
		out = append(out, &models.Evidence{
			ID:             r.ID,
			IncidentID:     r.IncidentID,
			EvidenceType:   models.EvidenceType(r.EvidenceType),
			Source:         r.Source,
			EntityName:     r.EntityName,
			EntityNS:       r.EntityNS,
			Data:           data,
			SignalStrength: r.SignalStrength,
			TimeWindow:     models.TimeWindow{Start: r.WindowStart, End: r.WindowEnd},
			CollectedAt:    r.CollectedAt,
		})
	}
	return out, nil
}

// UpsertGraphEntities implements the Graph Assembler's MERGE-on-(label,id)
// semantics (spec §4.3) as a Postgres upsert.
func (s *postgresStore) UpsertGraphEntities(ctx context.Context, entities []*models.GraphEntity) (int, error) {
	if len(entities) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, apperr.Transient("store.upsert_entities.begin", err)
	}
	defer tx.Rollback()

	count := 0
	for _, e := range entities {
		props, err := json.Marshal(e.Properties)
		if err != nil {
			return count, apperr.Programmer("store.upsert_entities.marshal", err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO graph_entities (id, label, properties, updated_at)
			VALUES ($1,$2,$3, now())
			ON CONFLICT (id) DO UPDATE SET label = EXCLUDED.label, properties = graph_entities.properties || EXCLUDED.properties, updated_at = now()`,
			e.ID, e.Label, props,
		)
		if err != nil {
			return count, apperr.Transient("store.upsert_entities", err)
		}
		count++
	}
	if err := tx.Commit(); err != nil {
		return count, apperr.Transient("store.upsert_entities.commit", err)
	}
	return count, nil
}

// UpsertGraphRelations upserts relations keyed on (source,type,target);
// endpoints that don't exist yet are skipped, not errored (spec §4.3).
func (s *postgresStore) UpsertGraphRelations(ctx context.Context, relations []*models.GraphRelation) (int, int, error) {
	if len(relations) == 0 {
		return 0, 0, nil
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, 0, apperr.Transient("store.upsert_relations.begin", err)
	}
	defer tx.Rollback()

	upserted, skipped := 0, 0
	for _, r := range relations {
		var sourceExists, targetExists bool
		if err := tx.GetContext(ctx, &sourceExists, `SELECT EXISTS(SELECT 1 FROM graph_entities WHERE id = $1)`, r.SourceID); err != nil {
			return upserted, skipped, apperr.Transient("store.upsert_relations.check_source", err)
		}
		if err := tx.GetContext(ctx, &targetExists, `SELECT EXISTS(SELECT 1 FROM graph_entities WHERE id = $1)`, r.TargetID); err != nil {
			return upserted, skipped, apperr.Transient("store.upsert_relations.check_target", err)
		}
		if !sourceExists || !targetExists {
			skipped++
			continue
		}

		props, err := json.Marshal(r.Properties)
		if err != nil {
			return upserted, skipped, apperr.Programmer("store.upsert_relations.marshal", err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO graph_relations (source_id, target_id, type, properties, updated_at)
			VALUES ($1,$2,$3,$4, now())
			ON CONFLICT (source_id, type, target_id) DO UPDATE SET properties = EXCLUDED.properties, updated_at = now()`,
			r.SourceID, r.TargetID, r.Type, props,
		)
		if err != nil {
			return upserted, skipped, apperr.Transient("store.upsert_relations", err)
		}
		upserted++
	}
	if err := tx.Commit(); err != nil {
		return upserted, skipped, apperr.Transient("store.upsert_relations.commit", err)
	}
	return upserted, skipped, nil
}

// Subgraph walks relations breadth-first from the incident node up to
// depth hops, the relational equivalent of a Cypher subgraph expansion.
func (s *postgresStore) Subgraph(ctx context.Context, incidentID string, depth int) ([]*models.GraphEntity, []*models.GraphRelation, error) {
	rootID := "incident:" + incidentID
	visited := map[string]bool{rootID: true}
	frontier := []string{rootID}

	var relations []*models.GraphRelation

	for d := 0; d < depth && len(frontier) > 0; d++ {
		type relRow struct {
			SourceID   string `db:"source_id"`
			TargetID   string `db:"target_id"`
			Type       string `db:"type"`
			Properties []byte `db:"properties"`
		}
		var rows []relRow
		query, args, err := sqlx.In(`SELECT source_id, target_id, type, properties FROM graph_relations WHERE source_id IN (?) OR target_id IN (?)`, frontier, frontier)
		if err != nil {
			return nil, nil, apperr.Programmer("store.subgraph.in", err)
		}
		query = s.db.Rebind(query)
		if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
			return nil, nil, apperr.Transient("store.subgraph", err)
		}

		var next []string
		for _, r := range rows {
			var props map[string]interface{}
			if len(r.Properties) > 0 {
				_ = json.Unmarshal(r.Properties, &props)
			}
			relations = append(relations, &models.GraphRelation{SourceID: r.SourceID, TargetID: r.TargetID, Type: r.Type, Properties: props})
			for _, id := range []string{r.SourceID, r.TargetID} {
				if !visited[id] {
					visited[id] = true
					next = append(next, id)
				}
			}
		}
		frontier = next
	}

	ids := make([]string, 0, len(visited))
	for id := range visited {
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return nil, relations, nil
	}

	type entRow struct {
		ID         string `db:"id"`
		Label      string `db:"label"`
		Properties []byte `db:"properties"`
	}
	var entRows []entRow
	query, args, err := sqlx.In(`SELECT id, label, properties FROM graph_entities WHERE id IN (?)`, ids)
	if err != nil {
		return nil, nil, apperr.Programmer("store.subgraph.entities_in", err)
	}
	query = s.db.Rebind(query)
	if err := s.db.SelectContext(ctx, &entRows, query, args...); err != nil {
		return nil, nil, apperr.Transient("store.subgraph.entities", err)
	}

	entities := make([]*models.GraphEntity, 0, len(entRows))
	for _, r := range entRows {
		var props map[string]interface{}
		if len(r.Properties) > 0 {
			_ = json.Unmarshal(r.Properties, &props)
		}
		entities = append(entities, &models.GraphEntity{ID: r.ID, Label: r.Label, Properties: props})
	}

	return entities, relations, nil
}

func (s *postgresStore) SaveRunbook(ctx context.Context, rb *models.Runbook) error {
	cmds, _ := json.Marshal(rb.InvestigationCommands)
	queries, _ := json.Marshal(rb.Queries)
	dashboards, _ := json.Marshal(rb.DashboardURLs)
	plan, _ := json.Marshal(rb.InvestigationPlan)

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runbooks (id, incident_id, category, investigation_commands, queries, dashboard_urls, investigation_plan, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		rb.ID, rb.IncidentID, string(rb.Category), cmds, queries, dashboards, plan, rb.CreatedAt,
	)
	if err != nil {
		return apperr.Transient("store.save_runbook", err)
	}
	return nil
}

func (s *postgresStore) CreateRemediationAction(ctx context.Context, a *models.RemediationAction) error {
	params, err := json.Marshal(a.Parameters)
	if err != nil {
		return apperr.Programmer("store.create_action.marshal", err)
	}

	var approvalTime *time.Time
	if !a.ApprovalTime.IsZero() {
		approvalTime = &a.ApprovalTime
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO remediation_actions (id, incident_id, hypothesis_id, idempotency_key, action_type, target_resource, target_namespace, target_cluster, parameters, risk_level, blast_radius_score, affected_replicas, environment, status, approved_by, approval_time, approval_reason, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)`,
		a.ID, a.IncidentID, a.HypothesisID, a.IdempotencyKey, string(a.ActionType),
		a.Target.Resource, a.Target.Namespace, a.Target.Cluster, params, a.RiskLevel,
		a.BlastRadiusScore, a.AffectedReplicas, a.Environment, string(a.Status),
		a.ApprovedBy, approvalTime, a.ApprovalReason, a.CreatedAt, a.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		const uniqueViolation = "23505"
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return apperr.Permanent("store.create_action.idempotency_conflict", err)
		}
		return apperr.Transient("store.create_action", err)
	}
	return nil
}

type actionRow struct {
	ID               string         `db:"id"`
	IncidentID       string         `db:"incident_id"`
	HypothesisID     string         `db:"hypothesis_id"`
	IdempotencyKey   string         `db:"idempotency_key"`
	ActionType       string         `db:"action_type"`
	TargetResource   string         `db:"target_resource"`
	TargetNamespace  string         `db:"target_namespace"`
	TargetCluster    string         `db:"target_cluster"`
	Parameters       []byte         `db:"parameters"`
	RiskLevel        string         `db:"risk_level"`
	BlastRadiusScore float64        `db:"blast_radius_score"`
	AffectedReplicas int            `db:"affected_replicas"`
	Environment      string         `db:"environment"`
	Status           string         `db:"status"`
	ApprovedBy       string         `db:"approved_by"`
	ApprovalTime     sql.NullTime   `db:"approval_time"`
	ApprovalReason   string         `db:"approval_reason"`
	CreatedAt        time.Time      `db:"created_at"`
	UpdatedAt        time.Time      `db:"updated_at"`
}

func (r *actionRow) toModel() *models.RemediationAction {
	var params map[string]interface{}
	_ = json.Unmarshal(r.Parameters, &params)
	a := &models.RemediationAction{
		ID:               r.ID,
		IncidentID:       r.IncidentID,
		HypothesisID:     r.HypothesisID,
		IdempotencyKey:   r.IdempotencyKey,
		ActionType:       models.RemediationActionType(r.ActionType),
		Target:           models.RemediationTarget{Resource: r.TargetResource, Namespace: r.TargetNamespace, Cluster: r.TargetCluster},
		Parameters:       params,
		RiskLevel:        r.RiskLevel,
		BlastRadiusScore: r.BlastRadiusScore,
		AffectedReplicas: r.AffectedReplicas,
		Environment:      r.Environment,
		Status:           models.RemediationStatus(r.Status),
		ApprovedBy:       r.ApprovedBy,
		ApprovalReason:   r.ApprovalReason,
		CreatedAt:        r.CreatedAt,
		UpdatedAt:        r.UpdatedAt,
	}
	if r.ApprovalTime.Valid {
		a.ApprovalTime = r.ApprovalTime.Time
	}
	return a
}

func (s *postgresStore) GetRemediationActionByIdempotencyKey(ctx context.Context, key string) (*models.RemediationAction, error) {
	var row actionRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM remediation_actions WHERE idempotency_key = $1`, key)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, apperr.Transient("store.get_action_by_key", err)
	}
	return row.toModel(), nil
}

func (s *postgresStore) UpdateRemediationActionStatus(ctx context.Context, id string, status models.RemediationStatus) error {
	_, err := s.db.ExecContext(ctx, `UPDATE remediation_actions SET status = $1, updated_at = now() WHERE id = $2`, string(status), id)
	if err != nil {
		return apperr.Transient("store.update_action_status", err)
	}
	return nil
}

func (s *postgresStore) SaveVerificationResult(ctx context.Context, v *models.VerificationResult) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO verification_results (action_id, incident_id, success, metrics_improved, before_error_rate, before_latency_p99, before_restart_count, before_pods_healthy, after_error_rate, after_latency_p99, after_restart_count, after_pods_healthy, wait_duration_seconds, verified_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		v.ActionID, v.IncidentID, v.Success, v.MetricsImproved,
		v.Before.ErrorRate, v.Before.LatencyP99, v.Before.RestartCount, v.Before.PodHealthyCount,
		v.After.ErrorRate, v.After.LatencyP99, v.After.RestartCount, v.After.PodHealthyCount,
		v.WaitDurationSeconds, v.VerifiedAt,
	)
	if err != nil {
		return apperr.Transient("store.save_verification", err)
	}
	return nil
}

func (s *postgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *postgresStore) Close() error {
	return s.db.Close()
}
