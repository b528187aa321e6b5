package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kubilitics/aiops-responder/internal/approval"
	"github.com/kubilitics/aiops-responder/internal/blastradius"
	"github.com/kubilitics/aiops-responder/internal/collectors"
	"github.com/kubilitics/aiops-responder/internal/executor"
	"github.com/kubilitics/aiops-responder/internal/graph"
	"github.com/kubilitics/aiops-responder/internal/models"
	"github.com/kubilitics/aiops-responder/internal/policy"
	"github.com/kubilitics/aiops-responder/internal/store"
)

// fakeStore implements store.Store with enough behavior to observe the
// workflow's terminal state.
type fakeStore struct {
	mu             sync.Mutex
	evidence       []*models.Evidence
	runbooks       []*models.Runbook
	actions        map[string]*models.RemediationAction
	actionStatuses map[string]models.RemediationStatus
	finalStatus    models.IncidentStatus
	statusSet      bool
	verifications  []*models.VerificationResult
}

func newFakeStore() *fakeStore {
	return &fakeStore{actions: map[string]*models.RemediationAction{}, actionStatuses: map[string]models.RemediationStatus{}}
}

func (f *fakeStore) CreateIncident(ctx context.Context, incident *models.Incident) error { return nil }
func (f *fakeStore) GetIncident(ctx context.Context, id string) (*models.Incident, error) {
	return nil, nil
}
func (f *fakeStore) GetIncidentByFingerprint(ctx context.Context, fingerprint string) (*models.Incident, error) {
	return nil, nil
}
func (f *fakeStore) ListIncidents(ctx context.Context, filter store.IncidentFilter) ([]*models.Incident, error) {
	return nil, nil
}
func (f *fakeStore) UpdateIncidentStatus(ctx context.Context, id string, status models.IncidentStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finalStatus = status
	f.statusSet = true
	return nil
}
func (f *fakeStore) InsertEvidence(ctx context.Context, evidence []*models.Evidence) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.evidence = evidence
	return nil
}
func (f *fakeStore) ListEvidenceByIncident(ctx context.Context, incidentID string) ([]*models.Evidence, error) {
	return f.evidence, nil
}
func (f *fakeStore) UpsertGraphEntities(ctx context.Context, entities []*models.GraphEntity) (int, error) {
	return len(entities), nil
}
func (f *fakeStore) UpsertGraphRelations(ctx context.Context, relations []*models.GraphRelation) (int, int, error) {
	return len(relations), 0, nil
}
func (f *fakeStore) Subgraph(ctx context.Context, incidentID string, depth int) ([]*models.GraphEntity, []*models.GraphRelation, error) {
	return nil, nil, nil
}
func (f *fakeStore) SaveRunbook(ctx context.Context, runbook *models.Runbook) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runbooks = append(f.runbooks, runbook)
	return nil
}
func (f *fakeStore) CreateRemediationAction(ctx context.Context, action *models.RemediationAction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.actions[action.ID] = action
	return nil
}
func (f *fakeStore) GetRemediationActionByIdempotencyKey(ctx context.Context, key string) (*models.RemediationAction, error) {
	return nil, nil
}
func (f *fakeStore) UpdateRemediationActionStatus(ctx context.Context, id string, status models.RemediationStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.actionStatuses[id] = status
	return nil
}
func (f *fakeStore) SaveVerificationResult(ctx context.Context, result *models.VerificationResult) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.verifications = append(f.verifications, result)
	return nil
}
func (f *fakeStore) Ping(ctx context.Context) error { return nil }
func (f *fakeStore) Close() error                   { return nil }

type noopGraph struct{}

func (noopGraph) Merge(ctx context.Context, entities []*models.GraphEntity, relations []*models.GraphRelation) error {
	return nil
}
func (noopGraph) Subgraph(ctx context.Context, incidentID string, depth int) ([]*models.GraphEntity, []*models.GraphRelation, error) {
	return nil, nil, nil
}

// crashLoopCollector returns one pod evidence item that fires the
// crashloop_recent_deploy rule, so the workflow reaches a real top
// hypothesis instead of "unknown".
type crashLoopCollector struct{}

func (crashLoopCollector) Name() string { return "cluster_state" }
func (crashLoopCollector) Collect(ctx context.Context, incident *models.Incident, window models.TimeWindow) collectors.Result {
	return collectors.Result{
		Success: true,
		Evidence: []*models.Evidence{
			{
				ID: "ev-1", IncidentID: incident.ID, EvidenceType: models.EvidenceTypePod,
				Data: map[string]interface{}{"waiting_reason": "CrashLoopBackOff"}, SignalStrength: 0.95,
			},
			{
				ID: "ev-2", IncidentID: incident.ID, EvidenceType: models.EvidenceTypeDeployChange,
				Data: map[string]interface{}{"recent": true, "minutes_old": 10.0}, SignalStrength: 0.95,
			},
		},
	}
}

type fixedBlastRadius struct {
	result models.BlastRadiusResult
}

func (f fixedBlastRadius) Calculate(ctx context.Context, namespace, environment string, maxBlastRadius float64) models.BlastRadiusResult {
	return f.result
}

type fixedPolicy struct {
	decision models.PolicyDecision
}

func (f fixedPolicy) Evaluate(ctx context.Context, in policy.Input) models.PolicyDecision {
	return f.decision
}
func (f fixedPolicy) CheckHealth(ctx context.Context) bool { return true }

type neverCalledApproval struct{ t *testing.T }

func (n neverCalledApproval) RequestApproval(ctx context.Context, incident *models.Incident, action *models.RemediationAction, blastRadius models.BlastRadiusResult, environment string, autoApproveDev bool) approval.Decision {
	n.t.Fatal("approval should not be requested when policy disallows")
	return approval.Decision{}
}

type neverCalledExecutor struct{ t *testing.T }

func (n neverCalledExecutor) Execute(ctx context.Context, action *models.RemediationAction) executor.ActionResult {
	n.t.Fatal("executor should not run when policy disallows")
	return executor.ActionResult{}
}

type fakeTickets struct {
	mu      sync.Mutex
	created int
}

func (f *fakeTickets) CreateTicket(ctx context.Context, summary, description, priority string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created++
	return "ticket-1", nil
}

func newTestOrchestrator(t *testing.T, st *fakeStore, pol policy.Gate, tickets *fakeTickets) *Orchestrator {
	return New(
		st,
		noopGraph{},
		[]collectors.Collector{crashLoopCollector{}},
		fixedBlastRadius{result: models.BlastRadiusResult{Score: 10, AffectedPods: 1, IsAcceptable: true}},
		pol,
		neverCalledApproval{t: t},
		neverCalledExecutor{t: t},
		nil, // verifier: skip, remediation never runs in these scenarios
		tickets,
		nil, // audit: nil is handled by every call site
		zap.NewNop(),
		Config{AppEnv: "prod", MaxBlastRadius: 80},
	)
}

// TestRun_PolicyDeniesInProd mirrors spec §8 scenario 6: workflow reaches
// evaluating_policy, remediation_allowed=false, a ticket is created, and
// the incident closes (not resolves).
func TestRun_PolicyDeniesInProd(t *testing.T) {
	st := newFakeStore()
	tickets := &fakeTickets{}
	pol := fixedPolicy{decision: models.PolicyDecision{Allow: false, RequiresApproval: true, DenyReasons: []string{"prod freeze"}}}
	o := newTestOrchestrator(t, st, pol, tickets)

	incident := &models.Incident{
		ID: "inc-1", Namespace: "default", Service: "api",
		Severity: models.SeverityCritical, StartedAt: time.Now().Add(-time.Minute),
	}

	done := make(chan struct{})
	p := &progress{status: "initialized"}
	go func() {
		o.run(context.Background(), incident, p)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("workflow did not complete in time")
	}

	require.Equal(t, "completed", p.Status())
	require.Equal(t, 1, tickets.created)
	require.True(t, st.statusSet)
	require.Equal(t, models.IncidentStatusClosed, st.finalStatus)

	hyps := p.Hypotheses()
	require.NotEmpty(t, hyps)
	require.Equal(t, models.CategoryBadDeployment, hyps[0].Category)
}

// TestRun_PolicyAllowsResolvesWithoutTicket exercises the mirror path: an
// allowed, non-approval-required, no-verifier run resolves cleanly.
func TestRun_PolicyAllowsSkipsVerifierAndResolves(t *testing.T) {
	st := newFakeStore()
	tickets := &fakeTickets{}
	pol := fixedPolicy{decision: models.PolicyDecision{Allow: true, RequiresApproval: false}}

	o := New(
		st, noopGraph{}, []collectors.Collector{crashLoopCollector{}},
		fixedBlastRadius{result: models.BlastRadiusResult{Score: 10, AffectedPods: 1, IsAcceptable: true}},
		pol,
		approvalNotNeeded{},
		recordingExecutor{},
		nil, tickets, nil, zap.NewNop(),
		Config{AppEnv: "dev", MaxBlastRadius: 80, VerificationWaitSecs: 1},
	)

	incident := &models.Incident{
		ID: "inc-2", Namespace: "default", Service: "api",
		Severity: models.SeverityHigh, StartedAt: time.Now().Add(-time.Minute),
	}
	p := &progress{status: "initialized"}

	done := make(chan struct{})
	go func() {
		o.run(context.Background(), incident, p)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("workflow did not complete in time")
	}

	require.Equal(t, "completed", p.Status())
	require.Equal(t, 0, tickets.created)
	require.Equal(t, models.IncidentStatusResolved, st.finalStatus)
}

type approvalNotNeeded struct{}

func (approvalNotNeeded) RequestApproval(ctx context.Context, incident *models.Incident, action *models.RemediationAction, blastRadius models.BlastRadiusResult, environment string, autoApproveDev bool) approval.Decision {
	return approval.Decision{Approved: true}
}

type recordingExecutor struct{}

func (recordingExecutor) Execute(ctx context.Context, action *models.RemediationAction) executor.ActionResult {
	return executor.ActionResult{Success: true, Target: map[string]interface{}{}}
}

var _ graph.Assembler = noopGraph{}
