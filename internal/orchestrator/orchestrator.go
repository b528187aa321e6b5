// Package orchestrator is the 12-step durable workflow that drives an
// incident from evidence collection through closure (spec §4.11). It
// implements gateway.WorkflowDispatcher and models durability as an
// in-process goroutine with a query-able in-memory progress struct,
// standing in for the external workflow service the spec assumes
// (spec §9's "delegate durability to the external execution service").
//
// Grounded on src/services/workflow/incident_workflow.py's 12-step
// Temporal workflow (step sequence, timeouts, retry policies, state
// machine and query handles), reimplemented as a goroutine-and-channel
// state machine in the teacher's internal/k8s retry/backoff idiom.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kubilitics/aiops-responder/internal/apperr"
	"github.com/kubilitics/aiops-responder/internal/approval"
	"github.com/kubilitics/aiops-responder/internal/audit"
	"github.com/kubilitics/aiops-responder/internal/blastradius"
	"github.com/kubilitics/aiops-responder/internal/collectors"
	"github.com/kubilitics/aiops-responder/internal/executor"
	"github.com/kubilitics/aiops-responder/internal/graph"
	"github.com/kubilitics/aiops-responder/internal/metrics"
	"github.com/kubilitics/aiops-responder/internal/models"
	"github.com/kubilitics/aiops-responder/internal/policy"
	"github.com/kubilitics/aiops-responder/internal/ranker"
	"github.com/kubilitics/aiops-responder/internal/rules"
	"github.com/kubilitics/aiops-responder/internal/runbook"
	"github.com/kubilitics/aiops-responder/internal/store"
	"github.com/kubilitics/aiops-responder/internal/verifier"
)

// retryPolicy mirrors the two named policies in spec §4.11.
type retryPolicy struct {
	initial     time.Duration
	max         time.Duration
	attempts    int
}

var (
	defaultRetry = retryPolicy{initial: time.Second, max: 5 * time.Minute, attempts: 3}
	quickRetry   = retryPolicy{initial: time.Second, max: 30 * time.Second, attempts: 3}
)

// run executes fn under p, backing off between attempts and never retrying
// programmer errors (spec §4.11/§7). step labels the recorded metrics.
func (p retryPolicy) run(ctx context.Context, step string, fn func() error) error {
	start := time.Now()
	defer func() {
		metrics.WorkflowStepDuration.WithLabelValues(step).Observe(time.Since(start).Seconds())
	}()

	var lastErr error
	delay := p.initial
	for attempt := 0; attempt < p.attempts; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !apperr.IsRetryable(lastErr) || attempt == p.attempts-1 {
			return lastErr
		}
		metrics.WorkflowStepRetriesTotal.WithLabelValues(step).Inc()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > p.max {
			delay = p.max
		}
	}
	return lastErr
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, d)
}

// TicketSink is the opaque ticketing collaborator (spec §6): create an
// issue summarizing an incident that needs human follow-up.
type TicketSink interface {
	CreateTicket(ctx context.Context, summary, description, priority string) (ticketID string, err error)
}

// NoopTicketSink logs instead of filing a ticket; used when no ticketing
// integration is configured.
type NoopTicketSink struct {
	Log *zap.Logger
}

func (n *NoopTicketSink) CreateTicket(ctx context.Context, summary, description, priority string) (string, error) {
	id := "local-" + uuid.New().String()[:8]
	if n.Log != nil {
		n.Log.Info("ticket sink not configured, logging instead",
			zap.String("ticket_id", id), zap.String("summary", summary), zap.String("priority", priority))
	}
	return id, nil
}

// progress is the in-memory state a running or completed workflow exposes
// via queries (spec §4.11: status(), hypotheses(), evidenceCount()).
type progress struct {
	mu            sync.RWMutex
	status        string
	hypotheses    []*models.Hypothesis
	evidenceCount int
}

func (p *progress) setStatus(s string) {
	p.mu.Lock()
	p.status = s
	p.mu.Unlock()
}

func (p *progress) Status() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.status
}

func (p *progress) Hypotheses() []*models.Hypothesis {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.hypotheses
}

func (p *progress) EvidenceCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.evidenceCount
}

// Config bundles environment-dependent remediation policy toggles (spec
// §6 configuration options).
type Config struct {
	AppEnv               string
	AutoApproveDev       bool
	AutoApproveStaging   bool
	AutoApproveProd      bool
	MaxBlastRadius       float64
	VerificationWaitSecs int
	EvidenceWindow       time.Duration
}

// Orchestrator runs incident workflows and answers progress queries for
// workflows it has started. It implements gateway.WorkflowDispatcher.
type Orchestrator struct {
	Store       store.Store
	Graph       graph.Assembler
	Collectors  []collectors.Collector
	BlastRadius blastradius.Calculator
	Policy      policy.Gate
	Approval    approval.Coordinator
	Executor    executor.Executor
	Verifier    *verifier.Verifier
	Tickets     TicketSink
	Audit       audit.Logger
	Log         *zap.Logger
	Config      Config

	mu   sync.RWMutex
	runs map[string]*progress
}

// New builds an Orchestrator. Collectors, policy and approval dependencies
// are required; Tickets defaults to a logging no-op when nil.
func New(
	st store.Store,
	g graph.Assembler,
	cs []collectors.Collector,
	br blastradius.Calculator,
	pg policy.Gate,
	ap approval.Coordinator,
	ex executor.Executor,
	vf *verifier.Verifier,
	tickets TicketSink,
	al audit.Logger,
	log *zap.Logger,
	cfg Config,
) *Orchestrator {
	if tickets == nil {
		tickets = &NoopTicketSink{Log: log}
	}
	return &Orchestrator{
		Store: st, Graph: g, Collectors: cs, BlastRadius: br, Policy: pg,
		Approval: ap, Executor: ex, Verifier: vf, Tickets: tickets, Audit: al,
		Log: log, Config: cfg, runs: make(map[string]*progress),
	}
}

// Start implements gateway.WorkflowDispatcher: it records the run and
// launches the 12-step state machine in the background, returning
// immediately (spec §5: "each webhook spawns a background task ... and
// returns immediately").
func (o *Orchestrator) Start(ctx context.Context, workflowID string, incident *models.Incident) error {
	p := &progress{status: "initialized"}

	o.mu.Lock()
	o.runs[workflowID] = p
	o.mu.Unlock()

	metrics.WorkflowsActive.Inc()
	go func() {
		defer metrics.WorkflowsActive.Dec()
		// The background run must outlive the HTTP request that triggered it.
		o.run(context.Background(), incident, p)
	}()
	return nil
}

// Status, Hypotheses and EvidenceCount answer the spec's query handles for
// a previously started workflow.
func (o *Orchestrator) Status(workflowID string) (string, bool) {
	o.mu.RLock()
	p, ok := o.runs[workflowID]
	o.mu.RUnlock()
	if !ok {
		return "", false
	}
	return p.Status(), true
}

func (o *Orchestrator) Hypotheses(workflowID string) ([]*models.Hypothesis, bool) {
	o.mu.RLock()
	p, ok := o.runs[workflowID]
	o.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return p.Hypotheses(), true
}

func (o *Orchestrator) EvidenceCount(workflowID string) (int, bool) {
	o.mu.RLock()
	p, ok := o.runs[workflowID]
	o.mu.RUnlock()
	if !ok {
		return 0, false
	}
	return p.EvidenceCount(), true
}

// run executes the 12-step state machine for one incident (spec §4.11).
func (o *Orchestrator) run(ctx context.Context, incident *models.Incident, p *progress) {
	log := o.Log.With(zap.String("incident_id", incident.ID))

	defer func() {
		if r := recover(); r != nil {
			p.setStatus(fmt.Sprintf("failed: %v", r))
			log.Error("workflow panicked", zap.Any("panic", r))
		}
	}()

	window := collectors.WindowFor(incident, o.Config.EvidenceWindow)

	// Step 1: collect evidence (fan-out across the four collectors).
	p.setStatus("collecting_evidence")
	var evidence []*models.Evidence
	var entities []*models.GraphEntity
	var relations []*models.GraphRelation
	err := defaultRetry.run(ctx, func() error {
		evidence, entities, relations = nil, nil, nil
		cctx, cancel := withTimeout(ctx, 5*time.Minute)
		defer cancel()
		results := collectors.Run(cctx, incident, window, o.Collectors...)
		for _, r := range results {
			evidence = append(evidence, r.Evidence...)
			entities = append(entities, r.Entities...)
			relations = append(relations, r.Relations...)
		}
		if err := o.Store.InsertEvidence(cctx, evidence); err != nil {
			return apperr.Transient("insert evidence", err)
		}
		return nil
	})
	if err != nil {
		o.fail(p, log, "evidence_collection", err)
		return
	}
	p.mu.Lock()
	p.evidenceCount = len(evidence)
	p.mu.Unlock()

	// Step 2: build the evidence graph. Per spec §7, graph-building failure
	// aborts the workflow (one of only two steps that do).
	p.setStatus("building_graph")
	entities = append(entities, &models.GraphEntity{
		ID: "incident:" + incident.ID, Label: "Incident",
		Properties: map[string]interface{}{"title": incident.Title, "severity": string(incident.Severity)},
	})
	err = defaultRetry.run(ctx, func() error {
		cctx, cancel := withTimeout(ctx, 2*time.Minute)
		defer cancel()
		return apperr.Transient("graph merge", o.Graph.Merge(cctx, entities, relations))
	})
	if err != nil {
		o.fail(p, log, "graph_building", err)
		return
	}

	// Step 3: generate hypotheses. The other step whose failure aborts
	// the workflow (spec §7).
	p.setStatus("analyzing")
	var hypotheses []*models.Hypothesis
	err = defaultRetry.run(ctx, func() error {
		bundle := rules.ExtractSignalBundle(evidence)
		hypotheses = rules.Evaluate(incident.ID, bundle)
		return nil
	})
	if err != nil || len(hypotheses) == 0 {
		if err == nil {
			err = fmt.Errorf("no hypotheses generated")
		}
		o.fail(p, log, "hypothesis_generation", err)
		return
	}

	// Step 4: rank hypotheses.
	var ranked []*models.Hypothesis
	_ = quickRetry.run(ctx, func() error {
		ranked = ranker.Rank(hypotheses)
		return nil
	})
	p.mu.Lock()
	p.hypotheses = ranked
	p.mu.Unlock()
	for _, h := range ranked {
		metrics.HypothesesGeneratedTotal.WithLabelValues(string(h.Category)).Inc()
	}
	if o.Audit != nil {
		_ = o.Audit.LogHypothesisRanked(ctx, incident.ID, len(ranked))
	}
	top := ranked[0]

	// Step 5: generate runbook.
	p.setStatus("generating_runbook")
	var rb *models.Runbook
	_ = quickRetry.run(ctx, func() error {
		rb = runbook.Generate(incident.ID, top.Category, runbook.Target{
			Namespace: incident.Namespace, Service: incident.Service,
		})
		return o.Store.SaveRunbook(ctx, rb)
	})

	// Step 6: blast radius.
	var blast models.BlastRadiusResult
	_ = quickRetry.run(ctx, func() error {
		cctx, cancel := withTimeout(ctx, 30*time.Second)
		defer cancel()
		blast = o.BlastRadius.Calculate(cctx, incident.Namespace, o.Config.AppEnv, o.Config.MaxBlastRadius)
		return nil
	})
	if !blast.IsAcceptable {
		metrics.BlastRadiusExceededTotal.Inc()
	}

	// Step 7: evaluate policy.
	p.setStatus("evaluating_policy")
	action := proposeAction(incident, top, blast, o.Config.AppEnv)
	var decision models.PolicyDecision
	_ = quickRetry.run(ctx, func() error {
		cctx, cancel := withTimeout(ctx, 30*time.Second)
		defer cancel()
		decision = o.Policy.Evaluate(cctx, policy.Input{
			ActionType:       string(action.ActionType),
			Environment:      o.Config.AppEnv,
			BlastRadiusScore: blast.Score,
			Namespace:        incident.Namespace,
			AffectedReplicas: blast.AffectedPods,
		})
		return nil
	})
	if o.Audit != nil {
		_ = o.Audit.LogPolicyEvaluated(ctx, incident.ID, decision.Allow, decision.RequiresApproval)
	}

	allowed := decision.Allow && blast.IsAcceptable
	remediationSucceeded := true
	verificationSucceeded := true
	approvalDenied := false

	// Step 8/9: remediate, gated by approval.
	if allowed {
		p.setStatus("remediating")
		if decision.RequiresApproval {
			autoApprove := (o.Config.AppEnv == "dev" && o.Config.AutoApproveDev) ||
				(o.Config.AppEnv == "staging" && o.Config.AutoApproveStaging) ||
				(o.Config.AppEnv == "prod" && o.Config.AutoApproveProd)

			var approvalCtx context.Context = ctx
			var approvalCancel context.CancelFunc
			if _, hasDeadline := ctx.Deadline(); !hasDeadline {
				approvalCtx, approvalCancel = withTimeout(ctx, 4*time.Hour)
				defer approvalCancel()
			}
			dec := o.Approval.RequestApproval(approvalCtx, incident, action, blast, o.Config.AppEnv, autoApprove)

			if !dec.Approved {
				p.setStatus("approval_denied")
				approvalDenied = true
				allowed = false
				if o.Audit != nil {
					_ = o.Audit.LogActionRejected(ctx, incident.ID, string(action.ActionType), dec.Reason)
				}
			} else if o.Audit != nil {
				_ = o.Audit.LogActionApproved(ctx, incident.ID, string(action.ActionType), action.Target.Resource, dec.ApprovedBy)
			}
		}

		if allowed {
			existing, _ := o.Store.GetRemediationActionByIdempotencyKey(ctx, action.IdempotencyKey)
			if existing != nil && (existing.Status == models.RemediationCompleted || existing.Status == models.RemediationExecuting) {
				// Re-ingestion of the same alert within the hour bucket must
				// not duplicate the mutation (spec §8).
				remediationSucceeded = existing.Status == models.RemediationCompleted
			} else {
				action.Status = models.RemediationApproved
				_ = o.Store.CreateRemediationAction(ctx, action)

				start := time.Now()
				var actionResult executor.ActionResult
				err = defaultRetry.run(ctx, func() error {
					cctx, cancel := withTimeout(ctx, 5*time.Minute)
					defer cancel()
					_ = o.Store.UpdateRemediationActionStatus(cctx, action.ID, models.RemediationExecuting)
					actionResult = o.Executor.Execute(cctx, action)
					if !actionResult.Success {
						return apperr.Permanent("execute remediation", fmt.Errorf("%s", actionResult.Error))
					}
					return nil
				})
				remediationSucceeded = err == nil
				finalActionStatus := models.RemediationCompleted
				if !remediationSucceeded {
					finalActionStatus = models.RemediationFailed
				}
				_ = o.Store.UpdateRemediationActionStatus(ctx, action.ID, finalActionStatus)

				if o.Audit != nil {
					if remediationSucceeded {
						_ = o.Audit.LogActionExecuted(ctx, incident.ID, string(action.ActionType), action.Target.Resource, time.Since(start))
					} else {
						_ = o.Audit.LogActionFailed(ctx, incident.ID, string(action.ActionType), err)
					}
				}
			}

			// Step 10: wait then verify. The sleep is the workflow's only
			// deliberate suspension and is cancellable (spec §5).
			p.setStatus("verifying")
			waitSecs := o.Config.VerificationWaitSecs
			if waitSecs <= 0 {
				waitSecs = 120
			}
			select {
			case <-time.After(time.Duration(waitSecs) * time.Second):
			case <-ctx.Done():
			}

			if o.Verifier != nil {
				var vr models.VerificationResult
				_ = defaultRetry.run(ctx, func() error {
					cctx, cancel := withTimeout(ctx, 2*time.Minute)
					defer cancel()
					vr = o.Verifier.Verify(cctx, incident)
					return nil
				})
				vr.ActionID = action.ID
				verificationSucceeded = vr.Success
				if o.Audit != nil {
					_ = o.Audit.LogVerificationCompleted(ctx, incident.ID, vr.Success)
				}
				_ = o.Store.SaveVerificationResult(ctx, &vr)
			}
		}
	}

	// Step 11: ticket creation (spec §4.11: "created when any of: policy
	// disallowed, approval denied, remediation failed, verification failed").
	needsTicket := !decision.Allow || approvalDenied || !remediationSucceeded || !verificationSucceeded
	if needsTicket {
		p.setStatus("creating_ticket")
		_ = quickRetry.run(ctx, func() error {
			cctx, cancel := withTimeout(ctx, 30*time.Second)
			defer cancel()
			_, err := o.Tickets.CreateTicket(cctx,
				fmt.Sprintf("[%s] %s", incident.Severity, incident.Title),
				fmt.Sprintf("Incident %s: top hypothesis %s (confidence %.2f). Runbook: %s.",
					incident.ID, top.Category, top.Confidence, rb.ID),
				string(incident.Severity))
			return err
		})
	}

	// Step 12: close.
	p.setStatus("closing")
	finalStatus := models.IncidentStatusResolved
	if needsTicket {
		finalStatus = models.IncidentStatusClosed
	}
	_ = quickRetry.run(ctx, func() error {
		cctx, cancel := withTimeout(ctx, 30*time.Second)
		defer cancel()
		return o.Store.UpdateIncidentStatus(cctx, incident.ID, finalStatus)
	})
	metrics.IncidentsClosedTotal.WithLabelValues(string(finalStatus)).Inc()
	if o.Audit != nil {
		_ = o.Audit.LogIncidentClosed(ctx, incident.ID, string(finalStatus))
	}

	p.setStatus("completed")
}

func (o *Orchestrator) fail(p *progress, log *zap.Logger, step string, err error) {
	p.setStatus("failed: " + err.Error())
	log.Error("workflow step failed", zap.String("step", step), zap.Error(err))
}

// proposeAction derives the single recommended RemediationAction from the
// top hypothesis's first recommended action string (spec §4.6/§4.8).
func proposeAction(incident *models.Incident, top *models.Hypothesis, blast models.BlastRadiusResult, env string) *models.RemediationAction {
	actionType := models.RemediationActionType("restart_pod")
	if len(top.RecommendedActions) > 0 {
		actionType = models.RemediationActionType(top.RecommendedActions[0])
	}
	now := time.Now().UTC()
	target := incident.Service
	if target == "" {
		target = incident.Labels["deployment"]
	}
	return &models.RemediationAction{
		ID:               uuid.New().String(),
		IncidentID:       incident.ID,
		HypothesisID:     top.ID,
		IdempotencyKey:   store.IdempotencyKey(incident.ID, actionType, target, now),
		ActionType:       actionType,
		Target:           models.RemediationTarget{Resource: target, Namespace: incident.Namespace, Cluster: incident.Cluster},
		Parameters:       map[string]interface{}{"deployment_name": target, "service": incident.Service},
		BlastRadiusScore: blast.Score,
		AffectedReplicas: blast.AffectedPods,
		Environment:      env,
		Status:           models.RemediationProposed,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}
