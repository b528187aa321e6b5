// Package approval is the Approval Coordinator: it posts a remediation
// proposal to a chat sink and waits (bounded) for a human decision, with a
// dev-environment auto-approve bypass (spec §4.8).
//
// Grounded on src/services/integrations/slack_client.py's block-kit
// message shape; ChatSink mirrors its request_approval contract as two
// operations (PostApproval / AwaitResponse) since the Go client
// (github.com/slack-go/slack) separates posting a message from listening
// for interaction responses.
package approval

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/slack-go/slack"
	"go.uber.org/zap"

	"github.com/kubilitics/aiops-responder/internal/metrics"
	"github.com/kubilitics/aiops-responder/internal/models"
)

const maxWait = 4 * time.Hour

// MemoryResponseStore is a process-local ResponseStore, written to by
// whatever records an operator's approve/reject click (a Slack
// interactivity callback in a full deployment) and polled by
// SlackChatSink.AwaitResponse.
type MemoryResponseStore struct {
	mu        sync.Mutex
	decisions map[string]Decision
}

// NewMemoryResponseStore creates an empty MemoryResponseStore.
func NewMemoryResponseStore() *MemoryResponseStore {
	return &MemoryResponseStore{decisions: make(map[string]Decision)}
}

// Record stores the decision for messageRef, overwriting any prior value.
func (s *MemoryResponseStore) Record(messageRef string, decision Decision) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.decisions[messageRef] = decision
}

// Get implements ResponseStore.
func (s *MemoryResponseStore) Get(messageRef string) (Decision, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.decisions[messageRef]
	return d, ok
}

// Decision is the outcome of an approval request.
type Decision struct {
	Approved bool
	Reason   string
	Approver string
}

// ChatSink posts an approval request and later reports whether it was
// granted. A nil/unconfigured sink is equivalent to "deny" (spec §4.8).
type ChatSink interface {
	// PostApproval renders and sends the approval message, returning an
	// opaque message reference used by AwaitResponse.
	PostApproval(ctx context.Context, incident *models.Incident, action *models.RemediationAction, blastRadius models.BlastRadiusResult) (messageRef string, err error)
	// AwaitResponse blocks (up to the coordinator's bound) for a human
	// decision on messageRef.
	AwaitResponse(ctx context.Context, messageRef string, timeout time.Duration) (Decision, error)
}

// Coordinator requests and awaits remediation approval.
type Coordinator interface {
	RequestApproval(ctx context.Context, incident *models.Incident, action *models.RemediationAction, blastRadius models.BlastRadiusResult, environment string, autoApproveDev bool) Decision
}

type coordinator struct {
	sink ChatSink
	log  *zap.Logger
}

// New creates a Coordinator. sink may be nil when chat approvals are not
// configured; every request then auto-denies per spec §4.8.
func New(sink ChatSink, log *zap.Logger) Coordinator {
	return &coordinator{sink: sink, log: log}
}

// RequestApproval implements spec §4.8: dev auto-approve bypasses the wait
// entirely; otherwise a message is posted and the coordinator waits up to
// four hours for a response.
func (c *coordinator) RequestApproval(ctx context.Context, incident *models.Incident, action *models.RemediationAction, blastRadius models.BlastRadiusResult, environment string, autoApproveDev bool) Decision {
	if environment == "dev" && autoApproveDev {
		return Decision{Approved: true, Reason: "dev auto-approve"}
	}

	if c.sink == nil {
		return Decision{Approved: false, Reason: "Slack not configured"}
	}

	metrics.ApprovalsRequestedTotal.Inc()
	start := time.Now()
	defer func() {
		metrics.ApprovalWaitDuration.Observe(time.Since(start).Seconds())
	}()

	ref, err := c.sink.PostApproval(ctx, incident, action, blastRadius)
	if err != nil {
		c.log.Warn("approval post failed", zap.String("incident_id", incident.ID), zap.Error(err))
		metrics.ApprovalOutcomesTotal.WithLabelValues("rejected").Inc()
		return Decision{Approved: false, Reason: err.Error()}
	}

	decision, err := c.sink.AwaitResponse(ctx, ref, maxWait)
	if err != nil {
		c.log.Warn("approval await failed", zap.String("incident_id", incident.ID), zap.Error(err))
		metrics.ApprovalOutcomesTotal.WithLabelValues("timed_out").Inc()
		return Decision{Approved: false, Reason: err.Error()}
	}

	result := "rejected"
	if decision.Approved {
		result = "approved"
	}
	metrics.ApprovalOutcomesTotal.WithLabelValues(result).Inc()
	return decision
}

// SlackChatSink implements ChatSink over a real Slack workspace via
// slack-go/slack. AwaitResponse here is a bounded poll loop against the
// interaction store an interactivity endpoint would populate; wiring that
// endpoint is outside this package's scope (see internal/api/rest).
type SlackChatSink struct {
	client  *slack.Client
	channel string

	// responses is populated by the interactivity HTTP callback
	// (api/rest) keyed by message timestamp.
	responses ResponseStore
}

// ResponseStore is the shared map an interactive Slack button callback
// writes into and AwaitResponse polls.
type ResponseStore interface {
	Get(messageRef string) (Decision, bool)
}

// NewSlackChatSink creates a ChatSink posting to channel with botToken.
func NewSlackChatSink(botToken, channel string, responses ResponseStore) *SlackChatSink {
	return &SlackChatSink{
		client:    slack.New(botToken),
		channel:   channel,
		responses: responses,
	}
}

// PostApproval sends a block-kit approval message, mirroring
// slack_client.py's _build_approval_blocks.
func (s *SlackChatSink) PostApproval(ctx context.Context, incident *models.Incident, action *models.RemediationAction, blastRadius models.BlastRadiusResult) (string, error) {
	header := slack.NewHeaderBlock(slack.NewTextBlockObject(slack.PlainTextType, "Remediation Approval Required", false, false))

	fields := []*slack.TextBlockObject{
		slack.NewTextBlockObject(slack.MarkdownType, fmt.Sprintf("*Incident:*\n%s", incident.Title), false, false),
		slack.NewTextBlockObject(slack.MarkdownType, fmt.Sprintf("*Severity:*\n%s", incident.Severity), false, false),
		slack.NewTextBlockObject(slack.MarkdownType, fmt.Sprintf("*Namespace:*\n%s", incident.Namespace), false, false),
		slack.NewTextBlockObject(slack.MarkdownType, fmt.Sprintf("*Action:*\n%s", action.ActionType), false, false),
	}
	section := slack.NewSectionBlock(nil, fields, nil)

	impactFields := []*slack.TextBlockObject{
		slack.NewTextBlockObject(slack.MarkdownType, fmt.Sprintf("*Blast Radius:*\n%.1f", blastRadius.Score), false, false),
		slack.NewTextBlockObject(slack.MarkdownType, fmt.Sprintf("*Affected Pods:*\n%d", blastRadius.AffectedPods), false, false),
	}
	impactSection := slack.NewSectionBlock(nil, impactFields, nil)

	approve := slack.NewButtonBlockElement("approve_action", incident.ID, slack.NewTextBlockObject(slack.PlainTextType, "Approve", false, false))
	approve.Style = slack.StylePrimary
	reject := slack.NewButtonBlockElement("reject_action", incident.ID, slack.NewTextBlockObject(slack.PlainTextType, "Reject", false, false))
	reject.Style = slack.StyleDanger
	actions := slack.NewActionBlock("", approve, reject)

	_, ts, err := s.client.PostMessageContext(ctx, s.channel,
		slack.MsgOptionText(fmt.Sprintf("Approval needed: %s for %s", action.ActionType, incident.Title), false),
		slack.MsgOptionBlocks(header, section, impactSection, actions),
	)
	if err != nil {
		return "", fmt.Errorf("approval: post message: %w", err)
	}
	return ts, nil
}

// AwaitResponse polls responses until a decision arrives, the context is
// cancelled, or timeout elapses.
func (s *SlackChatSink) AwaitResponse(ctx context.Context, messageRef string, timeout time.Duration) (Decision, error) {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		if d, ok := s.responses.Get(messageRef); ok {
			return d, nil
		}
		if time.Now().After(deadline) {
			return Decision{Approved: false, Reason: "approval timed out"}, nil
		}
		select {
		case <-ctx.Done():
			return Decision{}, ctx.Err()
		case <-ticker.C:
		}
	}
}
