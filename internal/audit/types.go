package audit

import "time"

// EventType represents the kind of audit event.
type EventType string

const (
	// Incident lifecycle events
	EventIncidentCreated  EventType = "incident.created"
	EventIncidentDeduped  EventType = "incident.deduplicated"
	EventIncidentClosed   EventType = "incident.closed"
	EventIncidentResolved EventType = "incident.resolved"

	// Evidence collection events
	EventEvidenceCollected EventType = "evidence.collected"
	EventGraphAssembled    EventType = "graph.assembled"

	// Hypothesis events
	EventHypothesisGenerated EventType = "hypothesis.generated"
	EventHypothesisRanked    EventType = "hypothesis.ranked"

	// Policy and approval events
	EventPolicyEvaluated EventType = "policy.evaluated"
	EventApprovalRequested EventType = "approval.requested"
	EventActionApproved   EventType = "action.approved"
	EventActionRejected   EventType = "action.rejected"

	// Remediation events
	EventActionProposed EventType = "action.proposed"
	EventActionExecuted EventType = "action.executed"
	EventActionFailed   EventType = "action.failed"
	EventVerificationCompleted EventType = "verification.completed"

	// Configuration events
	EventConfigLoaded  EventType = "config.loaded"
	EventConfigChanged EventType = "config.changed"
	EventConfigReload  EventType = "config.reload"

	// Safety events
	EventSafetyPolicyViolation EventType = "safety.policy_violation"
	EventBlastRadiusExceeded   EventType = "safety.blast_radius_exceeded"

	// System events
	EventServerStarted  EventType = "system.server_started"
	EventServerShutdown EventType = "system.server_shutdown"
	EventHealthCheck    EventType = "system.health_check"
)

// Result represents the outcome of an audited action.
type Result string

const (
	ResultSuccess Result = "success"
	ResultFailure Result = "failure"
	ResultPending Result = "pending"
	ResultDenied  Result = "denied"
)

// Event represents a single audit event.
type Event struct {
	Timestamp     time.Time `json:"timestamp"`
	CorrelationID string    `json:"correlation_id"` // incident id for pipeline events
	EventType     EventType `json:"event_type"`
	Result        Result    `json:"result"`

	User      string `json:"user,omitempty"`
	SourceIP  string `json:"source_ip,omitempty"`

	Resource     string `json:"resource,omitempty"`
	ResourceType string `json:"resource_type,omitempty"`
	Namespace    string `json:"namespace,omitempty"`

	Action      string                 `json:"action,omitempty"`
	Description string                 `json:"description,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`

	Error     string `json:"error,omitempty"`
	ErrorCode string `json:"error_code,omitempty"`

	DurationMs int64 `json:"duration_ms,omitempty"`
}

// NewEvent creates a new audit event with default values.
func NewEvent(eventType EventType) *Event {
	return &Event{
		Timestamp: time.Now().UTC(),
		EventType: eventType,
		Result:    ResultPending,
		Metadata:  make(map[string]interface{}),
	}
}

func (e *Event) WithCorrelationID(id string) *Event {
	e.CorrelationID = id
	return e
}

func (e *Event) WithUser(user string) *Event {
	e.User = user
	return e
}

func (e *Event) WithResource(resource, resourceType string) *Event {
	e.Resource = resource
	e.ResourceType = resourceType
	return e
}

func (e *Event) WithAction(action string) *Event {
	e.Action = action
	return e
}

func (e *Event) WithDescription(desc string) *Event {
	e.Description = desc
	return e
}

func (e *Event) WithResult(result Result) *Event {
	e.Result = result
	return e
}

func (e *Event) WithError(err error, code string) *Event {
	if err != nil {
		e.Error = err.Error()
		e.ErrorCode = code
		e.Result = ResultFailure
	}
	return e
}

func (e *Event) WithDuration(duration time.Duration) *Event {
	e.DurationMs = duration.Milliseconds()
	return e
}

func (e *Event) WithMetadata(key string, value interface{}) *Event {
	e.Metadata[key] = value
	return e
}
