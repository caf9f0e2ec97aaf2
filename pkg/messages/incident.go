package messages

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// IncidentState is a node in the incident lifecycle state machine
type IncidentState string

const (
	StateReceived           IncidentState = "RECEIVED"
	StateAnalyzing          IncidentState = "ANALYZING"
	StateAnalyzed           IncidentState = "ANALYZED"
	StateDispatching        IncidentState = "DISPATCHING"
	StateDispatched         IncidentState = "DISPATCHED"
	StateAcknowledged       IncidentState = "ACKNOWLEDGED"
	StateResolved           IncidentState = "RESOLVED"
	StateDispatchDeadLetter IncidentState = "DISPATCH_DEAD_LETTER"
	StateCancelled          IncidentState = "CANCELLED"
)

// Terminal reports whether no further transitions are possible from the state
func (s IncidentState) Terminal() bool {
	switch s {
	case StateResolved, StateDispatchDeadLetter, StateCancelled:
		return true
	}
	return false
}

// DeliveryOutcome is the per-channel result of notification dispatch
type DeliveryOutcome string

const (
	OutcomePending   DeliveryOutcome = "pending"
	OutcomeDelivered DeliveryOutcome = "delivered"
	OutcomeFailed    DeliveryOutcome = "failed"
)

// DispatchRecord tracks delivery attempts for one notification channel
type DispatchRecord struct {
	Channel     string          `json:"channel"`
	Token       string          `json:"token"` // Idempotency token for this delivery
	Attempts    int             `json:"attempts"`
	Outcome     DeliveryOutcome `json:"outcome"`
	LastError   string          `json:"last_error,omitempty"`
	LastAttempt time.Time       `json:"last_attempt,omitempty"`
	DeliveredAt time.Time       `json:"delivered_at,omitempty"`
}

// Incident is the durable record of one real-world accident
type Incident struct {
	// Envelope carries the correlation chain from the detection that
	// opened the incident.
	Envelope Envelope `json:"envelope"`

	ID          string                     `json:"incident_id"`
	Fingerprint string                     `json:"fingerprint"`
	State       IncidentState              `json:"state"`
	Snapshot    DetectionSnapshot          `json:"snapshot"`
	Analysis    *AnalysisResult            `json:"analysis,omitempty"`
	Degraded    bool                       `json:"degraded"` // Severity came from the fallback heuristic
	Dispatches  map[string]*DispatchRecord `json:"dispatches,omitempty"`

	// DispatchEpoch counts dispatch cycles. Retries inside a cycle share
	// idempotency tokens; a redelivered cycle gets fresh ones.
	DispatchEpoch int `json:"dispatch_epoch,omitempty"`

	AcknowledgedAt *time.Time    `json:"acknowledged_at,omitempty"`
	ResolvedAt     *time.Time    `json:"resolved_at,omitempty"`
	ResponseTime   time.Duration `json:"response_time,omitempty"` // Creation to resolution

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	ExpiresAt time.Time `json:"expires_at"` // Fixed at creation, never extended
}

// NewIncident creates an incident from its first detection
func NewIncident(fingerprint string, ev *DetectionEvent, ttl time.Duration) *Incident {
	now := time.Now().UTC()
	env := ev.Envelope
	if env.CorrelationID == "" {
		env.CorrelationID = env.MessageID
	}
	return &Incident{
		Envelope:    env,
		ID:          uuid.New().String(),
		Fingerprint: fingerprint,
		State:       StateReceived,
		Snapshot:    NewSnapshot(ev),
		Dispatches:  make(map[string]*DispatchRecord),
		CreatedAt:   now,
		UpdatedAt:   now,
		ExpiresAt:   now.Add(ttl),
	}
}

// Expired reports whether the incident has passed its retention deadline
func (i *Incident) Expired(now time.Time) bool {
	return !now.Before(i.ExpiresAt)
}

// Active reports whether the incident still owns its fingerprint for dedup.
// An incident stops being active once a responder acknowledges it or it
// reaches a terminal state.
func (i *Incident) Active(now time.Time) bool {
	if i.Expired(now) || i.State.Terminal() {
		return false
	}
	return i.State != StateAcknowledged
}

// Severity returns the assessed tier, or empty before analysis completes
func (i *Incident) Severity() SeverityTier {
	if i.Analysis == nil {
		return ""
	}
	return i.Analysis.Severity
}

// SubjectIncidentAll matches every lifecycle event subject
const SubjectIncidentAll = "incident.>"

// IncidentEvent announces a lifecycle transition on the event bus
type IncidentEvent struct {
	BaseMessage
	IncidentID  string        `json:"incident_id"`
	Fingerprint string        `json:"fingerprint"`
	From        IncidentState `json:"from,omitempty"`
	To          IncidentState `json:"to"`
	Severity    SeverityTier  `json:"severity,omitempty"`
	Degraded    bool          `json:"degraded,omitempty"`
	Location    Location      `json:"location"`
	OccurredAt  time.Time     `json:"occurred_at"`
}

// Subject returns the NATS subject for this lifecycle event
func (e *IncidentEvent) Subject() string {
	return fmt.Sprintf("incident.%s", strings.ToLower(string(e.To)))
}

// NewIncidentEvent creates a lifecycle event for a transition
func NewIncidentEvent(source string, inc *Incident, from IncidentState) *IncidentEvent {
	return &IncidentEvent{
		BaseMessage: BaseMessage{
			Envelope: NewEnvelope(source, "engine"),
		},
		IncidentID:  inc.ID,
		Fingerprint: inc.Fingerprint,
		From:        from,
		To:          inc.State,
		Severity:    inc.Severity(),
		Degraded:    inc.Degraded,
		Location:    inc.Snapshot.Location,
		OccurredAt:  time.Now().UTC(),
	}
}

// Responder callback actions accepted on the command subjects.
const (
	ActionAcknowledge = "acknowledge"
	ActionResolve     = "resolve"
	ActionCancel      = "cancel"
)

// IncidentCommand is a responder callback routed to the engine over NATS
// request-reply
type IncidentCommand struct {
	BaseMessage
	IncidentID  string `json:"incident_id"`
	Action      string `json:"action"`
	RequestedBy string `json:"requested_by,omitempty"`
	Note        string `json:"note,omitempty"`
}

// Subject returns the request subject for this command
func (c *IncidentCommand) Subject() string {
	return fmt.Sprintf("cmd.incident.%s", c.Action)
}

// CommandReply is the engine's answer to an incident command
type CommandReply struct {
	OK    bool          `json:"ok"`
	State IncidentState `json:"state,omitempty"`
	Error string        `json:"error,omitempty"`
}
