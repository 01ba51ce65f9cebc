// Package approval implements the kernel's Approval Gate (C3): the state
// machine that guards critical operations behind human decision, with
// timeouts, escalation, emergency bypass, and an append-only audit log.
package approval

import "time"

// RequestType is the closed set of guarded operation categories.
type RequestType string

const (
	TypeCodeDeployment     RequestType = "code-deployment"
	TypeDatabaseChanges    RequestType = "database-changes"
	TypeSystemConfig       RequestType = "system-configuration"
	TypeCostExceeding      RequestType = "cost-exceeding"
	TypeSecurityChanges    RequestType = "security-changes"
	TypeUserDataAccess     RequestType = "user-data-access"
	TypeExternalAPICalls   RequestType = "external-api-calls"
	TypeFileSystemChanges  RequestType = "file-system-changes"
	TypeProductionOps      RequestType = "production-operations"
	TypeEmergencyOverride  RequestType = "emergency-override"
)

// Level is the approval authority tier a policy assigns to a request.
type Level string

const (
	LevelUser      Level = "user"
	LevelAdmin     Level = "admin"
	LevelSecurity  Level = "security"
	LevelEmergency Level = "emergency"
	LevelSystem    Level = "system"
)

// Risk is the operation's risk classification.
type Risk string

const (
	RiskLow      Risk = "low"
	RiskMedium   Risk = "medium"
	RiskHigh     Risk = "high"
	RiskCritical Risk = "critical"
)

// State is the approval request's lifecycle state. Terminal states are
// absorbing sinks.
type State string

const (
	StatePending   State = "pending"
	StateApproved  State = "approved"
	StateRejected  State = "rejected"
	StateExpired   State = "expired"
	StateBypassed  State = "bypassed"
	StateCancelled State = "cancelled"
)

// IsTerminal reports whether s is one of the absorbing sink states.
func (s State) IsTerminal() bool {
	switch s {
	case StateApproved, StateRejected, StateExpired, StateBypassed, StateCancelled:
		return true
	}
	return false
}

// OperationDescriptor is the guarded operation an approval request covers.
type OperationDescriptor struct {
	Action     string `json:"action"`
	Resource   string `json:"resource"`
	Parameters map[string]interface{} `json:"parameters,omitempty"`
	Risk       Risk   `json:"risk"`
	Reversible bool   `json:"reversible"`
}

// RequestContext carries caller-supplied correlation data through the
// lifetime of a request.
type RequestContext struct {
	UserID        string `json:"user_id"`
	SessionID     string `json:"session_id"`
	TaskChainID   string `json:"task_chain_id"`
	CorrelationID string `json:"correlation_id"`
}

// EscalationEntry records one escalation step.
type EscalationEntry struct {
	Level     int       `json:"level"`
	At        time.Time `json:"at"`
	Notified  []string  `json:"notified"`
}

// Bypass records an accepted emergency bypass.
type Bypass struct {
	ActorID string    `json:"actor_id"`
	Reason  string    `json:"reason"`
	At      time.Time `json:"at"`
}

// Decision is one approver's choice on a request.
type Decision struct {
	RequestID string    `json:"request_id"`
	DeciderID string    `json:"decider_id"`
	Choice    Choice    `json:"choice"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Choice is an approver's decision value.
type Choice string

const (
	ChoiceApprove Choice = "approve"
	ChoiceReject  Choice = "reject"
)

// Request is an Approval Request: the durable unit the gate's state
// machine operates over.
type Request struct {
	ID                string            `json:"id"`
	Type              RequestType       `json:"type"`
	Level             Level             `json:"level"`
	State             State             `json:"state"`
	Title             string            `json:"title"`
	Description       string            `json:"description"`
	RequesterID       string            `json:"requester_id"`
	// PolicyName is the policy Submit actually matched. Decide, Bypass,
	// arm, and expire all reuse it by name instead of re-resolving, so a
	// role-scoped policy can't be "lost" by a later lookup that passes a
	// different (or blank) role than the one that matched at submission.
	PolicyName        string            `json:"policy_name"`
	RequestedAt       time.Time         `json:"requested_at"`
	Operation         OperationDescriptor `json:"operation"`
	Approvers         []string          `json:"approvers"`
	RequiredCount     int               `json:"required_count"`
	Decisions         []Decision        `json:"decisions"`
	ExpiresAt         time.Time         `json:"expires_at"`
	TimeoutMs         int64             `json:"timeout_ms"`
	Context           RequestContext    `json:"context"`
	EscalationLevel   int               `json:"escalation_level"`
	EscalationHistory []EscalationEntry `json:"escalation_history"`
	Bypass            *Bypass           `json:"bypass,omitempty"`
	ResolvedAt        *time.Time        `json:"resolved_at,omitempty"`
}

// ApproveCount returns the number of approve decisions recorded.
func (r *Request) ApproveCount() int {
	n := 0
	for _, d := range r.Decisions {
		if d.Choice == ChoiceApprove {
			n++
		}
	}
	return n
}

// RejectCount returns the number of reject decisions recorded.
func (r *Request) RejectCount() int {
	n := 0
	for _, d := range r.Decisions {
		if d.Choice == ChoiceReject {
			n++
		}
	}
	return n
}

// HasDecidedBy reports whether actorID already has a decision on record
// (invariant A3: an approver decides at most once).
func (r *Request) HasDecidedBy(actorID string) bool {
	for _, d := range r.Decisions {
		if d.DeciderID == actorID {
			return true
		}
	}
	return false
}

// AuditEntry is one append-only audit log line for a request.
type AuditEntry struct {
	ID        string                 `json:"id"`
	RequestID string                 `json:"request_id"`
	Verb      string                 `json:"verb"`
	Actor     string                 `json:"actor"`
	Timestamp time.Time              `json:"timestamp"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// Audit verbs, per the spec's fixed vocabulary.
const (
	VerbRequestSubmitted = "request_submitted"
	VerbDecisionApprove  = "decision_approve"
	VerbDecisionReject   = "decision_reject"
	VerbEmergencyBypass  = "emergency_bypass"
	VerbRequestExpired   = "request_expired"
	VerbEscalated        = "escalated"
	VerbReminderSent     = "reminder_sent"
	VerbCancelled        = "cancelled"
)

// AuditSeverityCritical marks the severity recorded against emergency
// bypass audit entries.
const AuditSeverityCritical = "critical"

// Statistics summarizes requests within a window.
type Statistics struct {
	Window           time.Duration    `json:"window_seconds"`
	CountByState     map[State]int    `json:"count_by_state"`
	CountByType      map[RequestType]int `json:"count_by_type"`
	CountByLevel     map[Level]int    `json:"count_by_level"`
	AverageResolveMs float64          `json:"average_resolve_ms"`
	BypassCount      int              `json:"bypass_count"`
	EscalationCount  int              `json:"escalation_count"`
}

// SubmitOptions lets a caller override policy-derived defaults at submit
// time (e.g. for tests or known edge cases); nil uses policy defaults.
type SubmitOptions struct {
	RequiredCount *int
	Approvers     []string
	TimeoutMs     *int64
}
