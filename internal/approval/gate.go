package approval

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// maxPending bounds the number of simultaneously pending requests; Submit
// returns ErrQueueFull once the durable pending count reaches this.
const maxPending = 1000

// ErrQueueFull is returned by Submit when the pending queue is saturated.
var ErrQueueFull = queueFullError{}

type queueFullError struct{}

func (queueFullError) Error() string { return "approval: pending queue full" }

// ErrAlreadyDecided is returned by Decide when actorID already has a
// decision on record for the request (invariant A3).
var ErrAlreadyDecided = alreadyDecidedError{}

type alreadyDecidedError struct{}

func (alreadyDecidedError) Error() string { return "approval: actor already decided this request" }

// ErrNotPending is returned by Decide/Bypass/Cancel when the request is no
// longer in the pending state.
var ErrNotPending = notPendingError{}

type notPendingError struct{}

func (notPendingError) Error() string { return "approval: request is not pending" }

// ErrSelfApproval is returned by Decide when actorID is the request's own
// requester and the resolved policy does not allow self-approval.
var ErrSelfApproval = selfApprovalError{}

type selfApprovalError struct{}

func (selfApprovalError) Error() string { return "approval: self-approval not permitted by policy" }

// ErrBypassNotAllowed is returned by Bypass when the resolved policy
// forbids bypass, or actorID holds none of the policy's bypass roles.
var ErrBypassNotAllowed = bypassNotAllowedError{}

type bypassNotAllowedError struct{}

func (bypassNotAllowedError) Error() string { return "approval: actor not permitted to bypass" }

// Publisher is the narrow event-emission surface the gate needs. Defined
// locally so this package never imports the event bus directly.
type Publisher interface {
	PublishApprovalEvent(topic, requestID string, payload map[string]interface{})
}

// RoleChecker resolves whether a user holds a named role, standing in for
// the external role directory. Emergency bypass and policy role matching
// both go through this contract rather than a stubbed allow-list.
type RoleChecker interface {
	HasRole(userID, role string) bool
}

// Gate is the Approval Gate (C3): a policy-driven state machine guarding
// critical operations behind human decision, with timeout, escalation,
// and audited emergency bypass.
type Gate struct {
	store    *Store
	policies *PolicyStore
	bus      Publisher
	roles    RoleChecker

	mu     sync.Mutex
	timers map[string]*time.Timer
}

// NewGate constructs a Gate and reloads any requests left pending from a
// prior run, re-arming their timeout timers.
func NewGate(store *Store, policies *PolicyStore, bus Publisher, roles RoleChecker) (*Gate, error) {
	g := &Gate{
		store:    store,
		policies: policies,
		bus:      bus,
		roles:    roles,
		timers:   make(map[string]*time.Timer),
	}

	pending, err := store.AllPending()
	if err != nil {
		return nil, fmt.Errorf("approval: load pending: %w", err)
	}
	for _, r := range pending {
		g.arm(r)
	}
	return g, nil
}

// Submit resolves the applicable policy for the operation and creates a
// new pending request, arming its timeout and reminder schedule.
func (g *Gate) Submit(op OperationDescriptor, requesterID, requesterRole string, reqCtx RequestContext, opts *SubmitOptions) (*Request, error) {
	n, err := g.store.CountPending()
	if err != nil {
		return nil, fmt.Errorf("approval: submit: %w", err)
	}
	if n >= maxPending {
		return nil, ErrQueueFull
	}

	policy, err := g.policies.Resolve(requestTypeFor(op), op.Risk, op.Resource, requesterRole)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	requiredCount := policy.RequiredCount
	var approvers []string
	timeoutMs := int64(policy.TimeoutMinutes) * 60_000
	if opts != nil {
		if opts.RequiredCount != nil {
			requiredCount = *opts.RequiredCount
		}
		if opts.Approvers != nil {
			approvers = opts.Approvers
		}
		if opts.TimeoutMs != nil {
			timeoutMs = *opts.TimeoutMs
		}
	}
	if requiredCount < 1 {
		requiredCount = 1
	}

	r := &Request{
		ID:            uuid.New().String(),
		Type:          requestTypeFor(op),
		Level:         policy.Level,
		State:         StatePending,
		Title:         op.Action,
		Description:   op.Resource,
		RequesterID:   requesterID,
		PolicyName:    policy.Name,
		RequestedAt:   now,
		Operation:     op,
		Approvers:     approvers,
		RequiredCount: requiredCount,
		ExpiresAt:     now.Add(time.Duration(timeoutMs) * time.Millisecond),
		TimeoutMs:     timeoutMs,
		Context:       reqCtx,
	}

	if err := g.store.SaveRequest(r); err != nil {
		return nil, err
	}
	g.store.AppendAudit(AuditEntry{RequestID: r.ID, Verb: VerbRequestSubmitted, Actor: requesterID, Timestamp: now})

	g.arm(r)
	g.publish("approval:required", r)
	return r, nil
}

// requestTypeFor reads the request's closed-enum type from op.Action,
// which callers set to a RequestType value. The string is cast as is;
// free-form action text is not mapped onto a type.
func requestTypeFor(op OperationDescriptor) RequestType {
	return RequestType(op.Action)
}

// Decide records an approver's choice. A reject transitions the request
// to rejected immediately regardless of outstanding approvers (veto
// semantics, invariant A2). An approve only resolves the request once
// required-count approvals have accumulated with zero rejects (A1).
func (g *Gate) Decide(requestID, actorID string, choice Choice, reason string) (*Request, error) {
	r, err := g.store.GetRequest(requestID)
	if err != nil {
		return nil, err
	}
	if r == nil {
		return nil, ErrNotFound
	}
	if r.State != StatePending {
		return nil, ErrNotPending
	}
	if r.HasDecidedBy(actorID) {
		return nil, ErrAlreadyDecided
	}

	policy, polErr := g.policies.ByName(r.PolicyName)
	allowSelf := polErr == nil && policy.AllowSelfApproval
	if actorID == r.RequesterID && !allowSelf {
		return nil, ErrSelfApproval
	}

	now := time.Now()
	d := Decision{RequestID: requestID, DeciderID: actorID, Choice: choice, Reason: reason, Timestamp: now}
	r.Decisions = append(r.Decisions, d)

	verb := VerbDecisionApprove
	if choice == ChoiceReject {
		verb = VerbDecisionReject
	}
	g.store.AppendAudit(AuditEntry{RequestID: requestID, Verb: verb, Actor: actorID, Timestamp: now,
		Details: map[string]interface{}{"reason": reason}})
	if err := g.store.SaveDecision(d); err != nil {
		return nil, err
	}

	switch {
	case r.RejectCount() > 0:
		g.resolve(r, StateRejected, now)
		g.publish("approval:rejected", r)
	case r.ApproveCount() >= r.RequiredCount:
		g.resolve(r, StateApproved, now)
		g.publish("approval:granted", r)
	default:
		if err := g.store.SaveRequest(r); err != nil {
			return nil, err
		}
	}

	g.publish("approval:decided", r)
	return r, nil
}

// Bypass grants emergency override without waiting on decisions. Only
// permitted when the resolved policy allows bypass and actorID holds one
// of its bypass roles per the role oracle. Recorded at critical severity.
func (g *Gate) Bypass(requestID, actorID, reason string) (*Request, error) {
	r, err := g.store.GetRequest(requestID)
	if err != nil {
		return nil, err
	}
	if r == nil {
		return nil, ErrNotFound
	}
	if r.State != StatePending {
		return nil, ErrNotPending
	}

	policy, err := g.policies.ByName(r.PolicyName)
	if err != nil || !policy.AllowBypass {
		return nil, ErrBypassNotAllowed
	}
	if !g.actorHasAnyRole(actorID, policy.BypassRoles) {
		return nil, ErrBypassNotAllowed
	}

	now := time.Now()
	r.Bypass = &Bypass{ActorID: actorID, Reason: reason, At: now}
	g.resolve(r, StateBypassed, now)

	g.store.AppendAudit(AuditEntry{RequestID: requestID, Verb: VerbEmergencyBypass, Actor: actorID, Timestamp: now,
		Details: map[string]interface{}{"reason": reason, "severity": AuditSeverityCritical}})
	g.publish("approval:bypassed", r)
	return r, nil
}

func (g *Gate) actorHasAnyRole(actorID string, roles []string) bool {
	if g.roles == nil {
		return false
	}
	for _, role := range roles {
		if g.roles.HasRole(actorID, role) {
			return true
		}
	}
	return false
}

// Cancel withdraws a pending request, e.g. when the requester's task is
// itself cancelled upstream.
func (g *Gate) Cancel(requestID, actorID string) (*Request, error) {
	r, err := g.store.GetRequest(requestID)
	if err != nil {
		return nil, err
	}
	if r == nil {
		return nil, ErrNotFound
	}
	if r.State != StatePending {
		return nil, ErrNotPending
	}

	now := time.Now()
	g.resolve(r, StateCancelled, now)
	g.store.AppendAudit(AuditEntry{RequestID: requestID, Verb: VerbCancelled, Actor: actorID, Timestamp: now})
	return r, nil
}

// PendingFor returns the requests awaiting userID's decision or requested
// by userID.
func (g *Gate) PendingFor(userID string) ([]*Request, error) {
	return g.store.PendingForUser(userID)
}

// History returns a request's full audit trail, oldest first.
func (g *Gate) History(requestID string) ([]AuditEntry, error) {
	return g.store.AuditLog(requestID)
}

// Statistics counts the currently pending requests by state, type and
// level. window is copied onto the result and filters nothing; resolved
// requests are not counted, and the average, bypass and escalation
// fields are left at zero.
func (g *Gate) Statistics(window time.Duration) (*Statistics, error) {
	pending, err := g.store.AllPending()
	if err != nil {
		return nil, err
	}
	stats := &Statistics{
		Window:       window,
		CountByState: make(map[State]int),
		CountByType:  make(map[RequestType]int),
		CountByLevel: make(map[Level]int),
	}
	for _, r := range pending {
		stats.CountByState[r.State]++
		stats.CountByType[r.Type]++
		stats.CountByLevel[r.Level]++
	}
	return stats, nil
}

// resolve transitions r to a terminal state, stops its timer, and
// persists the result.
func (g *Gate) resolve(r *Request, state State, at time.Time) {
	r.State = state
	r.ResolvedAt = &at
	g.disarm(r.ID)
	if err := g.store.SaveRequest(r); err != nil {
		log.Printf("[APPROVAL] persist resolved request %s: %v", r.ID, err)
	}
}

// arm schedules the request's expiry (and, transitively, reminders) via
// time.AfterFunc rather than a polling loop.
func (g *Gate) arm(r *Request) {
	g.mu.Lock()
	defer g.mu.Unlock()

	remaining := time.Until(r.ExpiresAt)
	if remaining <= 0 {
		go g.expire(r.ID)
		return
	}
	g.timers[r.ID] = time.AfterFunc(remaining, func() { g.expire(r.ID) })

	policy, err := g.policies.ByName(r.PolicyName)
	if err != nil {
		return
	}
	for _, minutes := range policy.ReminderIntervals {
		fireAt := r.RequestedAt.Add(time.Duration(minutes) * time.Minute)
		delay := time.Until(fireAt)
		if delay <= 0 || fireAt.After(r.ExpiresAt) {
			continue
		}
		id := r.ID
		time.AfterFunc(delay, func() { g.remind(id) })
	}
}

func (g *Gate) disarm(requestID string) {
	g.mu.Lock()
	t, ok := g.timers[requestID]
	delete(g.timers, requestID)
	g.mu.Unlock()
	if ok {
		t.Stop()
	}
}

func (g *Gate) expire(requestID string) {
	g.mu.Lock()
	delete(g.timers, requestID)
	g.mu.Unlock()

	r, err := g.store.GetRequest(requestID)
	if err != nil || r == nil || r.State != StatePending {
		return
	}

	now := time.Now()
	policy, polErr := g.policies.ByName(r.PolicyName)
	if polErr == nil && policy.EscalationNotify && r.EscalationLevel < 1 {
		r.EscalationLevel++
		r.EscalationHistory = append(r.EscalationHistory, EscalationEntry{
			Level: r.EscalationLevel, At: now, Notified: policy.EscalationRecipients,
		})
		g.store.AppendAudit(AuditEntry{RequestID: requestID, Verb: VerbEscalated, Actor: "system", Timestamp: now})
		g.publish("approval:escalated", r)
	}

	r.State = StateExpired
	r.ResolvedAt = &now
	if err := g.store.SaveRequest(r); err != nil {
		log.Printf("[APPROVAL] persist expired request %s: %v", requestID, err)
	}
	g.store.AppendAudit(AuditEntry{RequestID: requestID, Verb: VerbRequestExpired, Actor: "system", Timestamp: now})
	g.publish("approval:expired", r)
}

func (g *Gate) remind(requestID string) {
	r, err := g.store.GetRequest(requestID)
	if err != nil || r == nil || r.State != StatePending {
		return
	}
	g.store.AppendAudit(AuditEntry{RequestID: requestID, Verb: VerbReminderSent, Actor: "system", Timestamp: time.Now()})
	g.publish("approval:reminder", r)
}

func (g *Gate) publish(topic string, r *Request) {
	if g.bus == nil {
		return
	}
	g.bus.PublishApprovalEvent(topic, r.ID, map[string]interface{}{
		"type":  r.Type,
		"state": r.State,
		"level": r.Level,
	})
}
