package approval

import (
	"database/sql"
	"testing"
	"time"

	_ "modernc.org/sqlite"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	schema := []string{
		`CREATE TABLE approval_requests (
			id TEXT PRIMARY KEY, type TEXT, level TEXT, state TEXT, title TEXT, description TEXT,
			requester_id TEXT, policy_name TEXT, requested_at DATETIME, operation TEXT, approvers TEXT, required_count INTEGER,
			expires_at DATETIME, timeout_ms INTEGER, context TEXT, escalation_level INTEGER,
			escalation_history TEXT, bypass_actor TEXT, bypass_reason TEXT, bypass_at DATETIME, resolved_at DATETIME
		)`,
		`CREATE TABLE approval_decisions (
			id TEXT PRIMARY KEY, request_id TEXT, decider_id TEXT, choice TEXT, reason TEXT, decided_at DATETIME
		)`,
		`CREATE TABLE approval_audit (
			id TEXT PRIMARY KEY, request_id TEXT, verb TEXT, actor TEXT, details TEXT, created_at DATETIME
		)`,
	}
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			t.Fatalf("schema: %v", err)
		}
	}
	return NewStore(db)
}

type recordingBus struct {
	events []string
}

func (b *recordingBus) PublishApprovalEvent(topic, requestID string, payload map[string]interface{}) {
	b.events = append(b.events, topic)
}

type staticRoles struct {
	grants map[string][]string
}

func (s *staticRoles) HasRole(userID, role string) bool {
	for _, r := range s.grants[userID] {
		if r == role {
			return true
		}
	}
	return false
}

func dbChangePolicy() *Policy {
	return &Policy{
		Name:           "database-changes",
		Priority:       10,
		CreatedAt:      time.Now(),
		Types:          []RequestType{TypeDatabaseChanges},
		RiskLevels:     []Risk{RiskHigh, RiskMedium},
		Level:          LevelAdmin,
		RequiredCount:  2,
		TimeoutMinutes: 60,
	}
}

func deployPolicy() *Policy {
	return &Policy{
		Name:           "code-deployment",
		Priority:       10,
		CreatedAt:      time.Now(),
		Types:          []RequestType{TypeCodeDeployment},
		RiskLevels:     []Risk{RiskMedium, RiskHigh},
		Level:          LevelAdmin,
		RequiredCount:  1,
		TimeoutMinutes: 60,
		AllowBypass:    true,
		BypassRoles:    []string{"admin"},
	}
}

// roleScopedDeployPolicy only matches requesters submitting as "engineer",
// unlike deployPolicy's wide-open UserRoles. It exists to catch any
// re-resolution that passes a blank or different role than the one that
// actually matched at Submit.
func roleScopedDeployPolicy() *Policy {
	return &Policy{
		Name:           "role-scoped-deployment",
		Priority:       10,
		CreatedAt:      time.Now(),
		Types:          []RequestType{TypeCodeDeployment},
		RiskLevels:     []Risk{RiskMedium, RiskHigh},
		UserRoles:      []string{"engineer"},
		Level:          LevelAdmin,
		RequiredCount:  1,
		TimeoutMinutes: 60,
		AllowBypass:    true,
		BypassRoles:    []string{"admin"},
	}
}

func TestSubmitAndApprove(t *testing.T) {
	store := newTestStore(t)
	policies := NewPolicyStore([]*Policy{deployPolicy()})
	bus := &recordingBus{}
	g, err := NewGate(store, policies, bus, nil)
	if err != nil {
		t.Fatalf("NewGate: %v", err)
	}

	op := OperationDescriptor{Action: string(TypeCodeDeployment), Resource: "svc/api", Risk: RiskMedium}
	r, err := g.Submit(op, "alice", "engineer", RequestContext{UserID: "alice"}, nil)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if r.State != StatePending {
		t.Fatalf("state = %s, want pending", r.State)
	}

	r, err = g.Decide(r.ID, "bob", ChoiceApprove, "looks fine")
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if r.State != StateApproved {
		t.Fatalf("state = %s, want approved", r.State)
	}
}

// TestVeto mirrors the three-approver database-change scenario: a single
// rejection resolves the request immediately, and a later decision from
// the third approver is rejected as not-pending.
func TestVeto(t *testing.T) {
	store := newTestStore(t)
	policies := NewPolicyStore([]*Policy{dbChangePolicy()})
	g, err := NewGate(store, policies, &recordingBus{}, nil)
	if err != nil {
		t.Fatalf("NewGate: %v", err)
	}

	op := OperationDescriptor{Action: string(TypeDatabaseChanges), Resource: "db/prod", Risk: RiskHigh}
	opts := &SubmitOptions{Approvers: []string{"alpha", "beta", "gamma"}}
	r, err := g.Submit(op, "requester", "engineer", RequestContext{}, opts)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	if _, err := g.Decide(r.ID, "alpha", ChoiceApprove, ""); err != nil {
		t.Fatalf("alpha decide: %v", err)
	}
	r, err = g.Decide(r.ID, "beta", ChoiceReject, "not reviewed")
	if err != nil {
		t.Fatalf("beta decide: %v", err)
	}
	if r.State != StateRejected {
		t.Fatalf("state = %s, want rejected", r.State)
	}

	if _, err := g.Decide(r.ID, "gamma", ChoiceApprove, ""); err != ErrNotPending {
		t.Fatalf("gamma decide: got %v, want ErrNotPending", err)
	}
}

func TestSelfApprovalRejectedByDefault(t *testing.T) {
	store := newTestStore(t)
	policies := NewPolicyStore([]*Policy{deployPolicy()})
	g, err := NewGate(store, policies, &recordingBus{}, nil)
	if err != nil {
		t.Fatalf("NewGate: %v", err)
	}

	op := OperationDescriptor{Action: string(TypeCodeDeployment), Resource: "svc/api", Risk: RiskMedium}
	r, err := g.Submit(op, "alice", "engineer", RequestContext{}, nil)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	if _, err := g.Decide(r.ID, "alice", ChoiceApprove, ""); err != ErrSelfApproval {
		t.Fatalf("Decide: got %v, want ErrSelfApproval", err)
	}
}

func TestSelfApprovalAllowedWhenPolicySaysSo(t *testing.T) {
	store := newTestStore(t)
	p := deployPolicy()
	p.AllowSelfApproval = true
	policies := NewPolicyStore([]*Policy{p})
	g, err := NewGate(store, policies, &recordingBus{}, nil)
	if err != nil {
		t.Fatalf("NewGate: %v", err)
	}

	op := OperationDescriptor{Action: string(TypeCodeDeployment), Resource: "svc/api", Risk: RiskMedium}
	r, err := g.Submit(op, "alice", "engineer", RequestContext{}, nil)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	r, err = g.Decide(r.ID, "alice", ChoiceApprove, "")
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if r.State != StateApproved {
		t.Fatalf("state = %s, want approved", r.State)
	}
}

func TestDoubleDecisionRejected(t *testing.T) {
	store := newTestStore(t)
	p := dbChangePolicy()
	policies := NewPolicyStore([]*Policy{p})
	g, err := NewGate(store, policies, &recordingBus{}, nil)
	if err != nil {
		t.Fatalf("NewGate: %v", err)
	}

	op := OperationDescriptor{Action: string(TypeDatabaseChanges), Resource: "db/prod", Risk: RiskHigh}
	r, err := g.Submit(op, "requester", "engineer", RequestContext{}, nil)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	if _, err := g.Decide(r.ID, "alpha", ChoiceApprove, ""); err != nil {
		t.Fatalf("first decide: %v", err)
	}
	if _, err := g.Decide(r.ID, "alpha", ChoiceApprove, ""); err != ErrAlreadyDecided {
		t.Fatalf("second decide: got %v, want ErrAlreadyDecided", err)
	}
}

func TestBypassRequiresRole(t *testing.T) {
	store := newTestStore(t)
	policies := NewPolicyStore([]*Policy{deployPolicy()})
	roles := &staticRoles{grants: map[string][]string{"oncall": {"admin"}}}
	g, err := NewGate(store, policies, &recordingBus{}, roles)
	if err != nil {
		t.Fatalf("NewGate: %v", err)
	}

	op := OperationDescriptor{Action: string(TypeCodeDeployment), Resource: "svc/api", Risk: RiskMedium}
	r, err := g.Submit(op, "alice", "engineer", RequestContext{}, nil)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	if _, err := g.Bypass(r.ID, "nobody", "urgent"); err != ErrBypassNotAllowed {
		t.Fatalf("Bypass by nobody: got %v, want ErrBypassNotAllowed", err)
	}

	r, err = g.Bypass(r.ID, "oncall", "prod is down")
	if err != nil {
		t.Fatalf("Bypass by oncall: %v", err)
	}
	if r.State != StateBypassed {
		t.Fatalf("state = %s, want bypassed", r.State)
	}
	if r.Bypass == nil || r.Bypass.Reason != "prod is down" {
		t.Fatalf("bypass record missing or wrong reason: %+v", r.Bypass)
	}

	log, err := g.History(r.ID)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	found := false
	for _, e := range log {
		if e.Verb == VerbEmergencyBypass {
			found = true
		}
	}
	if !found {
		t.Fatal("expected emergency_bypass audit entry")
	}
}

// TestBypassWithRoleScopedPolicy submits against a policy whose UserRoles
// only match the submitting role ("engineer"), then bypasses it. Bypass
// must reuse the policy Submit actually resolved rather than
// re-resolving with a blank role, which would never match UserRoles and
// would wrongly return ErrBypassNotAllowed.
func TestBypassWithRoleScopedPolicy(t *testing.T) {
	store := newTestStore(t)
	policies := NewPolicyStore([]*Policy{roleScopedDeployPolicy()})
	roles := &staticRoles{grants: map[string][]string{"oncall": {"admin"}}}
	g, err := NewGate(store, policies, &recordingBus{}, roles)
	if err != nil {
		t.Fatalf("NewGate: %v", err)
	}

	op := OperationDescriptor{Action: string(TypeCodeDeployment), Resource: "svc/api", Risk: RiskMedium}
	r, err := g.Submit(op, "alice", "engineer", RequestContext{}, nil)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if r.PolicyName != "role-scoped-deployment" {
		t.Fatalf("PolicyName = %q, want role-scoped-deployment", r.PolicyName)
	}

	r, err = g.Bypass(r.ID, "oncall", "prod is down")
	if err != nil {
		t.Fatalf("Bypass: %v", err)
	}
	if r.State != StateBypassed {
		t.Fatalf("state = %s, want bypassed", r.State)
	}
}

func TestExpiryOnShortTimeout(t *testing.T) {
	store := newTestStore(t)
	p := deployPolicy()
	p.TimeoutMinutes = 0
	policies := NewPolicyStore([]*Policy{p})
	g, err := NewGate(store, policies, &recordingBus{}, nil)
	if err != nil {
		t.Fatalf("NewGate: %v", err)
	}

	op := OperationDescriptor{Action: string(TypeCodeDeployment), Resource: "svc/api", Risk: RiskMedium}
	opts := &SubmitOptions{TimeoutMs: int64p(5)}
	r, err := g.Submit(op, "alice", "engineer", RequestContext{}, opts)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		got, err := store.GetRequest(r.ID)
		if err != nil {
			t.Fatalf("GetRequest: %v", err)
		}
		if got.State == StateExpired {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("request never expired, state = %s", got.State)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func int64p(v int64) *int64 { return &v }
