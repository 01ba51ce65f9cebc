package approval

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Store persists approval requests, decisions, and the audit log to the
// durable relational store.
type Store struct {
	db *sql.DB
}

// NewStore wraps a *sql.DB already migrated with the shared kernel schema.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// SaveRequest upserts a request's current state.
func (s *Store) SaveRequest(r *Request) error {
	operation, _ := json.Marshal(r.Operation)
	approvers, _ := json.Marshal(r.Approvers)
	context, _ := json.Marshal(r.Context)
	escalation, _ := json.Marshal(r.EscalationHistory)

	var bypassActor, bypassReason sql.NullString
	var bypassAt sql.NullTime
	if r.Bypass != nil {
		bypassActor = sql.NullString{String: r.Bypass.ActorID, Valid: true}
		bypassReason = sql.NullString{String: r.Bypass.Reason, Valid: true}
		bypassAt = sql.NullTime{Time: r.Bypass.At, Valid: true}
	}
	var resolvedAt sql.NullTime
	if r.ResolvedAt != nil {
		resolvedAt = sql.NullTime{Time: *r.ResolvedAt, Valid: true}
	}

	_, err := s.db.Exec(`
		INSERT INTO approval_requests
			(id, type, level, state, title, description, requester_id, policy_name, requested_at, operation, approvers, required_count, expires_at, timeout_ms, context, escalation_level, escalation_history, bypass_actor, bypass_reason, bypass_at, resolved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state=excluded.state,
			escalation_level=excluded.escalation_level,
			escalation_history=excluded.escalation_history,
			bypass_actor=excluded.bypass_actor,
			bypass_reason=excluded.bypass_reason,
			bypass_at=excluded.bypass_at,
			resolved_at=excluded.resolved_at
	`, r.ID, r.Type, r.Level, r.State, r.Title, r.Description, r.RequesterID, r.PolicyName, r.RequestedAt,
		string(operation), string(approvers), r.RequiredCount, r.ExpiresAt, r.TimeoutMs, string(context),
		r.EscalationLevel, string(escalation), bypassActor, bypassReason, bypassAt, resolvedAt)
	if err != nil {
		return fmt.Errorf("approval: save request: %w", err)
	}
	return nil
}

// GetRequest loads a request by id, or nil if not found.
func (s *Store) GetRequest(id string) (*Request, error) {
	row := s.db.QueryRow(`
		SELECT id, type, level, state, title, description, requester_id, policy_name, requested_at, operation, approvers, required_count, expires_at, timeout_ms, context, escalation_level, escalation_history, bypass_actor, bypass_reason, bypass_at, resolved_at
		FROM approval_requests WHERE id = ?
	`, id)
	r, err := scanRequest(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	decisions, err := s.Decisions(id)
	if err != nil {
		return nil, err
	}
	r.Decisions = decisions
	return r, nil
}

// PendingForUser returns pending requests where userID is an approver or
// the requester, ordered by requested_at ascending.
func (s *Store) PendingForUser(userID string) ([]*Request, error) {
	rows, err := s.db.Query(`
		SELECT id, type, level, state, title, description, requester_id, policy_name, requested_at, operation, approvers, required_count, expires_at, timeout_ms, context, escalation_level, escalation_history, bypass_actor, bypass_reason, bypass_at, resolved_at
		FROM approval_requests WHERE state = 'pending' ORDER BY requested_at ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Request
	for rows.Next() {
		r, err := scanRequest(rows.Scan)
		if err != nil {
			return nil, err
		}
		if r.RequesterID == userID || containsStr(r.Approvers, userID) {
			out = append(out, r)
		}
	}
	return out, rows.Err()
}

// AllPending returns every pending request, used by the gate to reload
// its in-memory scheduling state after a restart.
func (s *Store) AllPending() ([]*Request, error) {
	rows, err := s.db.Query(`
		SELECT id, type, level, state, title, description, requester_id, policy_name, requested_at, operation, approvers, required_count, expires_at, timeout_ms, context, escalation_level, escalation_history, bypass_actor, bypass_reason, bypass_at, resolved_at
		FROM approval_requests WHERE state = 'pending'
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Request
	for rows.Next() {
		r, err := scanRequest(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanRequest(scan func(dest ...interface{}) error) (*Request, error) {
	var r Request
	var operation, approvers, context, escalation sql.NullString
	var bypassActor, bypassReason sql.NullString
	var bypassAt, resolvedAt sql.NullTime
	var policyName sql.NullString

	err := scan(&r.ID, &r.Type, &r.Level, &r.State, &r.Title, &r.Description, &r.RequesterID, &policyName, &r.RequestedAt,
		&operation, &approvers, &r.RequiredCount, &r.ExpiresAt, &r.TimeoutMs, &context,
		&r.EscalationLevel, &escalation, &bypassActor, &bypassReason, &bypassAt, &resolvedAt)
	if err != nil {
		return nil, err
	}
	r.PolicyName = policyName.String

	if operation.Valid {
		json.Unmarshal([]byte(operation.String), &r.Operation)
	}
	if approvers.Valid {
		json.Unmarshal([]byte(approvers.String), &r.Approvers)
	}
	if context.Valid {
		json.Unmarshal([]byte(context.String), &r.Context)
	}
	if escalation.Valid {
		json.Unmarshal([]byte(escalation.String), &r.EscalationHistory)
	}
	if bypassActor.Valid {
		r.Bypass = &Bypass{ActorID: bypassActor.String, Reason: bypassReason.String, At: bypassAt.Time}
	}
	if resolvedAt.Valid {
		r.ResolvedAt = &resolvedAt.Time
	}

	return &r, nil
}

func containsStr(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

// SaveDecision appends a decision row.
func (s *Store) SaveDecision(d Decision) error {
	_, err := s.db.Exec(`
		INSERT INTO approval_decisions (id, request_id, decider_id, choice, reason, decided_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, uuid.New().String(), d.RequestID, d.DeciderID, d.Choice, d.Reason, d.Timestamp)
	return err
}

// Decisions returns every decision recorded against requestID.
func (s *Store) Decisions(requestID string) ([]Decision, error) {
	rows, err := s.db.Query(`
		SELECT request_id, decider_id, choice, reason, decided_at FROM approval_decisions
		WHERE request_id = ? ORDER BY decided_at ASC
	`, requestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Decision
	for rows.Next() {
		var d Decision
		var reason sql.NullString
		if err := rows.Scan(&d.RequestID, &d.DeciderID, &d.Choice, &reason, &d.Timestamp); err != nil {
			return nil, err
		}
		d.Reason = reason.String
		out = append(out, d)
	}
	return out, rows.Err()
}

// AppendAudit writes one append-only audit entry.
func (s *Store) AppendAudit(e AuditEntry) error {
	details, _ := json.Marshal(e.Details)
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	_, err := s.db.Exec(`
		INSERT INTO approval_audit (id, request_id, verb, actor, details, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, e.ID, e.RequestID, e.Verb, e.Actor, string(details), e.Timestamp)
	return err
}

// AuditLog returns the full audit trail for a request, oldest first.
func (s *Store) AuditLog(requestID string) ([]AuditEntry, error) {
	rows, err := s.db.Query(`
		SELECT id, request_id, verb, actor, details, created_at FROM approval_audit
		WHERE request_id = ? ORDER BY created_at ASC
	`, requestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AuditEntry
	for rows.Next() {
		var e AuditEntry
		var details sql.NullString
		if err := rows.Scan(&e.ID, &e.RequestID, &e.Verb, &e.Actor, &details, &e.Timestamp); err != nil {
			return nil, err
		}
		if details.Valid && details.String != "" {
			json.Unmarshal([]byte(details.String), &e.Details)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// PruneTerminalOlderThan deletes requests (and cascades via caller-side
// decision/audit cleanup) whose resolved_at predates cutoff, implementing
// the 24h working-memory eviction. Audit rows are retained separately per
// the 180-day audit retention policy and are not touched here.
func (s *Store) PruneTerminalOlderThan(cutoff time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM approval_requests WHERE state != 'pending' AND resolved_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// CountPending returns the number of requests currently pending, used to
// enforce the 1000-entry QueueFull boundary.
func (s *Store) CountPending() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(1) FROM approval_requests WHERE state = 'pending'`).Scan(&n)
	return n, err
}
