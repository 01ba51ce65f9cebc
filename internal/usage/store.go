package usage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Store persists Usage Records and Alerts to the durable relational store.
type Store struct {
	db *sql.DB
}

// NewStore wraps a *sql.DB already migrated with the shared kernel schema.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// ErrDuplicateRecord is returned by SaveRecord when a record with the same
// id has already been tracked.
var ErrDuplicateRecord = fmt.Errorf("usage: record id already tracked")

// SaveRecord inserts r. Re-submission of the same id is idempotent: it is
// rejected with ErrDuplicateRecord rather than double-counted.
func (s *Store) SaveRecord(r *Record) error {
	var exists int
	if err := s.db.QueryRow(`SELECT COUNT(1) FROM ai_usage_metrics WHERE id = ?`, r.ID).Scan(&exists); err != nil {
		return fmt.Errorf("usage: check existing record: %w", err)
	}
	if exists > 0 {
		return ErrDuplicateRecord
	}

	metadata, _ := json.Marshal(r.Metadata)
	_, err := s.db.Exec(`
		INSERT INTO ai_usage_metrics
			(id, agent_id, agent_type, model, input_tokens, output_tokens, duration_ms, cost, user_id, session_id, task_id, terminated, estimated, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, r.ID, r.AgentID, r.AgentType, r.ModelClass, r.InputTokens, r.OutputTokens, r.DurationMs, r.Cost,
		r.UserID, r.SessionID, r.TaskID, r.Terminated, r.Estimated, string(metadata), r.Timestamp)
	if err != nil {
		return fmt.Errorf("usage: insert record: %w", err)
	}
	return nil
}

// RecordsForAgent returns up to limit most-recent records for agentID,
// newest first.
func (s *Store) RecordsForAgent(agentID string, limit int) ([]*Record, error) {
	rows, err := s.db.Query(`
		SELECT id, agent_id, agent_type, model, input_tokens, output_tokens, duration_ms, cost, user_id, session_id, task_id, terminated, estimated, metadata, created_at
		FROM ai_usage_metrics WHERE agent_id = ? ORDER BY created_at DESC LIMIT ?
	`, agentID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRecords(rows)
}

// RecordsInRange returns every record for userID with created_at in
// [start, end).
func (s *Store) RecordsInRange(userID string, start, end time.Time) ([]*Record, error) {
	rows, err := s.db.Query(`
		SELECT id, agent_id, agent_type, model, input_tokens, output_tokens, duration_ms, cost, user_id, session_id, task_id, terminated, estimated, metadata, created_at
		FROM ai_usage_metrics WHERE user_id = ? AND created_at >= ? AND created_at < ? ORDER BY created_at
	`, userID, start, end)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRecords(rows)
}

// PruneOlderThan deletes records whose created_at is before cutoff,
// implementing the 90-day retention sweep.
func (s *Store) PruneOlderThan(cutoff time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM ai_usage_metrics WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func scanRecords(rows *sql.Rows) ([]*Record, error) {
	var out []*Record
	for rows.Next() {
		var r Record
		var metadata sql.NullString
		var sessionID, taskID sql.NullString
		if err := rows.Scan(&r.ID, &r.AgentID, &r.AgentType, &r.ModelClass, &r.InputTokens, &r.OutputTokens,
			&r.DurationMs, &r.Cost, &r.UserID, &sessionID, &taskID, &r.Terminated, &r.Estimated, &metadata, &r.Timestamp); err != nil {
			return nil, err
		}
		r.SessionID = sessionID.String
		r.TaskID = taskID.String
		if metadata.Valid && metadata.String != "" {
			json.Unmarshal([]byte(metadata.String), &r.Metadata)
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

// SaveAlert persists a newly raised alert.
func (s *Store) SaveAlert(a *Alert) error {
	_, err := s.db.Exec(`
		INSERT INTO ai_usage_alerts (id, user_id, type, series, level, threshold, current_usage, limit_value, message, acknowledged, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, a.ID, a.UserID, a.Kind, a.Series, a.Level, a.Threshold, a.ObservedValue, a.Limit, a.Message, a.Acknowledged, a.Timestamp)
	return err
}

// AlertRaisedThisWeek reports whether a threshold alert for (userID,
// series, threshold) already exists within [weekStart, weekStart+7d).
func (s *Store) AlertRaisedThisWeek(userID, series string, threshold float64, weekStart time.Time) (bool, error) {
	var count int
	err := s.db.QueryRow(`
		SELECT COUNT(1) FROM ai_usage_alerts
		WHERE user_id = ? AND series = ? AND threshold = ? AND created_at >= ? AND created_at < ?
	`, userID, series, threshold, weekStart, weekStart.AddDate(0, 0, 7)).Scan(&count)
	return count > 0, err
}

// Alerts returns alerts matching filter, most recent first.
func (s *Store) Alerts(filter AlertFilter) ([]Alert, error) {
	query := `SELECT id, user_id, type, series, level, threshold, current_usage, limit_value, message, acknowledged, acknowledged_at, acknowledged_by, created_at FROM ai_usage_alerts WHERE 1=1`
	var args []interface{}
	if filter.UserID != "" {
		query += ` AND user_id = ?`
		args = append(args, filter.UserID)
	}
	if filter.Acknowledged != nil {
		query += ` AND acknowledged = ?`
		args = append(args, *filter.Acknowledged)
	}
	if filter.Level != "" {
		query += ` AND level = ?`
		args = append(args, filter.Level)
	}
	query += ` ORDER BY created_at DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Alert
	for rows.Next() {
		var a Alert
		var series sql.NullString
		var ackAt sql.NullTime
		var ackBy sql.NullString
		if err := rows.Scan(&a.ID, &a.UserID, &a.Kind, &series, &a.Level, &a.Threshold, &a.ObservedValue, &a.Limit,
			&a.Message, &a.Acknowledged, &ackAt, &ackBy, &a.Timestamp); err != nil {
			return nil, err
		}
		a.Series = series.String
		if ackAt.Valid {
			a.AcknowledgedAt = &ackAt.Time
		}
		a.AcknowledgedBy = ackBy.String
		out = append(out, a)
	}
	return out, rows.Err()
}

// AcknowledgeAlert marks alertID acknowledged by actorID. Idempotent.
func (s *Store) AcknowledgeAlert(alertID, actorID string) (bool, error) {
	res, err := s.db.Exec(`
		UPDATE ai_usage_alerts SET acknowledged = 1, acknowledged_at = ?, acknowledged_by = ?
		WHERE id = ? AND acknowledged = 0
	`, time.Now(), actorID, alertID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}
