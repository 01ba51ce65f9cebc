package eventbus

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements EventStore on top of a SQLite database, giving
// the bus durable catch-up delivery across a kernel restart.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore wraps db as an EventStore, creating the events table and
// its indexes if they don't already exist.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("eventbus: init schema: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS events (
		id TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		source TEXT NOT NULL,
		target TEXT NOT NULL,
		priority INTEGER NOT NULL,
		payload TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		delivered_at TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_events_target ON events(target, delivered_at);
	CREATE INDEX IF NOT EXISTS idx_events_type ON events(type);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Save persists event, encoding its payload as JSON.
func (s *SQLiteStore) Save(event *Event) error {
	payload, err := json.Marshal(event.Payload)
	if err != nil {
		return fmt.Errorf("eventbus: marshal payload: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO events (id, type, source, target, priority, payload, created_at, delivered_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, NULL)
	`, event.ID, event.Type, event.Source, event.Target, event.Priority, string(payload), event.CreatedAt)
	if err != nil {
		return fmt.Errorf("eventbus: insert event: %w", err)
	}
	return nil
}

// GetPending returns undelivered events visible to target, oldest and
// highest-priority first. If target is "all" only events explicitly sent
// to "all" are returned; otherwise events sent to target or to "all" are
// both included. An empty types filters nothing.
func (s *SQLiteStore) GetPending(target string, types []EventType) ([]*Event, error) {
	where := []string{"delivered_at IS NULL"}
	var args []interface{}

	if target == "all" {
		where = append(where, "target = ?")
		args = append(args, target)
	} else {
		where = append(where, "(target = ? OR target = 'all')")
		args = append(args, target)
	}

	if len(types) > 0 {
		placeholders := make([]string, len(types))
		for i, t := range types {
			placeholders[i] = "?"
			args = append(args, string(t))
		}
		where = append(where, fmt.Sprintf("type IN (%s)", strings.Join(placeholders, ", ")))
	}

	query := fmt.Sprintf(`
		SELECT id, type, source, target, priority, payload, created_at
		FROM events
		WHERE %s
		ORDER BY priority ASC, created_at ASC
	`, strings.Join(where, " AND "))

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("eventbus: query pending events: %w", err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		var event Event
		var payload string
		if err := rows.Scan(&event.ID, &event.Type, &event.Source, &event.Target, &event.Priority, &payload, &event.CreatedAt); err != nil {
			return nil, fmt.Errorf("eventbus: scan event row: %w", err)
		}
		if err := json.Unmarshal([]byte(payload), &event.Payload); err != nil {
			return nil, fmt.Errorf("eventbus: unmarshal payload: %w", err)
		}
		events = append(events, &event)
	}
	return events, rows.Err()
}

// MarkDelivered stamps eventID's delivered_at so it stops appearing in
// GetPending results.
func (s *SQLiteStore) MarkDelivered(eventID string) error {
	res, err := s.db.Exec(`UPDATE events SET delivered_at = ? WHERE id = ?`, time.Now(), eventID)
	if err != nil {
		return fmt.Errorf("eventbus: mark delivered: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("eventbus: rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("eventbus: event not found: %s", eventID)
	}
	return nil
}

// Cleanup deletes delivered events older than olderThan, bounding the
// durable event log's growth.
func (s *SQLiteStore) Cleanup(olderThan time.Duration) error {
	cutoff := time.Now().Add(-olderThan)
	_, err := s.db.Exec(`DELETE FROM events WHERE delivered_at IS NOT NULL AND created_at < ?`, cutoff)
	if err != nil {
		return fmt.Errorf("eventbus: cleanup: %w", err)
	}
	return nil
}
