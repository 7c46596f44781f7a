package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AgentEvent is one append-only entry in a project's event log.
type AgentEvent struct {
	Seq             int64     `json:"seq"` // strictly increasing cursor within the log
	ID              string    `json:"id"`
	ProjectID       string    `json:"project_id"`
	SliceID         string    `json:"slice_id,omitempty"`
	EventType       EventType `json:"event_type"`
	Content         string    `json:"content"`
	Metadata        string    `json:"metadata,omitempty"` // JSON, type-dependent
	ConfidenceDelta *float64  `json:"confidence_delta,omitempty"`
	CreatedAt       int64     `json:"created_at"`
}

// AppendEvent appends an event and, when the event carries a confidence delta,
// applies the delta to the owning slice and project in the same transaction.
// Appending an event whose ID already exists is a no-op (including the delta),
// which is what makes at-least-once delivery safe to replay.
func (s *Store) AppendEvent(ev *AgentEvent) (*AgentEvent, error) {
	if ev.ProjectID == "" || ev.EventType == "" {
		return nil, fmt.Errorf("project_id and event_type are required")
	}
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.CreatedAt == 0 {
		ev.CreatedAt = time.Now().UnixMilli()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin tx: %w", err)
	}
	defer tx.Rollback()

	var delta sql.NullFloat64
	if ev.ConfidenceDelta != nil {
		delta = sql.NullFloat64{Float64: *ev.ConfidenceDelta, Valid: true}
	}

	res, err := tx.Exec(`
	INSERT OR IGNORE INTO agent_events (id, project_id, slice_id, event_type, content, metadata, confidence_delta, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.ProjectID,
		sql.NullString{String: ev.SliceID, Valid: ev.SliceID != ""},
		string(ev.EventType), ev.Content,
		sql.NullString{String: ev.Metadata, Valid: ev.Metadata != ""},
		delta, ev.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to append event: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows == 1 && delta.Valid {
		// Confidence stays clamped to [0, 1].
		_, err = tx.Exec(`
		UPDATE projects SET confidence_score = MAX(0.0, MIN(1.0, confidence_score + ?)), updated_at = ?
		WHERE id = ?`, delta.Float64, ev.CreatedAt, ev.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("failed to apply project confidence delta: %w", err)
		}
		if ev.SliceID != "" {
			_, err = tx.Exec(`
			UPDATE vertical_slices SET confidence_score = MAX(0.0, MIN(1.0, confidence_score + ?)), updated_at = ?
			WHERE id = ?`, delta.Float64, ev.CreatedAt, ev.SliceID)
			if err != nil {
				return nil, fmt.Errorf("failed to apply slice confidence delta: %w", err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit event: %w", err)
	}

	// Read back the assigned sequence number.
	err = s.db.QueryRow(`SELECT seq FROM agent_events WHERE id = ?`, ev.ID).Scan(&ev.Seq)
	if err != nil {
		return nil, fmt.Errorf("failed to read event seq: %w", err)
	}
	return ev, nil
}

const eventColumns = `seq, id, project_id, slice_id, event_type, content, metadata, confidence_delta, created_at`

// ListEvents returns all events for a project in creation order.
func (s *Store) ListEvents(projectID string) ([]*AgentEvent, error) {
	return s.ListEventsAfter(projectID, 0)
}

// ListEventsAfter returns events for a project with seq > cursor, in order.
func (s *Store) ListEventsAfter(projectID string, cursor int64) ([]*AgentEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		`SELECT `+eventColumns+` FROM agent_events WHERE project_id = ? AND seq > ? ORDER BY seq ASC`,
		projectID, cursor,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	var events []*AgentEvent
	for rows.Next() {
		ev := &AgentEvent{}
		var sliceID, metadata sql.NullString
		var delta sql.NullFloat64
		var eventType string

		err := rows.Scan(&ev.Seq, &ev.ID, &ev.ProjectID, &sliceID, &eventType,
			&ev.Content, &metadata, &delta, &ev.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}

		ev.EventType = EventType(eventType)
		if sliceID.Valid {
			ev.SliceID = sliceID.String
		}
		if metadata.Valid {
			ev.Metadata = metadata.String
		}
		if delta.Valid {
			d := delta.Float64
			ev.ConfidenceDelta = &d
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// LatestEventOfType returns the most recent event of the given type for a
// project, or nil. Used to surface the last diagnosis on terminal failures.
func (s *Store) LatestEventOfType(projectID string, types ...EventType) (*AgentEvent, error) {
	events, err := s.ListEvents(projectID)
	if err != nil {
		return nil, err
	}
	for i := len(events) - 1; i >= 0; i-- {
		for _, t := range types {
			if events[i].EventType == t {
				return events[i], nil
			}
		}
	}
	return nil, nil
}
