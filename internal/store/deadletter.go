package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DeadLetter records a job that exhausted its retry budget.
type DeadLetter struct {
	ID         string `json:"id"`
	JobID      string `json:"job_id"`
	JobType    string `json:"job_type"`
	ProjectID  string `json:"project_id"`
	Payload    string `json:"payload"`
	Error      string `json:"error"`
	CreatedAt  int64  `json:"created_at"`
	ResolvedAt int64  `json:"resolved_at,omitempty"` // 0 = unresolved
}

// SaveDeadLetter records a dead-lettered job.
func (s *Store) SaveDeadLetter(dl *DeadLetter) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if dl.ID == "" {
		dl.ID = uuid.New().String()
	}
	if dl.CreatedAt == 0 {
		dl.CreatedAt = time.Now().UnixMilli()
	}

	_, err := s.db.Exec(`
	INSERT OR REPLACE INTO dead_letters (id, job_id, job_type, project_id, payload, error, created_at, resolved_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		dl.ID, dl.JobID, dl.JobType, dl.ProjectID, dl.Payload, dl.Error, dl.CreatedAt,
		sql.NullInt64{Int64: dl.ResolvedAt, Valid: dl.ResolvedAt != 0},
	)
	if err != nil {
		return fmt.Errorf("failed to save dead letter: %w", err)
	}
	return nil
}

// ListDeadLetters returns unresolved dead letters, oldest first.
func (s *Store) ListDeadLetters(limit int) ([]*DeadLetter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
	SELECT id, job_id, job_type, project_id, payload, error, created_at, resolved_at
	FROM dead_letters
	WHERE resolved_at IS NULL
	ORDER BY created_at ASC
	`
	args := []interface{}{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list dead letters: %w", err)
	}
	defer rows.Close()

	var dls []*DeadLetter
	for rows.Next() {
		dl := &DeadLetter{}
		var resolved sql.NullInt64

		err := rows.Scan(&dl.ID, &dl.JobID, &dl.JobType, &dl.ProjectID,
			&dl.Payload, &dl.Error, &dl.CreatedAt, &resolved)
		if err != nil {
			return nil, fmt.Errorf("failed to scan dead letter: %w", err)
		}
		if resolved.Valid {
			dl.ResolvedAt = resolved.Int64
		}
		dls = append(dls, dl)
	}
	return dls, rows.Err()
}

// ResolveDeadLetter marks a dead letter as resolved.
func (s *Store) ResolveDeadLetter(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`UPDATE dead_letters SET resolved_at = ? WHERE id = ?`,
		time.Now().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("failed to resolve dead letter: %w", err)
	}
	return requireRow(res, "dead letter", id)
}
