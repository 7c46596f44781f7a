package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// VerticalSlice is one independently buildable feature unit of the migration plan.
type VerticalSlice struct {
	ID                 string      `json:"id"`
	ProjectID          string      `json:"project_id"`
	Name               string      `json:"name"`
	Priority           int         `json:"priority"`
	Dependencies       []string    `json:"dependencies"`
	Status             SliceStatus `json:"status"`
	ConfidenceScore    float64     `json:"confidence_score"`
	CodeContract       string      `json:"code_contract,omitempty"`       // JSON: files, steps, decisions, checklist
	BehavioralContract string      `json:"behavioral_contract,omitempty"` // JSON: flows, inputs, outputs
	CreatedAt          int64       `json:"created_at"`
	UpdatedAt          int64       `json:"updated_at"`
}

// SliceInput holds the planner's output for one slice.
type SliceInput struct {
	Name               string   `json:"name"`
	Priority           int      `json:"priority"`
	Dependencies       []string `json:"dependencies"`
	CodeContract       string   `json:"code_contract"`
	BehavioralContract string   `json:"behavioral_contract"`
}

const sliceColumns = `id, project_id, name, priority, dependencies, status,
	confidence_score, code_contract, behavioral_contract, created_at, updated_at`

// CreateSlices inserts the planner's slices in bulk, all pending, in one
// transaction. Returns the created rows in priority order.
func (s *Store) CreateSlices(projectID string, inputs []SliceInput) ([]*VerticalSlice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin tx: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UnixMilli()
	slices := make([]*VerticalSlice, 0, len(inputs))

	for _, in := range inputs {
		deps := in.Dependencies
		if deps == nil {
			deps = []string{}
		}
		depsJSON, err := json.Marshal(deps)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal dependencies: %w", err)
		}

		sl := &VerticalSlice{
			ID:                 uuid.New().String(),
			ProjectID:          projectID,
			Name:               in.Name,
			Priority:           in.Priority,
			Dependencies:       deps,
			Status:             SlicePending,
			CodeContract:       in.CodeContract,
			BehavioralContract: in.BehavioralContract,
			CreatedAt:          now,
			UpdatedAt:          now,
		}

		_, err = tx.Exec(`
		INSERT INTO vertical_slices (id, project_id, name, priority, dependencies, status, code_contract, behavioral_contract, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			sl.ID, sl.ProjectID, sl.Name, sl.Priority, string(depsJSON), string(sl.Status),
			sql.NullString{String: sl.CodeContract, Valid: sl.CodeContract != ""},
			sql.NullString{String: sl.BehavioralContract, Valid: sl.BehavioralContract != ""},
			sl.CreatedAt, sl.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to insert slice %q: %w", in.Name, err)
		}
		slices = append(slices, sl)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit slices: %w", err)
	}
	return slices, nil
}

// GetSlice retrieves a slice by ID. Returns nil if not found.
func (s *Store) GetSlice(id string) (*VerticalSlice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`SELECT `+sliceColumns+` FROM vertical_slices WHERE id = ?`, id)
	sl, err := scanSliceRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return sl, err
}

// ListSlices retrieves all slices for a project in priority order.
func (s *Store) ListSlices(projectID string) ([]*VerticalSlice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		`SELECT `+sliceColumns+` FROM vertical_slices WHERE project_id = ? ORDER BY priority ASC, created_at ASC`,
		projectID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list slices: %w", err)
	}
	defer rows.Close()

	var slices []*VerticalSlice
	for rows.Next() {
		sl, err := scanSliceRow(rows)
		if err != nil {
			return nil, err
		}
		slices = append(slices, sl)
	}
	return slices, rows.Err()
}

// TransitionSlice atomically moves a slice between statuses. Returns false if
// the slice was not in the expected source status.
func (s *Store) TransitionSlice(id string, to SliceStatus, from SliceStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(
		`UPDATE vertical_slices SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(to), time.Now().UnixMilli(), id, string(from),
	)
	if err != nil {
		return false, fmt.Errorf("failed to transition slice: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows == 1, nil
}

// ResetFailedSlice moves a failed slice back to pending for an explicit retry.
// Complete slices are never touched.
func (s *Store) ResetFailedSlice(id string) (bool, error) {
	return s.TransitionSlice(id, SlicePending, SliceFailed)
}

// DeleteSlices removes all of a project's slices. Only a full restart uses
// this, right before replanning replaces them.
func (s *Store) DeleteSlices(projectID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec(`DELETE FROM vertical_slices WHERE project_id = ?`, projectID); err != nil {
		return fmt.Errorf("failed to delete slices: %w", err)
	}
	return nil
}

func scanSliceRow(row rowScanner) (*VerticalSlice, error) {
	sl := &VerticalSlice{}
	var depsJSON, status string
	var codeContract, behavioralContract sql.NullString

	err := row.Scan(
		&sl.ID, &sl.ProjectID, &sl.Name, &sl.Priority, &depsJSON, &status,
		&sl.ConfidenceScore, &codeContract, &behavioralContract,
		&sl.CreatedAt, &sl.UpdatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan slice: %w", err)
	}

	sl.Status = SliceStatus(status)
	if err := json.Unmarshal([]byte(depsJSON), &sl.Dependencies); err != nil {
		return nil, fmt.Errorf("failed to decode slice dependencies: %w", err)
	}
	if codeContract.Valid {
		sl.CodeContract = codeContract.String
	}
	if behavioralContract.Valid {
		sl.BehavioralContract = behavioralContract.String
	}
	return sl, nil
}
