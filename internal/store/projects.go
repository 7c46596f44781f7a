package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Project represents a migration project and its pipeline state.
type Project struct {
	ID                  string         `json:"id"`
	OwnerID             string         `json:"owner_id"`
	Name                string         `json:"name"`
	RepoURL             string         `json:"repo_url"`
	Status              ProjectStatus  `json:"status"`
	PipelineStep        string         `json:"pipeline_step"`
	Checkpoint          string         `json:"checkpoint,omitempty"` // JSON blob of completed-phase outputs
	LeftAnalysisStatus  AnalysisStatus `json:"left_analysis_status"`
	RightAnalysisStatus AnalysisStatus `json:"right_analysis_status"`
	ConfidenceScore     float64        `json:"confidence_score"`
	ErrorContext        string         `json:"error_context,omitempty"`
	CreatedAt           int64          `json:"created_at"`
	UpdatedAt           int64          `json:"updated_at"`
}

// CreateProjectInput holds the parameters for creating a new project.
type CreateProjectInput struct {
	Name    string `json:"name"`
	RepoURL string `json:"repo_url"`
	OwnerID string `json:"owner_id"`
}

const projectColumns = `id, owner_id, name, repo_url, status, pipeline_step, checkpoint,
	left_analysis_status, right_analysis_status, confidence_score, error_context,
	created_at, updated_at`

// CreateProject creates a new project in status pending.
func (s *Store) CreateProject(input CreateProjectInput) (*Project, error) {
	if input.Name == "" || input.RepoURL == "" || input.OwnerID == "" {
		return nil, fmt.Errorf("name, repo_url and owner_id are required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UnixMilli()
	p := &Project{
		ID:                  uuid.New().String(),
		OwnerID:             input.OwnerID,
		Name:                input.Name,
		RepoURL:             input.RepoURL,
		Status:              ProjectPending,
		LeftAnalysisStatus:  AnalysisPending,
		RightAnalysisStatus: AnalysisPending,
		CreatedAt:           now,
		UpdatedAt:           now,
	}

	query := `
	INSERT INTO projects (id, owner_id, name, repo_url, status, left_analysis_status, right_analysis_status, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.Exec(query,
		p.ID, p.OwnerID, p.Name, p.RepoURL, string(p.Status),
		string(p.LeftAnalysisStatus), string(p.RightAnalysisStatus),
		p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create project: %w", err)
	}

	return p, nil
}

// GetProject retrieves a project by ID. Returns nil if not found.
func (s *Store) GetProject(id string) (*Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.scanProject(`SELECT `+projectColumns+` FROM projects WHERE id = ?`, id)
}

// GetProjectOwned retrieves a project by ID only if owned by ownerID.
// A mismatch behaves exactly like not-found so ownership leaks nothing.
func (s *Store) GetProjectOwned(id, ownerID string) (*Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.scanProject(`SELECT `+projectColumns+` FROM projects WHERE id = ? AND owner_id = ?`, id, ownerID)
}

// ListProjects retrieves all projects for an owner, newest first.
func (s *Store) ListProjects(ownerID string) ([]*Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`SELECT `+projectColumns+` FROM projects WHERE owner_id = ? ORDER BY created_at DESC`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list projects: %w", err)
	}
	defer rows.Close()

	var projects []*Project
	for rows.Next() {
		p, err := scanProjectRow(rows)
		if err != nil {
			return nil, err
		}
		projects = append(projects, p)
	}
	return projects, rows.Err()
}

// TryTransition atomically moves a project's status from one of the given
// states to the target state. Returns false when the current status is not in
// the allowed set — the single-active-job gate relies on this check-and-set
// happening in one statement.
func (s *Store) TryTransition(id string, to ProjectStatus, from ...ProjectStatus) (bool, error) {
	if len(from) == 0 {
		return false, fmt.Errorf("at least one source status is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	placeholders := strings.Repeat("?,", len(from))
	placeholders = placeholders[:len(placeholders)-1]

	args := []interface{}{string(to), time.Now().UnixMilli(), id}
	for _, f := range from {
		args = append(args, string(f))
	}

	res, err := s.db.Exec(
		`UPDATE projects SET status = ?, updated_at = ? WHERE id = ? AND status IN (`+placeholders+`)`,
		args...,
	)
	if err != nil {
		return false, fmt.Errorf("failed to transition project: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows == 1, nil
}

// SetStatus unconditionally updates a project's status.
func (s *Store) SetStatus(id string, status ProjectStatus) error {
	return s.updateProjectField(id, `status`, string(status))
}

// AdvanceStep persists the pipeline step cursor. Writing the same value twice
// is a no-op and does not bump updated_at.
func (s *Store) AdvanceStep(id, step string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`UPDATE projects SET pipeline_step = ?, updated_at = ? WHERE id = ? AND pipeline_step <> ?`,
		step, time.Now().UnixMilli(), id, step,
	)
	if err != nil {
		return fmt.Errorf("failed to advance step: %w", err)
	}
	return nil
}

// SetCheckpoint stores the completed-phase output blob.
func (s *Store) SetCheckpoint(id, checkpoint string) error {
	return s.updateProjectField(id, `checkpoint`, checkpoint)
}

// ClearCheckpoint wipes the checkpoint and resets both analyzer sub-statuses,
// for a full restart.
func (s *Store) ClearCheckpoint(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
	UPDATE projects
	SET checkpoint = NULL, pipeline_step = '',
	    left_analysis_status = ?, right_analysis_status = ?, updated_at = ?
	WHERE id = ?`,
		string(AnalysisPending), string(AnalysisPending), time.Now().UnixMilli(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to clear checkpoint: %w", err)
	}
	return requireRow(res, "project", id)
}

// SetErrorContext records the last fatal error on a project.
func (s *Store) SetErrorContext(id, errCtx string) error {
	return s.updateProjectField(id, `error_context`, errCtx)
}

// ClearErrorContext wipes error_context so the next failure reports fresh.
func (s *Store) ClearErrorContext(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`UPDATE projects SET error_context = NULL, updated_at = ? WHERE id = ?`,
		time.Now().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("failed to clear error context: %w", err)
	}
	return requireRow(res, "project", id)
}

// SetLeftAnalysisStatus updates the static analyzer sub-status.
func (s *Store) SetLeftAnalysisStatus(id string, status AnalysisStatus) error {
	return s.updateProjectField(id, `left_analysis_status`, string(status))
}

// SetRightAnalysisStatus updates the behavioral analyzer sub-status.
func (s *Store) SetRightAnalysisStatus(id string, status AnalysisStatus) error {
	return s.updateProjectField(id, `right_analysis_status`, string(status))
}

func (s *Store) updateProjectField(id, column, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(
		`UPDATE projects SET `+column+` = ?, updated_at = ? WHERE id = ?`,
		value, time.Now().UnixMilli(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to update project %s: %w", column, err)
	}
	return requireRow(res, "project", id)
}

func requireRow(res sql.Result, kind, id string) error {
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%s not found: %s", kind, id)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (s *Store) scanProject(query string, args ...interface{}) (*Project, error) {
	row := s.db.QueryRow(query, args...)
	p, err := scanProjectRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return p, err
}

func scanProjectRow(row rowScanner) (*Project, error) {
	p := &Project{}
	var checkpoint, errCtx sql.NullString
	var status, left, right string

	err := row.Scan(
		&p.ID, &p.OwnerID, &p.Name, &p.RepoURL, &status, &p.PipelineStep, &checkpoint,
		&left, &right, &p.ConfidenceScore, &errCtx,
		&p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan project: %w", err)
	}

	p.Status = ProjectStatus(status)
	p.LeftAnalysisStatus = AnalysisStatus(left)
	p.RightAnalysisStatus = AnalysisStatus(right)
	if checkpoint.Valid {
		p.Checkpoint = checkpoint.String
	}
	if errCtx.Valid {
		p.ErrorContext = errCtx.String
	}
	return p, nil
}
