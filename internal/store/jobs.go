package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Job is one durable unit of queued work.
type Job struct {
	ID          string    `json:"id"`
	JobType     string    `json:"job_type"`
	ProjectID   string    `json:"project_id"`
	Payload     string    `json:"payload"` // JSON
	Status      JobStatus `json:"status"`
	Attempts    int       `json:"attempts"`
	MaxAttempts int       `json:"max_attempts"`
	NextRunAt   int64     `json:"next_run_at"`
	LastError   string    `json:"last_error,omitempty"`
	CreatedAt   int64     `json:"created_at"`
	UpdatedAt   int64     `json:"updated_at"`
}

const jobColumns = `id, job_type, project_id, payload, status, attempts, max_attempts,
	next_run_at, last_error, created_at, updated_at`

// EnqueueJob persists a new queued job. The caller is responsible for the
// project status gate; the queue itself accepts anything.
func (s *Store) EnqueueJob(jobType, projectID, payload string, maxAttempts int) (*Job, error) {
	if projectID == "" {
		return nil, fmt.Errorf("project_id is required")
	}
	if maxAttempts <= 0 {
		maxAttempts = 5
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UnixMilli()
	j := &Job{
		ID:          uuid.New().String(),
		JobType:     jobType,
		ProjectID:   projectID,
		Payload:     payload,
		Status:      JobQueued,
		MaxAttempts: maxAttempts,
		NextRunAt:   now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	_, err := s.db.Exec(`
	INSERT INTO jobs (id, job_type, project_id, payload, status, attempts, max_attempts, next_run_at, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, 0, ?, ?, ?, ?)`,
		j.ID, j.JobType, j.ProjectID, j.Payload, string(j.Status), j.MaxAttempts, j.NextRunAt, j.CreatedAt, j.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue job: %w", err)
	}
	return j, nil
}

// ClaimDueJob atomically claims the oldest due queued job, marking it running
// and bumping its attempt count. Returns nil when nothing is due.
func (s *Store) ClaimDueJob() (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UnixMilli()

	row := s.db.QueryRow(
		`SELECT `+jobColumns+` FROM jobs WHERE status = ? AND next_run_at <= ? ORDER BY next_run_at ASC LIMIT 1`,
		string(JobQueued), now,
	)
	j, err := scanJobRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	res, err := s.db.Exec(
		`UPDATE jobs SET status = ?, attempts = attempts + 1, updated_at = ? WHERE id = ? AND status = ?`,
		string(JobRunning), now, j.ID, string(JobQueued),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		// Lost the claim race; caller polls again.
		return nil, nil
	}

	j.Status = JobRunning
	j.Attempts++
	return j, nil
}

// CompleteJob acknowledges a finished job.
func (s *Store) CompleteJob(id string) error {
	return s.setJobStatus(id, JobCompleted, "")
}

// RescheduleJob pushes a failed job back to queued for a later attempt.
func (s *Store) RescheduleJob(id string, nextRunAt int64, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(
		`UPDATE jobs SET status = ?, next_run_at = ?, last_error = ?, updated_at = ? WHERE id = ?`,
		string(JobQueued), nextRunAt, lastError, time.Now().UnixMilli(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to reschedule job: %w", err)
	}
	return requireRow(res, "job", id)
}

// MarkJobDead moves an exhausted job to the dead state.
func (s *Store) MarkJobDead(id, lastError string) error {
	return s.setJobStatus(id, JobDead, lastError)
}

func (s *Store) setJobStatus(id string, status JobStatus, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(
		`UPDATE jobs SET status = ?, last_error = ?, updated_at = ? WHERE id = ?`,
		string(status), sql.NullString{String: lastError, Valid: lastError != ""},
		time.Now().UnixMilli(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to update job status: %w", err)
	}
	return requireRow(res, "job", id)
}

// GetJob retrieves a job by ID. Returns nil if not found.
func (s *Store) GetJob(id string) (*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	j, err := scanJobRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return j, err
}

// CountActiveJobs returns the number of queued or running jobs for a project.
func (s *Store) CountActiveJobs(projectID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM jobs WHERE project_id = ? AND status IN (?, ?)`,
		projectID, string(JobQueued), string(JobRunning),
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count active jobs: %w", err)
	}
	return count, nil
}

// FailStuckJobs marks jobs left running by a previous process as dead
// (startup recovery). Returns the affected job rows.
func (s *Store) FailStuckJobs() ([]*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`SELECT `+jobColumns+` FROM jobs WHERE status = ?`, string(JobRunning))
	if err != nil {
		return nil, fmt.Errorf("failed to list stuck jobs: %w", err)
	}
	var stuck []*Job
	for rows.Next() {
		j, err := scanJobRow(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		stuck = append(stuck, j)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	now := time.Now().UnixMilli()
	_, err = s.db.Exec(
		`UPDATE jobs SET status = ?, last_error = 'stuck_on_startup', updated_at = ? WHERE status = ?`,
		string(JobDead), now, string(JobRunning),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to fail stuck jobs: %w", err)
	}
	return stuck, nil
}

// Stats holds coarse operational counts for the management surface.
type Stats struct {
	ProjectsByStatus map[string]int `json:"projects_by_status"`
	ActiveJobs       int            `json:"active_jobs"`
	DeadLetters      int            `json:"dead_letters"`
}

// Stats returns project, job, and dead-letter counts.
func (s *Store) Stats() (*Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &Stats{ProjectsByStatus: make(map[string]int)}

	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM projects GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count projects: %w", err)
	}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan project count: %w", err)
		}
		stats.ProjectsByStatus[status] = count
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	err = s.db.QueryRow(
		`SELECT COUNT(*) FROM jobs WHERE status IN (?, ?)`,
		string(JobQueued), string(JobRunning),
	).Scan(&stats.ActiveJobs)
	if err != nil {
		return nil, fmt.Errorf("failed to count jobs: %w", err)
	}

	err = s.db.QueryRow(`SELECT COUNT(*) FROM dead_letters WHERE resolved_at IS NULL`).Scan(&stats.DeadLetters)
	if err != nil {
		return nil, fmt.Errorf("failed to count dead letters: %w", err)
	}
	return stats, nil
}

func scanJobRow(row rowScanner) (*Job, error) {
	j := &Job{}
	var status string
	var lastError sql.NullString

	err := row.Scan(&j.ID, &j.JobType, &j.ProjectID, &j.Payload, &status,
		&j.Attempts, &j.MaxAttempts, &j.NextRunAt, &lastError, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan job: %w", err)
	}

	j.Status = JobStatus(status)
	if lastError.Valid {
		j.LastError = lastError.String
	}
	return j, nil
}
