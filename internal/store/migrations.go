package store

import (
	"fmt"
)

func (s *Store) migrate() error {
	if err := s.migrateV1(); err != nil {
		return err
	}
	return s.migrateV2()
}

func (s *Store) migrateV1() error {
	schema := `
	CREATE TABLE IF NOT EXISTS projects (
		id                    TEXT PRIMARY KEY,
		owner_id              TEXT NOT NULL,
		name                  TEXT NOT NULL,
		repo_url              TEXT NOT NULL,
		status                TEXT NOT NULL DEFAULT 'pending',
		pipeline_step         TEXT NOT NULL DEFAULT '',
		checkpoint            TEXT,
		left_analysis_status  TEXT NOT NULL DEFAULT 'pending',
		right_analysis_status TEXT NOT NULL DEFAULT 'pending',
		confidence_score      REAL NOT NULL DEFAULT 0,
		error_context         TEXT,
		created_at            INTEGER NOT NULL,
		updated_at            INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_projects_owner ON projects(owner_id);
	CREATE INDEX IF NOT EXISTS idx_projects_status ON projects(status);

	CREATE TABLE IF NOT EXISTS vertical_slices (
		id                  TEXT PRIMARY KEY,
		project_id          TEXT NOT NULL REFERENCES projects(id),
		name                TEXT NOT NULL,
		priority            INTEGER NOT NULL DEFAULT 0,
		dependencies        TEXT NOT NULL DEFAULT '[]',
		status              TEXT NOT NULL DEFAULT 'pending',
		confidence_score    REAL NOT NULL DEFAULT 0,
		code_contract       TEXT,
		behavioral_contract TEXT,
		created_at          INTEGER NOT NULL,
		updated_at          INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_slices_project ON vertical_slices(project_id, priority);

	CREATE TABLE IF NOT EXISTS agent_events (
		seq              INTEGER PRIMARY KEY AUTOINCREMENT,
		id               TEXT NOT NULL UNIQUE,
		project_id       TEXT NOT NULL,
		slice_id         TEXT,
		event_type       TEXT NOT NULL,
		content          TEXT NOT NULL DEFAULT '',
		metadata         TEXT,
		confidence_delta REAL,
		created_at       INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_events_project ON agent_events(project_id, seq);

	CREATE TABLE IF NOT EXISTS jobs (
		id           TEXT PRIMARY KEY,
		job_type     TEXT NOT NULL,
		project_id   TEXT NOT NULL,
		payload      TEXT NOT NULL,
		status       TEXT NOT NULL DEFAULT 'queued',
		attempts     INTEGER NOT NULL DEFAULT 0,
		max_attempts INTEGER NOT NULL DEFAULT 5,
		next_run_at  INTEGER NOT NULL,
		last_error   TEXT,
		created_at   INTEGER NOT NULL,
		updated_at   INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_jobs_due ON jobs(status, next_run_at);
	CREATE INDEX IF NOT EXISTS idx_jobs_project ON jobs(project_id);

	CREATE TABLE IF NOT EXISTS meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	INSERT OR REPLACE INTO meta(key, value) VALUES ('schema_version', '1');
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to execute migration v1: %w", err)
	}

	return nil
}

func (s *Store) migrateV2() error {
	var version string
	err := s.db.QueryRow(`SELECT value FROM meta WHERE key = 'schema_version'`).Scan(&version)
	if err != nil || version >= "2" {
		return nil // already at v2+
	}

	schema := `
	CREATE TABLE IF NOT EXISTS dead_letters (
		id          TEXT PRIMARY KEY,
		job_id      TEXT NOT NULL,
		job_type    TEXT NOT NULL,
		project_id  TEXT NOT NULL,
		payload     TEXT NOT NULL,
		error       TEXT NOT NULL,
		created_at  INTEGER NOT NULL,
		resolved_at INTEGER
	);

	CREATE INDEX IF NOT EXISTS idx_dlq_unresolved ON dead_letters(created_at) WHERE resolved_at IS NULL;
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to execute migration v2: %w", err)
	}

	if _, err := s.db.Exec(`INSERT OR REPLACE INTO meta(key, value) VALUES ('schema_version', '2')`); err != nil {
		return fmt.Errorf("failed to update schema version: %w", err)
	}

	return nil
}
