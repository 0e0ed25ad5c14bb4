package executor

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteHistory persists terminal jobs in a SQLite database under the state
// directory. One row per job, keyed by job id.
type SQLiteHistory struct {
	db *sql.DB
}

// NewSQLiteHistory opens (creating if needed) the history database at
// <stateDir>/history.db.
func NewSQLiteHistory(stateDir string) (*SQLiteHistory, error) {
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state dir: %w", err)
	}

	dbPath := filepath.Join(stateDir, "history.db")
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open history db: %w", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS jobs (
		id           TEXT PRIMARY KEY,
		agent        TEXT NOT NULL,
		schedule     TEXT,
		origin       TEXT NOT NULL,
		prompt       TEXT,
		started_at   TIMESTAMP NOT NULL,
		completed_at TIMESTAMP,
		duration_ms  INTEGER,
		outcome      TEXT NOT NULL,
		output       TEXT,
		error        TEXT,
		metadata     TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_jobs_agent ON jobs(agent, started_at);
	CREATE INDEX IF NOT EXISTS idx_jobs_started ON jobs(started_at);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create history schema: %w", err)
	}

	return &SQLiteHistory{db: db}, nil
}

// Record upserts a terminal job.
func (h *SQLiteHistory) Record(job *Job) error {
	var metadata []byte
	if len(job.Metadata) > 0 {
		var err error
		metadata, err = json.Marshal(job.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal job metadata: %w", err)
		}
	}

	_, err := h.db.Exec(`
		INSERT OR REPLACE INTO jobs
		(id, agent, schedule, origin, prompt, started_at, completed_at, duration_ms, outcome, output, error, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.Agent, job.Schedule, string(job.Origin), job.Prompt,
		job.StartedAt, job.CompletedAt, job.Duration.Milliseconds(),
		string(job.Outcome), job.Output, job.Error, string(metadata),
	)
	if err != nil {
		return fmt.Errorf("failed to record job %s: %w", job.ID, err)
	}
	return nil
}

// Recent returns the most recent terminal jobs, newest first.
func (h *SQLiteHistory) Recent(limit int) ([]*Job, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := h.db.Query(`
		SELECT id, agent, schedule, origin, prompt, started_at, completed_at, duration_ms, outcome, output, error, metadata
		FROM jobs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query job history: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		var (
			job        Job
			origin     string
			outcome    string
			durationMs int64
			metadata   sql.NullString
		)
		if err := rows.Scan(&job.ID, &job.Agent, &job.Schedule, &origin, &job.Prompt,
			&job.StartedAt, &job.CompletedAt, &durationMs, &outcome,
			&job.Output, &job.Error, &metadata); err != nil {
			return nil, fmt.Errorf("failed to scan job row: %w", err)
		}
		job.Origin = Origin(origin)
		job.Outcome = Outcome(outcome)
		job.Duration = time.Duration(durationMs) * time.Millisecond
		if metadata.Valid && metadata.String != "" {
			// A corrupt metadata blob should not make the whole history
			// unreadable.
			_ = json.Unmarshal([]byte(metadata.String), &job.Metadata)
		}
		jobs = append(jobs, &job)
	}
	return jobs, rows.Err()
}

// RecentForAgent returns an agent's most recent terminal jobs, newest first.
func (h *SQLiteHistory) RecentForAgent(agent string, limit int) ([]*Job, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := h.db.Query(`
		SELECT id, agent, schedule, origin, prompt, started_at, completed_at, duration_ms, outcome, output, error, metadata
		FROM jobs WHERE agent = ? ORDER BY started_at DESC LIMIT ?`, agent, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query job history: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		var (
			job        Job
			origin     string
			outcome    string
			durationMs int64
			metadata   sql.NullString
		)
		if err := rows.Scan(&job.ID, &job.Agent, &job.Schedule, &origin, &job.Prompt,
			&job.StartedAt, &job.CompletedAt, &durationMs, &outcome,
			&job.Output, &job.Error, &metadata); err != nil {
			return nil, fmt.Errorf("failed to scan job row: %w", err)
		}
		job.Origin = Origin(origin)
		job.Outcome = Outcome(outcome)
		job.Duration = time.Duration(durationMs) * time.Millisecond
		if metadata.Valid && metadata.String != "" {
			_ = json.Unmarshal([]byte(metadata.String), &job.Metadata)
		}
		jobs = append(jobs, &job)
	}
	return jobs, rows.Err()
}

// Close releases the database handle.
func (h *SQLiteHistory) Close() error {
	return h.db.Close()
}

// Compile-time interface verification.
var _ History = (*SQLiteHistory)(nil)
