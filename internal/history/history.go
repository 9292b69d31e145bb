// Package history is the durable archive of task executions and planner
// errors, kept in SQLite next to the JSON snapshots. The snapshots hold
// only current state; history answers "what happened" after records are
// gone from them.
package history

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// TaskRun is one completed worker execution.
type TaskRun struct {
	ID             int64     `json:"id"`
	TaskID         string    `json:"task_id"`
	WorkerID       string    `json:"worker_id"`
	Action         string    `json:"action"`
	Success        bool      `json:"success"`
	PullRequestURL string    `json:"pull_request_url,omitempty"`
	Error          string    `json:"error,omitempty"`
	FinishedAt     time.Time `json:"finished_at"`
}

// PlannerError is one archived reconciliation failure.
type PlannerError struct {
	ID         int64     `json:"id"`
	Stage      string    `json:"stage"`
	TaskID     string    `json:"task_id,omitempty"`
	Message    string    `json:"message"`
	OccurredAt time.Time `json:"occurred_at"`
}

const schema = `
CREATE TABLE IF NOT EXISTS task_runs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	task_id TEXT NOT NULL,
	worker_id TEXT NOT NULL,
	action TEXT NOT NULL,
	success INTEGER NOT NULL,
	pull_request_url TEXT NOT NULL DEFAULT '',
	error TEXT NOT NULL DEFAULT '',
	finished_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_task_runs_task ON task_runs(task_id);

CREATE TABLE IF NOT EXISTS planner_errors (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	stage TEXT NOT NULL,
	task_id TEXT NOT NULL DEFAULT '',
	message TEXT NOT NULL,
	occurred_at TIMESTAMP NOT NULL
);
`

// Store is the SQLite-backed history archive.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the history database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open history db: %w", err)
	}
	// SQLite handles one writer at a time; the pool and planner both write.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate history db: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// RecordRun archives one worker execution.
func (s *Store) RecordRun(run TaskRun) error {
	_, err := s.db.Exec(
		`INSERT INTO task_runs (task_id, worker_id, action, success, pull_request_url, error, finished_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		run.TaskID, run.WorkerID, run.Action, boolToInt(run.Success), run.PullRequestURL, run.Error, run.FinishedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to record task run: %w", err)
	}
	return nil
}

// RecordError archives one planner error.
func (s *Store) RecordError(e PlannerError) error {
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now()
	}
	_, err := s.db.Exec(
		`INSERT INTO planner_errors (stage, task_id, message, occurred_at) VALUES (?, ?, ?, ?)`,
		e.Stage, e.TaskID, e.Message, e.OccurredAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to record planner error: %w", err)
	}
	return nil
}

// RecentRuns returns the most recent executions, newest first.
func (s *Store) RecentRuns(limit int) ([]TaskRun, error) {
	rows, err := s.db.Query(
		`SELECT id, task_id, worker_id, action, success, pull_request_url, error, finished_at
		 FROM task_runs ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query task runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []TaskRun
	for rows.Next() {
		var r TaskRun
		var success int
		if err := rows.Scan(&r.ID, &r.TaskID, &r.WorkerID, &r.Action, &success, &r.PullRequestURL, &r.Error, &r.FinishedAt); err != nil {
			return nil, fmt.Errorf("failed to scan task run: %w", err)
		}
		r.Success = success != 0
		out = append(out, r)
	}
	return out, rows.Err()
}

// RunsForTask returns all executions of one task, oldest first.
func (s *Store) RunsForTask(taskID string) ([]TaskRun, error) {
	rows, err := s.db.Query(
		`SELECT id, task_id, worker_id, action, success, pull_request_url, error, finished_at
		 FROM task_runs WHERE task_id = ? ORDER BY id ASC`, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to query task runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []TaskRun
	for rows.Next() {
		var r TaskRun
		var success int
		if err := rows.Scan(&r.ID, &r.TaskID, &r.WorkerID, &r.Action, &success, &r.PullRequestURL, &r.Error, &r.FinishedAt); err != nil {
			return nil, fmt.Errorf("failed to scan task run: %w", err)
		}
		r.Success = success != 0
		out = append(out, r)
	}
	return out, rows.Err()
}

// RecentErrors returns the most recent planner errors, newest first.
func (s *Store) RecentErrors(limit int) ([]PlannerError, error) {
	rows, err := s.db.Query(
		`SELECT id, stage, task_id, message, occurred_at
		 FROM planner_errors ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query planner errors: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []PlannerError
	for rows.Next() {
		var e PlannerError
		if err := rows.Scan(&e.ID, &e.Stage, &e.TaskID, &e.Message, &e.OccurredAt); err != nil {
			return nil, fmt.Errorf("failed to scan planner error: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
