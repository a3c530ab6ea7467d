package db

import (
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// RunEvent represents a row in the run_events table.
type RunEvent struct {
	ID        int
	RunID     string
	Event     string
	Ref       string
	SHA       string
	Source    string
	Detail    string
	Timestamp string
}

// JobEvent represents a row in the job_events table.
type JobEvent struct {
	ID           int
	RunID        string
	Job          string
	State        string
	Attempt      int
	FailureClass string
	ExitCode     *int
	DurationMs   int
	Timestamp    string
}

// ArtifactRow represents a row in the artifact_index table.
type ArtifactRow struct {
	ID        int
	Job       string
	Ref       string
	SHA       string
	SizeBytes int64
	CreatedAt string
	ExpiresAt string
}

// LogRunEvent inserts a run lifecycle event.
func (d *DB) LogRunEvent(runID, event, ref, sha, source, detail string) error {
	_, err := d.conn.Exec(
		`INSERT INTO run_events (run_id, event, ref, sha, source, detail) VALUES (?, ?, ?, ?, ?, ?)`,
		runID, event, ref, sha, source, detail,
	)
	if err != nil {
		return fmt.Errorf("log run event: %w", err)
	}
	return nil
}

// LogJobEvent inserts a job state transition.
func (d *DB) LogJobEvent(runID, job, state string, attempt int, failureClass string, exitCode *int, durationMs int) error {
	_, err := d.conn.Exec(
		`INSERT INTO job_events (run_id, job, state, attempt, failure_class, exit_code, duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		runID, job, state, attempt, nullStr(failureClass), exitCode, durationMs,
	)
	if err != nil {
		return fmt.Errorf("log job event: %w", err)
	}
	return nil
}

// GetRunState returns the most recent event for a run, or nil if unknown.
func (d *DB) GetRunState(runID string) (*RunEvent, error) {
	row := d.conn.QueryRow(
		`SELECT id, run_id, event, ref, sha, source, detail, timestamp
		 FROM run_events WHERE run_id = ? ORDER BY timestamp DESC, id DESC LIMIT 1`,
		runID,
	)
	var e RunEvent
	var detail sql.NullString
	err := row.Scan(&e.ID, &e.RunID, &e.Event, &e.Ref, &e.SHA, &e.Source, &detail, &e.Timestamp)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get run state: %w", err)
	}
	if detail.Valid {
		e.Detail = detail.String
	}
	return &e, nil
}

// GetRunHistory returns all events for a run, newest first.
func (d *DB) GetRunHistory(runID string) ([]RunEvent, error) {
	rows, err := d.conn.Query(
		`SELECT id, run_id, event, ref, sha, source, detail, timestamp
		 FROM run_events WHERE run_id = ? ORDER BY timestamp DESC, id DESC`,
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("get run history: %w", err)
	}
	defer rows.Close()

	var events []RunEvent
	for rows.Next() {
		var e RunEvent
		var detail sql.NullString
		if err := rows.Scan(&e.ID, &e.RunID, &e.Event, &e.Ref, &e.SHA, &e.Source, &detail, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scan run event: %w", err)
		}
		if detail.Valid {
			e.Detail = detail.String
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// GetActiveRuns returns runs whose most recent event is 'created' or 'started'.
// An optional ref narrows the result to runs for that ref.
func (d *DB) GetActiveRuns(ref string) ([]RunEvent, error) {
	q := `
		SELECT re.id, re.run_id, re.event, re.ref, re.sha, re.source, re.detail, re.timestamp
		FROM run_events re
		INNER JOIN (
			SELECT run_id, MAX(id) as max_id
			FROM run_events
			GROUP BY run_id
		) latest ON re.id = latest.max_id
		WHERE re.event IN ('created', 'started')`
	args := []any{}
	if ref != "" {
		q += " AND re.ref = ?"
		args = append(args, ref)
	}
	rows, err := d.conn.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("get active runs: %w", err)
	}
	defer rows.Close()

	var runs []RunEvent
	for rows.Next() {
		var e RunEvent
		var detail sql.NullString
		if err := rows.Scan(&e.ID, &e.RunID, &e.Event, &e.Ref, &e.SHA, &e.Source, &detail, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scan run event: %w", err)
		}
		if detail.Valid {
			e.Detail = detail.String
		}
		runs = append(runs, e)
	}
	return runs, rows.Err()
}

// GetJobHistory returns all job transitions for a run, newest first.
func (d *DB) GetJobHistory(runID string) ([]JobEvent, error) {
	rows, err := d.conn.Query(
		`SELECT id, run_id, job, state, attempt, failure_class, exit_code, duration_ms, timestamp
		 FROM job_events WHERE run_id = ? ORDER BY id DESC`,
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("get job history: %w", err)
	}
	defer rows.Close()

	var events []JobEvent
	for rows.Next() {
		e, err := scanJobEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// GetLatestJobState returns the most recent transition for a job within a run,
// or nil if the job never ran.
func (d *DB) GetLatestJobState(runID, job string) (*JobEvent, error) {
	rows, err := d.conn.Query(
		`SELECT id, run_id, job, state, attempt, failure_class, exit_code, duration_ms, timestamp
		 FROM job_events WHERE run_id = ? AND job = ? ORDER BY id DESC LIMIT 1`,
		runID, job,
	)
	if err != nil {
		return nil, fmt.Errorf("get latest job state: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	e, err := scanJobEvent(rows)
	if err != nil {
		return nil, err
	}
	return &e, rows.Err()
}

func scanJobEvent(rows *sql.Rows) (JobEvent, error) {
	var e JobEvent
	var failureClass sql.NullString
	var exitCode, durationMs sql.NullInt64
	if err := rows.Scan(&e.ID, &e.RunID, &e.Job, &e.State, &e.Attempt, &failureClass, &exitCode, &durationMs, &e.Timestamp); err != nil {
		return JobEvent{}, fmt.Errorf("scan job event: %w", err)
	}
	if failureClass.Valid {
		e.FailureClass = failureClass.String
	}
	if exitCode.Valid {
		v := int(exitCode.Int64)
		e.ExitCode = &v
	}
	if durationMs.Valid {
		e.DurationMs = int(durationMs.Int64)
	}
	return e, nil
}

// RecordArtifact indexes a stored artifact bundle.
func (d *DB) RecordArtifact(job, ref, sha string, sizeBytes int64, createdAt, expiresAt time.Time) error {
	_, err := d.conn.Exec(
		`INSERT INTO artifact_index (job, ref, sha, size_bytes, created_at, expires_at) VALUES (?, ?, ?, ?, ?, ?)`,
		job, ref, sha, sizeBytes, createdAt.UTC().Format(time.RFC3339), expiresAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return fmt.Errorf("artifact %s/%s/%s already indexed", job, ref, sha)
		}
		return fmt.Errorf("record artifact: %w", err)
	}
	return nil
}

// ListArtifacts returns all indexed artifacts, newest first.
func (d *DB) ListArtifacts() ([]ArtifactRow, error) {
	rows, err := d.conn.Query(
		`SELECT id, job, ref, sha, size_bytes, created_at, expires_at
		 FROM artifact_index ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	defer rows.Close()

	var arts []ArtifactRow
	for rows.Next() {
		var a ArtifactRow
		if err := rows.Scan(&a.ID, &a.Job, &a.Ref, &a.SHA, &a.SizeBytes, &a.CreatedAt, &a.ExpiresAt); err != nil {
			return nil, fmt.Errorf("scan artifact: %w", err)
		}
		arts = append(arts, a)
	}
	return arts, rows.Err()
}

// PruneArtifacts deletes index rows whose expiry has passed, returning the
// count deleted.
func (d *DB) PruneArtifacts(now time.Time) (int, error) {
	res, err := d.conn.Exec(
		`DELETE FROM artifact_index WHERE expires_at <= ?`,
		now.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return 0, fmt.Errorf("prune artifacts: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("check rows affected: %w", err)
	}
	return int(n), nil
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}
