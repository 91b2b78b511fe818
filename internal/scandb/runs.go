package scandb

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/aphelion-data/transient.watch/internal/scan"
)

var _ scan.RunStore = (*Store)(nil)

// ScanRun is one batch-run bookkeeping row.
type ScanRun struct {
	RunID       string     `json:"run_id"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Total       int        `json:"total"`
	Done        int        `json:"done"`
	Skipped     int        `json:"skipped"`
	Failed      int        `json:"failed"`
	ParamsHash  string     `json:"params_hash"`
	Error       string     `json:"error,omitempty"`
}

// StartRun records the opening row for a batch run. Run rows are low
// frequency and written directly, not through the async writer.
func (s *Store) StartRun(id string, startedAt time.Time, total int, paramsHash string) error {
	_, err := s.db.Exec(`
		INSERT INTO scan_runs (run_id, started_at, total, params_hash)
		VALUES (?, ?, ?, ?)
	`, id, timeToUnix(startedAt), total, paramsHash)
	if err != nil {
		return fmt.Errorf("failed to record run start: %w", err)
	}
	return nil
}

// FinishRun finalizes a run row with its outcome.
func (s *Store) FinishRun(id string, completedAt time.Time, done, skipped, failed int, errMsg string) error {
	res, err := s.db.Exec(`
		UPDATE scan_runs
		SET completed_at = ?, done = ?, skipped = ?, failed = ?, error = ?
		WHERE run_id = ?
	`, timeToUnix(completedAt), done, skipped, failed, errMsg, id)
	if err != nil {
		return fmt.Errorf("failed to record run finish: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("run %s not found", id)
	}
	return nil
}

// ListRuns returns the most recent runs, newest first.
func (s *Store) ListRuns(limit int) ([]ScanRun, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT run_id, started_at, completed_at, total, done, skipped, failed, params_hash, error
		FROM scan_runs
		ORDER BY started_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []ScanRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}
	return runs, nil
}

// GetRun returns one run row, or (nil, nil) when the id is unknown.
func (s *Store) GetRun(id string) (*ScanRun, error) {
	row := s.db.QueryRow(`
		SELECT run_id, started_at, completed_at, total, done, skipped, failed, params_hash, error
		FROM scan_runs
		WHERE run_id = ?
	`, id)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &run, nil
}

func scanRun(row scanner) (ScanRun, error) {
	var (
		run       ScanRun
		started   float64
		completed sql.NullFloat64
	)
	err := row.Scan(
		&run.RunID,
		&started,
		&completed,
		&run.Total,
		&run.Done,
		&run.Skipped,
		&run.Failed,
		&run.ParamsHash,
		&run.Error,
	)
	if err == sql.ErrNoRows {
		return run, err
	}
	if err != nil {
		return run, fmt.Errorf("failed to scan run: %w", err)
	}
	run.StartedAt = unixToTime(started)
	if completed.Valid {
		t := unixToTime(completed.Float64)
		run.CompletedAt = &t
	}
	return run, nil
}
