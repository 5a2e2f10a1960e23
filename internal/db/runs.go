package db

import (
	"database/sql"
	"time"
)

const runColumns = `run_id, kind, table_name, window_start, window_end, row_count, status, error, started_at, completed_at`

// CreatePipelineRun creates a new pipeline run record
func (db *DB) CreatePipelineRun(run *PipelineRun) error {
	query := `
		INSERT INTO pipeline_runs (` + runColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := db.Exec(query,
		run.RunID,
		run.Kind,
		run.TableName,
		run.WindowStart,
		run.WindowEnd,
		run.Rows,
		run.Status,
		run.Error,
		run.StartedAt,
		run.CompletedAt,
	)

	return err
}

// GetPipelineRun retrieves a pipeline run by its run ID
func (db *DB) GetPipelineRun(runID string) (*PipelineRun, error) {
	query := `SELECT ` + runColumns + ` FROM pipeline_runs WHERE run_id = ?`

	run, err := scanRun(db.QueryRow(query, runID))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	return run, nil
}

// GetPipelineRuns retrieves the most recent runs, optionally restricted to one table
func (db *DB) GetPipelineRuns(tableName string, limit int) ([]PipelineRun, error) {
	query := `
		SELECT ` + runColumns + `
		FROM pipeline_runs
		WHERE (? = '' OR table_name = ?)
		ORDER BY started_at DESC, rowid DESC
		LIMIT ?
	`

	rows, err := db.Query(query, tableName, tableName, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	runs := []PipelineRun{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}

	if err = rows.Err(); err != nil {
		return nil, err
	}

	return runs, nil
}

// CompletePipelineRun marks a pipeline run as finished
func (db *DB) CompletePipelineRun(runID string, rowCount int, errorMsg *string) error {
	now := time.Now()
	status := RunStatusCompleted
	if errorMsg != nil {
		status = RunStatusFailed
	}

	query := `
		UPDATE pipeline_runs
		SET status = ?, row_count = ?, completed_at = ?, error = ?
		WHERE run_id = ?
	`

	result, err := db.Exec(query, status, rowCount, now, errorMsg, runID)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if rows == 0 {
		return ErrNotFound
	}

	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(s rowScanner) (*PipelineRun, error) {
	run := &PipelineRun{}
	err := s.Scan(
		&run.RunID,
		&run.Kind,
		&run.TableName,
		&run.WindowStart,
		&run.WindowEnd,
		&run.Rows,
		&run.Status,
		&run.Error,
		&run.StartedAt,
		&run.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	return run, nil
}
