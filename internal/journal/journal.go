// Package journal persists runs and their task results in a SQLite
// database so that a finished run can be reported on later.
package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/vk/gridrun/internal/task"
	_ "modernc.org/sqlite"
)

// ErrNoRuns is returned by LastRun on an empty journal.
var ErrNoRuns = errors.New("journal has no runs")

// Run status values.
const (
	StatusRunning = "running"
	StatusOK      = "ok"
	StatusFailed  = "failed"
	StatusAborted = "aborted"
)

const dsnParams = "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"

// Run is one invocation of the scheduler over a working directory.
type Run struct {
	ID         string
	WorkDir    string
	Status     string
	Error      string
	StartedAt  time.Time
	FinishedAt time.Time
	Tasks      int
	Failed     int
}

// Journal provides access to the journal database.
type Journal struct {
	db *sql.DB
}

// Open creates the database at path if needed and runs migrations.
func Open(ctx context.Context, path string) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create journal directory: %w", err)
	}

	db, err := sql.Open("sqlite", path+dsnParams)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	// SQLite only supports one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	j := &Journal{db: db}
	if err := j.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate journal: %w", err)
	}
	return j, nil
}

// Close closes the database connection.
func (j *Journal) Close() error {
	return j.db.Close()
}

func (j *Journal) migrate(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		workdir TEXT NOT NULL,
		status TEXT NOT NULL,
		error TEXT,
		started_at DATETIME NOT NULL,
		finished_at DATETIME
	);

	CREATE TABLE IF NOT EXISTS task_results (
		run_id TEXT NOT NULL,
		chunk INTEGER NOT NULL,
		task_id TEXT NOT NULL,
		state TEXT NOT NULL,
		ok INTEGER NOT NULL,
		kind TEXT,
		error TEXT,
		trace TEXT,
		outputs TEXT,
		inline INTEGER NOT NULL,
		cached INTEGER NOT NULL,
		worker_id INTEGER NOT NULL,
		peak_mem_gb REAL NOT NULL,
		started_at DATETIME NOT NULL,
		finished_at DATETIME NOT NULL,
		PRIMARY KEY (run_id, chunk, task_id),
		FOREIGN KEY (run_id) REFERENCES runs(id)
	);

	CREATE INDEX IF NOT EXISTS idx_task_results_ok ON task_results(run_id, ok);
	`
	_, err := j.db.ExecContext(ctx, schema)
	return err
}

// StartRun records a new run and returns it.
func (j *Journal) StartRun(ctx context.Context, workdir string) (*Run, error) {
	run := &Run{
		ID:        uuid.New().String(),
		WorkDir:   workdir,
		Status:    StatusRunning,
		StartedAt: time.Now().UTC(),
	}
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO runs (id, workdir, status, started_at) VALUES (?, ?, ?, ?)`,
		run.ID, run.WorkDir, run.Status, run.StartedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert run: %w", err)
	}
	return run, nil
}

// RecordResults stores the results of one chunk in a single transaction.
// Recording the same task twice for a chunk keeps the latest result.
func (j *Journal) RecordResults(ctx context.Context, runID string, chunk int, results []*task.Result) error {
	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO task_results
			(run_id, chunk, task_id, state, ok, kind, error, trace, outputs, inline, cached, worker_id, peak_mem_gb, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, r := range results {
		outputs, err := json.Marshal(r.Outputs)
		if err != nil {
			return fmt.Errorf("encode outputs of %s: %w", r.TaskID, err)
		}
		_, err = stmt.ExecContext(ctx,
			runID, chunk, r.TaskID, r.State.String(), r.OK, string(r.Kind), r.Error, r.Trace, string(outputs),
			r.Inline, r.Cached, r.WorkerID, r.PeakMemGB, r.StartedAt.UTC(), r.FinishedAt.UTC(),
		)
		if err != nil {
			return fmt.Errorf("insert result of %s: %w", r.TaskID, err)
		}
	}
	return tx.Commit()
}

// FinishRun closes a run. A nil runErr with failed tasks still marks the run
// failed.
func (j *Journal) FinishRun(ctx context.Context, runID string, runErr error) error {
	var failed int
	err := j.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM task_results WHERE run_id = ? AND ok = 0`, runID,
	).Scan(&failed)
	if err != nil {
		return fmt.Errorf("count failures: %w", err)
	}

	status, msg := StatusOK, sql.NullString{}
	switch {
	case runErr != nil:
		status = StatusAborted
		msg = sql.NullString{String: runErr.Error(), Valid: true}
	case failed > 0:
		status = StatusFailed
	}

	res, err := j.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, error = ?, finished_at = ? WHERE id = ?`,
		status, msg, time.Now().UTC(), runID,
	)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("run %s not found", runID)
	}
	return nil
}

// LastRun returns the most recently started run with its task counts.
func (j *Journal) LastRun(ctx context.Context) (*Run, error) {
	run := &Run{}
	var runErr sql.NullString
	var finishedAt sql.NullTime
	err := j.db.QueryRowContext(ctx, `
		SELECT r.id, r.workdir, r.status, r.error, r.started_at, r.finished_at,
			(SELECT COUNT(*) FROM task_results t WHERE t.run_id = r.id),
			(SELECT COUNT(*) FROM task_results t WHERE t.run_id = r.id AND t.ok = 0)
		FROM runs r ORDER BY r.seq DESC LIMIT 1`,
	).Scan(&run.ID, &run.WorkDir, &run.Status, &runErr, &run.StartedAt, &finishedAt, &run.Tasks, &run.Failed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoRuns
	}
	if err != nil {
		return nil, fmt.Errorf("query last run: %w", err)
	}
	run.Error = runErr.String
	if finishedAt.Valid {
		run.FinishedAt = finishedAt.Time
	}
	return run, nil
}

// Results returns the results recorded for a run ordered by chunk and task.
// With failedOnly set only failed results are returned.
func (j *Journal) Results(ctx context.Context, runID string, failedOnly bool) ([]*task.Result, error) {
	query := `SELECT task_id, state, ok, kind, error, trace, outputs, inline, cached, worker_id, peak_mem_gb, started_at, finished_at
		FROM task_results WHERE run_id = ?`
	if failedOnly {
		query += ` AND ok = 0`
	}
	query += ` ORDER BY chunk, task_id`

	rows, err := j.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("query results: %w", err)
	}
	defer rows.Close()

	var out []*task.Result
	for rows.Next() {
		r := &task.Result{}
		var state string
		var kind, msg, trace, outputs sql.NullString
		if err := rows.Scan(&r.TaskID, &state, &r.OK, &kind, &msg, &trace, &outputs,
			&r.Inline, &r.Cached, &r.WorkerID, &r.PeakMemGB, &r.StartedAt, &r.FinishedAt); err != nil {
			return nil, fmt.Errorf("scan result: %w", err)
		}
		if err := r.State.UnmarshalText([]byte(state)); err != nil {
			return nil, fmt.Errorf("result of %s: %w", r.TaskID, err)
		}
		r.Kind = task.ErrorKind(kind.String)
		r.Error = msg.String
		r.Trace = trace.String
		if outputs.Valid && outputs.String != "" {
			if err := json.Unmarshal([]byte(outputs.String), &r.Outputs); err != nil {
				return nil, fmt.Errorf("decode outputs of %s: %w", r.TaskID, err)
			}
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
