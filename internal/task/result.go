package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"
	"strings"
	"time"
)

// ErrorKind classifies why a task did not succeed.
type ErrorKind string

const (
	KindNone         ErrorKind = ""
	KindRuntime      ErrorKind = "runtime"
	KindSkipped      ErrorKind = "skipped"
	KindInsufficient ErrorKind = "insufficient"
	KindAborted      ErrorKind = "aborted"
)

// Result is the structured outcome of one task. The same record is written
// to the task's result file and returned by the scheduler.
type Result struct {
	TaskID     string    `json:"task_id"`
	State      State     `json:"state"`
	OK         bool      `json:"ok"`
	Kind       ErrorKind `json:"error_kind,omitempty"`
	Error      string    `json:"error,omitempty"`
	Trace      string    `json:"trace,omitempty"`
	Outputs    []string  `json:"outputs,omitempty"`
	Inline     bool      `json:"inline"`
	Cached     bool      `json:"cached,omitempty"`
	WorkerID   int       `json:"worker_id"`
	PeakMemGB  float64   `json:"peak_mem_gb,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`

	// Err is the original error for in-process callers. It is not persisted.
	Err error `json:"-"`
}

// Duration is the wall time the run took.
func (r *Result) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// Failure builds a failed result that never ran, e.g. a skipped descendant.
func Failure(t *Task, kind ErrorKind, err error) *Result {
	now := time.Now()
	return &Result{
		TaskID:     t.ID,
		State:      Failed,
		Kind:       kind,
		Error:      err.Error(),
		Err:        err,
		WorkerID:   -1,
		StartedAt:  now,
		FinishedAt: now,
	}
}

// Invoke runs the task body, converting errors and panics into a failed
// Result carrying a trace. It never panics itself.
func Invoke(ctx context.Context, t *Task, workerID int) (res *Result) {
	res = &Result{TaskID: t.ID, WorkerID: workerID, StartedAt: time.Now()}

	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("task %s panicked: %v", t.ID, r)
			res.State = Failed
			res.OK = false
			res.Kind = KindRuntime
			res.Error = err.Error()
			res.Err = err
			res.Trace = fmt.Sprintf("panic: %v\n\n%s", r, debug.Stack())
		}
		res.FinishedAt = time.Now()
	}()

	if t.Run == nil {
		panic("task has no run function")
	}

	outcome, err := t.Run(ctx)
	if err != nil {
		res.State = Failed
		res.Kind = KindRuntime
		res.Error = err.Error()
		res.Err = err
		res.Trace = errorTrace(err)
		return res
	}

	res.State = Done
	res.OK = true
	res.PeakMemGB = outcome.PeakMemGB
	res.Outputs = t.Outputs
	if outcome.Outputs != nil {
		res.Outputs = outcome.Outputs
	}
	return res
}

// errorTrace renders the wrap chain of err, outermost first.
func errorTrace(err error) string {
	var sb strings.Builder
	for depth := 0; err != nil; depth++ {
		fmt.Fprintf(&sb, "%s%T: %v\n", strings.Repeat("  ", depth), err, err)
		err = errors.Unwrap(err)
	}
	return sb.String()
}

// WriteResultFile persists a result next to the task's outputs. The file is
// written to a temporary name first and renamed into place.
func WriteResultFile(path string, res *Result) error {
	if path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create result directory: %w", err)
	}
	data, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write result file: %w", err)
	}
	return os.Rename(tmp, path)
}

// ReadResultFile loads a result written by WriteResultFile.
func ReadResultFile(path string) (*Result, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var res Result
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, fmt.Errorf("decode result file %s: %w", path, err)
	}
	return &res, nil
}
