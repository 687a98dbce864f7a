// Package task defines the unit of work handed to the scheduler by whatever
// builds the dependency graph: an opaque callable with declared resource
// needs and declared input/output paths.
package task

import (
	"context"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"sync/atomic"
)

// Resources are the memory and processor requirements declared by a task.
type Resources struct {
	MemGB  float64
	NProcs int
}

// Outcome is what a RunFunc reports back about a successful run. The zero
// value means "the declared outputs were produced".
type Outcome struct {
	// Outputs overrides the declared outputs when non-nil.
	Outputs []string
	// PeakMemGB is the measured peak memory of the run, if known.
	PeakMemGB float64
}

// RunFunc is the body of a task. It is opaque to the scheduler.
type RunFunc func(ctx context.Context) (Outcome, error)

// Task is a single vertex of the dependency graph.
type Task struct {
	// ID is unique within a graph. Slash-separated IDs ("sub-01/preproc/bet")
	// are conventional; the last segment is the task's short name.
	ID        string
	Resources Resources
	// Inputs and Outputs are the file paths the task reads and writes.
	Inputs  []string
	Outputs []string
	// WorkDir is the directory the task owns. Its result file lives here and
	// the reference tracer reclaims it once nothing needs it any longer.
	WorkDir string
	// RunInline forces execution on the scheduler's own goroutine.
	RunInline bool
	// Keep retains the task's artifacts regardless of reference counts.
	Keep bool
	// Priority orders ready tasks; higher runs first.
	Priority int

	Run RunFunc
	// Cached, when set, reports whether an up-to-date result already exists
	// so the run can be skipped.
	Cached func(ctx context.Context) (bool, error)

	state atomic.Int32
}

// New creates a task with the given ID and body.
func New(id string, run RunFunc) *Task {
	return &Task{ID: id, Run: run}
}

// Name returns the last segment of the task's ID.
func (t *Task) Name() string {
	if i := strings.LastIndex(t.ID, "/"); i >= 0 {
		return t.ID[i+1:]
	}
	return t.ID
}

var unsafeNameChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// ResultPath is the bookkeeping file that records the task's result. It is
// empty for tasks without a working directory.
func (t *Task) ResultPath() string {
	if t.WorkDir == "" {
		return ""
	}
	name := unsafeNameChars.ReplaceAllString(t.Name(), "_")
	return filepath.Join(t.WorkDir, fmt.Sprintf("result_%s.json", name))
}

// State atomically retrieves the task's execution state.
func (t *Task) State() State {
	return State(t.state.Load())
}

// SetState atomically sets the task's execution state. Only the scheduler
// calls it.
func (t *Task) SetState(s State) {
	t.state.Store(int32(s))
}

// String implements fmt.Stringer.
func (t *Task) String() string {
	return t.ID
}
