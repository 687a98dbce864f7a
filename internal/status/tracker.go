package status

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Snapshot is the aggregated state of a run, served on /status and drawn by
// the terminal UI.
type Snapshot struct {
	RunID      string    `json:"run_id"`
	StartedAt  time.Time `json:"started_at"`
	UpdatedAt  time.Time `json:"updated_at"`
	Finished   bool      `json:"finished"`
	Chunk      int       `json:"chunk"`
	Total      int       `json:"total"`
	Done       int       `json:"done"`
	Failed     int       `json:"failed"`
	Skipped    int       `json:"skipped"`
	Cached     int       `json:"cached"`
	Running    []string  `json:"running"`
	Ready      int       `json:"ready"`
	FreeMemGB  float64   `json:"free_mem_gb"`
	FreeProcs  int       `json:"free_procs"`
	Sequential bool      `json:"sequential"`
	Reclaimed  int       `json:"reclaimed"`
	LastEvent  string    `json:"last_event,omitempty"`
}

// Completed counts tasks in a terminal state.
func (s Snapshot) Completed() int {
	return s.Done + s.Failed + s.Skipped + s.Cached
}

// Tracker folds events into a Snapshot. It is safe for concurrent use.
type Tracker struct {
	mu      sync.RWMutex
	snap    Snapshot
	running map[string]struct{}
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{running: make(map[string]struct{})}
}

// Emit implements Sink.
func (t *Tracker) Emit(_ context.Context, ev Event) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := &t.snap
	s.UpdatedAt = ev.Time
	if ev.RunID != "" {
		s.RunID = ev.RunID
	}
	s.LastEvent = string(ev.Kind)

	switch ev.Kind {
	case RunStarted:
		s.StartedAt = ev.Time
		s.Finished = false
	case RunFinished:
		s.Finished = true
	case ChunkStarted:
		s.Chunk = ev.Chunk
		s.Total += ev.Total
	case TaskDispatched, TaskInline:
		t.running[ev.TaskID] = struct{}{}
	case TaskDone:
		delete(t.running, ev.TaskID)
		s.Done++
	case TaskFailed:
		delete(t.running, ev.TaskID)
		s.Failed++
	case TaskSkipped:
		s.Skipped++
	case TaskCached:
		s.Cached++
	case ModeSequential:
		s.Sequential = true
	case ModeParallel:
		s.Sequential = false
	case Stats:
		s.FreeMemGB = ev.FreeMemGB
		s.FreeProcs = ev.FreeProcs
		s.Ready = ev.Ready
	case Reclaimed:
		s.Reclaimed += ev.Total
	}
}

// Snapshot returns a copy of the current state.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := t.snap
	out.Running = make([]string, 0, len(t.running))
	for id := range t.running {
		out.Running = append(out.Running, id)
	}
	sort.Strings(out.Running)
	return out
}
