package testutil

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/vk/gridrun/internal/task"
)

// ExecutionRecord holds the start and end times of a single task run.
type ExecutionRecord struct {
	Start time.Time
	End   time.Time
	MemGB float64
}

// Recorder builds tasks that sleep for a fixed duration and records when
// each of them ran. It also tracks the peak memory held by concurrently
// running tasks.
type Recorder struct {
	mu       sync.Mutex
	sleep    time.Duration
	records  map[string]*ExecutionRecord
	order    []string
	curMem   float64
	peakMem  float64
	running  int
	peakRuns int
}

// NewRecorder creates a recorder whose tasks sleep for d.
func NewRecorder(d time.Duration) *Recorder {
	return &Recorder{sleep: d, records: make(map[string]*ExecutionRecord)}
}

// Task creates a recording task with the given memory requirement.
func (r *Recorder) Task(id string, memGB float64) *task.Task {
	t := task.New(id, nil)
	t.Resources = task.Resources{MemGB: memGB, NProcs: 1}
	t.Run = r.run(id, memGB, nil)
	return t
}

// Failing creates a recording task that returns err.
func (r *Recorder) Failing(id string, err error) *task.Task {
	t := r.Task(id, 0)
	t.Run = r.run(id, 0, err)
	return t
}

func (r *Recorder) run(id string, memGB float64, err error) task.RunFunc {
	return func(context.Context) (task.Outcome, error) {
		start := time.Now()
		r.mu.Lock()
		r.curMem += memGB
		r.running++
		if r.curMem > r.peakMem {
			r.peakMem = r.curMem
		}
		if r.running > r.peakRuns {
			r.peakRuns = r.running
		}
		r.mu.Unlock()

		time.Sleep(r.sleep)

		r.mu.Lock()
		r.curMem -= memGB
		r.running--
		r.records[id] = &ExecutionRecord{Start: start, End: time.Now(), MemGB: memGB}
		r.order = append(r.order, id)
		r.mu.Unlock()
		return task.Outcome{}, err
	}
}

// Record returns the execution record of id.
func (r *Recorder) Record(id string) (*ExecutionRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if !ok {
		return nil, fmt.Errorf("task %q did not run", id)
	}
	return rec, nil
}

// Ran returns the IDs of the tasks that ran, sorted.
func (r *Recorder) Ran() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := append([]string(nil), r.order...)
	sort.Strings(out)
	return out
}

// Order returns the IDs in completion order.
func (r *Recorder) Order() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.order...)
}

// PeakMemGB is the largest total memory of tasks running at the same time.
func (r *Recorder) PeakMemGB() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.peakMem
}

// PeakConcurrency is the largest number of tasks running at the same time.
func (r *Recorder) PeakConcurrency() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.peakRuns
}
