package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/vk/gridrun/internal/ctxlog"
	"github.com/vk/gridrun/internal/graph"
	"github.com/vk/gridrun/internal/resource"
	"github.com/vk/gridrun/internal/status"
	"github.com/vk/gridrun/internal/task"
	"github.com/vk/gridrun/internal/workerpool"
)

// run is the state of one Scheduler.Run call. Only the control goroutine
// touches it.
type run struct {
	s      *Scheduler
	g      *graph.Graph
	ledger *resource.Ledger
	pool   *workerpool.Pool

	results   map[string]*task.Result
	reserved  map[string]task.Resources
	remaining int

	sequential bool
	lastStats  *statsKey
}

func newRun(s *Scheduler, g *graph.Graph) *run {
	r := &run{
		s:        s,
		g:        g,
		ledger:   resource.NewLedger(s.cfg.Budget),
		results:  make(map[string]*task.Result),
		reserved: make(map[string]task.Resources),
	}
	for _, t := range g.Tasks() {
		switch t.State() {
		case task.Done, task.Failed:
			// Finished before this run, e.g. by an earlier chunk.
		default:
			t.SetState(task.Pending)
			r.remaining++
		}
	}
	return r
}

// checkResources reports tasks that alone exceed the budget.
func (r *run) checkResources(ctx context.Context) error {
	logger := ctxlog.FromContext(ctx)
	for _, t := range r.g.Tasks() {
		if !r.ledger.Exceeds(t.Resources) {
			continue
		}
		b := r.ledger.Budget()
		if r.s.cfg.RaiseInsufficient {
			return fmt.Errorf("%w: %s needs %g GB/%d procs, budget is %g GB/%d procs",
				ErrInsufficientResources, t.ID, t.Resources.MemGB, t.Resources.NProcs, b.MemGB, b.Procs)
		}
		logger.Warn("Task requires more resources than available, clamping to the budget.",
			"task", t.ID, "mem_gb", t.Resources.MemGB, "n_procs", t.Resources.NProcs,
			"budget_mem_gb", b.MemGB, "budget_procs", b.Procs)
	}
	return nil
}

// trace registers every task with the reference tracer.
func (r *run) trace(ctx context.Context) {
	tr := r.s.tracer
	if tr == nil {
		return
	}
	tasks := r.g.Tasks()
	for _, t := range tasks {
		tr.AddNode(t)
	}
	for _, t := range tasks {
		preds, _ := r.g.Predecessors(t.ID)
		producers := make([]*task.Task, 0, len(preds))
		for _, id := range preds {
			if p, ok := r.g.Task(id); ok {
				producers = append(producers, p)
			}
		}
		tr.SetPending(ctx, t, producers)
	}
}

func (r *run) emit(ctx context.Context, ev status.Event) {
	r.s.sink.Emit(ctx, ev)
}

func stateOf(t *task.Task) task.State { return t.State() }

// step is one iteration of the control loop. It reports whether any task
// finished during the iteration, in which case the caller loops again
// without waiting.
func (r *run) step(ctx context.Context) (bool, error) {
	logger := ctxlog.FromContext(ctx)
	cfg := r.s.cfg

	freeMem, freeProcs := r.ledger.Free()
	effective := freeMem
	osAvail := -1.0
	if r.s.mem != nil {
		avail, err := r.s.mem.AvailableGB(ctx)
		if err != nil {
			logger.Debug("Failed to query available memory.", "error", err)
		} else {
			osAvail = avail
			effective = min(freeMem, avail)
		}
	}

	if !r.sequential && effective < cfg.LowWatermarkGB {
		r.sequential = true
		logger.Warn("⚠️ Low memory, switching to sequential mode.", "free_gb", effective, "low_watermark_gb", cfg.LowWatermarkGB)
		r.emit(ctx, status.Event{Kind: status.ModeSequential, FreeMemGB: effective})
	} else if r.sequential && effective > cfg.HighWatermarkGB {
		r.sequential = false
		logger.Info("🧠 Memory freed, switching back to parallel mode.", "free_gb", effective, "high_watermark_gb", cfg.HighWatermarkGB)
		r.emit(ctx, status.Event{Kind: status.ModeParallel, FreeMemGB: effective})
	}

	ready := r.g.ReadySet(stateOf)
	for _, t := range ready {
		if t.State() == task.Pending {
			t.SetState(task.Ready)
		}
	}
	r.logStats(ctx, len(ready), freeMem, freeProcs, osAvail)

	if freeMem < resource.Epsilon || freeProcs <= 0 {
		logger.Debug("No resources available.")
		return false, nil
	}
	if len(ready) == 0 {
		if len(r.reserved) == 0 && r.remaining > 0 {
			return false, fmt.Errorf("%w (%d tasks remaining)", ErrDeadlock, r.remaining)
		}
		return false, nil
	}

	sortReady(ready, r.s.priority)

	progressed := false
	for _, t := range ready {
		if t.State() != task.Ready {
			continue
		}
		need := r.ledger.Clamp(t.Resources)
		if !r.sequential && !r.ledger.Fits(need) {
			logger.Debug("Cannot allocate task.", "task", t.ID, "mem_gb", need.MemGB, "n_procs", need.NProcs)
			continue
		}
		r.ledger.Reserve(need)
		t.SetState(task.Dispatched)
		logger.Debug("Allocated task.", "task", t.ID, "mem_gb", need.MemGB, "n_procs", need.NProcs, "ledger", r.ledger.String())

		if cached, err := r.cached(ctx, t); err != nil || cached {
			r.release(ctx, t.ID, need)
			res := r.cachedResult(t, err)
			if err := r.finish(ctx, t, res); err != nil {
				return progressed, err
			}
			progressed = true
			continue
		}

		if t.RunInline || r.sequential || cfg.UpdateHash {
			res := r.runInline(ctx, t)
			r.release(ctx, t.ID, need)
			if err := r.finish(ctx, t, res); err != nil {
				return progressed, err
			}
			r.collect(ctx)
			r.lastStats = nil
			progressed = true
			continue
		}

		r.reserved[t.ID] = need
		if err := r.pool.Submit(ctx, t); err != nil {
			delete(r.reserved, t.ID)
			r.release(ctx, t.ID, need)
			return progressed, fmt.Errorf("submit task %s: %w", t.ID, err)
		}
		logger.Debug("Submitted task to the worker pool.", "task", t.ID)
		r.emit(ctx, status.Event{Kind: status.TaskDispatched, TaskID: t.ID})
	}

	r.collect(ctx)
	return progressed, nil
}

func (r *run) cached(ctx context.Context, t *task.Task) (bool, error) {
	if t.Cached == nil {
		return false, nil
	}
	return t.Cached(ctx)
}

func (r *run) cachedResult(t *task.Task, err error) *task.Result {
	if err != nil {
		return task.Failure(t, task.KindRuntime, fmt.Errorf("cache check failed: %w", err))
	}
	now := time.Now()
	return &task.Result{
		TaskID:     t.ID,
		State:      task.Done,
		OK:         true,
		Cached:     true,
		Outputs:    t.Outputs,
		WorkerID:   -1,
		StartedAt:  now,
		FinishedAt: now,
	}
}

// runInline executes t on the control goroutine.
func (r *run) runInline(ctx context.Context, t *task.Task) *task.Result {
	logger := ctxlog.FromContext(ctx)
	logger.Debug("Running task on the control goroutine.", "task", t.ID, "sequential", r.sequential)
	r.emit(ctx, status.Event{Kind: status.TaskInline, TaskID: t.ID})

	taskCtx, _ := ctxlog.With(ctx, "task", t.ID)
	taskCtx = workerpool.WithInfo(taskCtx, workerpool.Info{WorkerID: -1, Env: r.s.init.Env})
	res := task.Invoke(taskCtx, t, -1)
	res.Inline = true
	if err := task.WriteResultFile(t.ResultPath(), res); err != nil {
		logger.Warn("Failed to write result file.", "task", t.ID, "error", err)
	}
	return res
}

func (r *run) release(ctx context.Context, id string, need task.Resources) {
	if err := r.ledger.Release(need); err != nil {
		ctxlog.FromContext(ctx).Warn("Resource ledger out of balance.", "task", id, "error", err)
	}
}

// complete handles a result delivered by the worker pool.
func (r *run) complete(ctx context.Context, res *task.Result) error {
	t, ok := r.g.Task(res.TaskID)
	if !ok {
		ctxlog.FromContext(ctx).Warn("Received result for unknown task.", "task", res.TaskID)
		return nil
	}
	if need, ok := r.reserved[t.ID]; ok {
		delete(r.reserved, t.ID)
		r.release(ctx, t.ID, need)
	}
	return r.finish(ctx, t, res)
}

// drain handles every result already waiting without blocking.
func (r *run) drain(ctx context.Context) error {
	for {
		select {
		case res := <-r.pool.Results():
			if err := r.complete(ctx, res); err != nil {
				return err
			}
		default:
			return nil
		}
	}
}

// finish records a terminal result for t.
func (r *run) finish(ctx context.Context, t *task.Task, res *task.Result) error {
	if t.State().Terminal() {
		return nil
	}
	logger := ctxlog.FromContext(ctx).With("task", t.ID)

	r.results[t.ID] = res
	t.SetState(res.State)
	r.remaining--

	if res.OK {
		switch {
		case res.Cached:
			logger.Debug("Task is cached, skipping run.")
			r.emit(ctx, status.Event{Kind: status.TaskCached, TaskID: t.ID})
		default:
			logger.Debug("Task finished.", "duration", res.Duration(), "inline", res.Inline)
			r.emit(ctx, status.Event{Kind: status.TaskDone, TaskID: t.ID})
		}
		checkMemoryPrediction(ctx, t, res)
		if tr := r.s.tracer; tr != nil {
			tr.SetComplete(ctx, t, tr.ShouldUnmark(t))
		}
		return nil
	}

	logger.Error("Task failed.", "kind", res.Kind, "error", res.Error, "trace", res.Trace)
	r.emit(ctx, status.Event{Kind: status.TaskFailed, TaskID: t.ID, Message: res.Error})
	r.skipDescendants(ctx, t)

	if r.s.cfg.Debug {
		return &TaskFailedError{TaskID: t.ID, Result: res}
	}
	return nil
}

// skipDescendants records every unfinished descendant of a failed task as
// skipped.
func (r *run) skipDescendants(ctx context.Context, failed *task.Task) {
	ids, err := r.g.Descendants(failed.ID)
	if err != nil {
		return
	}
	logger := ctxlog.FromContext(ctx)
	cause := fmt.Errorf("skipped due to upstream failure of '%s'", failed.ID)
	for _, id := range ids {
		d, _ := r.g.Task(id)
		if d == nil || d.State().Terminal() {
			continue
		}
		logger.Debug("Skipping dependent task.", "task", id, "failed", failed.ID)
		r.results[id] = task.Failure(d, task.KindSkipped, cause)
		d.SetState(task.Failed)
		r.remaining--
		r.emit(ctx, status.Event{Kind: status.TaskSkipped, TaskID: id, Message: cause.Error()})
	}
}

// collect deletes whatever the tracer can reclaim.
func (r *run) collect(ctx context.Context) {
	if r.s.tracer == nil {
		return
	}
	if removed := r.s.tracer.CollectAndDelete(ctx); len(removed) > 0 {
		r.emit(ctx, status.Event{Kind: status.Reclaimed, Total: len(removed)})
	}
}

// abort shuts the pool down and records every unfinished task as aborted.
func (r *run) abort(ctx context.Context, cause error) ([]*task.Result, error) {
	logger := ctxlog.FromContext(ctx)
	logger.Error("Aborting run.", "error", cause, "running", r.inFlight())

	if r.pool != nil {
		if !r.pool.Shutdown(r.s.cfg.ShutdownTimeout) {
			logger.Warn("Shutdown of worker pool timed out. Workers may still finish in the background.")
		}
	drain:
		for {
			select {
			case res := <-r.pool.Results():
				if t, ok := r.g.Task(res.TaskID); ok && !t.State().Terminal() {
					r.results[t.ID] = res
					t.SetState(res.State)
				}
			default:
				break drain
			}
		}
	}

	for _, t := range r.g.Tasks() {
		if t.State().Terminal() {
			continue
		}
		r.results[t.ID] = task.Failure(t, task.KindAborted, cause)
		t.SetState(task.Failed)
	}
	return r.resultList(), cause
}

func (r *run) inFlight() []string {
	ids := make([]string, 0, len(r.reserved))
	for _, t := range r.g.Tasks() {
		if _, ok := r.reserved[t.ID]; ok {
			ids = append(ids, t.ID)
		}
	}
	return ids
}

func (r *run) resultList() []*task.Result {
	out := make([]*task.Result, 0, len(r.results))
	for _, id := range r.g.IDs() {
		if res, ok := r.results[id]; ok {
			out = append(out, res)
		}
	}
	return out
}
