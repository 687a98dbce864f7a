package scheduler

import (
	"context"
	"fmt"

	"github.com/vk/gridrun/internal/ctxlog"
	"github.com/vk/gridrun/internal/resource"
	"github.com/vk/gridrun/internal/status"
	"github.com/vk/gridrun/internal/task"
)

type statsKey struct {
	running   int
	ready     int
	freeMem   float64
	freeProcs int
}

// logStats logs the scheduler state whenever it changed since the last call.
func (r *run) logStats(ctx context.Context, ready int, freeMem float64, freeProcs int, osAvail float64) {
	key := statsKey{running: len(r.reserved), ready: ready, freeMem: freeMem, freeProcs: freeProcs}
	if r.lastStats != nil && *r.lastStats == key {
		return
	}
	r.lastStats = &key

	b := r.ledger.Budget()
	attrs := []any{
		"free_memory", fmt.Sprintf("%s/%s", resource.FormatGB(freeMem), resource.FormatGB(b.MemGB)),
		"free_procs", fmt.Sprintf("%d/%d", freeProcs, b.Procs),
	}
	if r.pool != nil {
		attrs = append(attrs, "busy_workers", fmt.Sprintf("%d/%d", r.pool.Active(), r.pool.Size()))
	}
	if osAvail >= 0 {
		attrs = append(attrs, "available_memory", resource.FormatGB(osAvail))
	}
	if running := r.inFlight(); len(running) > 0 {
		attrs = append(attrs, "running_tasks", running)
	}
	ctxlog.FromContext(ctx).Info(fmt.Sprintf("Running %d tasks, and %d tasks ready.", key.running, ready), attrs...)

	r.emit(ctx, status.Event{
		Kind:      status.Stats,
		FreeMemGB: freeMem,
		FreeProcs: freeProcs,
		Running:   key.running,
		Ready:     ready,
	})
}

// checkMemoryPrediction compares a task's declared memory with its measured
// peak.
func checkMemoryPrediction(ctx context.Context, t *task.Task, res *task.Result) {
	if res.PeakMemGB <= 0 {
		return
	}
	logger := ctxlog.FromContext(ctx)
	predicted, actual := t.Resources.MemGB, res.PeakMemGB

	switch {
	case actual-predicted > 1:
		logger.Warn("Memory usage exceeds prediction.", "task", t.ID, "predicted_gb", predicted, "actual_gb", actual)
	case actual-predicted > 0:
		logger.Info("Memory usage exceeds prediction.", "task", t.ID, "predicted_gb", predicted, "actual_gb", actual)
	case predicted-actual > 5:
		logger.Warn("Memory usage is significantly below prediction.", "task", t.ID, "predicted_gb", predicted, "actual_gb", actual)
	}
}
