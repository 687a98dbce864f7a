// Package workerpool runs tasks on a fixed number of worker goroutines.
//
// Each worker applies the pool's WorkerInit exactly once, before it picks up
// its first task: it pins its OS thread to the configured CPUs, builds its
// logger on the configured sink and publishes the environment command tasks
// should run with. Results are written to the task's result file and then
// delivered on the Results channel.
package workerpool

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vk/gridrun/internal/ctxlog"
	"github.com/vk/gridrun/internal/task"
)

// ErrPoolClosed is returned by Submit after Shutdown.
var ErrPoolClosed = errors.New("worker pool is shut down")

// WorkerInit is applied by every worker before its first task.
type WorkerInit struct {
	// AffinityMask lists the CPUs worker threads may run on. Empty means any.
	AffinityMask []int
	// LogSink, when set, receives the worker's log records instead of the
	// pool's logger.
	LogSink io.Writer
	// Env is extra KEY=VALUE environment for command tasks.
	Env []string
}

// Info describes the worker running a task.
type Info struct {
	WorkerID int
	Env      []string
}

type infoKey struct{}

// InfoFromContext returns the worker info attached to a task's context.
func InfoFromContext(ctx context.Context) (Info, bool) {
	info, ok := ctx.Value(infoKey{}).(Info)
	return info, ok
}

// WithInfo attaches worker info to ctx. The scheduler uses it for tasks it
// runs inline.
func WithInfo(ctx context.Context, info Info) context.Context {
	return context.WithValue(ctx, infoKey{}, info)
}

// Pool is a fixed-size pool of task workers.
type Pool struct {
	jobs     chan *task.Task
	results  chan *task.Result
	init     WorkerInit
	wg       sync.WaitGroup
	once     sync.Once
	aborting atomic.Bool
	active   atomic.Int32
	size     int
}

// New starts size workers. resultBuffer bounds how many finished results may
// wait for the caller; the scheduler sizes it to the graph so workers never
// block on delivery.
func New(ctx context.Context, size, resultBuffer int, init WorkerInit) *Pool {
	if size <= 0 {
		size = runtime.GOMAXPROCS(0)
	}
	if resultBuffer < size {
		resultBuffer = size
	}
	p := &Pool{
		jobs:    make(chan *task.Task, size),
		results: make(chan *task.Result, resultBuffer),
		init:    init,
		size:    size,
	}
	p.wg.Add(size)
	for i := 0; i < size; i++ {
		go p.worker(ctx, i)
	}
	return p
}

// Results delivers one result per submitted task.
func (p *Pool) Results() <-chan *task.Result {
	return p.results
}

// Active is the number of tasks currently executing.
func (p *Pool) Active() int {
	return int(p.active.Load())
}

// Size is the number of workers.
func (p *Pool) Size() int {
	return p.size
}

// Submit queues t for execution.
func (p *Pool) Submit(ctx context.Context, t *task.Task) (err error) {
	if p.aborting.Load() {
		return ErrPoolClosed
	}
	defer func() {
		// Sending on the closed jobs channel after a concurrent Shutdown.
		if recover() != nil {
			err = ErrPoolClosed
		}
	}()
	select {
	case p.jobs <- t:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown stops accepting work and waits up to timeout for the workers to
// exit. Queued tasks that have not started are reported as aborted. It
// returns false if workers were still running when the timeout expired.
func (p *Pool) Shutdown(timeout time.Duration) bool {
	p.once.Do(func() {
		p.aborting.Store(true)
		close(p.jobs)
	})
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// Close stops accepting work and waits for every queued task to finish.
func (p *Pool) Close() {
	p.once.Do(func() { close(p.jobs) })
	p.wg.Wait()
}

func (p *Pool) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	ctx, logger := p.setup(ctx, id)
	logger.Debug("Worker started.")

	for t := range p.jobs {
		if p.aborting.Load() {
			p.results <- task.Failure(t, task.KindAborted, ErrPoolClosed)
			continue
		}
		p.active.Add(1)
		taskCtx, taskLogger := ctxlog.With(ctx, "task", t.ID)
		taskLogger.Debug("Worker picked up task for execution.")

		res := task.Invoke(taskCtx, t, id)
		if err := task.WriteResultFile(t.ResultPath(), res); err != nil {
			taskLogger.Warn("Failed to write result file.", "error", err)
		}
		p.active.Add(-1)
		p.results <- res
	}
	logger.Debug("Worker finished.")
}

// setup applies the WorkerInit for worker id.
func (p *Pool) setup(ctx context.Context, id int) (context.Context, *slog.Logger) {
	var logger *slog.Logger
	if p.init.LogSink != nil {
		logger = slog.New(slog.NewTextHandler(p.init.LogSink, nil))
	} else {
		logger = ctxlog.FromContext(ctx)
	}
	logger = logger.With("worker_id", id)
	ctx = ctxlog.WithLogger(ctx, logger)

	if len(p.init.AffinityMask) > 0 {
		// The thread stays locked for the worker's lifetime so the mask
		// applies to every task it runs.
		runtime.LockOSThread()
		if err := setAffinity(p.init.AffinityMask); err != nil {
			logger.Warn("Failed to set worker CPU affinity.", "cpus", p.init.AffinityMask, "error", err)
		}
	}

	env := append([]string(nil), p.init.Env...)
	return WithInfo(ctx, Info{WorkerID: id, Env: env}), logger
}
