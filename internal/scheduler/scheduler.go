package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/vk/gridrun/internal/ctxlog"
	"github.com/vk/gridrun/internal/graph"
	"github.com/vk/gridrun/internal/reftracer"
	"github.com/vk/gridrun/internal/resource"
	"github.com/vk/gridrun/internal/status"
	"github.com/vk/gridrun/internal/task"
	"github.com/vk/gridrun/internal/workerpool"
)

// Scheduler runs dependency graphs.
type Scheduler struct {
	cfg      Config
	tracer   *reftracer.Tracer
	mem      resource.MemoryReader
	sink     status.Sink
	priority PriorityFunc
	init     workerpool.WorkerInit
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithTracer reclaims task directories through tr. Without it nothing is
// deleted.
func WithTracer(tr *reftracer.Tracer) Option {
	return func(s *Scheduler) { s.tracer = tr }
}

// WithMemoryReader caps free memory at what p reports.
func WithMemoryReader(p resource.MemoryReader) Option {
	return func(s *Scheduler) { s.mem = p }
}

// WithSink sends status events to sink.
func WithSink(sink status.Sink) Option {
	return func(s *Scheduler) { s.sink = sink }
}

// WithPriority replaces DefaultPriority.
func WithPriority(p PriorityFunc) Option {
	return func(s *Scheduler) { s.priority = p }
}

// WithWorkerInit sets the per-worker initialisation of the pool.
func WithWorkerInit(init workerpool.WorkerInit) Option {
	return func(s *Scheduler) { s.init = init }
}

// New validates cfg and creates a scheduler.
func New(cfg Config, opts ...Option) (*Scheduler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid scheduler configuration: %w", err)
	}
	s := &Scheduler{
		cfg:      cfg.withDefaults(),
		sink:     status.Discard,
		priority: DefaultPriority,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Run executes g and returns one result per task it ran, ordered by task ID.
// A task failure is not an error; Run fails only for an invalid graph,
// ErrInsufficientResources, ErrDeadlock, a *TaskFailedError in debug mode or
// a cancelled context. The results gathered so far are returned alongside
// any error.
func (s *Scheduler) Run(ctx context.Context, g *graph.Graph) ([]*task.Result, error) {
	logger := ctxlog.FromContext(ctx)
	if err := g.DetectCycles(); err != nil {
		return nil, fmt.Errorf("invalid graph: %w", err)
	}

	r := newRun(s, g)
	if err := r.checkResources(ctx); err != nil {
		return nil, err
	}
	if r.remaining == 0 {
		logger.Debug("Graph has no runnable tasks.")
		return r.resultList(), nil
	}
	r.trace(ctx)

	logger.Debug("Scheduler starting run.", "tasks", g.Len(), "budget", r.ledger.String())
	r.pool = workerpool.New(ctx, s.cfg.Budget.Procs, g.Len(), s.init)

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if err := ctx.Err(); err != nil {
			return r.abort(ctx, err)
		}
		if r.remaining == 0 {
			break
		}
		progressed, err := r.step(ctx)
		if err != nil {
			return r.abort(ctx, err)
		}
		if r.remaining == 0 {
			break
		}
		if progressed {
			if err := r.drain(ctx); err != nil {
				return r.abort(ctx, err)
			}
			continue
		}

		select {
		case res := <-r.pool.Results():
			if err := r.complete(ctx, res); err != nil {
				return r.abort(ctx, err)
			}
			if err := r.drain(ctx); err != nil {
				return r.abort(ctx, err)
			}
		case <-ticker.C:
		case <-ctx.Done():
		}
	}

	if !r.pool.Shutdown(s.cfg.ShutdownTimeout) {
		logger.Warn("Shutdown of worker pool timed out. Workers may still finish in the background.")
	}
	r.collect(ctx)
	logger.Debug("Scheduler finished run.", "tasks", g.Len())
	return r.resultList(), nil
}
