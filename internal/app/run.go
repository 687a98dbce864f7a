package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/vk/gridrun/internal/chunk"
	"github.com/vk/gridrun/internal/ctxlog"
	"github.com/vk/gridrun/internal/journal"
	"github.com/vk/gridrun/internal/reftracer"
	"github.com/vk/gridrun/internal/resource"
	"github.com/vk/gridrun/internal/scheduler"
	"github.com/vk/gridrun/internal/status"
	"github.com/vk/gridrun/internal/task"
	"github.com/vk/gridrun/internal/tui"
	"github.com/vk/gridrun/internal/workerpool"
)

// Run executes every selected chunk. A chunk that fails does not stop the
// others; a deadlock, a configuration error, a debug-mode task failure or a
// cancelled context aborts the run. The summary is returned alongside any
// error.
func (a *App) Run(ctx context.Context) (*Summary, error) {
	ctx = a.Context(ctx)
	logger := ctxlog.FromContext(ctx)
	logger.Debug("App.Run method started.")

	if port := a.config.HealthcheckPort; port > 0 {
		if _, err := a.startHealthCheckServer(ctx, port); err != nil {
			return nil, err
		}
		defer a.closeHealthCheckServer(ctx)
	}

	chunks, err := a.Plan(ctx)
	if err != nil {
		return nil, err
	}
	if len(chunks) == 0 {
		logger.Warn("No chunks selected, execution not required.")
		return &Summary{}, nil
	}

	b, err := a.budget(ctx)
	if err != nil {
		return nil, err
	}
	schedCfg := a.config.SchedulerConfig(b)
	if err := schedCfg.Validate(); err != nil {
		return nil, &ConfigError{Err: err}
	}

	var jr *journal.Journal
	runID := uuid.NewString()
	if a.config.JournalPath != "" {
		jr, err = journal.Open(ctx, a.config.JournalPath)
		if err != nil {
			return nil, err
		}
		defer jr.Close()
		rec, err := jr.StartRun(ctx, a.config.WorkDir)
		if err != nil {
			return nil, fmt.Errorf("failed to record run: %w", err)
		}
		runID = rec.ID
	}
	ctx, logger = ctxlog.With(ctx, "run_id", runID)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sinks, closeSinks := a.statusSinks(ctx)
	var tuiDone chan error
	var events *status.ChanSink
	if a.config.TUI {
		events = status.NewChanSink(1024)
		sinks = append(sinks, events)
		tuiDone = make(chan error, 1)
		model := tui.New(a.tracker, events.C, cancel)
		go func() { tuiDone <- tui.Run(context.WithoutCancel(ctx), model, a.tuiOpts...) }()
	}
	sink := status.Stamped(sinks, runID, 0)

	summary := &Summary{RunID: runID, Chunks: len(chunks)}
	sink.Emit(ctx, status.Event{Kind: status.RunStarted, Total: len(chunks)})
	logger.Info("🚀 Starting execution...", "chunks", len(chunks), "mem", resource.FormatGB(b.MemGB), "procs", b.Procs)

	var runErr error
	for _, c := range chunks {
		results, err := a.runChunk(ctx, c, schedCfg, sinks, runID)
		summary.add(results)
		if jr != nil {
			if jerr := jr.RecordResults(context.WithoutCancel(ctx), runID, c.Index, results); jerr != nil {
				logger.Error("Failed to journal chunk results.", "chunk", c.Index, "error", jerr)
			}
		}
		if err == nil {
			continue
		}
		if fatal(ctx, err) {
			runErr = abortError(err)
			logger.Error("Run aborted.", "chunk", c.Index, "error", err)
			break
		}
		summary.FailedChunks = append(summary.FailedChunks, c.Index)
		logger.Error("Chunk failed, continuing with the next one.", "chunk", c.Index, "error", err)
	}

	if jr != nil {
		if err := jr.FinishRun(context.WithoutCancel(ctx), runID, runErr); err != nil {
			logger.Error("Failed to journal run result.", "error", err)
		}
	}

	msg := fmt.Sprintf("%d done, %d cached, %d failed, %d skipped.", summary.Done, summary.Cached, summary.Failed, summary.Skipped)
	sink.Emit(ctx, status.Event{Kind: status.RunFinished, Message: msg, Total: summary.Tasks})
	closeSinks()
	if events != nil {
		close(events.C)
		if err := <-tuiDone; err != nil {
			logger.Warn("Terminal UI failed.", "error", err)
		}
	}

	logger.Info("🏁 Execution finished.", "tasks", summary.Tasks, "done", summary.Done, "cached", summary.Cached,
		"failed", summary.Failed, "skipped", summary.Skipped, "failed_chunks", len(summary.FailedChunks))
	return summary, runErr
}

// runChunk runs one chunk on a fresh scheduler and reference tracer.
func (a *App) runChunk(ctx context.Context, c *chunk.Chunk, cfg scheduler.Config, sink status.Sink, runID string) ([]*task.Result, error) {
	ctx, logger := ctxlog.With(ctx, "chunk", c.Index)
	stamped := status.Stamped(sink, runID, c.Index)
	stamped.Emit(ctx, status.Event{Kind: status.ChunkStarted, Total: c.Graph.Len(), Message: strings.Join(c.Keys, ",")})
	defer stamped.Emit(ctx, status.Event{Kind: status.ChunkFinished})

	opts := []scheduler.Option{
		scheduler.WithSink(stamped),
		scheduler.WithWorkerInit(workerpool.WorkerInit{
			AffinityMask: a.config.Workers.AffinityMask,
			Env:          a.config.WorkerEnv(),
		}),
	}
	if a.mem != nil {
		opts = append(opts, scheduler.WithMemoryReader(a.mem))
	}
	if tc := a.config.TracerConfig(); tc.Enabled() {
		tr, err := reftracer.New(tc)
		if err != nil {
			return nil, &ConfigError{Err: err}
		}
		opts = append(opts, scheduler.WithTracer(tr))
	}

	s, err := scheduler.New(cfg, opts...)
	if err != nil {
		return nil, &ConfigError{Err: err}
	}
	logger.Info("Running chunk.", "keys", len(c.Keys), "tasks", c.Graph.Len(), "trailing", c.Trailing)
	return s.Run(ctx, c.Graph)
}

// statusSinks builds the built-in sinks and the ones passed as options. The
// returned func closes the sinks that hold connections.
func (a *App) statusSinks(ctx context.Context) (status.Multi, func()) {
	logger := ctxlog.FromContext(ctx)
	sinks := status.Multi{status.LogSink{}, a.tracker}
	sinks = append(sinks, a.sinks...)

	closeFn := func() {}
	st := a.config.Status
	if st.SocketIOURL == "" {
		return sinks, closeFn
	}
	sio, err := status.DialSocketIO(ctx, status.SocketIOConfig{
		URL:                st.SocketIOURL,
		Namespace:          st.Namespace,
		Event:              st.Event,
		InsecureSkipVerify: st.InsecureSkipVerify,
	})
	if err != nil {
		logger.Warn("Status stream unavailable, continuing without it.", "error", err)
		return sinks, closeFn
	}
	return append(sinks, sio), func() {
		if err := sio.Close(); err != nil {
			logger.Debug("Failed to close status stream.", "error", err)
		}
	}
}

// fatal reports whether a chunk error must stop the whole run.
func fatal(ctx context.Context, err error) bool {
	var tf *scheduler.TaskFailedError
	return errors.Is(err, scheduler.ErrDeadlock) ||
		errors.Is(err, scheduler.ErrInsufficientResources) ||
		errors.As(err, &tf) ||
		IsConfigError(err) ||
		ctx.Err() != nil
}

func abortError(err error) error {
	if errors.Is(err, scheduler.ErrInsufficientResources) && !IsConfigError(err) {
		return &ConfigError{Err: err}
	}
	return err
}
