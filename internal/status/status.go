// Package status carries the live status stream of a run: events emitted by
// the scheduler and the sinks that log, aggregate, draw or forward them.
package status

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/vk/gridrun/internal/ctxlog"
)

// Kind names an event type.
type Kind string

const (
	RunStarted     Kind = "run_started"
	RunFinished    Kind = "run_finished"
	ChunkStarted   Kind = "chunk_started"
	ChunkFinished  Kind = "chunk_finished"
	TaskDispatched Kind = "task_dispatched"
	TaskInline     Kind = "task_inline"
	TaskDone       Kind = "task_done"
	TaskFailed     Kind = "task_failed"
	TaskSkipped    Kind = "task_skipped"
	TaskCached     Kind = "task_cached"
	ModeSequential Kind = "mode_sequential"
	ModeParallel   Kind = "mode_parallel"
	Stats          Kind = "stats"
	Reclaimed      Kind = "reclaimed"
)

// Event is one entry of the status stream.
type Event struct {
	Time      time.Time `json:"time"`
	Kind      Kind      `json:"kind"`
	RunID     string    `json:"run_id,omitempty"`
	Chunk     int       `json:"chunk,omitempty"`
	TaskID    string    `json:"task_id,omitempty"`
	Message   string    `json:"message,omitempty"`
	FreeMemGB float64   `json:"free_mem_gb,omitempty"`
	FreeProcs int       `json:"free_procs,omitempty"`
	Running   int       `json:"running,omitempty"`
	Ready     int       `json:"ready,omitempty"`
	Total     int       `json:"total,omitempty"`
}

// Sink receives status events. Emit must not block for long; it is called
// from the scheduler's control goroutine.
type Sink interface {
	Emit(ctx context.Context, ev Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, ev Event)

// Emit implements Sink.
func (f SinkFunc) Emit(ctx context.Context, ev Event) { f(ctx, ev) }

// Discard drops every event.
var Discard Sink = SinkFunc(func(context.Context, Event) {})

// Multi fans events out to every sink in order.
type Multi []Sink

// Emit implements Sink.
func (m Multi) Emit(ctx context.Context, ev Event) {
	for _, s := range m {
		if s != nil {
			s.Emit(ctx, ev)
		}
	}
}

// Stamped wraps a sink, filling in Time and the fixed RunID and Chunk of
// events that do not carry their own.
func Stamped(s Sink, runID string, chunk int) Sink {
	return SinkFunc(func(ctx context.Context, ev Event) {
		if ev.Time.IsZero() {
			ev.Time = time.Now()
		}
		if ev.RunID == "" {
			ev.RunID = runID
		}
		if ev.Chunk == 0 {
			ev.Chunk = chunk
		}
		s.Emit(ctx, ev)
	})
}

// LogSink writes events to the context logger at debug level.
type LogSink struct{}

// Emit implements Sink.
func (LogSink) Emit(ctx context.Context, ev Event) {
	logger := ctxlog.FromContext(ctx)
	if !logger.Enabled(ctx, slog.LevelDebug) {
		return
	}
	logger.Debug("Status event.",
		"kind", ev.Kind, "task", ev.TaskID, "chunk", ev.Chunk, "message", ev.Message,
		"running", ev.Running, "ready", ev.Ready)
}

// ChanSink forwards events to a channel without blocking. Events are dropped
// while the channel is full.
type ChanSink struct {
	C       chan Event
	mu      sync.Mutex
	dropped int
}

// NewChanSink creates a ChanSink with the given buffer.
func NewChanSink(buffer int) *ChanSink {
	return &ChanSink{C: make(chan Event, buffer)}
}

// Emit implements Sink.
func (s *ChanSink) Emit(_ context.Context, ev Event) {
	select {
	case s.C <- ev:
	default:
		s.mu.Lock()
		s.dropped++
		s.mu.Unlock()
	}
}

// Dropped is the number of events lost to a full channel.
func (s *ChanSink) Dropped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}
