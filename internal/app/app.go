package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/vk/gridrun/internal/config"
	"github.com/vk/gridrun/internal/ctxlog"
	"github.com/vk/gridrun/internal/resource"
	"github.com/vk/gridrun/internal/status"
)

// LogFileName is the log written below the working directory while the
// terminal UI owns the terminal.
const LogFileName = "log.txt"

// App encapsulates the application's dependencies, configuration, and lifecycle.
type App struct {
	outW    io.Writer
	logger  *slog.Logger
	logFile *os.File
	config  *config.Model

	mem     resource.MemoryReader
	tracker *status.Tracker
	sinks   []status.Sink
	tuiOpts []tea.ProgramOption

	httpServer *http.Server
}

// Option configures an App.
type Option func(*App)

// WithMemoryReader replaces the host memory reader. A nil reader disables the check.
func WithMemoryReader(p resource.MemoryReader) Option {
	return func(a *App) { a.mem = p }
}

// WithSink adds a status sink next to the built-in ones.
func WithSink(s status.Sink) Option {
	return func(a *App) { a.sinks = append(a.sinks, s) }
}

// WithTUIOptions passes options to the terminal UI program.
func WithTUIOptions(opts ...tea.ProgramOption) Option {
	return func(a *App) { a.tuiOpts = append(a.tuiOpts, opts...) }
}

// NewApp is the constructor for the main application. The configuration is
// validated here; with the terminal UI enabled, logs go to log.txt in the
// working directory instead of outW.
func NewApp(outW io.Writer, cfg *config.Model, opts ...Option) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, &ConfigError{Err: err}
	}

	a := &App{
		outW:    outW,
		config:  cfg,
		mem:     resource.SystemMemory{},
		tracker: status.NewTracker(),
	}
	for _, opt := range opts {
		opt(a)
	}

	logW := outW
	if cfg.TUI {
		if err := os.MkdirAll(cfg.WorkDir, 0o755); err != nil {
			return nil, fmt.Errorf("create workdir: %w", err)
		}
		f, err := os.OpenFile(filepath.Join(cfg.WorkDir, LogFileName), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		a.logFile = f
		logW = f
	}
	a.logger = newLogger(cfg.Log.Level, cfg.Log.Format, logW)
	a.logger.Debug("Logger configured successfully.", "tui", cfg.TUI)
	return a, nil
}

// Context returns ctx carrying the app's logger.
func (a *App) Context(ctx context.Context) context.Context {
	return ctxlog.WithLogger(ctx, a.logger)
}

// Tracker returns the aggregated status of the current run.
func (a *App) Tracker() *status.Tracker {
	return a.tracker
}

// Close releases the log file.
func (a *App) Close() error {
	if a.logFile != nil {
		return a.logFile.Close()
	}
	return nil
}
