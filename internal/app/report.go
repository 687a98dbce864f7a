package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/vk/gridrun/internal/ctxlog"
	"github.com/vk/gridrun/internal/journal"
	"github.com/vk/gridrun/internal/task"
)

// Report returns the last journaled run and its failed task results.
func (a *App) Report(ctx context.Context) (*journal.Run, []*task.Result, error) {
	ctx = a.Context(ctx)
	logger := ctxlog.FromContext(ctx)

	if a.config.JournalPath == "" {
		return nil, nil, &ConfigError{Err: errors.New("no journal configured")}
	}
	j, err := journal.Open(ctx, a.config.JournalPath)
	if err != nil {
		return nil, nil, err
	}
	defer j.Close()

	run, err := j.LastRun(ctx)
	if err != nil {
		return nil, nil, err
	}
	failed, err := j.Results(ctx, run.ID, true)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read results of run %s: %w", run.ID, err)
	}
	logger.Debug("Loaded last run from journal.", "run_id", run.ID, "failed", len(failed))
	return run, failed, nil
}
