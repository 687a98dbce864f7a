package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/vk/gridrun/internal/chunk"
	"github.com/vk/gridrun/internal/ctxlog"
	"github.com/vk/gridrun/internal/manifest"
	"github.com/vk/gridrun/internal/resource"
)

// Plan loads the task manifest and composes the chunks a run would execute.
func (a *App) Plan(ctx context.Context) ([]*chunk.Chunk, error) {
	ctx = a.Context(ctx)
	logger := ctxlog.FromContext(ctx)

	if a.config.Manifest == "" {
		return nil, &ConfigError{Err: errors.New("no task manifest configured")}
	}
	logger.Debug("Loading task manifest...", "path", a.config.Manifest)
	m, err := manifest.Load(ctx, a.config.WorkDir, a.config.Manifest)
	if err != nil {
		return nil, &ConfigError{Err: fmt.Errorf("failed to load task manifest: %w", err)}
	}

	graphs, err := m.Graphs(ctx)
	if err != nil {
		return nil, &ConfigError{Err: fmt.Errorf("failed to build dependency graphs: %w", err)}
	}
	logger.Info("Task manifest loaded.", "tasks", len(m.Specs), "keys", len(graphs))

	chunks, err := chunk.Compose(ctx, graphs, a.config.ChunkPolicy())
	if err != nil {
		return nil, &ConfigError{Err: fmt.Errorf("failed to compose chunks: %w", err)}
	}
	return chunks, nil
}

// budget returns the configured budget, filling unset parts from the host.
func (a *App) budget(ctx context.Context) (resource.Budget, error) {
	logger := ctxlog.FromContext(ctx)
	b := resource.Budget{MemGB: a.config.MemGB, Procs: a.config.Procs}
	if b.MemGB > 0 && b.Procs > 0 {
		return b, nil
	}

	host, err := resource.DefaultBudget(ctx)
	if err != nil {
		return b, fmt.Errorf("failed to detect host resources: %w", err)
	}
	if b.MemGB == 0 {
		b.MemGB = host.MemGB
	}
	if b.Procs == 0 {
		b.Procs = host.Procs
	}
	logger.Info("Using detected host resources.", "mem", resource.FormatGB(b.MemGB), "procs", b.Procs)
	return b, nil
}
