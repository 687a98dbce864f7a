package manifest

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/vk/gridrun/internal/ctxlog"
	"github.com/vk/gridrun/internal/graph"
)

// Graphs builds one dependency graph per key. Each task runs its command
// through Command. A task whose outputs or directory feed a task of another
// key is marked Keep: keys run in separate chunks, and the consuming chunk
// must still find them.
func (m *Manifest) Graphs(ctx context.Context) (map[string]*graph.Graph, error) {
	logger := ctxlog.FromContext(ctx)
	shared := sharedAcrossKeys(m.Specs)

	byKey := make(map[string][]*Spec)
	for _, s := range m.Specs {
		byKey[s.Key] = append(byKey[s.Key], s)
	}

	out := make(map[string]*graph.Graph, len(byKey))
	for key, specs := range byKey {
		g := graph.New()
		for _, s := range specs {
			t := NewTask(s)
			if consumer, ok := shared[s.ID()]; ok && !t.Keep {
				logger.Debug("Keeping task used by another key.", "task", s.ID(), "consumer", consumer)
				t.Keep = true
			}
			if err := g.AddTask(t); err != nil {
				return nil, fmt.Errorf("failed to add task %s: %w", s.ID(), err)
			}
		}
		for _, s := range specs {
			if err := linkExplicitDeps(ctx, g, s); err != nil {
				return nil, err
			}
			if err := linkReferences(ctx, g, s); err != nil {
				return nil, err
			}
		}
		if err := linkPathDeps(ctx, g, specs); err != nil {
			return nil, err
		}
		if err := g.DetectCycles(); err != nil {
			return nil, fmt.Errorf("key %s: %w", key, err)
		}
		out[key] = g
		logger.Debug("Dependency graph built.", "key", key, "tasks", g.Len(), "edges", len(g.Edges()))
	}
	return out, nil
}

// linkExplicitDeps resolves the names listed in `depends_on`. A name is
// either a task name of the same key or a full "<key>/<name>" ID.
func linkExplicitDeps(ctx context.Context, g *graph.Graph, s *Spec) error {
	logger := ctxlog.FromContext(ctx)
	for _, dep := range s.DependsOn {
		id := dep
		if !strings.Contains(dep, "/") {
			id = s.Key + "/" + dep
		} else if !strings.HasPrefix(dep, s.Key+"/") {
			return fmt.Errorf("task '%s' depends on '%s' in another key; dependencies must stay within a key", s.ID(), dep)
		}
		if _, ok := g.Task(id); !ok {
			return fmt.Errorf("task '%s' depends on non-existent task '%s'", s.ID(), dep)
		}
		logger.Debug("Linking explicit dependency.", "from", id, "to", s.ID())
		if err := g.AddDependency(id, s.ID()); err != nil {
			return fmt.Errorf("task '%s': %w", s.ID(), err)
		}
	}
	return nil
}

// linkReferences adds an edge for every `task.<name>` an expression used.
func linkReferences(ctx context.Context, g *graph.Graph, s *Spec) error {
	logger := ctxlog.FromContext(ctx)
	for _, name := range s.refs {
		id := s.Key + "/" + name
		if _, ok := g.Task(id); !ok {
			return fmt.Errorf("task '%s' refers to non-existent task '%s'", s.ID(), name)
		}
		logger.Debug("Linking implicit dependency.", "from", id, "to", s.ID())
		if err := g.AddDependency(id, s.ID()); err != nil {
			return fmt.Errorf("task '%s': %w", s.ID(), err)
		}
	}
	return nil
}

// linkPathDeps links a producer to every consumer with an input equal to,
// or inside, one of the producer's outputs.
func linkPathDeps(ctx context.Context, g *graph.Graph, specs []*Spec) error {
	logger := ctxlog.FromContext(ctx)
	for _, consumer := range specs {
		for _, producer := range specs {
			if producer == consumer || !consumes(consumer, producer) {
				continue
			}
			logger.Debug("Linking inferred dependency.", "from", producer.ID(), "to", consumer.ID())
			if err := g.AddDependency(producer.ID(), consumer.ID()); err != nil {
				return fmt.Errorf("task '%s': %w", consumer.ID(), err)
			}
		}
	}
	return nil
}

// sharedAcrossKeys maps the ID of every task read by a task of another key
// to the first such consumer.
func sharedAcrossKeys(specs []*Spec) map[string]string {
	out := make(map[string]string)
	for _, consumer := range specs {
		for _, producer := range specs {
			if producer.Key == consumer.Key {
				continue
			}
			if _, done := out[producer.ID()]; done {
				continue
			}
			if consumes(consumer, producer) || readsDir(consumer, producer.WorkDir) {
				out[producer.ID()] = consumer.ID()
			}
		}
	}
	return out
}

func readsDir(consumer *Spec, dir string) bool {
	for _, in := range consumer.Inputs {
		if within(in, dir) {
			return true
		}
	}
	return false
}

func consumes(consumer, producer *Spec) bool {
	for _, in := range consumer.Inputs {
		for _, out := range producer.Outputs {
			if within(in, out) {
				return true
			}
		}
	}
	return false
}

// within reports whether p is dir or lies below it.
func within(p, dir string) bool {
	rel, err := filepath.Rel(dir, p)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}
