package graph

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/vk/gridrun/internal/task"
)

// ErrDuplicateTask is returned when two different tasks share an ID.
var ErrDuplicateTask = errors.New("duplicate task id")

// Edge is a producer -> consumer relationship.
type Edge struct {
	From string
	To   string
}

// Graph is a dependency graph of tasks.
type Graph struct {
	mu    sync.RWMutex
	tasks map[string]*task.Task
	preds map[string]map[string]struct{} // Key: task ID, Value: set of predecessor IDs
	succs map[string]map[string]struct{} // Key: task ID, Value: set of successor IDs
}

// New creates and returns an initialized, empty Graph.
func New() *Graph {
	return &Graph{
		tasks: make(map[string]*task.Task),
		preds: make(map[string]map[string]struct{}),
		succs: make(map[string]map[string]struct{}),
	}
}

// AddTask registers a task. Adding the same task twice is idempotent; adding
// a different task under an existing ID is an error.
func (g *Graph) AddTask(t *task.Task) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.addTaskLocked(t)
}

func (g *Graph) addTaskLocked(t *task.Task) error {
	if t == nil || t.ID == "" {
		return errors.New("task must have an id")
	}
	if existing, ok := g.tasks[t.ID]; ok {
		if existing != t {
			return fmt.Errorf("%w: %s", ErrDuplicateTask, t.ID)
		}
		return nil
	}
	g.tasks[t.ID] = t
	g.preds[t.ID] = make(map[string]struct{})
	g.succs[t.ID] = make(map[string]struct{})
	return nil
}

// AddDependency creates a directed edge meaning `to` depends on `from`.
func (g *Graph) AddDependency(from, to string) error {
	if from == to {
		return fmt.Errorf("self-referential edge not allowed: %s -> %s", from, to)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.tasks[from]; !ok {
		return fmt.Errorf("source task not found: %s", from)
	}
	if _, ok := g.tasks[to]; !ok {
		return fmt.Errorf("destination task not found: %s", to)
	}
	g.preds[to][from] = struct{}{}
	g.succs[from][to] = struct{}{}
	return nil
}

// Task retrieves a single task by ID.
func (g *Graph) Task(id string) (*task.Task, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	t, ok := g.tasks[id]
	return t, ok
}

// Len returns the number of tasks.
func (g *Graph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.tasks)
}

// IDs returns all task IDs in sorted order.
func (g *Graph) IDs() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return sortedKeys(g.tasks)
}

// Tasks returns all tasks ordered by ID.
func (g *Graph) Tasks() []*task.Task {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]*task.Task, 0, len(g.tasks))
	for _, id := range sortedKeys(g.tasks) {
		out = append(out, g.tasks[id])
	}
	return out
}

// Predecessors returns the sorted IDs the given task depends on.
func (g *Graph) Predecessors(id string) ([]string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	set, ok := g.preds[id]
	if !ok {
		return nil, fmt.Errorf("task not found: %s", id)
	}
	return sortedKeys(set), nil
}

// Successors returns the sorted IDs that depend on the given task.
func (g *Graph) Successors(id string) ([]string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	set, ok := g.succs[id]
	if !ok {
		return nil, fmt.Errorf("task not found: %s", id)
	}
	return sortedKeys(set), nil
}

// Descendants returns every task reachable from id, sorted.
func (g *Graph) Descendants(id string) ([]string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if _, ok := g.tasks[id]; !ok {
		return nil, fmt.Errorf("task not found: %s", id)
	}
	seen := make(map[string]struct{})
	stack := []string{id}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for next := range g.succs[cur] {
			if _, ok := seen[next]; ok {
				continue
			}
			seen[next] = struct{}{}
			stack = append(stack, next)
		}
	}
	return sortedKeys(seen), nil
}

// Edges returns all edges sorted by (From, To).
func (g *Graph) Edges() []Edge {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var edges []Edge
	for from, set := range g.succs {
		for to := range set {
			edges = append(edges, Edge{From: from, To: to})
		}
	}
	sort.Slice(edges, func(i, j int) bool {
		if edges[i].From != edges[j].From {
			return edges[i].From < edges[j].From
		}
		return edges[i].To < edges[j].To
	})
	return edges
}

// ReadySet returns the tasks that have not started and whose predecessors
// are all Done according to stateOf. The result is ordered by ID; callers
// that need a policy order sort it themselves.
func (g *Graph) ReadySet(stateOf func(*task.Task) task.State) []*task.Task {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var ready []*task.Task
	for _, id := range sortedKeys(g.tasks) {
		t := g.tasks[id]
		if st := stateOf(t); st != task.Pending && st != task.Ready {
			continue
		}
		depsOK := true
		for pred := range g.preds[id] {
			if stateOf(g.tasks[pred]) != task.Done {
				depsOK = false
				break
			}
		}
		if depsOK {
			ready = append(ready, t)
		}
	}
	return ready
}

// DetectCycles checks the graph for any cycles. It returns a non-nil error
// naming a task involved in the first cycle found.
func (g *Graph) DetectCycles() error {
	g.mu.RLock()
	defer g.mu.RUnlock()

	// permanent: fully visited and not part of a cycle.
	// temporary: on the current DFS path.
	permanent := make(map[string]bool)
	temporary := make(map[string]bool)

	var visit func(id string) error
	visit = func(id string) error {
		if permanent[id] {
			return nil
		}
		if temporary[id] {
			return fmt.Errorf("cycle detected involving task '%s'", id)
		}
		temporary[id] = true
		for _, next := range sortedKeys(g.succs[id]) {
			if err := visit(next); err != nil {
				return err
			}
		}
		delete(temporary, id)
		permanent[id] = true
		return nil
	}

	for _, id := range sortedKeys(g.tasks) {
		if err := visit(id); err != nil {
			return err
		}
	}
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
