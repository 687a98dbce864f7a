package graph

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
)

// Compose returns the union of the given graphs. Tasks present in more than
// one graph must be the same task value; edges are merged. The inputs are
// left untouched.
func Compose(graphs ...*Graph) (*Graph, error) {
	out := New()
	for _, g := range graphs {
		if g == nil {
			continue
		}
		if err := out.merge(g); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Compose returns the union of g and other.
func (g *Graph) Compose(other *Graph) (*Graph, error) {
	return Compose(g, other)
}

func (g *Graph) merge(other *Graph) error {
	other.mu.RLock()
	defer other.mu.RUnlock()
	g.mu.Lock()
	defer g.mu.Unlock()

	for _, id := range sortedKeys(other.tasks) {
		if err := g.addTaskLocked(other.tasks[id]); err != nil {
			return err
		}
	}
	for to, set := range other.preds {
		for from := range set {
			g.preds[to][from] = struct{}{}
			g.succs[from][to] = struct{}{}
		}
	}
	return nil
}

// Subgraph returns the subgraph induced by ids: those tasks plus every edge
// between two of them.
func (g *Graph) Subgraph(ids []string) (*Graph, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := New()
	keep := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		t, ok := g.tasks[id]
		if !ok {
			return nil, fmt.Errorf("task not found: %s", id)
		}
		keep[id] = struct{}{}
		if err := out.addTaskLocked(t); err != nil {
			return nil, err
		}
	}
	for id := range keep {
		for from := range g.preds[id] {
			if _, ok := keep[from]; ok {
				out.preds[id][from] = struct{}{}
				out.succs[from][id] = struct{}{}
			}
		}
	}
	return out, nil
}

// Fingerprint is a SHA-256 over the sorted node and edge lists. Two graphs
// with the same node and edge sets share a fingerprint regardless of the
// order in which they were built.
func (g *Graph) Fingerprint() string {
	h := sha256.New()
	for _, id := range g.IDs() {
		io.WriteString(h, "node\x00"+id+"\n")
	}
	for _, e := range g.Edges() {
		io.WriteString(h, "edge\x00"+e.From+"\x00"+e.To+"\n")
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Equal reports whether both graphs have identical node and edge sets.
func (g *Graph) Equal(other *Graph) bool {
	if g == nil || other == nil {
		return g == other
	}
	return g.Fingerprint() == other.Fingerprint()
}
