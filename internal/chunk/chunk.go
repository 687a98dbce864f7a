// Package chunk splits per-key dependency graphs into chunks that can be
// scheduled independently, e.g. one cluster array job per chunk.
//
// Keys are sorted, filtered and partitioned by position, so the same policy
// over the same keys always yields the same chunks. The graph of a trailing
// key (group level work that consumes every other key's outputs) is kept out
// of the partition and appended as the last chunk.
package chunk

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sort"

	"github.com/vk/gridrun/internal/ctxlog"
	"github.com/vk/gridrun/internal/graph"
)

const (
	DefaultMaxChunkSize = 64
	DefaultTrailingKey  = "model"
)

// ErrNoChunks is returned when a policy leaves nothing to run.
var ErrNoChunks = errors.New("no graphs to run")

// ErrChunkOutOfRange is returned by Select for an index that is not defined.
var ErrChunkOutOfRange = errors.New("chunk index out of range")

// Policy controls how keys are grouped into chunks.
type Policy struct {
	// NChunks fixes the number of key chunks. Zero derives it.
	NChunks int
	// SubjectChunks and UseCluster put every key in its own chunk.
	SubjectChunks bool
	UseCluster    bool
	// MaxChunkSize bounds the keys per chunk when the count is derived.
	MaxChunkSize int

	// Include and Exclude are path.Match globs over keys. An empty Include
	// admits every key.
	Include []string
	Exclude []string

	TrailingKey string

	// OnlyChunkIndex selects a single key chunk, 1-based. The trailing chunk
	// is not run then.
	OnlyChunkIndex int
	// OnlyTrailing runs only the trailing chunk.
	OnlyTrailing bool
}

// Validate reports invalid policy values.
func (p Policy) Validate() error {
	if p.NChunks < 0 {
		return fmt.Errorf("n_chunks must not be negative, got %d", p.NChunks)
	}
	if p.MaxChunkSize < 0 {
		return fmt.Errorf("max_chunk_size must not be negative, got %d", p.MaxChunkSize)
	}
	if p.OnlyChunkIndex != 0 && p.OnlyTrailing {
		return errors.New("only_chunk_index and only_trailing are mutually exclusive")
	}
	for _, pat := range append(append([]string(nil), p.Include...), p.Exclude...) {
		if _, err := path.Match(pat, ""); err != nil {
			return fmt.Errorf("invalid key pattern %q: %w", pat, err)
		}
	}
	return nil
}

func (p Policy) withDefaults() Policy {
	if p.MaxChunkSize == 0 {
		p.MaxChunkSize = DefaultMaxChunkSize
	}
	if p.TrailingKey == "" {
		p.TrailingKey = DefaultTrailingKey
	}
	return p
}

// Chunk is one independently schedulable unit.
type Chunk struct {
	// Index is the 1-based position in the full composition.
	Index    int
	Keys     []string
	Graph    *graph.Graph
	Trailing bool
}

// Compose partitions perKey according to p and returns the chunks to run in
// order. An OnlyChunkIndex that is not defined yields no chunks and no error.
func Compose(ctx context.Context, perKey map[string]*graph.Graph, p Policy) ([]*Chunk, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	p = p.withDefaults()
	logger := ctxlog.FromContext(ctx)

	keys := selectKeys(perKey, p)
	groups := partition(keys, chunkCount(len(keys), p))
	trailing, hasTrailing := perKey[p.TrailingKey]

	switch {
	case p.OnlyChunkIndex != 0:
		i := p.OnlyChunkIndex - 1
		if i < 0 || i >= len(groups) {
			logger.Info(fmt.Sprintf("Not running chunk %d as it is not defined.", p.OnlyChunkIndex), "chunks", len(groups))
			return nil, nil
		}
		logger.Info(fmt.Sprintf("Will run key level chunk %d of %d.", p.OnlyChunkIndex, len(groups)))
		c, err := keyChunk(perKey, groups[i], i+1)
		if err != nil {
			return nil, err
		}
		return []*Chunk{c}, nil

	case p.OnlyTrailing:
		if !hasTrailing {
			return nil, ErrNoChunks
		}
		logger.Info("Will run the trailing chunk only.", "key", p.TrailingKey)
		return []*Chunk{trailingChunk(p.TrailingKey, trailing, len(groups)+1)}, nil
	}

	if len(groups) == 0 && !hasTrailing {
		return nil, ErrNoChunks
	}

	chunks := make([]*Chunk, 0, len(groups)+1)
	for i, keys := range groups {
		c, err := keyChunk(perKey, keys, i+1)
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, c)
	}
	if hasTrailing {
		chunks = append(chunks, trailingChunk(p.TrailingKey, trailing, len(groups)+1))
	}
	logger.Info(fmt.Sprintf("Will run %d key level chunks.", len(groups)), "keys", len(keys), "trailing", hasTrailing)
	return chunks, nil
}

// Select returns the i-th (1-based) chunk of the full composition of perKey
// under p, ignoring p's OnlyChunkIndex and OnlyTrailing.
func Select(ctx context.Context, perKey map[string]*graph.Graph, p Policy, i int) (*Chunk, error) {
	p.OnlyChunkIndex = 0
	p.OnlyTrailing = false
	chunks, err := Compose(ctx, perKey, p)
	if err != nil {
		return nil, err
	}
	if i < 1 || i > len(chunks) {
		return nil, fmt.Errorf("%w: %d of %d", ErrChunkOutOfRange, i, len(chunks))
	}
	return chunks[i-1], nil
}

func keyChunk(perKey map[string]*graph.Graph, keys []string, index int) (*Chunk, error) {
	graphs := make([]*graph.Graph, 0, len(keys))
	for _, k := range keys {
		graphs = append(graphs, perKey[k])
	}
	g, err := graph.Compose(graphs...)
	if err != nil {
		return nil, fmt.Errorf("compose chunk %d: %w", index, err)
	}
	return &Chunk{Index: index, Keys: keys, Graph: g}, nil
}

func trailingChunk(key string, g *graph.Graph, index int) *Chunk {
	return &Chunk{Index: index, Keys: []string{key}, Graph: g, Trailing: true}
}

// selectKeys returns the sorted, filtered keys without the trailing key.
func selectKeys(perKey map[string]*graph.Graph, p Policy) []string {
	keys := make([]string, 0, len(perKey))
	for k, g := range perKey {
		if k == p.TrailingKey || g == nil {
			continue
		}
		if len(p.Include) > 0 && !matchAny(p.Include, k) {
			continue
		}
		if matchAny(p.Exclude, k) {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func matchAny(patterns []string, key string) bool {
	for _, pat := range patterns {
		if ok, _ := path.Match(pat, key); ok {
			return true
		}
	}
	return false
}

// chunkCount derives the number of key chunks. It never exceeds the number
// of keys, so every chunk holds at least one key.
func chunkCount(nKeys int, p Policy) int {
	if nKeys == 0 {
		return 0
	}
	n := p.NChunks
	if n == 0 {
		if p.SubjectChunks || p.UseCluster {
			n = nKeys
		} else {
			n = (nKeys + p.MaxChunkSize - 1) / p.MaxChunkSize
		}
	}
	return min(n, nKeys)
}

// partition splits keys into n contiguous groups whose sizes differ by at
// most one; the first len(keys)%n groups are the larger ones.
func partition(keys []string, n int) [][]string {
	if n <= 0 {
		return nil
	}
	size, extra := len(keys)/n, len(keys)%n
	groups := make([][]string, 0, n)
	start := 0
	for i := 0; i < n; i++ {
		end := start + size
		if i < extra {
			end++
		}
		groups = append(groups, keys[start:end])
		start = end
	}
	return groups
}
