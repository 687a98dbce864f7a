package chunk

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vk/gridrun/internal/graph"
	"github.com/vk/gridrun/internal/task"
	"github.com/vk/gridrun/internal/testutil"
)

// keyGraph builds a two-task chain "<key>/a" -> "<key>/b".
func keyGraph(t *testing.T, key string) *graph.Graph {
	t.Helper()
	g := graph.New()
	require.NoError(t, g.AddTask(task.New(key+"/a", nil)))
	require.NoError(t, g.AddTask(task.New(key+"/b", nil)))
	require.NoError(t, g.AddDependency(key+"/a", key+"/b"))
	return g
}

func perKey(t *testing.T, n int, trailing bool) map[string]*graph.Graph {
	t.Helper()
	out := make(map[string]*graph.Graph, n+1)
	for i := 1; i <= n; i++ {
		k := fmt.Sprintf("sub-%02d", i)
		out[k] = keyGraph(t, k)
	}
	if trailing {
		out[DefaultTrailingKey] = keyGraph(t, DefaultTrailingKey)
	}
	return out
}

func chunkKeys(chunks []*Chunk) [][]string {
	out := make([][]string, 0, len(chunks))
	for _, c := range chunks {
		out = append(out, c.Keys)
	}
	return out
}

func TestCompose_Partition(t *testing.T) {
	testCases := []struct {
		name   string
		nKeys  int
		policy Policy
		want   [][]string
	}{
		{
			name:   "single chunk below max size",
			nKeys:  3,
			policy: Policy{},
			want:   [][]string{{"sub-01", "sub-02", "sub-03"}, {"model"}},
		},
		{
			name:   "fixed count, first groups larger",
			nKeys:  5,
			policy: Policy{NChunks: 2},
			want:   [][]string{{"sub-01", "sub-02", "sub-03"}, {"sub-04", "sub-05"}, {"model"}},
		},
		{
			name:   "one chunk per key",
			nKeys:  3,
			policy: Policy{SubjectChunks: true},
			want:   [][]string{{"sub-01"}, {"sub-02"}, {"sub-03"}, {"model"}},
		},
		{
			name:   "cluster implies one chunk per key",
			nKeys:  2,
			policy: Policy{UseCluster: true},
			want:   [][]string{{"sub-01"}, {"sub-02"}, {"model"}},
		},
		{
			name:   "derived from max chunk size",
			nKeys:  5,
			policy: Policy{MaxChunkSize: 2},
			want:   [][]string{{"sub-01", "sub-02"}, {"sub-03", "sub-04"}, {"sub-05"}, {"model"}},
		},
		{
			name:   "count capped at number of keys",
			nKeys:  2,
			policy: Policy{NChunks: 10},
			want:   [][]string{{"sub-01"}, {"sub-02"}, {"model"}},
		},
		{
			name:   "include and exclude",
			nKeys:  4,
			policy: Policy{Include: []string{"sub-0[1-3]"}, Exclude: []string{"sub-02"}},
			want:   [][]string{{"sub-01", "sub-03"}, {"model"}},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			ctx, _ := testutil.NewContext(t)
			chunks, err := Compose(ctx, perKey(t, tc.nKeys, true), tc.policy)
			require.NoError(t, err)
			assert.Equal(t, tc.want, chunkKeys(chunks))

			for i, c := range chunks {
				assert.Equal(t, i+1, c.Index)
				assert.Equal(t, i == len(chunks)-1, c.Trailing)
				assert.Equal(t, 2*len(c.Keys), c.Graph.Len())
			}
		})
	}
}

func TestCompose_OrderIndependent(t *testing.T) {
	ctx, _ := testutil.NewContext(t)
	a := perKey(t, 7, true)

	// Same keys, graphs built in another order.
	b := make(map[string]*graph.Graph, len(a))
	for i := 7; i >= 1; i-- {
		k := fmt.Sprintf("sub-%02d", i)
		g := graph.New()
		require.NoError(t, g.AddTask(task.New(k+"/b", nil)))
		require.NoError(t, g.AddTask(task.New(k+"/a", nil)))
		require.NoError(t, g.AddDependency(k+"/a", k+"/b"))
		b[k] = g
	}
	b[DefaultTrailingKey] = keyGraph(t, DefaultTrailingKey)

	p := Policy{NChunks: 3}
	ca, err := Compose(ctx, a, p)
	require.NoError(t, err)
	cb, err := Compose(ctx, b, p)
	require.NoError(t, err)
	require.Len(t, cb, len(ca))
	for i := range ca {
		assert.Equal(t, ca[i].Keys, cb[i].Keys)
		assert.Equal(t, ca[i].Graph.Fingerprint(), cb[i].Graph.Fingerprint())
	}
}

func TestCompose_OnlyChunkIndex(t *testing.T) {
	ctx, logs := testutil.NewContext(t)
	keys := perKey(t, 5, true)
	p := Policy{NChunks: 2}

	for i := 1; i <= 2; i++ {
		only := p
		only.OnlyChunkIndex = i
		chunks, err := Compose(ctx, keys, only)
		require.NoError(t, err)
		require.Len(t, chunks, 1)
		assert.False(t, chunks[0].Trailing)
		assert.Equal(t, i, chunks[0].Index)

		selected, err := Select(ctx, keys, only, i)
		require.NoError(t, err)
		assert.Equal(t, selected.Graph.Fingerprint(), chunks[0].Graph.Fingerprint())
	}

	only := p
	only.OnlyChunkIndex = 3
	chunks, err := Compose(ctx, keys, only)
	require.NoError(t, err)
	assert.Empty(t, chunks)
	assert.Contains(t, logs.String(), "Not running chunk 3 as it is not defined.")

	// The trailing chunk is the last chunk of the full composition.
	trailing, err := Select(ctx, keys, p, 3)
	require.NoError(t, err)
	assert.True(t, trailing.Trailing)

	_, err = Select(ctx, keys, p, 4)
	assert.ErrorIs(t, err, ErrChunkOutOfRange)
}

func TestCompose_OnlyTrailing(t *testing.T) {
	ctx, _ := testutil.NewContext(t)

	chunks, err := Compose(ctx, perKey(t, 3, true), Policy{OnlyTrailing: true})
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.True(t, chunks[0].Trailing)
	assert.Equal(t, []string{"model"}, chunks[0].Keys)

	_, err = Compose(ctx, perKey(t, 3, false), Policy{OnlyTrailing: true})
	assert.ErrorIs(t, err, ErrNoChunks)
}

func TestCompose_NoChunks(t *testing.T) {
	ctx, _ := testutil.NewContext(t)

	_, err := Compose(ctx, map[string]*graph.Graph{}, Policy{})
	assert.ErrorIs(t, err, ErrNoChunks)

	_, err = Compose(ctx, perKey(t, 3, false), Policy{Include: []string{"nobody"}})
	assert.ErrorIs(t, err, ErrNoChunks)

	// Without a trailing key the key chunks are all there is.
	chunks, err := Compose(ctx, perKey(t, 2, false), Policy{})
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"sub-01", "sub-02"}}, chunkKeys(chunks))
}

func TestPolicy_Validate(t *testing.T) {
	testCases := []struct {
		name   string
		policy Policy
	}{
		{"negative count", Policy{NChunks: -1}},
		{"negative max size", Policy{MaxChunkSize: -4}},
		{"exclusive selectors", Policy{OnlyChunkIndex: 1, OnlyTrailing: true}},
		{"bad pattern", Policy{Exclude: []string{"sub-["}}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Error(t, tc.policy.Validate())
		})
	}
	assert.NoError(t, Policy{Include: []string{"sub-*"}}.Validate())
}

func TestPartition(t *testing.T) {
	keys := []string{"a", "b", "c", "d", "e", "f", "g"}
	groups := partition(keys, 3)
	assert.Equal(t, [][]string{{"a", "b", "c"}, {"d", "e"}, {"f", "g"}}, groups)
	assert.Nil(t, partition(keys, 0))
}
