package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vk/gridrun/internal/task"
)

func build(t *testing.T, ids []string, edges [][2]string) *Graph {
	t.Helper()
	g := New()
	for _, id := range ids {
		require.NoError(t, g.AddTask(task.New(id, nil)))
	}
	for _, e := range edges {
		require.NoError(t, g.AddDependency(e[0], e[1]))
	}
	return g
}

func TestAddTask(t *testing.T) {
	g := New()
	a := task.New("a", nil)
	require.NoError(t, g.AddTask(a))
	require.NoError(t, g.AddTask(a), "same task twice is idempotent")

	err := g.AddTask(task.New("a", nil))
	assert.ErrorIs(t, err, ErrDuplicateTask)
	assert.Error(t, g.AddTask(&task.Task{}))
	assert.Equal(t, 1, g.Len())
}

func TestAddDependency(t *testing.T) {
	g := build(t, []string{"a", "b"}, nil)

	testCases := []struct {
		name     string
		from, to string
		wantErr  string
	}{
		{name: "valid", from: "a", to: "b"},
		{name: "self", from: "a", to: "a", wantErr: "self-referential"},
		{name: "missing source", from: "x", to: "b", wantErr: "source task not found"},
		{name: "missing destination", from: "a", to: "x", wantErr: "destination task not found"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := g.AddDependency(tc.from, tc.to)
			if tc.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}

	preds, err := g.Predecessors("b")
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, preds)
	succs, err := g.Successors("a")
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, succs)
}

func TestDetectCycles(t *testing.T) {
	acyclic := build(t, []string{"a", "b", "c"}, [][2]string{{"a", "b"}, {"b", "c"}, {"a", "c"}})
	assert.NoError(t, acyclic.DetectCycles())

	cyclic := build(t, []string{"a", "b", "c"}, [][2]string{{"a", "b"}, {"b", "c"}, {"c", "a"}})
	err := cyclic.DetectCycles()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cycle detected")
}

func TestReadySet(t *testing.T) {
	g := build(t, []string{"a", "b", "c", "d"}, [][2]string{{"a", "c"}, {"b", "c"}, {"c", "d"}})
	stateOf := func(tk *task.Task) task.State { return tk.State() }

	ids := func(ts []*task.Task) []string {
		out := make([]string, 0, len(ts))
		for _, tk := range ts {
			out = append(out, tk.ID)
		}
		return out
	}

	assert.Equal(t, []string{"a", "b"}, ids(g.ReadySet(stateOf)))

	a, _ := g.Task("a")
	a.SetState(task.Done)
	assert.Equal(t, []string{"b"}, ids(g.ReadySet(stateOf)))

	b, _ := g.Task("b")
	b.SetState(task.Dispatched)
	assert.Empty(t, g.ReadySet(stateOf))

	b.SetState(task.Done)
	assert.Equal(t, []string{"c"}, ids(g.ReadySet(stateOf)))
}

func TestDescendants(t *testing.T) {
	g := build(t, []string{"a", "b", "c", "d"}, [][2]string{{"a", "b"}, {"b", "c"}, {"a", "c"}})
	desc, err := g.Descendants("a")
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "c"}, desc)

	desc, err = g.Descendants("d")
	require.NoError(t, err)
	assert.Empty(t, desc)

	_, err = g.Descendants("zzz")
	assert.Error(t, err)
}

func TestCompose(t *testing.T) {
	shared := task.New("shared", nil)
	a, b, c := task.New("a", nil), task.New("b", nil), task.New("c", nil)

	g1 := New()
	require.NoError(t, g1.AddTask(a))
	require.NoError(t, g1.AddTask(shared))
	require.NoError(t, g1.AddDependency("shared", "a"))

	g2 := New()
	require.NoError(t, g2.AddTask(b))
	require.NoError(t, g2.AddTask(shared))
	require.NoError(t, g2.AddDependency("shared", "b"))

	g3 := New()
	require.NoError(t, g3.AddTask(c))

	t.Run("order independent", func(t *testing.T) {
		ab, err := Compose(g1, g2, g3)
		require.NoError(t, err)
		ba, err := Compose(g3, g2, g1)
		require.NoError(t, err)
		assert.True(t, ab.Equal(ba))
		assert.Equal(t, 4, ab.Len())
		assert.Len(t, ab.Edges(), 2)
	})

	t.Run("inputs untouched", func(t *testing.T) {
		_, err := g1.Compose(g2)
		require.NoError(t, err)
		assert.Equal(t, 2, g1.Len())
		assert.Equal(t, 2, g2.Len())
	})

	t.Run("conflicting ids", func(t *testing.T) {
		other := New()
		require.NoError(t, other.AddTask(task.New("a", nil)))
		_, err := Compose(g1, other)
		assert.ErrorIs(t, err, ErrDuplicateTask)
	})
}

func TestSubgraph(t *testing.T) {
	g := build(t, []string{"a", "b", "c"}, [][2]string{{"a", "b"}, {"b", "c"}})
	sub, err := g.Subgraph([]string{"b", "c"})
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "c"}, sub.IDs())
	assert.Equal(t, []Edge{{From: "b", To: "c"}}, sub.Edges())

	_, err = g.Subgraph([]string{"nope"})
	assert.Error(t, err)
}

func TestFingerprint(t *testing.T) {
	g1 := build(t, []string{"a", "b"}, [][2]string{{"a", "b"}})
	g2 := build(t, []string{"b", "a"}, [][2]string{{"a", "b"}})
	g3 := build(t, []string{"a", "b"}, nil)

	assert.Equal(t, g1.Fingerprint(), g2.Fingerprint())
	assert.NotEqual(t, g1.Fingerprint(), g3.Fingerprint())
	assert.Len(t, g1.Fingerprint(), 64)
}
