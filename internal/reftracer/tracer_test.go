package reftracer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vk/gridrun/internal/ctxlog"
	"github.com/vk/gridrun/internal/task"
)

func testContext() context.Context {
	return ctxlog.Discard(context.Background())
}

func set(paths ...string) map[string]struct{} {
	m := make(map[string]struct{}, len(paths))
	for _, p := range paths {
		m[p] = struct{}{}
	}
	return m
}

func refsOf(tr *Tracer, p string) map[string]struct{} {
	if tr.refs[p] == nil {
		return set()
	}
	return tr.refs[p]
}

func depsOf(tr *Tracer, p string) map[string]struct{} {
	if tr.deps[p] == nil {
		return set()
	}
	return tr.deps[p]
}

// chain builds x -> y -> z with each task in <root>/<prefix>/<name>.
func chain(t *testing.T, root string, prefix ...string) (x, y, z *task.Task) {
	t.Helper()
	mk := func(name string) *task.Task {
		parts := append([]string{root}, prefix...)
		parts = append(parts, name)
		tk := task.New(name, nil)
		tk.WorkDir = filepath.Join(parts...)
		require.NoError(t, os.MkdirAll(tk.WorkDir, 0o755))
		return tk
	}
	return mk("x"), mk("y"), mk("z")
}

func newTracer(t *testing.T, root string) *Tracer {
	t.Helper()
	tr, err := New(TracerConfig{WorkDir: root, Keep: KeepNone})
	require.NoError(t, err)
	return tr
}

func register(ctx context.Context, tr *Tracer, x, y, z *task.Task) {
	for _, tk := range []*task.Task{x, y, z} {
		tr.AddNode(tk)
	}
	tr.SetPending(ctx, x, nil)
	tr.SetPending(ctx, y, []*task.Task{x})
	tr.SetPending(ctx, z, []*task.Task{y})
}

func writeResult(t *testing.T, tk *task.Task, outputs ...string) {
	t.Helper()
	require.NoError(t, task.WriteResultFile(tk.ResultPath(), &task.Result{
		TaskID: tk.ID, State: task.Done, OK: true, Outputs: outputs,
	}))
}

func TestTracer_Chain(t *testing.T) {
	ctx := testContext()
	root := t.TempDir()
	x, y, z := chain(t, root, "w")
	tr := newTracer(t, root)
	register(ctx, tr, x, y, z)

	xrf, yrf, zrf := x.ResultPath(), y.ResultPath(), z.ResultPath()
	for _, p := range []string{xrf, yrf, zrf} {
		assert.Equal(t, "black", tr.Color(p))
	}

	assert.Equal(t, set(yrf), refsOf(tr, xrf))
	assert.Equal(t, set(zrf), refsOf(tr, yrf))
	assert.Equal(t, set(), refsOf(tr, zrf))
	assert.Equal(t, set(x.WorkDir), depsOf(tr, xrf))
	assert.Equal(t, set(y.WorkDir, xrf), depsOf(tr, yrf))
	assert.Equal(t, set(z.WorkDir, yrf), depsOf(tr, zrf))

	tr.SetComplete(ctx, x, true)
	assert.Equal(t, "grey", tr.Color(xrf))
	assert.Equal(t, "black", tr.Color(yrf))
	assert.Equal(t, set(yrf), refsOf(tr, xrf))

	tr.SetComplete(ctx, y, true)
	assert.Equal(t, "white", tr.Color(xrf))
	assert.Equal(t, "grey", tr.Color(yrf))
	assert.Equal(t, "black", tr.Color(zrf))
	assert.Equal(t, set(), refsOf(tr, xrf))
	assert.Equal(t, set(y.WorkDir), depsOf(tr, yrf))

	got := set(tr.Collect()...)
	assert.Equal(t, set(xrf, x.WorkDir), got)

	// Completing twice changes nothing.
	tr.SetComplete(ctx, y, true)
	assert.Equal(t, "grey", tr.Color(yrf))
	assert.Empty(t, tr.Collect())
}

func TestTracer_IndirectRefs(t *testing.T) {
	ctx := testContext()
	root := t.TempDir()
	x, y, z := chain(t, root, "w")
	tr := newTracer(t, root)
	register(ctx, tr, x, y, z)

	xrf, yrf, zrf := x.ResultPath(), y.ResultPath(), z.ResultPath()
	c := filepath.Join(x.WorkDir, "a.txt")
	d := filepath.Join(x.WorkDir, "b.txt")
	require.NoError(t, os.WriteFile(c, []byte("1\n"), 0o644))
	require.NoError(t, os.WriteFile(d, []byte("2\n"), 0o644))
	top := filepath.Dir(x.WorkDir)

	writeResult(t, x, c, d)
	tr.SetComplete(ctx, x, true)

	assert.Equal(t, set(yrf), refsOf(tr, xrf))
	assert.Equal(t, set(xrf), refsOf(tr, c))
	assert.Equal(t, set(xrf), refsOf(tr, d))
	assert.Equal(t, set(x.WorkDir, c, d), depsOf(tr, xrf))
	assert.Equal(t, set(x.WorkDir, top), depsOf(tr, c))
	assert.Equal(t, set(x.WorkDir, top), depsOf(tr, d))

	// y passes d through as its own output.
	writeResult(t, y, d)
	tr.SetComplete(ctx, y, true)

	assert.Equal(t, set(), refsOf(tr, xrf))
	assert.Equal(t, set(zrf), refsOf(tr, yrf))
	assert.Equal(t, set(xrf), refsOf(tr, c))
	assert.Equal(t, set(xrf, yrf), refsOf(tr, d))
	assert.Equal(t, set(y.WorkDir, d), depsOf(tr, yrf))

	assert.Equal(t, set(xrf, c), set(tr.Collect()...))

	writeResult(t, z, d)
	tr.SetComplete(ctx, z, true)

	assert.Equal(t, set(
		x.WorkDir, top,
		yrf, y.WorkDir,
		zrf, z.WorkDir,
		d,
	), set(tr.Collect()...))
}

func TestTracer_Nested(t *testing.T) {
	ctx := testContext()
	root := t.TempDir()
	x, y, z := chain(t, root, "u", "v", "w")
	tr := newTracer(t, root)
	register(ctx, tr, x, y, z)

	u := filepath.Join(root, "u")
	v := filepath.Join(u, "v")
	w := filepath.Join(v, "w")
	assert.False(t, tr.IsWeak(u), "top-level directory is strong")
	assert.True(t, tr.IsWeak(v))
	assert.True(t, tr.IsWeak(w))
	assert.False(t, tr.IsWeak(x.WorkDir), "task directory is strong")

	tr.SetComplete(ctx, x, true)
	tr.SetComplete(ctx, y, true)
	tr.SetComplete(ctx, z, true)

	got := set(tr.Collect()...)
	for _, p := range []string{x.WorkDir, w, v, u} {
		assert.Contains(t, got, p)
	}
}

func TestTracer_RoundTripAndIdempotence(t *testing.T) {
	ctx := testContext()
	root := t.TempDir()
	tk := task.New("solo", nil)
	tk.WorkDir = filepath.Join(root, "sub-01", "solo")

	tr := newTracer(t, root)
	tr.AddNode(tk)
	tr.SetPending(ctx, tk, nil)
	tr.SetComplete(ctx, tk, true)

	first := tr.Collect()
	assert.Contains(t, first, tk.ResultPath())
	assert.Empty(t, tr.Collect(), "second collect without changes is empty")
}

func TestTracer_KeepHoldsArtifacts(t *testing.T) {
	ctx := testContext()
	root := t.TempDir()
	tk := task.New("kept", nil)
	tk.WorkDir = filepath.Join(root, "sub-01", "kept")
	tk.Keep = true

	tr := newTracer(t, root)
	tr.AddNode(tk)
	tr.SetComplete(ctx, tk, tr.ShouldUnmark(tk))
	assert.Equal(t, "black", tr.Color(tk.ResultPath()))
	assert.Empty(t, tr.Collect())
}

func TestTracer_ShouldUnmark(t *testing.T) {
	tr, err := New(TracerConfig{WorkDir: t.TempDir(), Keep: KeepSome, KeepPatterns: []string{"*/fmriprep/*", "aroma"}})
	require.NoError(t, err)

	testCases := []struct {
		id   string
		keep bool
		want bool
	}{
		{id: "sub-01/fmriprep/bold", want: false},
		{id: "sub-01/ica_aroma_components", want: false},
		{id: "sub-01/smooth", want: true},
		{id: "sub-01/smooth", keep: true, want: false},
	}
	for _, tc := range testCases {
		t.Run(tc.id, func(t *testing.T) {
			tk := task.New(tc.id, nil)
			tk.Keep = tc.keep
			assert.Equal(t, tc.want, tr.ShouldUnmark(tk))
		})
	}

	none, err := New(TracerConfig{WorkDir: t.TempDir(), Keep: KeepNone, KeepPatterns: []string{"*"}})
	require.NoError(t, err)
	assert.True(t, none.ShouldUnmark(task.New("anything", nil)))
}

func TestTracer_OutsideRootIgnored(t *testing.T) {
	ctx := testContext()
	tk := task.New("elsewhere", nil)
	tk.WorkDir = filepath.Join(t.TempDir(), "elsewhere")

	tr := newTracer(t, t.TempDir())
	tr.AddNode(tk)
	tr.SetComplete(ctx, tk, true)
	assert.Equal(t, "", tr.Color(tk.ResultPath()))
	assert.Empty(t, tr.Collect())
}

func TestTracer_CollectAndDelete(t *testing.T) {
	ctx := testContext()
	root := t.TempDir()
	x, y, z := chain(t, root, "group", "shared")
	tr := newTracer(t, root)
	register(ctx, tr, x, y, z)

	// A sibling chunk's directory under the same weak parent.
	sibling := filepath.Join(root, "group", "shared", "other")
	require.NoError(t, os.MkdirAll(sibling, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(sibling, "data.txt"), []byte("x"), 0o644))

	out := filepath.Join(x.WorkDir, "out.txt")
	require.NoError(t, os.WriteFile(out, []byte("x"), 0o644))
	writeResult(t, x, out)
	tr.SetComplete(ctx, x, true)
	assert.Empty(t, tr.CollectAndDelete(ctx), "y still needs x")

	writeResult(t, y)
	tr.SetComplete(ctx, y, true)
	removed := tr.CollectAndDelete(ctx)
	assert.Contains(t, removed, x.WorkDir)
	assert.NoDirExists(t, x.WorkDir)
	assert.DirExists(t, y.WorkDir)

	writeResult(t, z)
	tr.SetComplete(ctx, z, true)
	removed = tr.CollectAndDelete(ctx)
	assert.Contains(t, removed, y.WorkDir)
	assert.Contains(t, removed, z.WorkDir)
	assert.NotContains(t, removed, filepath.Join(root, "group", "shared"), "weak non-empty directory is kept")
	assert.NotContains(t, removed, filepath.Join(root, "group"), "ancestor of a kept directory is kept")
	assert.DirExists(t, sibling)
	assert.FileExists(t, filepath.Join(sibling, "data.txt"))
}

func TestTracer_KeptDirectorySurvivesLaterCollections(t *testing.T) {
	ctx := testContext()
	root := t.TempDir()
	mk := func(id string, parts ...string) *task.Task {
		tk := task.New(id, nil)
		tk.WorkDir = filepath.Join(append([]string{root}, parts...)...)
		require.NoError(t, os.MkdirAll(tk.WorkDir, 0o755))
		return tk
	}
	x := mk("x", "group", "shared", "x")
	q := mk("q", "group", "q")

	tr := newTracer(t, root)
	for _, tk := range []*task.Task{x, q} {
		tr.AddNode(tk)
		tr.SetPending(ctx, tk, nil)
	}
	shared := filepath.Join(root, "group", "shared")
	group := filepath.Join(root, "group")
	require.True(t, tr.IsWeak(shared))

	// Data from another chunk under the weak directory.
	sibling := filepath.Join(shared, "other")
	require.NoError(t, os.MkdirAll(sibling, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(sibling, "data.txt"), []byte("x"), 0o644))

	writeResult(t, x)
	tr.SetComplete(ctx, x, true)
	removed := tr.CollectAndDelete(ctx)
	assert.Contains(t, removed, x.WorkDir)
	assert.NotContains(t, removed, shared)
	assert.Equal(t, "grey", tr.Color(group), "q still holds the group directory")

	writeResult(t, q)
	tr.SetComplete(ctx, q, true)
	removed = tr.CollectAndDelete(ctx)
	assert.Contains(t, removed, q.WorkDir)
	assert.NotContains(t, removed, group, "group still holds the kept weak directory")
	assert.DirExists(t, group)
	assert.FileExists(t, filepath.Join(sibling, "data.txt"))
}

func TestTracer_CollectWideFanOut(t *testing.T) {
	ctx := testContext()
	root := t.TempDir()
	tr := newTracer(t, root)

	const n = 500
	tasks := make([]*task.Task, 0, n)
	for i := 0; i < n; i++ {
		tk := task.New(fmt.Sprintf("t%03d", i), nil)
		tk.WorkDir = filepath.Join(root, "wide", tk.ID)
		tr.AddNode(tk)
		tasks = append(tasks, tk)
	}
	for _, tk := range tasks {
		tr.SetComplete(ctx, tk, true)
	}

	got := tr.Collect()
	assert.Len(t, got, 2*n+1, "every result file, every task directory and their parent")
	assert.Len(t, set(got...), len(got), "each path is collected once")
	assert.Contains(t, got, filepath.Join(root, "wide"))
	assert.Empty(t, tr.whites)
	assert.Empty(t, tr.colors)
	assert.Empty(t, tr.Collect())
}

func TestTracer_MissingResultFileIsNotFatal(t *testing.T) {
	ctx := testContext()
	root := t.TempDir()
	x, y, z := chain(t, root, "w")
	tr := newTracer(t, root)
	register(ctx, tr, x, y, z)

	tr.SetComplete(ctx, x, true)
	assert.Equal(t, "grey", tr.Color(x.ResultPath()))
}

func TestParseKeepPolicy(t *testing.T) {
	p, err := ParseKeepPolicy("ALL")
	require.NoError(t, err)
	assert.Equal(t, KeepAll, p)
	assert.False(t, TracerConfig{Keep: p}.Enabled())

	p, err = ParseKeepPolicy("")
	require.NoError(t, err)
	assert.Equal(t, KeepSome, p)

	_, err = ParseKeepPolicy("most")
	assert.Error(t, err)
}

func TestNew_Errors(t *testing.T) {
	_, err := New(TracerConfig{})
	assert.Error(t, err)
	_, err = New(TracerConfig{WorkDir: t.TempDir(), KeepPatterns: []string{"["}})
	assert.Error(t, err)
}
