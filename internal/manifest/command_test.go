package manifest

import (
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vk/gridrun/internal/task"
	"github.com/vk/gridrun/internal/testutil"
	"github.com/vk/gridrun/internal/workerpool"
)

func shellSpec(dir, script string) *Spec {
	return &Spec{
		Key:     "sub-01",
		Name:    "step",
		Command: []string{"/bin/sh", "-c", script},
		WorkDir: dir,
		MemGB:   DefaultMemGB,
		NProcs:  1,
	}
}

func TestCommand_Success(t *testing.T) {
	ctx, _ := testutil.NewContext(t)
	dir := filepath.Join(t.TempDir(), "sub-01", "step")
	s := shellSpec(dir, `echo "$FROM_WORKER $FROM_TASK" > out.txt; echo done`)
	s.Env = map[string]string{"FROM_TASK": "task"}
	s.Outputs = []string{filepath.Join(dir, "out.txt")}

	ctx = workerpool.WithInfo(ctx, workerpool.Info{WorkerID: 3, Env: []string{"FROM_WORKER=worker"}})
	outcome, err := Command(s)(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, outcome.PeakMemGB, 0.0)

	out, err := os.ReadFile(filepath.Join(dir, "out.txt"))
	require.NoError(t, err)
	assert.Equal(t, "worker task\n", string(out))

	log, err := os.ReadFile(filepath.Join(dir, CommandLogName))
	require.NoError(t, err)
	assert.Contains(t, string(log), "$ /bin/sh -c")
	assert.Contains(t, string(log), "done")
}

func TestCommand_Failure(t *testing.T) {
	ctx, _ := testutil.NewContext(t)
	dir := t.TempDir()
	s := shellSpec(dir, "echo first; echo boom >&2; exit 3")

	_, err := Command(s)(ctx)
	require.Error(t, err)

	var cmdErr *CommandError
	require.ErrorAs(t, err, &cmdErr)
	assert.Equal(t, filepath.Join(dir, CommandLogName), cmdErr.Log)
	assert.Contains(t, cmdErr.Tail, "boom")

	var exitErr *exec.ExitError
	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, 3, exitErr.ExitCode())

	// Failures surface in the task result with the command output.
	tk := NewTask(s)
	res := task.Invoke(ctx, tk, 0)
	assert.False(t, res.OK)
	assert.Contains(t, res.Error, "boom")
	assert.Contains(t, res.Trace, "*exec.ExitError")
}

func TestCommand_MissingExecutable(t *testing.T) {
	ctx, _ := testutil.NewContext(t)
	s := shellSpec(t.TempDir(), "")
	s.Command = []string{"gridrun-definitely-not-installed"}
	_, err := Command(s)(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, exec.ErrNotFound))
}

func TestUpToDate(t *testing.T) {
	ctx, _ := testutil.NewContext(t)
	root := t.TempDir()
	input := filepath.Join(root, "input.txt")
	require.NoError(t, os.WriteFile(input, []byte("raw"), 0o644))
	past := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(input, past, past))

	dir := filepath.Join(root, "sub-01", "step")
	s := shellSpec(dir, "cp ../../input.txt copy.txt")
	s.Inputs = []string{input}
	s.Outputs = []string{filepath.Join(dir, "copy.txt")}
	tk := NewTask(s)

	cached, err := tk.Cached(ctx)
	require.NoError(t, err)
	assert.False(t, cached, "nothing ran yet")

	res := task.Invoke(ctx, tk, 0)
	require.True(t, res.OK, res.Error)
	require.NoError(t, task.WriteResultFile(tk.ResultPath(), res))

	cached, err = tk.Cached(ctx)
	require.NoError(t, err)
	assert.True(t, cached)

	future := time.Now().Add(time.Hour)
	require.NoError(t, os.Chtimes(input, future, future))
	cached, err = tk.Cached(ctx)
	require.NoError(t, err)
	assert.False(t, cached, "input changed after the last run")

	failed := task.Failure(tk, task.KindRuntime, errors.New("boom"))
	require.NoError(t, task.WriteResultFile(tk.ResultPath(), failed))
	cached, err = tk.Cached(ctx)
	require.NoError(t, err)
	assert.False(t, cached, "failed results are never reused")
}
