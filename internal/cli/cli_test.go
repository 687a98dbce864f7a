package cli

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vk/gridrun/internal/config"
)

const tasksHCL = `
task "sub-01" "extract" {
  command = "echo one > data.txt"
  outputs = ["data.txt"]
}

task "sub-02" "extract" {
  command = "echo two > data.txt"
  outputs = ["data.txt"]
}

task "model" "collect" {
  command = "cat ${workdir}/sub-01/extract/data.txt ${workdir}/sub-02/extract/data.txt > all.txt"
  inputs  = ["${workdir}/sub-01/extract/data.txt", "${workdir}/sub-02/extract/data.txt"]
}
`

const runHCL = `
procs         = 2
mem_gb        = 4
poll_interval = "10ms"

watermarks {
  low_gb  = 0
  high_gb = 0
}

log {
  level = "warn"
}
`

// setupCLITest writes a run file and a task manifest into a temp dir and
// returns the common leading arguments.
func setupCLITest(t *testing.T, tasks string) (string, []string) {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "run.hcl"), []byte(runHCL), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(root, "tasks.hcl"), []byte(tasks), 0o600))
	workDir := filepath.Join(root, "work")
	return workDir, []string{
		"--config", filepath.Join(root, "run.hcl"),
		"--workdir", workDir,
		"--manifest", filepath.Join(root, "tasks.hcl"),
	}
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	out := &bytes.Buffer{}
	err := Execute(context.Background(), out, args, config.NewHCLLoader())
	return out.String(), err
}

func requireExitCode(t *testing.T, err error, code int) *ExitError {
	t.Helper()
	var exitErr *ExitError
	require.True(t, errors.As(err, &exitErr), "expected an *ExitError, got %T: %v", err, err)
	require.Equal(t, code, exitErr.Code, exitErr.Message)
	return exitErr
}

func TestExecute_RunThenReport(t *testing.T) {
	workDir, base := setupCLITest(t, tasksHCL)

	out, err := execute(t, append([]string{"run"}, base...)...)
	require.NoError(t, err)
	assert.Contains(t, out, "3 tasks, 3 done, 0 cached, 0 failed, 0 skipped.")

	all, err := os.ReadFile(filepath.Join(workDir, "model", "collect", "all.txt"))
	require.NoError(t, err)
	assert.Equal(t, "one\ntwo\n", string(all))
	assert.FileExists(t, filepath.Join(workDir, JournalFileName))
	assert.FileExists(t, filepath.Join(workDir, "sub-01", "extract", "data.txt"), "outputs read by the model chunk survive the subject chunk")
	assert.FileExists(t, filepath.Join(workDir, "sub-02", "extract", "data.txt"))

	out, err = execute(t, append([]string{"report"}, base...)...)
	require.NoError(t, err)
	assert.Contains(t, out, ": ok")
	assert.Contains(t, out, "tasks:    3, 0 failed")
	assert.NotContains(t, out, "TASK")
}

func TestExecute_TaskFailure(t *testing.T) {
	_, base := setupCLITest(t, `
task "sub-01" "extract" {
  command = "echo broken >&2; exit 4"
}

task "sub-01" "measure" {
  command    = ["true"]
  depends_on = ["extract"]
}
`)

	out, err := execute(t, append([]string{"run"}, base...)...)
	exitErr := requireExitCode(t, err, 1)
	assert.Equal(t, "1 task(s) failed, 1 skipped", exitErr.Message)
	assert.Contains(t, out, "1 failed, 1 skipped.")

	out, err = execute(t, append([]string{"report"}, base...)...)
	require.NoError(t, err)
	assert.Contains(t, out, ": failed")
	assert.Contains(t, out, "TASK")
	assert.Contains(t, out, "sub-01/extract")
	assert.Contains(t, out, "sub-01/measure")
	assert.Contains(t, out, "skipped")
}

func TestExecute_Plan(t *testing.T) {
	_, base := setupCLITest(t, tasksHCL)

	out, err := execute(t, append([]string{"plan", "--subject-chunks"}, base...)...)
	require.NoError(t, err)
	assert.Contains(t, out, "CHUNK")
	assert.Contains(t, out, "sub-01")
	assert.Contains(t, out, "sub-02")
	assert.Contains(t, out, "model (trailing)")

	out, err = execute(t, append([]string{"plan", "--chunk", "7"}, base...)...)
	require.NoError(t, err)
	assert.Contains(t, out, "No chunks selected.")
}

func TestExecute_ReportWithoutRuns(t *testing.T) {
	_, base := setupCLITest(t, tasksHCL)

	out, err := execute(t, append([]string{"report"}, base...)...)
	require.NoError(t, err)
	assert.Contains(t, out, "No runs recorded.")
}

func TestExecute_UsageAndConfigErrors(t *testing.T) {
	_, base := setupCLITest(t, tasksHCL)

	testCases := []struct {
		name    string
		args    []string
		wantMsg string
	}{
		{
			name:    "unknown subcommand",
			args:    []string{"launch"},
			wantMsg: `unknown command "launch"`,
		},
		{
			name:    "too many arguments",
			args:    []string{"run", "a.hcl", "b.hcl"},
			wantMsg: "accepts at most 1 arg(s)",
		},
		{
			name:    "invalid keep policy",
			args:    append([]string{"run", "--keep", "bogus"}, base...),
			wantMsg: "bogus",
		},
		{
			name:    "invalid log level",
			args:    append([]string{"plan", "--log-level", "verbose"}, base...),
			wantMsg: "invalid log level",
		},
		{
			name:    "missing workdir",
			args:    []string{"plan", "--manifest", "tasks.hcl"},
			wantMsg: "workdir is required",
		},
		{
			name:    "missing run file",
			args:    []string{"plan", "--config", filepath.Join(t.TempDir(), "absent.hcl")},
			wantMsg: "failed to parse HCL file",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := execute(t, tc.args...)
			exitErr := requireExitCode(t, err, 2)
			assert.Contains(t, exitErr.Message, tc.wantMsg)
		})
	}
}

func TestLoadConfig_FlagsOverrideFile(t *testing.T) {
	root := t.TempDir()
	runFile := filepath.Join(root, "run.hcl")
	require.NoError(t, os.WriteFile(runFile, []byte(`
workdir = "work"
procs   = 8
keep    = "all"

chunking {
  max_chunk_size = 4
}
`), 0o600))

	var got *config.Model
	cmd, o := newRootCmd(&bytes.Buffer{})
	cmd.AddCommand(&cobra.Command{
		Use: "inspect",
		RunE: func(c *cobra.Command, args []string) error {
			var err error
			got, err = loadConfig(c, o, config.NewHCLLoader(), args)
			return err
		},
	})
	cmd.SetArgs([]string{"inspect", "--config", runFile, "--procs", "3", "--poll-interval", "50ms", "--include", "sub-0*", "tasks.hcl"})
	require.NoError(t, cmd.ExecuteContext(context.Background()))
	require.NotNil(t, got)

	assert.Equal(t, filepath.Join(root, "work"), got.WorkDir, "relative paths resolve against the run file")
	assert.Equal(t, 3, got.Procs, "flag wins over the file")
	assert.Equal(t, "all", got.Keep, "unset flags keep file values")
	assert.Equal(t, 4, got.Chunking.MaxChunkSize)
	assert.Equal(t, []string{"sub-0*"}, got.Chunking.Include)
	assert.Equal(t, 50*time.Millisecond, got.PollInterval)
	assert.Equal(t, "tasks.hcl", got.Manifest, "the positional argument names the manifest")
	assert.Equal(t, filepath.Join(root, "work", JournalFileName), got.JournalPath)
}
