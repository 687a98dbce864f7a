package manifest

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"github.com/vk/gridrun/internal/ctxlog"
	"github.com/vk/gridrun/internal/fsutil"
	"github.com/vk/gridrun/internal/task"
	"github.com/vk/gridrun/internal/workerpool"
)

// CommandLogName is the file in the task directory that receives the
// command's combined output.
const CommandLogName = "command.log"

// tailLines is how much of the command log a CommandError carries.
const tailLines = 10

// CommandError is returned when a task's command fails.
type CommandError struct {
	Args []string
	Log  string
	// Tail holds the last lines of the command log.
	Tail string
	Err  error
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("command %s failed: %v (output in %s)", e.Args[0], e.Err, e.Log)
	if e.Tail != "" {
		msg += "\n" + e.Tail
	}
	return msg
}

func (e *CommandError) Unwrap() error { return e.Err }

// NewTask builds the scheduler task for s.
func NewTask(s *Spec) *task.Task {
	t := task.New(s.ID(), Command(s))
	t.Resources = task.Resources{MemGB: s.MemGB, NProcs: s.NProcs}
	t.Inputs = s.Inputs
	t.Outputs = s.Outputs
	t.WorkDir = s.WorkDir
	t.RunInline = s.RunInline
	t.Keep = s.Keep
	t.Priority = s.Priority
	t.Cached = upToDate(t)
	return t
}

// Command returns a RunFunc that executes the spec's command in its task
// directory.
func Command(s *Spec) task.RunFunc {
	return func(ctx context.Context) (task.Outcome, error) {
		logger := ctxlog.FromContext(ctx)
		if err := os.MkdirAll(s.WorkDir, 0o755); err != nil {
			return task.Outcome{}, fmt.Errorf("create task directory: %w", err)
		}

		logPath := filepath.Join(s.WorkDir, CommandLogName)
		logFile, err := os.Create(logPath)
		if err != nil {
			return task.Outcome{}, fmt.Errorf("create command log: %w", err)
		}
		defer logFile.Close()
		fmt.Fprintf(logFile, "$ %s\n", strings.Join(s.Command, " "))

		cmd := exec.CommandContext(ctx, s.Command[0], s.Command[1:]...)
		cmd.Dir = s.WorkDir
		cmd.Env = commandEnv(ctx, s)
		cmd.Stdout = logFile
		cmd.Stderr = logFile

		logger.Debug("Starting command.", "args", s.Command, "dir", s.WorkDir)
		runErr := cmd.Run()
		outcome := task.Outcome{PeakMemGB: peakMemGB(cmd.ProcessState)}
		if runErr != nil {
			return outcome, &CommandError{Args: s.Command, Log: logPath, Tail: tail(logPath, tailLines), Err: runErr}
		}
		logger.Debug("Command finished.", "peak_mem_gb", outcome.PeakMemGB)
		return outcome, nil
	}
}

// commandEnv is the process environment, then the worker's, then the
// task's own variables in key order.
func commandEnv(ctx context.Context, s *Spec) []string {
	env := os.Environ()
	if info, ok := workerpool.InfoFromContext(ctx); ok {
		env = append(env, info.Env...)
	}
	keys := make([]string, 0, len(s.Env))
	for k := range s.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+s.Env[k])
	}
	return env
}

// upToDate reports a task as cached when its last result succeeded and its
// outputs, including the result file, are newer than its inputs.
func upToDate(t *task.Task) func(context.Context) (bool, error) {
	return func(ctx context.Context) (bool, error) {
		rp := t.ResultPath()
		res, err := task.ReadResultFile(rp)
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				ctxlog.FromContext(ctx).Debug("Ignoring unreadable result file.", "task", t.ID, "error", err)
			}
			return false, nil
		}
		if !res.OK {
			return false, nil
		}
		outs := append([]string{rp}, t.Outputs...)
		return fsutil.IsNewer(outs, t.Inputs), nil
	}
}

// tail returns up to n last lines of the file at path.
func tail(path string, n int) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()

	var lines []string
	sc := bufio.NewScanner(io.LimitReader(f, 1<<20))
	for sc.Scan() {
		lines = append(lines, sc.Text())
		if len(lines) > n {
			lines = lines[1:]
		}
	}
	return strings.Join(lines, "\n")
}
