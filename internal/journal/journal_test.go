package journal

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vk/gridrun/internal/task"
)

func newTestJournal(t *testing.T) *Journal {
	t.Helper()
	j, err := Open(context.Background(), filepath.Join(t.TempDir(), "state", "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	return j
}

func results() []*task.Result {
	start := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	return []*task.Result{
		{
			TaskID: "sub-01/bet", State: task.Done, OK: true,
			Outputs: []string{"/w/sub-01/bet/brain.nii"}, WorkerID: 2, PeakMemGB: 1.25,
			StartedAt: start, FinishedAt: start.Add(time.Minute),
		},
		{
			TaskID: "sub-01/smooth", State: task.Failed, Kind: task.KindRuntime,
			Error: "command fsl failed: exit status 1", Trace: "*exec.ExitError: exit status 1\n",
			Inline: true, WorkerID: -1, StartedAt: start, FinishedAt: start.Add(2 * time.Minute),
		},
		{
			TaskID: "sub-01/stats", State: task.Failed, Kind: task.KindSkipped,
			Error: "skipped", WorkerID: -1, StartedAt: start, FinishedAt: start,
		},
	}
}

func TestJournal_RoundTrip(t *testing.T) {
	ctx := context.Background()
	j := newTestJournal(t)

	run, err := j.StartRun(ctx, "/w")
	require.NoError(t, err)
	require.NotEmpty(t, run.ID)
	assert.Equal(t, StatusRunning, run.Status)

	require.NoError(t, j.RecordResults(ctx, run.ID, 1, results()))
	require.NoError(t, j.FinishRun(ctx, run.ID, nil))

	last, err := j.LastRun(ctx)
	require.NoError(t, err)
	assert.Equal(t, run.ID, last.ID)
	assert.Equal(t, "/w", last.WorkDir)
	assert.Equal(t, StatusFailed, last.Status)
	assert.Equal(t, 3, last.Tasks)
	assert.Equal(t, 2, last.Failed)
	assert.False(t, last.FinishedAt.IsZero())

	all, err := j.Results(ctx, run.ID, false)
	require.NoError(t, err)
	require.Len(t, all, 3)
	bet := all[0]
	assert.Equal(t, "sub-01/bet", bet.TaskID)
	assert.Equal(t, task.Done, bet.State)
	assert.True(t, bet.OK)
	assert.Equal(t, []string{"/w/sub-01/bet/brain.nii"}, bet.Outputs)
	assert.Equal(t, 2, bet.WorkerID)
	assert.Equal(t, 1.25, bet.PeakMemGB)
	assert.Equal(t, time.Minute, bet.Duration())

	failed, err := j.Results(ctx, run.ID, true)
	require.NoError(t, err)
	require.Len(t, failed, 2)
	assert.Equal(t, "sub-01/smooth", failed[0].TaskID)
	assert.Equal(t, task.KindRuntime, failed[0].Kind)
	assert.True(t, failed[0].Inline)
	assert.Contains(t, failed[0].Trace, "ExitError")
	assert.Equal(t, task.KindSkipped, failed[1].Kind)
}

func TestJournal_RunStatus(t *testing.T) {
	testCases := []struct {
		name    string
		results []*task.Result
		runErr  error
		status  string
	}{
		{name: "all ok", results: results()[:1], status: StatusOK},
		{name: "task failures", results: results(), status: StatusFailed},
		{name: "aborted", results: results()[:1], runErr: errors.New("deadlock detected"), status: StatusAborted},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			j := newTestJournal(t)
			run, err := j.StartRun(ctx, "/w")
			require.NoError(t, err)
			require.NoError(t, j.RecordResults(ctx, run.ID, 1, tc.results))
			require.NoError(t, j.FinishRun(ctx, run.ID, tc.runErr))

			last, err := j.LastRun(ctx)
			require.NoError(t, err)
			assert.Equal(t, tc.status, last.Status)
			if tc.runErr != nil {
				assert.Equal(t, tc.runErr.Error(), last.Error)
			}
		})
	}
}

func TestJournal_LastRunIsNewest(t *testing.T) {
	ctx := context.Background()
	j := newTestJournal(t)

	_, err := j.LastRun(ctx)
	assert.ErrorIs(t, err, ErrNoRuns)

	first, err := j.StartRun(ctx, "/w")
	require.NoError(t, err)
	second, err := j.StartRun(ctx, "/w")
	require.NoError(t, err)
	require.NotEqual(t, first.ID, second.ID)

	last, err := j.LastRun(ctx)
	require.NoError(t, err)
	assert.Equal(t, second.ID, last.ID)
	assert.Equal(t, StatusRunning, last.Status)
	assert.True(t, last.FinishedAt.IsZero())

	assert.ErrorContains(t, j.FinishRun(ctx, "missing", nil), "not found")
}

func TestJournal_ReplacesResultsWithinChunk(t *testing.T) {
	ctx := context.Background()
	j := newTestJournal(t)
	run, err := j.StartRun(ctx, "/w")
	require.NoError(t, err)

	rs := results()
	require.NoError(t, j.RecordResults(ctx, run.ID, 1, rs[1:2]))
	fixed := *rs[1]
	fixed.State, fixed.OK, fixed.Kind, fixed.Error = task.Done, true, "", ""
	require.NoError(t, j.RecordResults(ctx, run.ID, 1, []*task.Result{&fixed}))
	require.NoError(t, j.RecordResults(ctx, run.ID, 2, rs[1:2]))

	all, err := j.Results(ctx, run.ID, false)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.True(t, all[0].OK)
	assert.False(t, all[1].OK)
}
