package ledger

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/sweep/internal/job"
	"github.com/mattjoyce/sweep/internal/worker"
)

func openTestLedger(t *testing.T) *Ledger {
	t.Helper()
	l, err := Open(context.Background(), filepath.Join(t.TempDir(), "sweep.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func TestRunLifecycle(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()
	started := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, l.StartRun(ctx, Run{ID: "r1", Tool: "miri", StartedAt: started, ConfigHash: "abc"}))
	require.NoError(t, l.UpdateRunSize(ctx, "r1", 10, 4))

	r, err := l.GetRun(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "miri", r.Tool)
	assert.Equal(t, 10, r.Total)
	assert.Equal(t, 4, r.PoolSize)
	assert.True(t, r.StartedAt.Equal(started))
	assert.Nil(t, r.FinishedAt)

	stats := worker.Stats{Succeeded: 8, Lost: 2, Crashes: 3}
	require.NoError(t, l.FinishRun(ctx, "r1", started.Add(time.Hour), stats, errors.New("worker 2: relaunch failed")))

	r, err = l.GetRun(ctx, "r1")
	require.NoError(t, err)
	require.NotNil(t, r.FinishedAt)
	assert.Equal(t, 8, r.Succeeded)
	assert.Equal(t, 2, r.Lost)
	assert.Equal(t, 3, r.Crashes)
	assert.Contains(t, r.Error, "relaunch failed")

	_, err = l.GetRun(ctx, "missing")
	assert.ErrorIs(t, err, ErrRunNotFound)
	assert.ErrorIs(t, l.FinishRun(ctx, "missing", time.Now(), worker.Stats{}, nil), ErrRunNotFound)
}

func TestLatestRunAndList(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()

	_, err := l.LatestRun(ctx)
	assert.ErrorIs(t, err, ErrRunNotFound)

	base := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"a", "b", "c"} {
		require.NoError(t, l.StartRun(ctx, Run{ID: id, Tool: "asan", StartedAt: base.Add(time.Duration(i) * time.Minute)}))
	}

	latest, err := l.LatestRun(ctx)
	require.NoError(t, err)
	assert.Equal(t, "c", latest.ID)

	runs, err := l.Runs(ctx, 2)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "c", runs[0].ID)
	assert.Equal(t, "b", runs[1].ID)
}

func TestRecorderAndHistory(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()
	require.NoError(t, l.StartRun(ctx, Run{ID: "r1", Tool: "miri", StartedAt: time.Now()}))
	require.NoError(t, l.StartRun(ctx, Run{ID: "r2", Tool: "miri", StartedAt: time.Now()}))

	foo := job.MustNew("foo", "1.0.0")
	t0 := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

	rec1 := l.Recorder("r1")
	require.NoError(t, rec1.Record(ctx, worker.Outcome{
		Job: foo, Worker: 1, Status: worker.StatusLost,
		StartedAt: t0, CompletedAt: t0.Add(time.Minute),
		Error: "stream closed", Stderr: "memory allocation failed",
	}))
	require.NoError(t, rec1.Record(ctx, worker.Outcome{
		Job: job.MustNew("bar", "0.1.0"), Worker: 0, Status: worker.StatusSucceeded,
		StartedAt: t0, CompletedAt: t0.Add(time.Second), Bytes: 5, Digest: "d1",
	}))
	require.NoError(t, l.Recorder("r2").Record(ctx, worker.Outcome{
		Job: foo, Worker: 0, Status: worker.StatusSucceeded,
		StartedAt: t0.Add(time.Hour), CompletedAt: t0.Add(2 * time.Hour), Bytes: 2, Digest: "d2",
	}))

	history, err := l.History(ctx, foo)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "r2", history[0].RunID)
	assert.Equal(t, worker.StatusSucceeded, history[0].Status)
	assert.Equal(t, "d2", history[0].Digest)
	assert.Equal(t, worker.StatusLost, history[1].Status)
	assert.Equal(t, "memory allocation failed", history[1].Stderr)
	assert.True(t, history[1].CompletedAt.Equal(t0.Add(time.Minute)))

	counts, err := l.StatusCounts(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, map[worker.Status]int{worker.StatusLost: 1, worker.StatusSucceeded: 1}, counts)
}

func TestRecordRequiresKnownRun(t *testing.T) {
	l := openTestLedger(t)
	err := l.Recorder("nope").Record(context.Background(), worker.Outcome{
		Job: job.MustNew("foo", "1.0.0"), Status: worker.StatusSucceeded,
		StartedAt: time.Now(), CompletedAt: time.Now(),
	})
	assert.Error(t, err, "foreign key enforced")
}
