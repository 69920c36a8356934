package progress

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/sweep/internal/job"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestTracker() (*Tracker, *fakeClock) {
	clock := &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	tr := NewTracker()
	tr.now = clock.Now
	return tr, clock
}

func TestEstimate(t *testing.T) {
	assert.Equal(t, time.Duration(0), Estimate(time.Minute, 10, 0), "no division by zero")
	assert.Equal(t, time.Duration(0), Estimate(time.Minute, 0, 10))
	assert.Equal(t, 3*time.Minute, Estimate(time.Minute, 30, 10))
}

func TestSnapshotCounts(t *testing.T) {
	tr, clock := newTestTracker()
	remaining := 8
	tr.Begin(10, func() int { return remaining })

	a := job.MustNew("a", "1.0.0")
	b := job.MustNew("b", "1.0.0")
	tr.Claim(a, 0)
	clock.Advance(time.Second)
	tr.Claim(b, 1)
	clock.Advance(9 * time.Second)

	s := tr.Snapshot()
	assert.Equal(t, 10, s.Total)
	assert.Equal(t, 8, s.Remaining)
	assert.Equal(t, 2, s.Completed)
	assert.Equal(t, 10*time.Second, s.Elapsed)
	assert.Equal(t, 40*time.Second, s.ETA)
	require.Len(t, s.InFlight, 2)
	assert.Equal(t, "a", s.InFlight[0].Job.Name, "sorted by start time")
	assert.Equal(t, 10*time.Second, s.InFlight[0].Elapsed)
	assert.Equal(t, 9*time.Second, s.InFlight[1].Elapsed)
	assert.InDelta(t, 0.2, s.Fraction(), 1e-9)

	tr.Finish(a)
	tr.Abandon(b, true)
	tr.Crash()
	s = tr.Snapshot()
	assert.Empty(t, s.InFlight)
	assert.Equal(t, 1, s.Finished)
	assert.Equal(t, 1, s.Lost)
	assert.Equal(t, 1, s.Crashes)
}

func TestSnapshotBeforeBegin(t *testing.T) {
	tr := NewTracker()
	s := tr.Snapshot()
	assert.Equal(t, 0, s.Total)
	assert.Equal(t, time.Duration(0), s.ETA)
	assert.Equal(t, 0.0, s.Fraction())
}

func TestResetClearsState(t *testing.T) {
	tr, _ := newTestTracker()
	tr.Claim(job.MustNew("a", "1.0.0"), 0)
	tr.Finish(job.MustNew("b", "1.0.0"))
	tr.Reset()

	s := tr.Snapshot()
	assert.Empty(t, s.InFlight)
	assert.Equal(t, 0, s.Finished)

	tr.Claim(job.MustNew("c", "1.0.0"), 0)
	assert.Len(t, tr.Snapshot().InFlight, 1)
}

func TestLogReporterStopsOnCancel(t *testing.T) {
	tr, _ := newTestTracker()
	tr.Begin(1, func() int { return 1 })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		(&LogReporter{Tracker: tr, Interval: time.Millisecond}).Run(ctx)
		close(done)
	}()
	time.Sleep(5 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reporter did not stop")
	}
}
