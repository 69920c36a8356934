// Package progress keeps the observability state of a run: which jobs are in
// flight and how far the pool has got. Nothing on the dispatch path reads it
// back, so losing or corrupting it can only affect what is displayed.
package progress

import (
	"slices"
	"sync"
	"time"

	"github.com/mattjoyce/sweep/internal/job"
)

// Running is one in-flight job as seen by a reporter.
type Running struct {
	Job     job.Job
	Worker  int
	Started time.Time
	Elapsed time.Duration
}

// Snapshot is a consistent copy of the run's progress.
type Snapshot struct {
	Total     int
	Remaining int
	// Completed counts jobs taken off the queue, including those in flight.
	Completed int
	// Finished counts jobs whose output was persisted.
	Finished int
	Lost     int
	Crashes  int
	InFlight []Running
	Elapsed  time.Duration
	ETA      time.Duration
}

// Fraction returns Completed/Total in [0,1].
func (s Snapshot) Fraction() float64 {
	if s.Total <= 0 {
		return 0
	}
	f := float64(s.Completed) / float64(s.Total)
	if f > 1 {
		return 1
	}
	return f
}

type inflight struct {
	worker  int
	started time.Time
	job     job.Job
}

// Tracker records in-flight jobs and counters. Safe for concurrent use.
type Tracker struct {
	mu        sync.Mutex
	now       func() time.Time
	started   time.Time
	total     int
	remaining func() int
	inflight  map[string]inflight
	finished  int
	lost      int
	crashes   int
}

// NewTracker returns an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{now: time.Now, inflight: make(map[string]inflight)}
}

// Begin marks the start of a run over total jobs. remaining reports how many
// are still queued.
func (t *Tracker) Begin(total int, remaining func() int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.started = t.now()
	t.total = total
	t.remaining = remaining
}

// Claim records that worker started j.
func (t *Tracker) Claim(j job.Job, worker int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.inflight == nil {
		t.inflight = make(map[string]inflight)
	}
	t.inflight[j.Key()] = inflight{worker: worker, started: t.now(), job: j}
}

// Finish records that j's output was persisted.
func (t *Tracker) Finish(j job.Job) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.inflight, j.Key())
	t.finished++
}

// Abandon drops j without output. lost is true when the sandbox died under it.
func (t *Tracker) Abandon(j job.Job, lost bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.inflight, j.Key())
	if lost {
		t.lost++
	}
}

// Crash counts one sandbox replacement.
func (t *Tracker) Crash() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.crashes++
}

// Reset discards all in-flight entries and counters.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.inflight = nil
	t.finished, t.lost, t.crashes = 0, 0, 0
}

// Snapshot copies the current state. The lock is held only for the copy.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	now := t.now()
	s := Snapshot{
		Total:    t.total,
		Finished: t.finished,
		Lost:     t.lost,
		Crashes:  t.crashes,
		InFlight: make([]Running, 0, len(t.inflight)),
	}
	for _, f := range t.inflight {
		s.InFlight = append(s.InFlight, Running{Job: f.job, Worker: f.worker, Started: f.started})
	}
	started := t.started
	remaining := t.remaining
	t.mu.Unlock()

	if remaining != nil {
		s.Remaining = remaining()
	}
	if !started.IsZero() {
		s.Elapsed = now.Sub(started)
	}
	s.Completed = s.Total - s.Remaining
	s.ETA = Estimate(s.Elapsed, s.Remaining, s.Completed)

	for i := range s.InFlight {
		s.InFlight[i].Elapsed = now.Sub(s.InFlight[i].Started)
	}
	slices.SortFunc(s.InFlight, func(a, b Running) int {
		if c := a.Started.Compare(b.Started); c != 0 {
			return c
		}
		return a.Job.Compare(b.Job)
	})
	return s
}

// Estimate returns elapsed × remaining / completed, or zero before anything
// has completed.
func Estimate(elapsed time.Duration, remaining, completed int) time.Duration {
	if completed <= 0 || remaining <= 0 {
		return 0
	}
	return time.Duration(float64(elapsed) * float64(remaining) / float64(completed))
}
