package worker

import (
	"context"
	"time"

	"github.com/mattjoyce/sweep/internal/artifact"
	"github.com/mattjoyce/sweep/internal/job"
)

// State is a worker's position in its lifecycle.
type State int32

const (
	Launching State = iota
	Idle
	Dispatching
	AwaitingOutput
	Persisting
	Terminated
)

func (s State) String() string {
	switch s {
	case Launching:
		return "launching"
	case Idle:
		return "idle"
	case Dispatching:
		return "dispatching"
	case AwaitingOutput:
		return "awaiting_output"
	case Persisting:
		return "persisting"
	case Terminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Status is the recorded outcome of one job.
type Status string

const (
	StatusSucceeded   Status = "succeeded"
	StatusLost        Status = "lost"
	StatusWriteFailed Status = "write_failed"
)

// Outcome describes what happened to one job.
type Outcome struct {
	Job         job.Job
	Worker      int
	Status      Status
	StartedAt   time.Time
	CompletedAt time.Time
	Bytes       int
	Digest      string
	Error       string
	Stderr      string
}

// Source hands out jobs. queue.Queue satisfies it.
type Source interface {
	Pop() (job.Job, bool)
}

// Store persists job output. artifact.Store satisfies it.
type Store interface {
	Write(ctx context.Context, j job.Job, output string) (artifact.Artifact, error)
}

// Observer receives progress notifications. It is write-only from the
// worker's side. progress.Tracker satisfies it.
type Observer interface {
	Claim(j job.Job, worker int)
	Finish(j job.Job)
	Abandon(j job.Job, lost bool)
	Crash()
}

// Recorder keeps a durable record of outcomes.
type Recorder interface {
	Record(ctx context.Context, o Outcome) error
}

// Stats are a worker's counters. Read them only after Run has returned.
type Stats struct {
	Dispatched  int
	Succeeded   int
	Lost        int
	WriteFailed int
	Crashes     int
	Relaunches  int
}

// Add accumulates o into s.
func (s *Stats) Add(o Stats) {
	s.Dispatched += o.Dispatched
	s.Succeeded += o.Succeeded
	s.Lost += o.Lost
	s.WriteFailed += o.WriteFailed
	s.Crashes += o.Crashes
	s.Relaunches += o.Relaunches
}

// RelaunchPolicy bounds how hard a worker tries to replace a dead sandbox.
type RelaunchPolicy struct {
	Attempts int
	Min      time.Duration
	Max      time.Duration
}

// DefaultRelaunchPolicy returns the policy used when none is configured.
func DefaultRelaunchPolicy() RelaunchPolicy {
	return RelaunchPolicy{Attempts: 5, Min: time.Second, Max: 30 * time.Second}
}

type nopObserver struct{}

func (nopObserver) Claim(job.Job, int)    {}
func (nopObserver) Finish(job.Job)        {}
func (nopObserver) Abandon(job.Job, bool) {}
func (nopObserver) Crash()                {}
