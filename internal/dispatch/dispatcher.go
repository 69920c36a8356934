package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mattjoyce/sweep/internal/events"
	"github.com/mattjoyce/sweep/internal/job"
	"github.com/mattjoyce/sweep/internal/log"
	"github.com/mattjoyce/sweep/internal/progress"
	"github.com/mattjoyce/sweep/internal/protocol"
	"github.com/mattjoyce/sweep/internal/queue"
	"github.com/mattjoyce/sweep/internal/sandbox"
	"github.com/mattjoyce/sweep/internal/worker"
)

// ArtifactStore is where job output lands and how completed jobs are found.
type ArtifactStore interface {
	worker.Store
	Exists(j job.Job) bool
}

// Config wires a dispatcher.
type Config struct {
	RunID    string
	PoolSize int
	Launcher sandbox.Launcher
	Store    ArtifactStore
	Sentinel protocol.Sentinel
	Rerun    queue.RerunPolicy
	// Less ranks jobs most popular first. Nil keeps input order.
	Less     queue.LessFunc
	Tracker  *progress.Tracker
	Recorder worker.Recorder
	Hub      *events.Hub
	Relaunch worker.RelaunchPolicy
}

// Result summarizes a finished run.
type Result struct {
	Queue    queue.BuildStats
	Workers  int
	Stats    worker.Stats
	Duration time.Duration
}

// Dispatcher owns the worker pool for one run.
type Dispatcher struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	workers []*worker.Worker
}

// New returns a dispatcher. PoolSize below one is treated as one.
func New(cfg Config) *Dispatcher {
	if cfg.PoolSize < 1 {
		cfg.PoolSize = 1
	}
	if cfg.Tracker == nil {
		cfg.Tracker = progress.NewTracker()
	}
	return &Dispatcher{cfg: cfg, logger: log.WithComponent("dispatch")}
}

// Tracker returns the progress tracker the pool reports to.
func (d *Dispatcher) Tracker() *progress.Tracker { return d.cfg.Tracker }

// States returns the lifecycle state of every slot.
func (d *Dispatcher) States() []worker.State {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]worker.State, len(d.workers))
	for i, w := range d.workers {
		out[i] = w.State()
	}
	return out
}

// Run builds the queue from jobs, launches the pool and blocks until every
// worker has finished. A launch failure is returned before any job is sent.
// After that, the only errors are workers that could not replace a dead
// sandbox; the remaining workers keep draining the queue.
func (d *Dispatcher) Run(ctx context.Context, jobs []job.Job) (Result, error) {
	start := time.Now()
	q, stats := queue.Build(jobs, d.cfg.Store.Exists, d.cfg.Rerun, d.cfg.Less)
	res := Result{Queue: stats}

	d.logger.Info("queue built",
		"catalog", stats.Catalog,
		"duplicates", stats.Duplicates,
		"already_done", stats.Completed,
		"queued", stats.Queued,
	)
	d.cfg.Tracker.Begin(stats.Queued, q.Len)

	if stats.Queued == 0 {
		d.logger.Info("nothing to do")
		return res, nil
	}

	size := min(d.cfg.PoolSize, stats.Queued)
	workers, err := d.launch(ctx, q, size)
	if err != nil {
		return res, err
	}
	res.Workers = size

	d.mu.Lock()
	d.workers = workers
	d.mu.Unlock()

	d.cfg.Hub.Publish(events.RunStarted, events.RunEvent{RunID: d.cfg.RunID, Total: stats.Queued, PoolSize: size})
	d.logger.Info("pool started", "workers", size, "jobs", stats.Queued)

	var g errgroup.Group
	errs := make([]error, len(workers))
	for i, w := range workers {
		g.Go(func() error {
			errs[i] = w.Run(ctx)
			if errs[i] != nil {
				d.logger.Error("worker stopped early", "worker", w.ID(), "error", errs[i])
			}
			return errs[i]
		})
	}
	_ = g.Wait()

	for _, w := range workers {
		res.Stats.Add(w.Stats())
	}
	res.Duration = time.Since(start)

	d.cfg.Hub.Publish(events.RunFinished, events.RunEvent{RunID: d.cfg.RunID, Total: stats.Queued, PoolSize: size})
	d.logger.Info("pool finished",
		"succeeded", res.Stats.Succeeded,
		"lost", res.Stats.Lost,
		"write_failed", res.Stats.WriteFailed,
		"crashes", res.Stats.Crashes,
		"remaining", q.Len(),
		"duration", res.Duration.Round(time.Second).String(),
	)

	if err := errors.Join(errs...); err != nil {
		return res, fmt.Errorf("workers failed: %w", err)
	}
	return res, nil
}

func (d *Dispatcher) launch(ctx context.Context, q *queue.Queue, size int) ([]*worker.Worker, error) {
	workers := make([]*worker.Worker, 0, size)
	for i := 0; i < size; i++ {
		w := worker.New(worker.Config{
			ID:       i,
			Launcher: d.cfg.Launcher,
			Source:   q,
			Store:    d.cfg.Store,
			Sentinel: d.cfg.Sentinel,
			Observer: d.cfg.Tracker,
			Recorder: d.cfg.Recorder,
			Hub:      d.cfg.Hub,
			Relaunch: d.cfg.Relaunch,
		})
		if err := w.Launch(ctx); err != nil {
			for _, started := range workers {
				_ = started.Close()
			}
			return nil, fmt.Errorf("launch sandbox pool: %w", err)
		}
		workers = append(workers, w)
	}
	return workers, nil
}
