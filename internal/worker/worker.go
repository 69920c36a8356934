// Package worker runs one pool slot: it owns a sandbox, feeds it jobs from
// the shared queue one at a time, persists what comes back and replaces the
// sandbox when it dies.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jpillora/backoff"

	"github.com/mattjoyce/sweep/internal/events"
	"github.com/mattjoyce/sweep/internal/job"
	"github.com/mattjoyce/sweep/internal/log"
	"github.com/mattjoyce/sweep/internal/protocol"
	"github.com/mattjoyce/sweep/internal/sandbox"
)

// maxDeliveries bounds how often one job is offered to fresh sandboxes when
// the request never reached a live child: the write failed, or the child's
// output ended before any byte of the response.
const maxDeliveries = 3

// errStopped signals that the run context ended while a job was in progress.
var errStopped = errors.New("worker stopped")

// Config wires a worker to its collaborators.
type Config struct {
	ID       int
	Launcher sandbox.Launcher
	Source   Source
	Store    Store
	Sentinel protocol.Sentinel
	Observer Observer
	Recorder Recorder
	Hub      *events.Hub
	Relaunch RelaunchPolicy
}

// Worker is one pool slot. Its sandbox never leaves the goroutine running Run.
type Worker struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	state atomic.Int32

	mu  sync.Mutex
	sb  sandbox.Sandbox
	dec *protocol.Decoder

	stats Stats
}

// New returns a worker in the Launching state.
func New(cfg Config) *Worker {
	if cfg.Observer == nil {
		cfg.Observer = nopObserver{}
	}
	if cfg.Relaunch.Attempts <= 0 {
		cfg.Relaunch = DefaultRelaunchPolicy()
	}
	w := &Worker{
		cfg:    cfg,
		logger: log.WithWorker(cfg.ID),
		now:    time.Now,
	}
	w.setState(Launching)
	return w
}

// ID returns the slot number.
func (w *Worker) ID() int { return w.cfg.ID }

// State returns the current lifecycle state. Safe from any goroutine.
func (w *Worker) State() State { return State(w.state.Load()) }

// Stats returns the worker's counters. Call only after Run has returned.
func (w *Worker) Stats() Stats { return w.stats }

func (w *Worker) setState(s State) { w.state.Store(int32(s)) }

// Launch starts the worker's first sandbox.
func (w *Worker) Launch(ctx context.Context) error {
	w.setState(Launching)
	sb, err := w.cfg.Launcher.Launch(ctx)
	if err != nil {
		return fmt.Errorf("worker %d: %w", w.cfg.ID, err)
	}
	w.mu.Lock()
	w.sb = sb
	w.dec = protocol.NewDecoder(sb.Stdout(), w.cfg.Sentinel)
	w.mu.Unlock()
	w.logger.Debug("sandbox ready", "sandbox", sb.ID())
	return nil
}

// Close releases the worker's sandbox, if any.
func (w *Worker) Close() error {
	w.mu.Lock()
	sb := w.sb
	w.sb = nil
	w.mu.Unlock()
	if sb == nil {
		return nil
	}
	return sb.Close()
}

// closeSandbox unblocks any pending read without giving up ownership.
func (w *Worker) closeSandbox() {
	w.mu.Lock()
	sb := w.sb
	w.mu.Unlock()
	if sb != nil {
		_ = sb.Close()
	}
}

func (w *Worker) current() (sandbox.Sandbox, *protocol.Decoder) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.sb, w.dec
}

// Run drains the source until it is empty or ctx ends. Launch must have
// succeeded first. The only error returned is a failure to replace a dead
// sandbox; per-job failures are recorded and the loop continues.
func (w *Worker) Run(ctx context.Context) error {
	defer func() {
		_ = w.Close()
		w.setState(Terminated)
		w.cfg.Hub.Publish(events.WorkerExited, events.WorkerEvent{Worker: w.cfg.ID})
	}()

	if sb, _ := w.current(); sb == nil {
		if err := w.Launch(ctx); err != nil {
			return err
		}
	}
	stop := context.AfterFunc(ctx, w.closeSandbox)
	defer stop()

	for {
		if ctx.Err() != nil {
			return nil
		}
		w.setState(Idle)
		j, ok := w.cfg.Source.Pop()
		if !ok {
			w.logger.Debug("queue drained")
			return nil
		}
		if err := w.process(ctx, j); err != nil {
			if errors.Is(err, errStopped) {
				return nil
			}
			return err
		}
	}
}

func (w *Worker) process(ctx context.Context, j job.Job) error {
	started := w.now()
	logger := w.logger.With("job", j.Key())

	w.setState(Dispatching)
	w.cfg.Observer.Claim(j, w.cfg.ID)
	w.cfg.Hub.Publish(events.JobStarted, w.jobEvent(j, 0, ""))
	logger.Info("running", "name", j.Name, "version", j.Version.String())
	w.stats.Dispatched++

	var (
		sb     sandbox.Sandbox
		output string
	)
	for delivery := 1; ; delivery++ {
		var dec *protocol.Decoder
		sb, dec = w.current()
		err := protocol.EncodeRequest(sb.Stdin(), j)
		if err == nil {
			w.setState(AwaitingOutput)
			output, err = dec.ReadOutput()
			if err == nil {
				break
			}
		}
		if ctx.Err() != nil {
			w.cfg.Observer.Abandon(j, false)
			logger.Info("job abandoned on shutdown")
			return errStopped
		}
		if !undelivered(err) {
			w.lose(ctx, j, started, sb, err)
			return w.replace(ctx, err)
		}
		// The sandbox exited between jobs; the request never reached it.
		logger.Warn("request not delivered", "error", err, "delivery", delivery)
		if delivery >= maxDeliveries {
			w.lose(ctx, j, started, sb, err)
			return w.replace(ctx, err)
		}
		if rerr := w.replace(ctx, err); rerr != nil {
			w.cfg.Observer.Abandon(j, false)
			return rerr
		}
		w.setState(Dispatching)
	}

	w.setState(Persisting)
	w.persist(ctx, j, started, output)

	if ctx.Err() != nil {
		return errStopped
	}
	if !sb.Alive() {
		return w.replace(ctx, exitErr(sb))
	}
	return nil
}

func (w *Worker) persist(ctx context.Context, j job.Job, started time.Time, output string) {
	logger := w.logger.With("job", j.Key())
	a, err := w.cfg.Store.Write(context.WithoutCancel(ctx), j, output)
	outcome := Outcome{
		Job:         j,
		Worker:      w.cfg.ID,
		StartedAt:   started,
		CompletedAt: w.now(),
	}
	if err != nil {
		w.stats.WriteFailed++
		logger.Error("failed to write artifact", "error", err)
		w.cfg.Observer.Abandon(j, false)
		w.cfg.Hub.Publish(events.JobWriteFailed, w.jobEvent(j, 0, err.Error()))
		outcome.Status = StatusWriteFailed
		outcome.Error = err.Error()
		w.record(ctx, outcome)
		return
	}

	w.stats.Succeeded++
	w.cfg.Observer.Finish(j)
	w.cfg.Hub.Publish(events.JobCompleted, w.jobEvent(j, a.Bytes, ""))
	logger.Info("finished", "name", j.Name, "version", j.Version.String(), "bytes", a.Bytes)
	outcome.Status = StatusSucceeded
	outcome.Bytes = a.Bytes
	outcome.Digest = a.Digest
	w.record(ctx, outcome)
}

// lose records a job whose sandbox died under it. The job is not retried.
func (w *Worker) lose(ctx context.Context, j job.Job, started time.Time, sb sandbox.Sandbox, cause error) {
	w.stats.Lost++
	stderr := sb.Stderr()
	w.cfg.Observer.Abandon(j, true)
	w.cfg.Hub.Publish(events.JobLost, w.jobEvent(j, 0, cause.Error()))
	w.logger.Warn("job lost", "job", j.Key(), "error", cause, "sandbox", sb.ID())
	w.record(ctx, Outcome{
		Job:         j,
		Worker:      w.cfg.ID,
		Status:      StatusLost,
		StartedAt:   started,
		CompletedAt: w.now(),
		Error:       cause.Error(),
		Stderr:      stderr,
	})
}

// replace closes the dead sandbox and launches another, backing off between
// attempts.
func (w *Worker) replace(ctx context.Context, cause error) error {
	w.stats.Crashes++
	w.cfg.Observer.Crash()

	old, _ := w.current()
	oldID := ""
	if old != nil {
		oldID = old.ID()
	}
	w.logger.Warn("worker crashed, standing up a new one", "sandbox", oldID, "error", cause)
	w.cfg.Hub.Publish(events.WorkerCrashed, events.WorkerEvent{Worker: w.cfg.ID, Sandbox: oldID, Error: errString(cause)})
	_ = w.Close()

	if ctx.Err() != nil {
		return errStopped
	}

	b := &backoff.Backoff{
		Min:    w.cfg.Relaunch.Min,
		Max:    w.cfg.Relaunch.Max,
		Factor: 2,
		Jitter: true,
	}
	var lastErr error
	for attempt := 1; attempt <= w.cfg.Relaunch.Attempts; attempt++ {
		lastErr = w.Launch(ctx)
		if lastErr == nil {
			w.stats.Relaunches++
			sb, _ := w.current()
			w.cfg.Hub.Publish(events.WorkerRelaunched, events.WorkerEvent{Worker: w.cfg.ID, Sandbox: sb.ID()})
			return nil
		}
		if ctx.Err() != nil {
			return errStopped
		}
		delay := b.Duration()
		w.logger.Warn("relaunch failed", "attempt", attempt, "retry_in", delay, "error", lastErr)
		if attempt == w.cfg.Relaunch.Attempts {
			break
		}
		select {
		case <-ctx.Done():
			return errStopped
		case <-time.After(delay):
		}
	}
	return fmt.Errorf("worker %d: relaunch failed after %d attempts: %w", w.cfg.ID, w.cfg.Relaunch.Attempts, lastErr)
}

func (w *Worker) record(ctx context.Context, o Outcome) {
	if w.cfg.Recorder == nil {
		return
	}
	if err := w.cfg.Recorder.Record(context.WithoutCancel(ctx), o); err != nil {
		w.logger.Warn("failed to record outcome", "job", o.Job.Key(), "status", o.Status, "error", err)
	}
}

func (w *Worker) jobEvent(j job.Job, bytes int, errMsg string) events.JobEvent {
	return events.JobEvent{
		Worker:  w.cfg.ID,
		Name:    j.Name,
		Version: j.Version.String(),
		Bytes:   bytes,
		Error:   errMsg,
	}
}

// undelivered reports whether err means the sandbox was gone before it could
// act on the request. Failed writes surface from EncodeRequest, anything else
// from the decoder.
func undelivered(err error) bool {
	return errors.Is(err, protocol.ErrNoOutput) || !errors.Is(err, protocol.ErrStreamClosed)
}

func exitErr(sb sandbox.Sandbox) error {
	if e, ok := sb.(interface{ ExitErr() error }); ok {
		if err := e.ExitErr(); err != nil {
			return err
		}
	}
	return errors.New("sandbox exited")
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
