package progress

import (
	"context"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/mattjoyce/sweep/internal/log"
)

// LogReporter writes one progress line per interval. Used when no terminal
// view is attached.
type LogReporter struct {
	Tracker  *Tracker
	Interval time.Duration
}

// Run reports until ctx is cancelled, then emits a final line.
func (r *LogReporter) Run(ctx context.Context) {
	interval := r.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.report()
			return
		case <-ticker.C:
			r.report()
		}
	}
}

func (r *LogReporter) report() {
	s := r.Tracker.Snapshot()
	args := []any{
		"completed", s.Completed,
		"total", s.Total,
		"percent", humanize.FtoaWithDigits(s.Fraction()*100, 1),
		"finished", s.Finished,
		"lost", s.Lost,
		"crashes", s.Crashes,
		"in_flight", len(s.InFlight),
		"elapsed", s.Elapsed.Round(time.Second).String(),
		"eta", s.ETA.Round(time.Second).String(),
	}
	if len(s.InFlight) > 0 {
		oldest := s.InFlight[0]
		args = append(args, "oldest", oldest.Job.String(), "oldest_elapsed", oldest.Elapsed.Round(time.Second).String())
	}
	log.WithComponent("progress").Info("progress", args...)
}
