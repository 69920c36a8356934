// Package inspect renders what is known about one crate version: the
// artifact on disk and every outcome the ledger recorded for it.
package inspect

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/mattjoyce/sweep/internal/artifact"
	"github.com/mattjoyce/sweep/internal/job"
	"github.com/mattjoyce/sweep/internal/ledger"
)

// tailLines is how much of the artifact the text report shows.
const tailLines = 20

// History is the ledger side of a report.
type History interface {
	History(ctx context.Context, j job.Job) ([]ledger.Entry, error)
}

// Report is the structured representation of an inspection.
type Report struct {
	Name     string    `json:"name"`
	Version  string    `json:"version"`
	Artifact *Artifact `json:"artifact,omitempty"`
	Attempts []Attempt `json:"attempts"`
}

// Artifact describes the persisted output.
type Artifact struct {
	Path   string `json:"path"`
	Bytes  int    `json:"bytes"`
	Digest string `json:"digest"`
	Tail   string `json:"tail"`
}

// Attempt is one recorded dispatch.
type Attempt struct {
	RunID       string    `json:"run_id"`
	Worker      int       `json:"worker"`
	Status      string    `json:"status"`
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`
	Bytes       int       `json:"bytes,omitempty"`
	Digest      string    `json:"digest,omitempty"`
	Error       string    `json:"error,omitempty"`
	Stderr      string    `json:"stderr,omitempty"`
}

// Gather collects the artifact and history for j. history may be nil.
func Gather(ctx context.Context, store *artifact.Store, history History, j job.Job) (*Report, error) {
	r := &Report{Name: j.Name, Version: j.Version.String(), Attempts: []Attempt{}}

	if store.Exists(j) {
		out, err := store.Read(j)
		if err != nil {
			return nil, err
		}
		path, _ := store.Path(j)
		r.Artifact = &Artifact{
			Path:   path,
			Bytes:  len(out),
			Digest: artifact.Digest(out),
			Tail:   tail(out, tailLines),
		}
	}

	if history != nil {
		entries, err := history.History(ctx, j)
		if err != nil {
			return nil, fmt.Errorf("load history for %s: %w", j.Key(), err)
		}
		for _, e := range entries {
			r.Attempts = append(r.Attempts, Attempt{
				RunID:       e.RunID,
				Worker:      e.Worker,
				Status:      string(e.Status),
				StartedAt:   e.StartedAt,
				CompletedAt: e.CompletedAt,
				Bytes:       e.Bytes,
				Digest:      e.Digest,
				Error:       e.Error,
				Stderr:      e.Stderr,
			})
		}
	}
	return r, nil
}

// BuildReport renders a terminal-friendly report for j.
func BuildReport(ctx context.Context, store *artifact.Store, history History, j job.Job) (string, error) {
	report, err := Gather(ctx, store, history, j)
	if err != nil {
		return "", err
	}

	var out strings.Builder
	fmt.Fprintf(&out, "Crate       : %s\n", report.Name)
	fmt.Fprintf(&out, "Version     : %s\n", report.Version)
	if a := report.Artifact; a != nil {
		fmt.Fprintf(&out, "Artifact    : %s\n", a.Path)
		fmt.Fprintf(&out, "Size        : %s\n", humanize.Bytes(uint64(a.Bytes)))
		fmt.Fprintf(&out, "Digest      : %s\n", a.Digest)
	} else {
		fmt.Fprintf(&out, "Artifact    : <none>\n")
	}
	fmt.Fprintf(&out, "Attempts    : %d\n", len(report.Attempts))

	for i, a := range report.Attempts {
		fmt.Fprintf(&out, "\n[%d] %s run %s, worker %d\n", i+1, a.Status, a.RunID, a.Worker)
		fmt.Fprintf(&out, "    finished : %s (%s, took %s)\n",
			a.CompletedAt.Format(time.RFC3339), humanize.Time(a.CompletedAt),
			a.CompletedAt.Sub(a.StartedAt).Round(time.Second))
		if a.Digest != "" {
			fmt.Fprintf(&out, "    digest   : %s\n", a.Digest)
		}
		if a.Error != "" {
			fmt.Fprintf(&out, "    error    : %s\n", a.Error)
		}
		if a.Stderr != "" {
			fmt.Fprintf(&out, "    stderr   :\n%s\n", indent(tail(a.Stderr, tailLines)))
		}
	}

	if report.Artifact != nil && report.Artifact.Tail != "" {
		fmt.Fprintf(&out, "\nOutput (last %d lines):\n%s\n", tailLines, indent(report.Artifact.Tail))
	}
	return out.String(), nil
}

// BuildJSON renders the report as indented JSON.
func BuildJSON(ctx context.Context, store *artifact.Store, history History, j job.Job) (string, error) {
	report, err := Gather(ctx, store, history, j)
	if err != nil {
		return "", err
	}
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func tail(s string, n int) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}

func indent(s string) string {
	return "      " + strings.ReplaceAll(s, "\n", "\n      ")
}
