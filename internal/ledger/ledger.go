// Package ledger keeps a durable record of runs and of what happened to each
// job, alongside the artifact tree. The artifact tree stays the source of
// truth for resumability; the ledger answers "what happened and when".
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mattjoyce/sweep/internal/job"
	"github.com/mattjoyce/sweep/internal/storage"
	"github.com/mattjoyce/sweep/internal/worker"
)

// ErrRunNotFound is returned when a run ID is unknown.
var ErrRunNotFound = errors.New("run not found")

// Run is one invocation of the pool.
type Run struct {
	ID         string
	Tool       string
	StartedAt  time.Time
	FinishedAt *time.Time
	Total      int
	PoolSize   int
	ConfigHash string
	Succeeded  int
	Lost       int
	Crashes    int
	Error      string
}

// Entry is one recorded job outcome.
type Entry struct {
	ID          int64
	RunID       string
	Name        string
	Version     string
	Worker      int
	Status      worker.Status
	StartedAt   time.Time
	CompletedAt time.Time
	Bytes       int
	Digest      string
	Error       string
	Stderr      string
}

// Ledger is the SQLite-backed record.
type Ledger struct {
	db *sql.DB
}

// Open opens or creates the ledger database at path.
func Open(ctx context.Context, path string) (*Ledger, error) {
	db, err := storage.OpenSQLite(ctx, path)
	if err != nil {
		return nil, err
	}
	return &Ledger{db: db}, nil
}

// New wraps an already bootstrapped database.
func New(db *sql.DB) *Ledger {
	return &Ledger{db: db}
}

// Close closes the database.
func (l *Ledger) Close() error {
	return l.db.Close()
}

// StartRun inserts a new run row.
func (l *Ledger) StartRun(ctx context.Context, r Run) error {
	_, err := l.db.ExecContext(ctx, `
INSERT INTO runs(id, tool, started_at, total, pool_size, config_hash)
VALUES(?, ?, ?, ?, ?, ?);`,
		r.ID, r.Tool, formatTime(r.StartedAt), r.Total, r.PoolSize, nullString(r.ConfigHash),
	)
	if err != nil {
		return fmt.Errorf("insert run %s: %w", r.ID, err)
	}
	return nil
}

// UpdateRunSize records the queue size and pool size once they are known.
func (l *Ledger) UpdateRunSize(ctx context.Context, id string, total, poolSize int) error {
	_, err := l.db.ExecContext(ctx, `UPDATE runs SET total = ?, pool_size = ? WHERE id = ?;`, total, poolSize, id)
	if err != nil {
		return fmt.Errorf("update run %s: %w", id, err)
	}
	return nil
}

// FinishRun stamps the run as finished with its counters and error, if any.
func (l *Ledger) FinishRun(ctx context.Context, id string, at time.Time, s worker.Stats, runErr error) error {
	var errText any
	if runErr != nil {
		errText = runErr.Error()
	}
	res, err := l.db.ExecContext(ctx, `
UPDATE runs SET finished_at = ?, succeeded = ?, lost = ?, crashes = ?, error = ?
WHERE id = ?;`,
		formatTime(at), s.Succeeded, s.Lost, s.Crashes, errText, id,
	)
	if err != nil {
		return fmt.Errorf("finish run %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("finish run %s: %w", id, ErrRunNotFound)
	}
	return nil
}

// Recorder returns a worker.Recorder writing outcomes under runID.
func (l *Ledger) Recorder(runID string) worker.Recorder {
	return &runRecorder{ledger: l, runID: runID}
}

type runRecorder struct {
	ledger *Ledger
	runID  string
}

func (r *runRecorder) Record(ctx context.Context, o worker.Outcome) error {
	return r.ledger.Append(ctx, r.runID, o)
}

// Append inserts one outcome.
func (l *Ledger) Append(ctx context.Context, runID string, o worker.Outcome) error {
	_, err := l.db.ExecContext(ctx, `
INSERT INTO job_log(run_id, name, version, worker, status, started_at, completed_at, bytes, digest, error, stderr)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		runID, o.Job.Name, o.Job.Version.String(), o.Worker, string(o.Status),
		formatTime(o.StartedAt), formatTime(o.CompletedAt), o.Bytes,
		nullString(o.Digest), nullString(o.Error), nullString(o.Stderr),
	)
	if err != nil {
		return fmt.Errorf("record %s: %w", o.Job.Key(), err)
	}
	return nil
}

// GetRun returns one run.
func (l *Ledger) GetRun(ctx context.Context, id string) (Run, error) {
	row := l.db.QueryRowContext(ctx, runSelect+` WHERE id = ?;`, id)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	return r, err
}

// LatestRun returns the most recently started run.
func (l *Ledger) LatestRun(ctx context.Context) (Run, error) {
	row := l.db.QueryRowContext(ctx, runSelect+` ORDER BY started_at DESC LIMIT 1;`)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, ErrRunNotFound
	}
	return r, err
}

// Runs lists runs, newest first.
func (l *Ledger) Runs(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := l.db.QueryContext(ctx, runSelect+` ORDER BY started_at DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// StatusCounts returns the number of outcomes per status for a run.
func (l *Ledger) StatusCounts(ctx context.Context, runID string) (map[worker.Status]int, error) {
	rows, err := l.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM job_log WHERE run_id = ? GROUP BY status;`, runID)
	if err != nil {
		return nil, fmt.Errorf("count outcomes: %w", err)
	}
	defer rows.Close()

	out := make(map[worker.Status]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan outcome count: %w", err)
		}
		out[worker.Status(status)] = n
	}
	return out, rows.Err()
}

// History returns every recorded outcome for j, newest first.
func (l *Ledger) History(ctx context.Context, j job.Job) ([]Entry, error) {
	rows, err := l.db.QueryContext(ctx, `
SELECT id, run_id, name, version, worker, status, started_at, completed_at, bytes, digest, error, stderr
FROM job_log WHERE name = ? AND version = ?
ORDER BY completed_at DESC, id DESC;`, j.Name, j.Version.String())
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e                    Entry
			status               string
			started, completed   string
			digest, errText, std sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.RunID, &e.Name, &e.Version, &e.Worker, &status,
			&started, &completed, &e.Bytes, &digest, &errText, &std); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		e.Status = worker.Status(status)
		e.StartedAt = parseTime(started)
		e.CompletedAt = parseTime(completed)
		e.Digest = digest.String
		e.Error = errText.String
		e.Stderr = std.String
		out = append(out, e)
	}
	return out, rows.Err()
}

const runSelect = `SELECT id, tool, started_at, finished_at, total, pool_size, config_hash, succeeded, lost, crashes, error FROM runs`

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(s scanner) (Run, error) {
	var (
		r                       Run
		started                 string
		finished, hash, errText sql.NullString
	)
	if err := s.Scan(&r.ID, &r.Tool, &started, &finished, &r.Total, &r.PoolSize, &hash,
		&r.Succeeded, &r.Lost, &r.Crashes, &errText); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Run{}, err
		}
		return Run{}, fmt.Errorf("scan run: %w", err)
	}
	r.StartedAt = parseTime(started)
	if finished.Valid {
		t := parseTime(finished.String)
		r.FinishedAt = &t
	}
	r.ConfigHash = hash.String
	r.Error = errText.String
	return r, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
