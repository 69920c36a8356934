package api

import "time"

// ErrorResponse is returned on errors
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	RunID         string `json:"run_id,omitempty"`
	Workers       int    `json:"workers"`
}

// ProgressResponse is returned by GET /progress.
type ProgressResponse struct {
	RunID          string          `json:"run_id,omitempty"`
	Tool           string          `json:"tool,omitempty"`
	Total          int             `json:"total"`
	Remaining      int             `json:"remaining"`
	Completed      int             `json:"completed"`
	Finished       int             `json:"finished"`
	Lost           int             `json:"lost"`
	Crashes        int             `json:"crashes"`
	Fraction       float64         `json:"fraction"`
	ElapsedSeconds float64         `json:"elapsed_seconds"`
	ETASeconds     float64         `json:"eta_seconds"`
	InFlight       []InFlightJob   `json:"in_flight"`
	Workers        []WorkerSummary `json:"workers,omitempty"`
}

// InFlightJob is one job a worker is waiting on.
type InFlightJob struct {
	Worker         int       `json:"worker"`
	Name           string    `json:"name"`
	Version        string    `json:"version"`
	StartedAt      time.Time `json:"started_at"`
	ElapsedSeconds float64   `json:"elapsed_seconds"`
}

// WorkerSummary is one pool slot.
type WorkerSummary struct {
	ID    int    `json:"id"`
	State string `json:"state"`
}

// RunSummary is one entry of GET /runs.
type RunSummary struct {
	ID         string     `json:"id"`
	Tool       string     `json:"tool"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Total      int        `json:"total"`
	PoolSize   int        `json:"pool_size"`
	Succeeded  int        `json:"succeeded"`
	Lost       int        `json:"lost"`
	Crashes    int        `json:"crashes"`
	Error      string     `json:"error,omitempty"`
}
