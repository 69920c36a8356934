package queue

import (
	"fmt"

	"github.com/mattjoyce/sweep/internal/job"
)

// RerunPolicy decides whether jobs with an existing artifact are queued again.
type RerunPolicy string

const (
	// RerunNever skips jobs whose artifact already exists.
	RerunNever RerunPolicy = "never"
	// RerunAlways ignores existing artifacts.
	RerunAlways RerunPolicy = "always"
)

// ParseRerunPolicy validates a policy name.
func ParseRerunPolicy(s string) (RerunPolicy, error) {
	switch RerunPolicy(s) {
	case RerunNever, RerunAlways:
		return RerunPolicy(s), nil
	case "":
		return RerunNever, nil
	default:
		return "", fmt.Errorf("invalid rerun-when option %q (must be 'never' or 'always')", s)
	}
}

// CompletedFunc reports whether a job already has a persisted artifact.
type CompletedFunc func(job.Job) bool

// LessFunc orders jobs most-popular first.
type LessFunc func(a, b job.Job) bool

// BuildStats summarizes how the initial queue was derived from the catalog.
type BuildStats struct {
	Catalog    int
	Duplicates int
	Completed  int
	Queued     int
}
