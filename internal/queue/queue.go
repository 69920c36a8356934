package queue

import (
	"slices"
	"sync"

	"github.com/mattjoyce/sweep/internal/job"
)

// Queue holds the pending jobs for one run. It is populated once by Build,
// drained monotonically by Pop, and never refilled.
type Queue struct {
	mu   sync.Mutex
	jobs []job.Job
	head int
}

// New returns a queue that pops jobs in the given order.
func New(jobs []job.Job) *Queue {
	return &Queue{jobs: slices.Clone(jobs)}
}

// Build derives the initial queue from the catalog. Duplicates are dropped
// (first occurrence wins), jobs reported completed are skipped unless policy
// is RerunAlways, the rest are stable-sorted by less and reversed so the pool
// drains least-popular first. A nil less keeps catalog order before reversing.
func Build(catalog []job.Job, completed CompletedFunc, policy RerunPolicy, less LessFunc) (*Queue, BuildStats) {
	stats := BuildStats{Catalog: len(catalog)}

	seen := make(map[string]struct{}, len(catalog))
	pending := make([]job.Job, 0, len(catalog))
	for _, j := range catalog {
		key := j.Key()
		if _, dup := seen[key]; dup {
			stats.Duplicates++
			continue
		}
		seen[key] = struct{}{}

		if policy != RerunAlways && completed != nil && completed(j) {
			stats.Completed++
			continue
		}
		pending = append(pending, j)
	}

	if less != nil {
		slices.SortStableFunc(pending, func(a, b job.Job) int {
			switch {
			case less(a, b):
				return -1
			case less(b, a):
				return 1
			default:
				return 0
			}
		})
	}
	slices.Reverse(pending)

	stats.Queued = len(pending)
	return &Queue{jobs: pending}, stats
}

// Pop removes and returns the next job. ok is false once the queue is empty.
// Safe for concurrent use; no two calls return the same job.
func (q *Queue) Pop() (j job.Job, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.head >= len(q.jobs) {
		return job.Job{}, false
	}
	j = q.jobs[q.head]
	q.jobs[q.head] = job.Job{}
	q.head++
	return j, true
}

// Len returns the number of jobs not yet popped.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs) - q.head
}

// Pending returns a copy of the jobs not yet popped, in pop order.
func (q *Queue) Pending() []job.Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	return slices.Clone(q.jobs[q.head:])
}
