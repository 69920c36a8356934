// Package dispatch runs a bounded pool of sandboxed workers over one queue of
// jobs.
//
// A run has three phases:
//   - Build: deduplicate the job list, drop jobs whose artifact already
//     exists (unless the rerun policy is "always"), order the rest so the
//     least popular drain first.
//   - Launch: start one sandbox per slot. Any failure here closes the
//     sandboxes already started and aborts the run before a job is sent.
//   - Run: one goroutine per slot pops, dispatches and persists until the
//     queue is empty, then all slots are joined.
//
// Failure handling:
//   - Sandbox exits after a job → its artifact stands, the slot relaunches
//   - Stream closes before the sentinel → job recorded as lost, slot relaunches
//   - Artifact write fails → job recorded as write_failed, slot continues
//   - Relaunch exhausts its attempts → only that slot stops; reported after join
//   - Context cancelled → in-flight jobs abandoned, every slot stops
//
// Crashed jobs are never re-queued.
package dispatch
