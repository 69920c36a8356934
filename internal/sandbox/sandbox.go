// Package sandbox starts the isolated, resource-limited processes that run
// jobs. A sandbox is a long-lived child speaking the line protocol on its
// standard streams.
package sandbox

import (
	"context"
	"errors"
	"io"
	"sync"
)

// ErrLaunch wraps every failure to start a sandbox.
var ErrLaunch = errors.New("sandbox launch failed")

// StderrTailSize bounds how much diagnostic output a sandbox retains.
const StderrTailSize = 64 << 10

// Sandbox is one running isolated process.
type Sandbox interface {
	// ID identifies the sandbox in logs (a PID or container ID).
	ID() string
	// Stdin receives requests.
	Stdin() io.Writer
	// Stdout yields job output. It reaches EOF when the process exits.
	Stdout() io.Reader
	// Alive reports whether the process is still running. It never blocks.
	Alive() bool
	// Stderr returns the most recent diagnostic output.
	Stderr() string
	// Close terminates the process and releases its resources. Safe to call
	// more than once.
	Close() error
}

// Launcher creates sandboxes.
type Launcher interface {
	Launch(ctx context.Context) (Sandbox, error)
}

// LauncherFunc adapts a function to Launcher.
type LauncherFunc func(ctx context.Context) (Sandbox, error)

// Launch calls f.
func (f LauncherFunc) Launch(ctx context.Context) (Sandbox, error) { return f(ctx) }

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func newTailBuffer(max int) *tailBuffer {
	return &tailBuffer{max: max}
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := len(p)
	if len(p) >= t.max {
		t.buf = append(t.buf[:0], p[len(p)-t.max:]...)
		return n, nil
	}
	if over := len(t.buf) + len(p) - t.max; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	t.buf = append(t.buf, p...)
	return n, nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
