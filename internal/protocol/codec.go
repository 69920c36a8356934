// Package protocol implements the line-oriented framing between a worker and
// its sandboxed child.
//
// Requests are one line per job, "<name>==<version>\n". The child answers with
// arbitrary output lines followed by a line ending in "-<sentinel>-", where the
// sentinel is a random token chosen once per run and handed to every sandbox
// through the TEST_END_DELIMITER environment variable.
package protocol

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"

	"github.com/mattjoyce/sweep/internal/job"
)

// EnvVar is the environment variable carrying the sentinel into a sandbox.
const EnvVar = "TEST_END_DELIMITER"

// ErrStreamClosed is returned when the child's output ends before the
// sentinel is seen. Callers treat it as a crash.
var ErrStreamClosed = errors.New("stream closed before end-of-output sentinel")

// ErrNoOutput is the ErrStreamClosed case where the stream ended before a
// single byte of the response arrived.
var ErrNoOutput = fmt.Errorf("%w: no output", ErrStreamClosed)

// Sentinel is the per-run end-of-output token.
type Sentinel string

// NewSentinel returns a fresh random token.
func NewSentinel() Sentinel {
	return Sentinel(uuid.NewString())
}

// Marker is the literal suffix that terminates one job's output.
func (s Sentinel) Marker() string {
	return "-" + string(s) + "-"
}

// Env returns the KEY=VALUE pair injected into sandboxes.
func (s Sentinel) Env() string {
	return EnvVar + "=" + string(s)
}

// EncodeRequest writes a single request line for j to w.
func EncodeRequest(w io.Writer, j job.Job) error {
	if err := job.ValidateName(j.Name); err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	if _, err := io.WriteString(w, j.Key()+"\n"); err != nil {
		return fmt.Errorf("write request: %w", err)
	}
	return nil
}

// Decoder reads sentinel-terminated responses from one child's output.
// A Decoder must live as long as the stream it wraps so that bytes buffered
// past one response are not lost before the next.
type Decoder struct {
	r      *bufio.Reader
	marker string
}

// NewDecoder wraps r. The sentinel must be non-empty.
func NewDecoder(r io.Reader, s Sentinel) *Decoder {
	return &Decoder{
		r:      bufio.NewReaderSize(r, 64*1024),
		marker: s.Marker(),
	}
}

// ReadOutput blocks until one complete response has been read and returns it
// with the sentinel marker and trailing whitespace removed. If the stream ends
// first, the partial output is dropped and ErrStreamClosed is returned, or
// ErrNoOutput when nothing at all was read.
func (d *Decoder) ReadOutput() (string, error) {
	var buf strings.Builder
	for {
		line, err := d.r.ReadString('\n')
		buf.WriteString(line)

		if out, ok := d.strip(buf.String()); ok && line != "" {
			return out, nil
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
				if buf.Len() == 0 {
					return "", ErrNoOutput
				}
				return "", ErrStreamClosed
			}
			return "", fmt.Errorf("%w: %v", ErrStreamClosed, err)
		}
	}
}

func (d *Decoder) strip(s string) (string, bool) {
	trimmed := strings.TrimRight(s, " \t\r\n")
	if !strings.HasSuffix(trimmed, d.marker) {
		return "", false
	}
	return strings.TrimSuffix(trimmed, d.marker), true
}
