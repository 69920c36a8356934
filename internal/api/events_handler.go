package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/mattjoyce/sweep/internal/events"
)

const keepAliveInterval = 15 * time.Second

// minProgressInterval bounds how often a client can ask for snapshots.
const minProgressInterval = 250 * time.Millisecond

// streamOptions are the query parameters of /events.
type streamOptions struct {
	// types keeps events whose type starts with any of these prefixes.
	types []string
	// progress, when positive, interleaves un-numbered "progress" events.
	progress time.Duration
}

func parseStreamOptions(r *http.Request) (streamOptions, error) {
	var opts streamOptions
	q := r.URL.Query()
	for _, raw := range q["types"] {
		for _, t := range strings.Split(raw, ",") {
			if t = strings.TrimSpace(t); t != "" {
				opts.types = append(opts.types, t)
			}
		}
	}
	if v := q.Get("progress"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return opts, fmt.Errorf("progress must be a positive duration")
		}
		opts.progress = max(d, minProgressInterval)
	}
	return opts, nil
}

func (o streamOptions) wants(ev events.Event) bool {
	if len(o.types) == 0 {
		return true
	}
	for _, t := range o.types {
		if strings.HasPrefix(ev.Type, t) {
			return true
		}
	}
	return false
}

// handleEvents streams hub events as Server-Sent Events. A reconnecting
// client sends Last-Event-ID and receives what it missed from the ring.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		s.writeError(w, http.StatusNotFound, "no event hub configured")
		return
	}
	opts, err := parseStreamOptions(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if opts.progress > 0 && s.progress == nil {
		s.writeError(w, http.StatusServiceUnavailable, "no run in progress")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	// Subscribe first so nothing published during the replay is missed.
	ch, cancel := s.events.Subscribe()
	defer cancel()

	lastID := parseLastEventID(r.Header.Get("Last-Event-ID"))
	for _, ev := range s.events.SnapshotSince(lastID) {
		lastID = ev.ID
		if !opts.wants(ev) {
			continue
		}
		if err := writeSSE(w, ev); err != nil {
			return
		}
	}
	flusher.Flush()

	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()

	var snapshots <-chan time.Time
	if opts.progress > 0 {
		t := time.NewTicker(opts.progress)
		defer t.Stop()
		snapshots = t.C
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if ev.ID <= lastID {
				continue
			}
			lastID = ev.ID
			if !opts.wants(ev) {
				continue
			}
			if err := writeSSE(w, ev); err != nil {
				return
			}
			flusher.Flush()
		case <-snapshots:
			if err := s.writeProgress(w); err != nil {
				return
			}
			flusher.Flush()
		case <-keepAlive.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func parseLastEventID(v string) int64 {
	if v == "" {
		return 0
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func writeSSE(w http.ResponseWriter, ev events.Event) error {
	_, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.ID, ev.Type, ev.Data)
	return err
}

// writeProgress sends a snapshot without an id so it never moves a
// client's Last-Event-ID.
func (s *Server) writeProgress(w http.ResponseWriter) error {
	data, err := json.Marshal(s.progressResponse())
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: progress\ndata: %s\n\n", data)
	return err
}
