// Package events fans worker lifecycle notifications out to the terminal
// view, the status server and anything else that wants to watch a run.
package events

import (
	"encoding/json"
	"sync"
	"time"
)

// Event types published during a run.
const (
	RunStarted       = "run.started"
	RunFinished      = "run.finished"
	JobStarted       = "job.started"
	JobCompleted     = "job.completed"
	JobLost          = "job.lost"
	JobWriteFailed   = "job.write_failed"
	WorkerCrashed    = "worker.crashed"
	WorkerRelaunched = "worker.relaunched"
	WorkerExited     = "worker.exited"
)

// Event is one published notification.
type Event struct {
	ID   int64           `json:"id"`
	Type string          `json:"type"`
	At   time.Time       `json:"at"`
	Data json.RawMessage `json:"data"`
}

// JobEvent is the payload of job.* events.
type JobEvent struct {
	Worker  int    `json:"worker"`
	Name    string `json:"name"`
	Version string `json:"version"`
	Bytes   int    `json:"bytes,omitempty"`
	Error   string `json:"error,omitempty"`
}

// WorkerEvent is the payload of worker.* events.
type WorkerEvent struct {
	Worker  int    `json:"worker"`
	Sandbox string `json:"sandbox,omitempty"`
	Error   string `json:"error,omitempty"`
}

// RunEvent is the payload of run.* events.
type RunEvent struct {
	RunID    string `json:"run_id"`
	Total    int    `json:"total"`
	PoolSize int    `json:"pool_size"`
}

// Hub is an in-memory pub/sub with a small ring buffer for late subscribers.
// A nil *Hub discards everything published to it.
type Hub struct {
	mu     sync.Mutex
	nextID int64
	ring   []Event
	start  int
	size   int

	subs      map[int]chan Event
	nextSubID int
}

// NewHub returns a hub retaining the last capacity events.
func NewHub(capacity int) *Hub {
	if capacity <= 0 {
		capacity = 256
	}
	return &Hub{
		ring: make([]Event, capacity),
		subs: make(map[int]chan Event),
	}
}

// Publish records an event and delivers it to every subscriber that has
// room. Slow subscribers miss events rather than stall workers.
func (h *Hub) Publish(eventType string, data any) {
	if h == nil {
		return
	}
	payload := json.RawMessage("{}")
	if data != nil {
		if b, err := json.Marshal(data); err == nil {
			payload = b
		}
	}

	h.mu.Lock()
	h.nextID++
	ev := Event{
		ID:   h.nextID,
		Type: eventType,
		At:   time.Now().UTC(),
		Data: payload,
	}
	h.pushLocked(ev)
	for _, ch := range h.subs {
		select {
		case ch <- ev:
		default:
		}
	}
	h.mu.Unlock()
}

// Subscribe returns a channel of future events and a cancel func that
// closes it.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextSubID
	h.nextSubID++
	ch := make(chan Event, 128)
	h.subs[id] = ch

	cancel := func() {
		h.mu.Lock()
		if c, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(c)
		}
		h.mu.Unlock()
	}
	return ch, cancel
}

// SnapshotSince returns buffered events with ID > lastID, oldest first.
func (h *Hub) SnapshotSince(lastID int64) []Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]Event, 0, h.size)
	for i := 0; i < h.size; i++ {
		ev := h.ring[(h.start+i)%len(h.ring)]
		if ev.ID > lastID {
			out = append(out, ev)
		}
	}
	return out
}

// Count returns how many buffered events have the given type.
func (h *Hub) Count(eventType string) int {
	n := 0
	for _, ev := range h.SnapshotSince(0) {
		if ev.Type == eventType {
			n++
		}
	}
	return n
}

func (h *Hub) pushLocked(ev Event) {
	capacity := len(h.ring)
	if h.size < capacity {
		h.ring[(h.start+h.size)%capacity] = ev
		h.size++
		return
	}
	h.ring[h.start] = ev
	h.start = (h.start + 1) % capacity
}
