package tui

import (
	"encoding/json"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/sweep/internal/events"
	"github.com/mattjoyce/sweep/internal/job"
	"github.com/mattjoyce/sweep/internal/progress"
)

type fixedSource struct{ snap progress.Snapshot }

func (f fixedSource) Snapshot() progress.Snapshot { return f.snap }

func mustEvent(t *testing.T, typ string, data any) events.Event {
	t.Helper()
	b, err := json.Marshal(data)
	require.NoError(t, err)
	return events.Event{Type: typ, Data: b}
}

func sized(t *testing.T, m Model) Model {
	t.Helper()
	next, _ := m.Update(tea.WindowSizeMsg{Width: 120, Height: 40})
	return next.(Model)
}

func TestModelRefreshShowsInFlight(t *testing.T) {
	src := fixedSource{snap: progress.Snapshot{
		Total: 10, Remaining: 6, Completed: 4, Finished: 3,
		Elapsed: 90 * time.Second, ETA: 135 * time.Second,
		InFlight: []progress.Running{
			{Job: job.MustNew("serde", "1.0.200"), Worker: 2, Elapsed: 5 * time.Second},
		},
	}}
	m := sized(t, NewModel(Options{Title: "miri-the-world", Source: src}, nil))
	assert.Equal(t, "Initializing...", NewModel(Options{}, nil).View())

	next, cmd := m.Update(tickMsg(time.Now()))
	require.NotNil(t, cmd, "tick reschedules itself")
	m = next.(Model)

	view := m.View()
	assert.Contains(t, view, "serde")
	assert.Contains(t, view, "1.0.200")
	assert.Contains(t, view, "4/10")
	assert.Contains(t, view, "1m 30s")
	assert.Contains(t, view, "2m 15s")
}

func TestModelStopIsRequestedOnce(t *testing.T) {
	stops := 0
	m := sized(t, NewModel(Options{Stop: func() { stops++ }}, nil))

	next, cmd := m.Update(tea.KeyMsg{Type: tea.KeyCtrlC})
	assert.Nil(t, cmd, "the view keeps running until the run drains")
	m = next.(Model)
	next, _ = m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	m = next.(Model)

	assert.Equal(t, 1, stops)
	assert.Contains(t, m.View(), "STOPPING")
}

func TestModelQuitsWhenDone(t *testing.T) {
	m := sized(t, NewModel(Options{Source: fixedSource{}}, nil))
	_, cmd := m.Update(DoneMsg{})
	require.NotNil(t, cmd)
	assert.IsType(t, tea.QuitMsg{}, cmd())
}

func TestModelStatusLines(t *testing.T) {
	feed := make(chan events.Event, 1)
	m := sized(t, NewModel(Options{}, feed))

	for i := 0; i < maxStatusLines+3; i++ {
		next, cmd := m.Update(eventMsg(mustEvent(t, events.JobCompleted, events.JobEvent{Name: "foo", Version: "1.0.0"})))
		require.NotNil(t, cmd)
		m = next.(Model)
	}
	assert.Len(t, m.status, maxStatusLines)

	next, _ := m.Update(eventMsg(mustEvent(t, events.WorkerCrashed, events.WorkerEvent{Worker: 1})))
	m = next.(Model)
	assert.Contains(t, m.View(), "A worker crashed! Standing up a new one...")

	close(feed)
	assert.Nil(t, m.receiveNextEvent()(), "closed feed ends the subscription")
}

func TestDescribe(t *testing.T) {
	tests := []struct {
		ev   events.Event
		want string
		ok   bool
	}{
		{mustEvent(t, events.JobStarted, events.JobEvent{Name: "foo", Version: "1.0.0"}), "Running foo==1.0.0", true},
		{mustEvent(t, events.JobCompleted, events.JobEvent{Name: "foo", Version: "1.0.0"}), "Finished foo==1.0.0", true},
		{mustEvent(t, events.JobLost, events.JobEvent{Worker: 3, Name: "bar", Version: "0.1.0"}), "Lost bar==0.1.0 (worker 3)", true},
		{mustEvent(t, events.JobWriteFailed, events.JobEvent{Name: "bar", Version: "0.1.0", Error: "disk full"}), "Could not save bar==0.1.0: disk full", true},
		{mustEvent(t, events.WorkerRelaunched, events.WorkerEvent{Worker: 2, Sandbox: "pid:42"}), "Worker 2 relaunched as pid:42", true},
		{mustEvent(t, events.RunStarted, events.RunEvent{}), "", false},
	}
	for _, tt := range tests {
		got, ok := describe(tt.ev)
		assert.Equal(t, tt.ok, ok, tt.ev.Type)
		assert.Equal(t, tt.want, got, tt.ev.Type)
	}
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "42s", formatDuration(42*time.Second))
	assert.Equal(t, "3m 5s", formatDuration(185*time.Second))
	assert.Equal(t, "2h 1m", formatDuration(121*time.Minute))
}
