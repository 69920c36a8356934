package tui

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	bar "github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/sweep/internal/events"
	"github.com/mattjoyce/sweep/internal/progress"
)

const maxStatusLines = 8

// Snapshotter is the read side of the progress tracker.
type Snapshotter interface {
	Snapshot() progress.Snapshot
}

// Options configures the view.
type Options struct {
	Title    string
	Source   Snapshotter
	Hub      *events.Hub
	Interval time.Duration
	// Stop is called once when the user asks to interrupt the run.
	Stop func()
}

// DoneMsg tells the view the run has finished and it should exit.
type DoneMsg struct{}

type tickMsg time.Time
type eventMsg events.Event

// Model is the bubbletea model of the run view.
type Model struct {
	opts   Options
	theme  Theme
	events <-chan events.Event

	width  int
	height int

	snap     progress.Snapshot
	status   []string
	stopping bool

	gauge bar.Model
	jobs  table.Model
}

// NewModel builds the view. feed may be nil when no event hub is wired.
func NewModel(opts Options, feed <-chan events.Event) Model {
	if opts.Interval <= 0 {
		opts.Interval = 250 * time.Millisecond
	}
	t := table.New(
		table.WithColumns([]table.Column{
			{Title: "Worker", Width: 6},
			{Title: "Crate", Width: 32},
			{Title: "Version", Width: 16},
			{Title: "Running", Width: 10},
		}),
		table.WithHeight(8),
	)
	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240")).
		BorderBottom(true).
		Bold(false)
	s.Selected = lipgloss.NewStyle()
	t.SetStyles(s)

	return Model{
		opts:   opts,
		theme:  NewDefaultTheme(),
		events: feed,
		gauge:  bar.New(bar.WithDefaultGradient(), bar.WithWidth(40)),
		jobs:   t,
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(m.tick(), m.receiveNextEvent())
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			if !m.stopping {
				m.stopping = true
				if m.opts.Stop != nil {
					m.opts.Stop()
				}
			}
		}
		return m, nil

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.gauge.Width = max(10, m.width-30)
		m.jobs.SetWidth(m.width - 6)
		return m, nil

	case tickMsg:
		m.refresh()
		return m, m.tick()

	case eventMsg:
		if line, ok := describe(events.Event(msg)); ok {
			m.status = append(m.status, line)
			if len(m.status) > maxStatusLines {
				m.status = m.status[len(m.status)-maxStatusLines:]
			}
		}
		return m, m.receiveNextEvent()

	case DoneMsg:
		m.refresh()
		return m, tea.Quit
	}
	return m, nil
}

func (m *Model) refresh() {
	if m.opts.Source == nil {
		return
	}
	m.snap = m.opts.Source.Snapshot()
	rows := make([]table.Row, 0, len(m.snap.InFlight))
	for _, r := range m.snap.InFlight {
		rows = append(rows, table.Row{
			fmt.Sprint(r.Worker),
			r.Job.Name,
			r.Job.Version.String(),
			formatDuration(r.Elapsed),
		})
	}
	m.jobs.SetRows(rows)
}

func (m Model) View() string {
	if m.width == 0 {
		return "Initializing..."
	}
	inner := m.width - 4

	state := m.theme.StatusRunning.Render("RUNNING")
	if m.stopping {
		state = m.theme.StatusFailed.Render("STOPPING")
	}
	header := fmt.Sprintf(" %s  %s  elapsed %s  eta %s",
		m.theme.Title.Render(m.opts.Title), state,
		formatDuration(m.snap.Elapsed), formatDuration(m.snap.ETA))

	gauge := fmt.Sprintf(" %s %d/%d", m.gauge.ViewAs(m.snap.Fraction()), m.snap.Completed, m.snap.Total)
	counters := m.theme.Dim.Render(fmt.Sprintf(" finished %d  lost %d  crashes %d  remaining %d",
		m.snap.Finished, m.snap.Lost, m.snap.Crashes, m.snap.Remaining))

	top := m.theme.Border.Width(inner).Render(lipgloss.JoinVertical(lipgloss.Left, header, gauge, counters))
	running := m.theme.Border.Width(inner).Render(lipgloss.JoinVertical(lipgloss.Left,
		m.theme.Title.Render("In flight"),
		m.jobs.View(),
	))
	log := m.theme.Border.Width(inner).Render(lipgloss.JoinVertical(lipgloss.Left,
		m.theme.Title.Render("Status"),
		m.renderStatus(),
	))
	help := m.theme.Dim.Render(" [q/ctrl+c] stop after the jobs in flight are abandoned")

	return lipgloss.JoinVertical(lipgloss.Left, top, running, log, help)
}

func (m Model) renderStatus() string {
	if len(m.status) == 0 {
		return m.theme.Dim.Render("  Nothing yet...")
	}
	lines := make([]string, len(m.status))
	for i, l := range m.status {
		lines[i] = " " + l
	}
	return strings.Join(lines, "\n")
}

func (m Model) tick() tea.Cmd {
	return tea.Tick(m.opts.Interval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m Model) receiveNextEvent() tea.Cmd {
	if m.events == nil {
		return nil
	}
	feed := m.events
	return func() tea.Msg {
		ev, ok := <-feed
		if !ok {
			return nil
		}
		return eventMsg(ev)
	}
}

// describe turns an event into a status line. Events that are not worth a
// line are skipped.
func describe(e events.Event) (string, bool) {
	switch e.Type {
	case events.JobStarted, events.JobCompleted, events.JobLost, events.JobWriteFailed:
		var je events.JobEvent
		if err := json.Unmarshal(e.Data, &je); err != nil {
			return "", false
		}
		key := je.Name + "==" + je.Version
		switch e.Type {
		case events.JobStarted:
			return "Running " + key, true
		case events.JobCompleted:
			return "Finished " + key, true
		case events.JobLost:
			return fmt.Sprintf("Lost %s (worker %d)", key, je.Worker), true
		default:
			return fmt.Sprintf("Could not save %s: %s", key, je.Error), true
		}
	case events.WorkerCrashed:
		return "A worker crashed! Standing up a new one...", true
	case events.WorkerRelaunched:
		var we events.WorkerEvent
		_ = json.Unmarshal(e.Data, &we)
		return fmt.Sprintf("Worker %d relaunched as %s", we.Worker, we.Sandbox), true
	}
	return "", false
}

func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
}
