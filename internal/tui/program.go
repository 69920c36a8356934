package tui

import (
	"io"

	tea "github.com/charmbracelet/bubbletea"
)

// Program runs the view for the lifetime of a run.
type Program struct {
	p           *tea.Program
	unsubscribe func()
}

// New prepares the view. Output goes to out, normally the terminal.
func New(opts Options, out io.Writer) *Program {
	unsubscribe := func() {}
	m := NewModel(opts, nil)
	if opts.Hub != nil {
		ch, cancel := opts.Hub.Subscribe()
		m.events = ch
		unsubscribe = cancel
	}
	return &Program{
		p:           tea.NewProgram(m, tea.WithAltScreen(), tea.WithOutput(out)),
		unsubscribe: unsubscribe,
	}
}

// Run blocks until the view exits.
func (p *Program) Run() error {
	defer p.unsubscribe()
	_, err := p.p.Run()
	return err
}

// Done asks the view to take a last snapshot and exit.
func (p *Program) Done() {
	p.p.Send(DoneMsg{})
}
