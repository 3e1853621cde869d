// Package ui renders long-running tool steps in an interactive terminal.
package ui

import (
	"context"
	"errors"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

var (
	titleStyle  = lipgloss.NewStyle().Bold(true)
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true)
	failStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	detailStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("245")).PaddingLeft(2)
	frames      = []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}
)

type tickMsg time.Time

type doneMsg struct {
	details []string
	err     error
}

type model struct {
	title   string
	run     tea.Cmd
	cancel  context.CancelFunc
	frame   int
	done    bool
	details []string
	err     error
}

func newModel(title string, fn func(context.Context) ([]string, error)) model {
	ctx, cancel := context.WithCancel(context.Background())
	return model{
		title:  title,
		cancel: cancel,
		run: func() tea.Msg {
			details, err := fn(ctx)
			return doneMsg{details: details, err: err}
		},
	}
}

func tick() tea.Cmd {
	return tea.Tick(100*time.Millisecond, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m model) Init() tea.Cmd { return tea.Batch(tick(), m.run) }

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if msg.Type == tea.KeyCtrlC {
			m.cancel()
			m.done = true
			m.err = errors.New("interrupted")
			return m, tea.Quit
		}
	case tickMsg:
		if m.done {
			return m, nil
		}
		m.frame = (m.frame + 1) % len(frames)
		return m, tick()
	case doneMsg:
		m.cancel()
		m.done = true
		m.details = msg.details
		m.err = msg.err
		return m, tea.Quit
	}
	return m, nil
}

func (m model) View() string {
	if !m.done {
		return frames[m.frame] + " " + titleStyle.Render(m.title) + "\n"
	}
	var b strings.Builder
	if m.err != nil {
		b.WriteString(failStyle.Render("✗ ") + titleStyle.Render(m.title) + "\n")
	} else {
		b.WriteString(okStyle.Render("✓ ") + titleStyle.Render(m.title) + "\n")
	}
	for _, d := range m.details {
		b.WriteString(detailStyle.Render(d) + "\n")
	}
	if m.err != nil {
		b.WriteString(detailStyle.Render("error: "+m.err.Error()) + "\n")
	}
	return b.String()
}

// Run shows a spinner while fn works and its details once it returns.
func Run(title string, fn func(context.Context) ([]string, error)) ([]string, error) {
	final, err := tea.NewProgram(newModel(title, fn)).Run()
	if err != nil {
		return nil, err
	}
	m := final.(model)
	return m.details, m.err
}
