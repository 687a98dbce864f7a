// Package tui draws the live progress of a run in the terminal.
package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/vk/gridrun/internal/resource"
	"github.com/vk/gridrun/internal/status"
)

const (
	maxRunning = 8
	maxRecent  = 6
)

var (
	primaryColor = lipgloss.Color("#7C3AED")
	successColor = lipgloss.Color("#10B981")
	warningColor = lipgloss.Color("#F59E0B")
	errorColor   = lipgloss.Color("#EF4444")
	mutedColor   = lipgloss.Color("#6B7280")

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor).
			Padding(0, 1)

	panelStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(mutedColor).
			Padding(0, 1)

	okStyle    = lipgloss.NewStyle().Foreground(successColor)
	warnStyle  = lipgloss.NewStyle().Foreground(warningColor).Bold(true)
	errStyle   = lipgloss.NewStyle().Foreground(errorColor)
	mutedStyle = lipgloss.NewStyle().Foreground(mutedColor)
	helpStyle  = lipgloss.NewStyle().Foreground(mutedColor).Italic(true)
)

type eventMsg status.Event

type closedMsg struct{}

// Model is the bubbletea model of the progress view. It reads events from a
// channel and draws the tracker's snapshot.
type Model struct {
	tracker     *status.Tracker
	events      <-chan status.Event
	onInterrupt func()

	spinner  spinner.Model
	progress progress.Model
	recent   []string
	width    int
	finished bool
	stopping bool
}

// New creates a model. onInterrupt is called once when the user asks to
// stop the run; it may be nil.
func New(tracker *status.Tracker, events <-chan status.Event, onInterrupt func()) *Model {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(primaryColor)

	return &Model{
		tracker:     tracker,
		events:      events,
		onInterrupt: onInterrupt,
		spinner:     sp,
		progress:    progress.New(progress.WithDefaultGradient(), progress.WithWidth(40)),
		width:       80,
	}
}

// Init implements tea.Model
func (m *Model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, waitForEvent(m.events))
}

func waitForEvent(events <-chan status.Event) tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-events
		if !ok {
			return closedMsg{}
		}
		return eventMsg(ev)
	}
}

// Update implements tea.Model
func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			// A second request leaves the view without waiting.
			if m.finished || m.stopping {
				return m, tea.Quit
			}
			m.stopping = true
			m.remember(warnStyle.Render("Stopping after running tasks are cancelled..."))
			if m.onInterrupt != nil {
				m.onInterrupt()
			}
		}
		return m, nil

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.progress.Width = min(max(msg.Width-20, 10), 80)
		return m, nil

	case eventMsg:
		m.observe(status.Event(msg))
		return m, waitForEvent(m.events)

	case closedMsg:
		m.finished = true
		return m, tea.Quit

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

// observe keeps the events worth showing besides the counters.
func (m *Model) observe(ev status.Event) {
	switch ev.Kind {
	case status.ChunkStarted:
		m.remember(fmt.Sprintf("Chunk %d started with %d tasks.", ev.Chunk, ev.Total))
	case status.TaskFailed:
		m.remember(errStyle.Render("✗ " + ev.TaskID))
	case status.ModeSequential:
		m.remember(warnStyle.Render("Low memory, running tasks one at a time."))
	case status.ModeParallel:
		m.remember(okStyle.Render("Memory recovered, running in parallel again."))
	case status.Reclaimed:
		m.remember(mutedStyle.Render(fmt.Sprintf("Reclaimed %d paths.", ev.Total)))
	case status.RunFinished:
		m.finished = true
		if ev.Message != "" {
			m.remember(ev.Message)
		}
	}
}

func (m *Model) remember(line string) {
	m.recent = append(m.recent, line)
	if len(m.recent) > maxRecent {
		m.recent = m.recent[len(m.recent)-maxRecent:]
	}
}

// View implements tea.Model
func (m *Model) View() string {
	s := m.tracker.Snapshot()
	var b strings.Builder

	header := "gridrun"
	if s.RunID != "" {
		header += " " + mutedStyle.Render(s.RunID)
	}
	b.WriteString(titleStyle.Render(header) + "\n\n")

	ratio := 0.0
	if s.Total > 0 {
		ratio = float64(s.Completed()) / float64(s.Total)
	}
	state := m.spinner.View()
	if m.finished {
		state = okStyle.Render("✓")
	}
	fmt.Fprintf(&b, "%s %s %s/%s tasks", state, m.progress.ViewAs(ratio),
		humanize.Comma(int64(s.Completed())), humanize.Comma(int64(s.Total)))
	if s.Chunk > 0 {
		fmt.Fprintf(&b, "  chunk %d", s.Chunk)
	}
	b.WriteString("\n")

	counts := fmt.Sprintf("%s  %s  %s  %s  ready %d",
		okStyle.Render(fmt.Sprintf("done %d", s.Done)),
		errStyle.Render(fmt.Sprintf("failed %d", s.Failed)),
		mutedStyle.Render(fmt.Sprintf("skipped %d", s.Skipped)),
		mutedStyle.Render(fmt.Sprintf("cached %d", s.Cached)),
		s.Ready)
	b.WriteString(counts + "\n")

	mode := "parallel"
	if s.Sequential {
		mode = warnStyle.Render("sequential")
	}
	fmt.Fprintf(&b, "free %s, %d procs, %s", resource.FormatGB(s.FreeMemGB), s.FreeProcs, mode)
	if !s.StartedAt.IsZero() {
		fmt.Fprintf(&b, ", started %s", humanize.RelTime(s.StartedAt, time.Now(), "ago", "from now"))
	}
	b.WriteString("\n")

	if len(s.Running) > 0 {
		lines := s.Running
		more := 0
		if len(lines) > maxRunning {
			more = len(lines) - maxRunning
			lines = lines[:maxRunning]
		}
		body := strings.Join(lines, "\n")
		if more > 0 {
			body += mutedStyle.Render(fmt.Sprintf("\n… and %d more", more))
		}
		b.WriteString(panelStyle.Width(max(m.width-4, 20)).Render("Running\n"+body) + "\n")
	}

	for _, line := range m.recent {
		b.WriteString(line + "\n")
	}

	if m.finished {
		b.WriteString(helpStyle.Render("Run finished.") + "\n")
	} else {
		b.WriteString(helpStyle.Render("q: stop the run") + "\n")
	}
	return b.String()
}
