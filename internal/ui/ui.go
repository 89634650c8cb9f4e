// Package ui provides the terminal UI for mender: a live monitor for
// running graphs and an interactive approval gate for proposed steps.
// Uses Bubbletea for interaction and lipgloss for styling.
package ui

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/calder/mender/internal/graph"
	"github.com/calder/mender/internal/orchestrator"
	"github.com/calder/mender/internal/scheduler"
)

// Styles holds lipgloss styles for the UI.
type Styles struct {
	Title     lipgloss.Style
	Subtitle  lipgloss.Style
	Label     lipgloss.Style
	Value     lipgloss.Style
	Highlight lipgloss.Style
	Muted     lipgloss.Style

	StatusOK      lipgloss.Style
	StatusWarn    lipgloss.Style
	StatusError   lipgloss.Style
	StatusRunning lipgloss.Style

	HelpKey  lipgloss.Style
	HelpText lipgloss.Style
}

// newStyles creates the default style set.
func newStyles() *Styles {
	subtle := lipgloss.AdaptiveColor{Light: "#666", Dark: "#888"}
	highlight := lipgloss.AdaptiveColor{Light: "#874BFD", Dark: "#7D56F4"}
	green := lipgloss.AdaptiveColor{Light: "#22863a", Dark: "#3fb950"}
	yellow := lipgloss.AdaptiveColor{Light: "#b08800", Dark: "#d29922"}
	red := lipgloss.AdaptiveColor{Light: "#cb2431", Dark: "#f85149"}
	blue := lipgloss.AdaptiveColor{Light: "#0366d6", Dark: "#58a6ff"}

	return &Styles{
		Title: lipgloss.NewStyle().
			Bold(true).
			Foreground(highlight).
			MarginBottom(1),

		Subtitle: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.AdaptiveColor{Light: "#333", Dark: "#ccc"}),

		Label: lipgloss.NewStyle().
			Foreground(subtle),

		Value: lipgloss.NewStyle().
			Bold(true),

		Highlight: lipgloss.NewStyle().
			Foreground(highlight).
			Bold(true),

		Muted: lipgloss.NewStyle().
			Foreground(subtle),

		StatusOK: lipgloss.NewStyle().
			Foreground(green).
			Bold(true),

		StatusWarn: lipgloss.NewStyle().
			Foreground(yellow).
			Bold(true),

		StatusError: lipgloss.NewStyle().
			Foreground(red).
			Bold(true),

		StatusRunning: lipgloss.NewStyle().
			Foreground(blue).
			Bold(true),

		HelpKey: lipgloss.NewStyle().
			Foreground(highlight).
			Bold(true),

		HelpText: lipgloss.NewStyle().
			Foreground(subtle),
	}
}

// TaskItem represents a task row in the monitor.
type TaskItem struct {
	ID     string
	Role   string
	Status graph.Status
}

// EventMsg wraps an engine event for the Bubbletea loop.
type EventMsg orchestrator.Event

// tickMsg is sent periodically to animate the spinner.
type tickMsg time.Time

// Monitor is the live run view.
type Monitor struct {
	width    int
	height   int
	quitting bool
	done     bool

	runID string
	step  int
	tasks []TaskItem
	log   []string

	progressTick int
	styles       *Styles
}

// NewMonitor creates a monitor seeded with the graph's current tasks.
func NewMonitor(tasks []graph.Task) *Monitor {
	items := make([]TaskItem, 0, len(tasks))
	for _, t := range tasks {
		items = append(items, TaskItem{ID: t.ID, Role: t.Role, Status: t.Status})
	}
	return &Monitor{
		width:  80,
		height: 24,
		tasks:  items,
		log:    make([]string, 0),
		styles: newStyles(),
	}
}

// Init implements tea.Model.
func (m Monitor) Init() tea.Cmd {
	return tickCmd()
}

// tickCmd returns a command that ticks four times a second.
func tickCmd() tea.Cmd {
	return tea.Tick(250*time.Millisecond, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// Update implements tea.Model.
func (m Monitor) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		}
		return m, nil

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case tickMsg:
		m.progressTick++
		return m, tickCmd()

	case EventMsg:
		return m.applyEvent(orchestrator.Event(msg))
	}

	return m, nil
}

// applyEvent folds one engine event into the view state.
func (m Monitor) applyEvent(e orchestrator.Event) (tea.Model, tea.Cmd) {
	switch e.Type {
	case orchestrator.EventRunStart:
		m.runID = e.RunID

	case orchestrator.EventStepStart:
		m.step = e.Step
		for _, id := range e.TaskIDs {
			m.setStatus(id, graph.StatusRunning)
		}
		m.addLog(fmt.Sprintf("step %d: dispatching %s", e.Step, strings.Join(e.TaskIDs, ", ")))

	case orchestrator.EventTaskSettled:
		if e.Result != nil {
			m.setStatus(e.Result.TaskID, e.Result.Outcome.Status())
			m.addLog(fmt.Sprintf("%s: %s", e.Result.TaskID, e.Result.Outcome))
		}

	case orchestrator.EventRepairApplied:
		if e.Action != nil {
			m.setStatus(e.Action.TaskID, graph.StatusSuperseded)
			for _, id := range e.Action.Created {
				m.tasks = append(m.tasks, TaskItem{ID: id, Status: graph.StatusPending})
			}
			m.addLog(fmt.Sprintf("repair: %s superseded by %s", e.Action.TaskID, strings.Join(e.Action.Created, " -> ")))
		}

	case orchestrator.EventEscalation:
		if e.Escalation != nil {
			m.addLog(fmt.Sprintf("escalation: %s exhausted %d attempts", e.Escalation.Root, e.Escalation.Attempts))
		}

	case orchestrator.EventRunEnd:
		m.done = true
		m.addLog(fmt.Sprintf("run finished in %s", formatDuration(e.Duration)))
		return m, tea.Quit
	}

	return m, nil
}

func (m *Monitor) setStatus(id string, st graph.Status) {
	for i := range m.tasks {
		if m.tasks[i].ID == id {
			m.tasks[i].Status = st
			return
		}
	}
	m.tasks = append(m.tasks, TaskItem{ID: id, Status: st})
}

func (m *Monitor) addLog(line string) {
	m.log = append(m.log, line)
	if max := 200; len(m.log) > max {
		m.log = m.log[len(m.log)-max:]
	}
}

// View implements tea.Model.
func (m Monitor) View() string {
	if m.quitting {
		return ""
	}

	var b strings.Builder
	title := "mender"
	if m.runID != "" {
		title += "  " + m.styles.Muted.Render(m.runID)
	}
	b.WriteString(m.styles.Title.Render(title))
	b.WriteString("\n")
	b.WriteString(m.styles.Label.Render("Step: "))
	b.WriteString(m.styles.Value.Render(fmt.Sprintf("%d", m.step)))
	b.WriteString("\n\n")

	for _, task := range m.tasks {
		icon, style := m.statusIcon(task.Status)
		line := fmt.Sprintf(" %s %s", style.Render(icon), task.ID)
		if task.Role != "" {
			line += m.styles.Muted.Render("  (" + task.Role + ")")
		}
		b.WriteString(line)
		b.WriteString("\n")
	}

	b.WriteString("\n")
	visible := m.height - len(m.tasks) - 8
	if visible < 3 {
		visible = 3
	}
	start := len(m.log) - visible
	if start < 0 {
		start = 0
	}
	for _, line := range m.log[start:] {
		b.WriteString(m.styles.Muted.Render(" " + line))
		b.WriteString("\n")
	}

	b.WriteString("\n")
	b.WriteString(fmt.Sprintf("  %s %s",
		m.styles.HelpKey.Render("q"),
		m.styles.HelpText.Render("quit")))
	return b.String()
}

// statusIcon maps a task status to its list marker.
func (m Monitor) statusIcon(st graph.Status) (string, lipgloss.Style) {
	switch st {
	case graph.StatusRunning:
		return m.spinner(), m.styles.StatusRunning
	case graph.StatusSucceeded:
		return "*", m.styles.StatusOK
	case graph.StatusIssuesFound, graph.StatusExecutionFailed:
		return "x", m.styles.StatusError
	case graph.StatusSuperseded:
		return "~", m.styles.StatusWarn
	case graph.StatusCancelled:
		return "-", m.styles.Muted
	default:
		return "o", m.styles.Muted
	}
}

// spinner returns a spinner character based on the current tick.
func (m Monitor) spinner() string {
	frames := []string{"|", "/", "-", "\\"}
	return frames[m.progressTick%len(frames)]
}

// Run starts the monitor and returns the program so the caller can feed it
// events with Send.
func (m *Monitor) Run() (*tea.Program, error) {
	p := tea.NewProgram(*m, tea.WithAltScreen())
	go func() {
		_, _ = p.Run()
	}()
	return p, nil
}

// Handler returns an event handler that forwards engine events into the
// given program.
func Handler(p *tea.Program) orchestrator.EventHandler {
	return func(e orchestrator.Event) {
		p.Send(EventMsg(e))
	}
}

// RenderProposals renders a proposed step for plain (non-interactive)
// display, as used by dry runs.
func RenderProposals(step scheduler.Step, proposals []scheduler.Proposal) string {
	s := newStyles()
	var b strings.Builder
	b.WriteString(s.Subtitle.Render(fmt.Sprintf("Step %d (%d tasks)", step.Number, len(proposals))))
	b.WriteString("\n")
	for _, p := range proposals {
		b.WriteString("  ")
		b.WriteString(s.Highlight.Render(p.TaskID))
		if p.Role != "" {
			b.WriteString(s.Muted.Render("  [" + p.Role + "]"))
		}
		b.WriteString("\n    ")
		b.WriteString(p.Goal)
		if len(p.DependsOn) > 0 {
			b.WriteString("\n    ")
			b.WriteString(s.Muted.Render("after: " + strings.Join(p.DependsOn, ", ")))
		}
		b.WriteString("\n")
	}
	return b.String()
}

// RenderRunSummary renders a finished run for plain display.
func RenderRunSummary(result *orchestrator.RunResult) string {
	s := newStyles()
	var b strings.Builder

	verdict := s.StatusOK.Render("resolved")
	switch {
	case result.Aborted:
		verdict = s.StatusError.Render("aborted")
	case len(result.Escalations) > 0:
		verdict = s.StatusWarn.Render("escalated")
	case !result.Resolved():
		verdict = s.StatusWarn.Render("incomplete")
	}

	b.WriteString(fmt.Sprintf("%s %s  %s\n",
		s.Label.Render("Run"), s.Value.Render(result.RunID), verdict))
	b.WriteString(fmt.Sprintf("%s %d steps in %s\n",
		s.Label.Render("Took"), result.Steps, formatDuration(result.Duration)))

	for _, st := range []graph.Status{
		graph.StatusSucceeded, graph.StatusSuperseded, graph.StatusCancelled,
		graph.StatusIssuesFound, graph.StatusExecutionFailed, graph.StatusPending,
	} {
		if n := result.TaskCounts[st]; n > 0 {
			b.WriteString(fmt.Sprintf("  %-16s %d\n", string(st), n))
		}
	}

	for _, esc := range result.Escalations {
		b.WriteString(s.StatusWarn.Render(
			fmt.Sprintf("  escalation: %s needs attention (%d attempts spent)", esc.Root, esc.Attempts)))
		b.WriteString("\n")
	}
	return b.String()
}

// formatDuration formats a duration in a human-readable way.
func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	} else if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	} else if d < time.Hour {
		return fmt.Sprintf("%dm", int(d.Minutes()))
	}
	return fmt.Sprintf("%dh", int(d.Hours()))
}
