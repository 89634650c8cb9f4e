package ui

import (
	"context"
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/calder/mender/internal/scheduler"
)

// approvalModel is the interactive yes/no prompt for a proposed step.
type approvalModel struct {
	step      scheduler.Step
	proposals []scheduler.Proposal
	styles    *Styles

	decided  bool
	approved bool
}

func newApprovalModel(step scheduler.Step, proposals []scheduler.Proposal) approvalModel {
	return approvalModel{
		step:      step,
		proposals: proposals,
		styles:    newStyles(),
	}
}

// Init implements tea.Model.
func (m approvalModel) Init() tea.Cmd { return nil }

// Update implements tea.Model.
func (m approvalModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	key, ok := msg.(tea.KeyMsg)
	if !ok {
		return m, nil
	}
	switch key.String() {
	case "y", "Y", "enter":
		m.decided = true
		m.approved = true
		return m, tea.Quit
	case "n", "N", "q", "esc", "ctrl+c":
		m.decided = true
		m.approved = false
		return m, tea.Quit
	}
	return m, nil
}

// View implements tea.Model.
func (m approvalModel) View() string {
	if m.decided {
		return ""
	}

	var b strings.Builder
	b.WriteString(m.styles.Title.Render(fmt.Sprintf("Approve step %d?", m.step.Number)))
	b.WriteString("\n")
	b.WriteString(RenderProposals(m.step, m.proposals))
	b.WriteString("\n")
	b.WriteString(fmt.Sprintf("  %s %s   %s %s\n",
		m.styles.HelpKey.Render("y"), m.styles.HelpText.Render("dispatch"),
		m.styles.HelpKey.Render("n"), m.styles.HelpText.Render("abort run")))
	return b.String()
}

// ApprovalGate prompts the user before every step is dispatched.
type ApprovalGate struct{}

// NewApprovalGate creates an interactive approval gate.
func NewApprovalGate() *ApprovalGate {
	return &ApprovalGate{}
}

// Review shows the proposed step and blocks until the user decides or ctx
// is cancelled.
func (g *ApprovalGate) Review(ctx context.Context, step scheduler.Step, proposals []scheduler.Proposal) (bool, error) {
	p := tea.NewProgram(newApprovalModel(step, proposals), tea.WithContext(ctx))
	out, err := p.Run()
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		return false, fmt.Errorf("approval prompt: %w", err)
	}
	final, ok := out.(approvalModel)
	if !ok || !final.decided {
		return false, nil
	}
	return final.approved, nil
}
