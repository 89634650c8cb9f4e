// Package repair turns failed task outcomes into corrective work. For each
// failed task it synthesizes a linear remediation chain, splices it into the
// graph and rewires the failed task's dependents onto the chain's terminal.
// Repair per original task is bounded by a retry budget; beyond it the
// engine escalates instead of creating more work.
package repair

import (
	"errors"
	"fmt"
	"sort"

	"github.com/calder/mender/internal/graph"
	"github.com/calder/mender/internal/logging"
	"github.com/calder/mender/internal/scheduler"
)

// DefaultRetryBudget is the number of remediation chains allowed per
// original task before escalation.
const DefaultRetryBudget = 3

// ErrEscalationRequired indicates a task exhausted its retry budget and
// autonomous repair stopped for that branch.
var ErrEscalationRequired = errors.New("escalation required")

// EscalationError reports the branches on which repair gave up.
type EscalationError struct {
	Escalations []Escalation
}

func (e *EscalationError) Error() string {
	ids := make([]string, 0, len(e.Escalations))
	for _, esc := range e.Escalations {
		ids = append(ids, esc.Root)
	}
	return fmt.Sprintf("escalation required for %d task(s) %v", len(ids), ids)
}

func (e *EscalationError) Unwrap() error { return ErrEscalationRequired }

// ActionKind names the shape of a remediation chain.
type ActionKind string

const (
	// KindFix is a single corrective task, used when a corrective task
	// itself fails.
	KindFix ActionKind = "fix"
	// KindFixThenRefactor is the default chain for a failed planner task.
	KindFixThenRefactor ActionKind = "fix_then_refactor"
	// KindRetestAfterFix is the chain for a verification task that found
	// issues: fix the findings, then re-run the verification.
	KindRetestAfterFix ActionKind = "retest_after_fix"
)

// CorrectiveAction records one remediation chain spliced into the graph.
type CorrectiveAction struct {
	TaskID  string     // the failed task
	Root    string     // the planner task this chain traces back to
	Attempt int        // 1-based attempt number against the root's budget
	Kind    ActionKind // chain shape
	Created []string   // new task ids, dependency order
}

// Terminal returns the id of the chain's last task, the one dependents were
// rewired onto.
func (a CorrectiveAction) Terminal() string {
	return a.Created[len(a.Created)-1]
}

// Escalation reports a branch whose retry budget is exhausted.
type Escalation struct {
	TaskID   string // the task that failed this time
	Root     string // the planner task whose budget ran out
	Attempts int    // remediation chains already spent on the root
}

// Config holds repair configuration.
type Config struct {
	RetryBudget int // remediation chains per root before escalation (0 = default)
}

// Engine synthesizes corrective chains. It carries the per-root attempt
// counters across calls, so one Engine serves one run.
type Engine struct {
	budget   int
	attempts map[string]int
	logger   *logging.Logger
}

// New creates a repair engine.
func New(cfg Config) *Engine {
	budget := cfg.RetryBudget
	if budget <= 0 {
		budget = DefaultRetryBudget
	}
	return &Engine{
		budget:   budget,
		attempts: make(map[string]int),
		logger:   logging.Component("repair"),
	}
}

// Attempts returns the number of remediation chains spent on the given root.
func (e *Engine) Attempts(root string) int { return e.attempts[root] }

// Repair inspects the step results and splices a corrective chain into the
// graph for every failed task, rewiring its dependents onto the chain's
// terminal. Roots whose retry budget is exhausted are returned as
// escalations and receive no new tasks. Results without a failed outcome
// are ignored, so repairing a fully successful step is a no-op.
func (e *Engine) Repair(g *graph.Graph, results []scheduler.Result) ([]CorrectiveAction, []Escalation, error) {
	failed := make([]scheduler.Result, 0)
	for _, res := range results {
		if res.Outcome.Failed() {
			failed = append(failed, res)
		}
	}
	sort.Slice(failed, func(i, j int) bool { return failed[i].TaskID < failed[j].TaskID })

	var (
		actions     []CorrectiveAction
		escalations []Escalation
	)

	for _, res := range failed {
		task, ok := g.Task(res.TaskID)
		if !ok {
			return actions, escalations, fmt.Errorf("repairing %s: %w", res.TaskID, graph.ErrUnknownTask)
		}
		if !task.Status.Failed() {
			// Already repaired or cancelled; nothing to do.
			continue
		}

		root := task.RemediationRoot
		if root == "" {
			root = task.ID
		}

		if e.attempts[root] >= e.budget {
			esc := Escalation{TaskID: task.ID, Root: root, Attempts: e.attempts[root]}
			escalations = append(escalations, esc)
			e.logger.WarnCtx("retry budget exhausted, escalating", map[string]any{
				"task_id":  task.ID,
				"root":     root,
				"attempts": esc.Attempts,
			})
			continue
		}
		e.attempts[root]++
		attempt := e.attempts[root]

		action, err := e.splice(g, task, root, attempt)
		if err != nil {
			return actions, escalations, err
		}
		actions = append(actions, action)

		e.logger.InfoCtx("corrective chain spliced", map[string]any{
			"task_id": task.ID,
			"root":    root,
			"attempt": attempt,
			"kind":    string(action.Kind),
			"created": action.Created,
		})
	}

	return actions, escalations, nil
}

// splice builds the remediation chain for one failed task and rewires its
// dependents onto the chain terminal.
func (e *Engine) splice(g *graph.Graph, task graph.Task, root string, attempt int) (CorrectiveAction, error) {
	kind := chainKind(task)

	fixID := fmt.Sprintf("fix-%s-r%d", root, attempt)
	fix := graph.TaskSpec{
		ID:        fixID,
		Role:      task.Role,
		Goal:      fmt.Sprintf("fix %s: resolve the reported failure", task.ID),
		DependsOn: []string{task.ID},
	}
	if err := g.AddCorrectiveTask(fix, root); err != nil {
		return CorrectiveAction{}, fmt.Errorf("adding %s: %w", fixID, err)
	}
	created := []string{fixID}
	terminal := fixID

	switch kind {
	case KindRetestAfterFix:
		retestID := fmt.Sprintf("retest-%s-r%d", root, attempt)
		retest := graph.TaskSpec{
			ID:           retestID,
			Role:         task.Role,
			Goal:         fmt.Sprintf("retest %s: re-run verification after the fix", task.ID),
			Verification: true,
			DependsOn:    []string{fixID},
		}
		if err := g.AddCorrectiveTask(retest, root); err != nil {
			return CorrectiveAction{}, fmt.Errorf("adding %s: %w", retestID, err)
		}
		created = append(created, retestID)
		terminal = retestID
	case KindFixThenRefactor:
		refactorID := fmt.Sprintf("refactor-%s-r%d", root, attempt)
		refactor := graph.TaskSpec{
			ID:        refactorID,
			Role:      task.Role,
			Goal:      fmt.Sprintf("refactor %s: clean up after the fix", task.ID),
			DependsOn: []string{fixID},
		}
		if err := g.AddCorrectiveTask(refactor, root); err != nil {
			return CorrectiveAction{}, fmt.Errorf("adding %s: %w", refactorID, err)
		}
		created = append(created, refactorID)
		terminal = refactorID
	}

	if err := g.RewireDependents(task.ID, terminal); err != nil {
		return CorrectiveAction{}, fmt.Errorf("rewiring %s onto %s: %w", task.ID, terminal, err)
	}

	return CorrectiveAction{
		TaskID:  task.ID,
		Root:    root,
		Attempt: attempt,
		Kind:    kind,
		Created: created,
	}, nil
}

// chainKind picks the chain shape. Corrective tasks that fail again get a
// single follow-up fix; verification tasks that found issues get a fix plus
// a retest; everything else gets the default fix-then-refactor pair.
func chainKind(task graph.Task) ActionKind {
	switch {
	case task.RemediationRoot != "":
		return KindFix
	case task.Verification && task.Status == graph.StatusIssuesFound:
		return KindRetestAfterFix
	default:
		return KindFixThenRefactor
	}
}
