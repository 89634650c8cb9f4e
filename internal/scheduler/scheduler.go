// Package scheduler computes the next executable step of the task graph and
// dispatches it to the external executor. Tasks within a step run
// concurrently; the step barrier guarantees no task of step N+1 is computed
// while any task of step N is still running.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/calder/mender/internal/graph"
	"github.com/calder/mender/internal/logging"
)

// DefaultTaskTimeout bounds a single task execution. Zero disables the
// timeout entirely.
const DefaultTaskTimeout = 30 * time.Minute

// ErrStalled indicates the ready set is empty while unresolved tasks remain:
// a planning defect (missing dependency resolution or deadlock), never
// something to hang on silently.
var ErrStalled = errors.New("scheduler stalled")

// StalledError carries the unresolved task ids for diagnostics.
type StalledError struct {
	Unresolved []string
}

func (e *StalledError) Error() string {
	return fmt.Sprintf("scheduler stalled: ready set empty with %d unresolved tasks %v", len(e.Unresolved), e.Unresolved)
}

func (e *StalledError) Unwrap() error { return ErrStalled }

// Outcome is the executor's verdict for one task.
type Outcome string

const (
	OutcomeSucceeded       Outcome = "succeeded"
	OutcomeIssuesFound     Outcome = "issues_found"
	OutcomeExecutionFailed Outcome = "execution_failed"
)

// Status maps the outcome onto the task state machine.
func (o Outcome) Status() graph.Status {
	switch o {
	case OutcomeSucceeded:
		return graph.StatusSucceeded
	case OutcomeIssuesFound:
		return graph.StatusIssuesFound
	default:
		return graph.StatusExecutionFailed
	}
}

// Failed reports whether the outcome needs repair.
func (o Outcome) Failed() bool { return o != OutcomeSucceeded }

// Result is the executor's report for one dispatched task. Summary is
// opaque to the engine.
type Result struct {
	TaskID   string
	Outcome  Outcome
	Summary  string
	Duration time.Duration
}

// Runner executes a single task's work. Implementations do the actual work
// out of process; the engine only interprets the outcome.
type Runner interface {
	Name() string
	Run(ctx context.Context, task graph.Task) (*Result, error)
}

// Step is an immutable snapshot of the task ids dispatched together.
type Step struct {
	Number  int
	TaskIDs []string
}

// Empty reports whether the step carries no work.
func (s Step) Empty() bool { return len(s.TaskIDs) == 0 }

// Proposal is the human-facing description of one task in a proposed step.
type Proposal struct {
	TaskID    string   `json:"task_id"`
	Role      string   `json:"role"`
	Goal      string   `json:"goal"`
	DependsOn []string `json:"depends_on,omitempty"`
}

// Config holds scheduler configuration.
type Config struct {
	TaskTimeout time.Duration // per-task execution timeout (0 = none)
	MaxParallel int           // max concurrent tasks per step (0 = unbounded)
}

// DefaultConfig returns the default scheduler configuration.
func DefaultConfig() Config {
	return Config{TaskTimeout: DefaultTaskTimeout}
}

// Scheduler dispatches ready tasks to a Runner.
type Scheduler struct {
	runner Runner
	config Config
	logger *logging.Logger

	steps int
}

// New creates a scheduler.
func New(runner Runner, cfg Config) *Scheduler {
	return &Scheduler{
		runner: runner,
		config: cfg,
		logger: logging.Component("scheduler"),
	}
}

// NextStep snapshots the current frontier of ready tasks. An empty step with
// a nil error means the graph has nothing left to schedule; an empty step
// with a StalledError means unresolved tasks remain that can never become
// ready.
func (s *Scheduler) NextStep(g *graph.Graph) (Step, error) {
	ready := g.ReadySet()
	if len(ready) == 0 {
		if unresolved := g.Unresolved(); len(unresolved) > 0 {
			return Step{}, &StalledError{Unresolved: unresolved}
		}
		return Step{}, nil
	}

	s.steps++
	ids := make([]string, len(ready))
	copy(ids, ready)
	return Step{Number: s.steps, TaskIDs: ids}, nil
}

// Propose renders a step for human display, in dispatch order.
func (s *Scheduler) Propose(g *graph.Graph, step Step) []Proposal {
	out := make([]Proposal, 0, len(step.TaskIDs))
	for _, id := range step.TaskIDs {
		t, ok := g.Task(id)
		if !ok {
			continue
		}
		out = append(out, Proposal{
			TaskID:    t.ID,
			Role:      t.Role,
			Goal:      t.Goal,
			DependsOn: t.Dependencies(),
		})
	}
	return out
}

// RunStep dispatches every task of the step concurrently and blocks until
// all of them settle (the step barrier). Timeouts and runner errors resolve
// the task as ExecutionFailed. If ctx is cancelled the barrier still waits
// for in-flight runners to return, then reports the cancellation.
func (s *Scheduler) RunStep(ctx context.Context, g *graph.Graph, step Step) ([]Result, error) {
	if s.runner == nil {
		return nil, errors.New("no runner configured")
	}

	for _, id := range step.TaskIDs {
		if err := g.SetStatus(id, graph.StatusReady); err != nil {
			return nil, fmt.Errorf("marking %s ready: %w", id, err)
		}
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		results = make([]Result, 0, len(step.TaskIDs))
	)

	var sem chan struct{}
	if s.config.MaxParallel > 0 {
		sem = make(chan struct{}, s.config.MaxParallel)
	}

	for _, id := range step.TaskIDs {
		task, ok := g.Task(id)
		if !ok {
			return nil, fmt.Errorf("step references unknown task %q", id)
		}
		if err := g.SetStatus(id, graph.StatusRunning); err != nil {
			return nil, fmt.Errorf("marking %s running: %w", id, err)
		}

		wg.Add(1)
		go func(task graph.Task) {
			defer wg.Done()
			if sem != nil {
				sem <- struct{}{}
				defer func() { <-sem }()
			}

			res := s.runOne(ctx, task)

			mu.Lock()
			results = append(results, res)
			mu.Unlock()
		}(task)
	}

	wg.Wait()

	sort.Slice(results, func(i, j int) bool { return results[i].TaskID < results[j].TaskID })

	if err := ctx.Err(); err != nil {
		return results, err
	}

	for _, res := range results {
		if err := g.SetStatus(res.TaskID, res.Outcome.Status()); err != nil {
			return results, fmt.Errorf("settling %s: %w", res.TaskID, err)
		}
	}
	return results, nil
}

// runOne executes a single task with the configured timeout and normalizes
// every failure mode into a Result.
func (s *Scheduler) runOne(ctx context.Context, task graph.Task) Result {
	start := time.Now()

	runCtx := ctx
	var cancel context.CancelFunc
	if s.config.TaskTimeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, s.config.TaskTimeout)
		defer cancel()
	}

	res, err := s.runner.Run(runCtx, task)
	elapsed := time.Since(start)

	switch {
	case err != nil:
		summary := err.Error()
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			summary = fmt.Sprintf("timed out after %s", s.config.TaskTimeout)
		}
		s.logger.WarnCtx("task execution failed", map[string]any{
			"task_id": task.ID,
			"error":   summary,
		})
		return Result{TaskID: task.ID, Outcome: OutcomeExecutionFailed, Summary: summary, Duration: elapsed}
	case res == nil:
		return Result{TaskID: task.ID, Outcome: OutcomeExecutionFailed, Summary: "runner returned no result", Duration: elapsed}
	default:
		out := *res
		out.TaskID = task.ID
		out.Duration = elapsed
		return out
	}
}
