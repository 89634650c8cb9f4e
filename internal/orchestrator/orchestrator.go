// Package orchestrator drives the plan-do-check-act loop: ask the scheduler
// for the next step, gate it past approval, dispatch it, hand failures to the
// repair engine, persist a snapshot, and repeat until the graph is resolved
// or every remaining branch is escalated.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/calder/mender/internal/graph"
	"github.com/calder/mender/internal/logging"
	"github.com/calder/mender/internal/repair"
	"github.com/calder/mender/internal/scheduler"
)

// ErrStepRejected indicates the approval gate declined a proposed step and
// the run was aborted.
var ErrStepRejected = errors.New("step rejected by approval gate")

// Gate approves or rejects a proposed step before it is dispatched.
type Gate interface {
	Review(ctx context.Context, step scheduler.Step, proposals []scheduler.Proposal) (bool, error)
}

// AutoApprove is a Gate that accepts every step.
type AutoApprove struct{}

func (AutoApprove) Review(context.Context, scheduler.Step, []scheduler.Proposal) (bool, error) {
	return true, nil
}

// Store persists run state between steps. Implementations must tolerate
// being called once per step.
type Store interface {
	SaveSnapshot(ctx context.Context, runID string, snap *graph.Snapshot) error
	RecordRun(ctx context.Context, rec RunRecord) error
}

// RunRecord summarizes a finished run for the history table.
type RunRecord struct {
	ID          string
	StartedAt   time.Time
	FinishedAt  time.Time
	Steps       int
	Escalations int
	Aborted     bool
	TaskCounts  map[graph.Status]int
}

// RunResult holds the outcome of one orchestrated run.
type RunResult struct {
	RunID       string
	Steps       int
	TaskCounts  map[graph.Status]int
	Escalations []repair.Escalation
	Aborted     bool
	Duration    time.Duration
}

// Resolved reports whether every task reached a terminal state with no
// escalations and no abort.
func (r *RunResult) Resolved() bool {
	if r.Aborted || len(r.Escalations) > 0 {
		return false
	}
	for st, n := range r.TaskCounts {
		if !st.Terminal() && n > 0 {
			return false
		}
	}
	return true
}

// Config holds orchestrator configuration.
type Config struct {
	RetryBudget int           // corrective chains per root task (default: 3)
	TaskTimeout time.Duration // per-task execution timeout (default: 30min)
	MaxParallel int           // concurrent tasks per step (0 = unbounded)
}

// DefaultConfig returns default orchestrator config.
func DefaultConfig() Config {
	return Config{
		RetryBudget: repair.DefaultRetryBudget,
		TaskTimeout: scheduler.DefaultTaskTimeout,
	}
}

// Orchestrator runs task graphs to resolution.
type Orchestrator struct {
	runner       scheduler.Runner
	gate         Gate
	store        Store
	config       Config
	logger       *logging.Logger
	eventHandler EventHandler // optional callback for real-time events
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithRunner sets the executor for dispatched tasks.
func WithRunner(r scheduler.Runner) Option {
	return func(o *Orchestrator) {
		o.runner = r
	}
}

// WithGate sets the approval gate for proposed steps.
func WithGate(g Gate) Option {
	return func(o *Orchestrator) {
		o.gate = g
	}
}

// WithStore sets the snapshot and run-history store.
func WithStore(s Store) Option {
	return func(o *Orchestrator) {
		o.store = s
	}
}

// WithConfig sets orchestrator configuration.
func WithConfig(c Config) Option {
	return func(o *Orchestrator) {
		o.config = c
	}
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = l
	}
}

// WithEventHandler sets an optional callback for real-time engine events.
func WithEventHandler(h EventHandler) Option {
	return func(o *Orchestrator) {
		o.eventHandler = h
	}
}

// New creates an orchestrator with the given options.
func New(opts ...Option) *Orchestrator {
	o := &Orchestrator{
		gate:   AutoApprove{},
		config: DefaultConfig(),
		logger: logging.Component("orchestrator"),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// emit sends an event to the registered handler, if any.
func (o *Orchestrator) emit(e Event) {
	if o.eventHandler != nil {
		e.Time = time.Now()
		o.eventHandler(e)
	}
}

// Run drives the graph until every task is terminal, every remaining branch
// is escalated, the gate rejects a step, or ctx is cancelled. Rejection and
// cancellation cancel all outstanding work and freeze the graph; escalation
// freezes only the affected branch while the rest keeps scheduling.
func (o *Orchestrator) Run(ctx context.Context, g *graph.Graph) (*RunResult, error) {
	if o.runner == nil {
		return nil, errors.New("no runner configured")
	}
	if err := g.Validate(); err != nil {
		return nil, fmt.Errorf("validating graph: %w", err)
	}

	start := time.Now()
	result := &RunResult{RunID: uuid.NewString()}

	sched := scheduler.New(o.runner, scheduler.Config{
		TaskTimeout: o.config.TaskTimeout,
		MaxParallel: o.config.MaxParallel,
	})
	rep := repair.New(repair.Config{RetryBudget: o.config.RetryBudget})

	o.logger.InfoCtx("run started", map[string]any{"run_id": result.RunID, "tasks": g.Len()})
	o.emit(Event{Type: EventRunStart, RunID: result.RunID})

	var escalatedTasks []string

	for {
		if err := ctx.Err(); err != nil {
			return o.abort(ctx, g, result, start, err)
		}

		step, err := sched.NextStep(g)
		if err != nil {
			var stalled *scheduler.StalledError
			if errors.As(err, &stalled) && o.onlyEscalatedBranches(g, stalled.Unresolved, escalatedTasks) {
				// Every unresolved task sits on a frozen branch; nothing
				// left for the engine to do.
				break
			}
			o.logger.Err(err).Str("run_id", result.RunID).Msg("scheduling stalled")
			return o.finish(ctx, g, result, start), err
		}
		if step.Empty() {
			break
		}

		proposals := sched.Propose(g, step)
		o.emit(Event{Type: EventStepProposed, RunID: result.RunID, Step: step.Number, TaskIDs: step.TaskIDs})

		accepted, err := o.gate.Review(ctx, step, proposals)
		if err != nil {
			return o.abort(ctx, g, result, start, fmt.Errorf("approval gate: %w", err))
		}
		if !accepted {
			o.logger.WarnCtx("step rejected, aborting run", map[string]any{
				"run_id": result.RunID,
				"step":   step.Number,
			})
			return o.abort(ctx, g, result, start, ErrStepRejected)
		}

		result.Steps = step.Number
		stepStart := time.Now()
		o.logger.InfoCtx("step dispatched", map[string]any{
			"run_id": result.RunID,
			"step":   step.Number,
			"tasks":  step.TaskIDs,
		})
		o.emit(Event{Type: EventStepStart, RunID: result.RunID, Step: step.Number, TaskIDs: step.TaskIDs})

		results, err := sched.RunStep(ctx, g, step)
		if err != nil {
			return o.abort(ctx, g, result, start, err)
		}
		for i := range results {
			res := results[i]
			o.emit(Event{Type: EventTaskSettled, RunID: result.RunID, Step: step.Number, Result: &res})
		}
		o.emit(Event{Type: EventStepEnd, RunID: result.RunID, Step: step.Number, TaskIDs: step.TaskIDs, Duration: time.Since(stepStart)})

		actions, escalations, err := rep.Repair(g, results)
		if err != nil {
			return o.finish(ctx, g, result, start), fmt.Errorf("repairing step %d: %w", step.Number, err)
		}
		for i := range actions {
			a := actions[i]
			o.emit(Event{Type: EventRepairApplied, RunID: result.RunID, Step: step.Number, Action: &a})
		}
		for i := range escalations {
			esc := escalations[i]
			result.Escalations = append(result.Escalations, esc)
			escalatedTasks = append(escalatedTasks, esc.TaskID)
			o.emit(Event{Type: EventEscalation, RunID: result.RunID, Step: step.Number, Escalation: &esc})
		}

		o.persistSnapshot(ctx, g, result.RunID)
	}

	res := o.finish(ctx, g, result, start)
	if len(res.Escalations) > 0 {
		return res, &repair.EscalationError{Escalations: res.Escalations}
	}
	return res, nil
}

// onlyEscalatedBranches reports whether every unresolved task is either an
// escalated task itself or downstream of one.
func (o *Orchestrator) onlyEscalatedBranches(g *graph.Graph, unresolved, escalated []string) bool {
	if len(escalated) == 0 {
		return false
	}
	frozen := g.Downstream(escalated)
	for _, id := range escalated {
		frozen[id] = struct{}{}
	}
	for _, id := range unresolved {
		if _, ok := frozen[id]; !ok {
			return false
		}
	}
	return true
}

// abort cancels all outstanding work, freezes the graph, and reports err as
// the run outcome.
func (o *Orchestrator) abort(ctx context.Context, g *graph.Graph, result *RunResult, start time.Time, err error) (*RunResult, error) {
	cancelled := g.CancelAll()
	result.Aborted = true
	o.logger.WarnCtx("run aborted", map[string]any{
		"run_id":    result.RunID,
		"cancelled": len(cancelled),
		"reason":    err.Error(),
	})
	res := o.finish(ctx, g, result, start)
	return res, err
}

// finish tallies final task statuses, persists the last snapshot and run
// record, and emits the run-end event.
func (o *Orchestrator) finish(ctx context.Context, g *graph.Graph, result *RunResult, start time.Time) *RunResult {
	result.Duration = time.Since(start)
	result.TaskCounts = make(map[graph.Status]int)
	for _, t := range g.Tasks() {
		result.TaskCounts[t.Status]++
	}

	o.persistSnapshot(ctx, g, result.RunID)
	if o.store != nil {
		rec := RunRecord{
			ID:          result.RunID,
			StartedAt:   start,
			FinishedAt:  start.Add(result.Duration),
			Steps:       result.Steps,
			Escalations: len(result.Escalations),
			Aborted:     result.Aborted,
			TaskCounts:  result.TaskCounts,
		}
		if err := o.store.RecordRun(ctx, rec); err != nil {
			o.logger.Err(err).Str("run_id", result.RunID).Msg("recording run")
		}
	}

	o.logger.InfoCtx("run finished", map[string]any{
		"run_id":      result.RunID,
		"steps":       result.Steps,
		"escalations": len(result.Escalations),
		"aborted":     result.Aborted,
		"duration":    result.Duration.String(),
	})
	o.emit(Event{Type: EventRunEnd, RunID: result.RunID, Step: result.Steps, Duration: result.Duration})
	return result
}

func (o *Orchestrator) persistSnapshot(ctx context.Context, g *graph.Graph, runID string) {
	if o.store == nil {
		return
	}
	if err := o.store.SaveSnapshot(ctx, runID, g.Snapshot()); err != nil {
		o.logger.Err(err).Str("run_id", runID).Msg("persisting snapshot")
	}
}
