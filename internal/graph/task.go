// Package graph maintains the dependency DAG of tasks and its invariants.
// All mutations go through a single Graph instance and are serialized
// internally; task content is immutable after insertion, only status and
// edges change.
package graph

import "sort"

// Status represents a task's position in its lifecycle.
type Status string

const (
	StatusPending         Status = "pending"
	StatusReady           Status = "ready"
	StatusRunning         Status = "running"
	StatusSucceeded       Status = "succeeded"
	StatusIssuesFound     Status = "issues_found"
	StatusExecutionFailed Status = "execution_failed"
	StatusSuperseded      Status = "superseded"
	StatusCancelled       Status = "cancelled"
)

// Terminal reports whether the status is final for the graph's purposes.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusSuperseded, StatusCancelled:
		return true
	default:
		return false
	}
}

// Failed reports whether the status is a failing execution outcome.
func (s Status) Failed() bool {
	return s == StatusIssuesFound || s == StatusExecutionFailed
}

// Settled reports whether a dispatched task has finished its run, i.e. it
// will not change status again without outside intervention (repair or
// cancellation). Used by the scheduler's step barrier.
func (s Status) Settled() bool {
	return s.Terminal() || s.Failed()
}

// satisfies reports whether a dependency in this status unblocks its
// dependents. A superseded dependency counts as satisfied: its remediation
// chain carries the real work, and rewiring guarantees only chain members
// still depend on it.
func (s Status) satisfies() bool {
	return s == StatusSucceeded || s == StatusSuperseded
}

// TaskSpec is the planner-facing description of a task. Role and Goal are
// opaque to the engine.
type TaskSpec struct {
	ID           string   `json:"id"`
	Role         string   `json:"role"`
	Goal         string   `json:"goal"`
	Verification bool     `json:"verification,omitempty"`
	DependsOn    []string `json:"deps,omitempty"`
}

// Task is a node in the graph. The maps hold edges by task id; deps are the
// tasks this one waits for, dependents the inverse.
type Task struct {
	ID           string
	Role         string
	Goal         string
	Verification bool
	Status       Status

	// SupersededBy points at the terminal task of the remediation chain
	// that replaced this task, once superseded.
	SupersededBy string

	// RemediationRoot is the id of the original planner task a corrective
	// task traces back to. Empty for planner tasks.
	RemediationRoot string

	deps       map[string]struct{}
	dependents map[string]struct{}
}

// Dependencies returns the task's dependency ids, sorted.
func (t *Task) Dependencies() []string {
	return sortedKeys(t.deps)
}

// Dependents returns the ids of tasks depending on this one, sorted.
func (t *Task) Dependents() []string {
	return sortedKeys(t.dependents)
}

// clone returns a deep copy safe to hand to callers.
func (t *Task) clone() Task {
	cp := *t
	cp.deps = cloneSet(t.deps)
	cp.dependents = cloneSet(t.dependents)
	return cp
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func cloneSet(set map[string]struct{}) map[string]struct{} {
	cp := make(map[string]struct{}, len(set))
	for k := range set {
		cp[k] = struct{}{}
	}
	return cp
}
