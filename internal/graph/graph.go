package graph

import (
	"fmt"
	"sort"
	"sync"
)

// Graph owns all task records and the dependency adjacency. It is the only
// shared mutable resource in the engine; every method takes the internal
// lock, so concurrent task executions may call in freely while mutations
// stay mutually exclusive.
type Graph struct {
	mu    sync.RWMutex
	tasks map[string]*Task
}

// New returns an empty graph.
func New() *Graph {
	return &Graph{tasks: make(map[string]*Task)}
}

// Load builds a graph from a batch of specs. Unlike AddTask, specs may
// reference each other in any order; nodes are inserted first, edges second,
// and the result is validated as a whole. Returns ErrCycle if the batch
// contains a cycle.
func Load(specs []TaskSpec) (*Graph, error) {
	g := New()

	for _, spec := range specs {
		if spec.ID == "" {
			return nil, unknownTask("")
		}
		if _, exists := g.tasks[spec.ID]; exists {
			return nil, duplicateTask(spec.ID)
		}
		g.tasks[spec.ID] = newTask(spec)
	}

	for _, spec := range specs {
		t := g.tasks[spec.ID]
		for _, depID := range spec.DependsOn {
			dep, ok := g.tasks[depID]
			if !ok {
				return nil, unknownDependency(spec.ID, depID)
			}
			if depID == spec.ID {
				return nil, cycleError(spec.ID)
			}
			t.deps[depID] = struct{}{}
			dep.dependents[spec.ID] = struct{}{}
		}
	}

	if cyclic := g.findCycleLocked(); len(cyclic) > 0 {
		return nil, cycleError(cyclic...)
	}
	return g, nil
}

func newTask(spec TaskSpec) *Task {
	return &Task{
		ID:           spec.ID,
		Role:         spec.Role,
		Goal:         spec.Goal,
		Verification: spec.Verification,
		Status:       StatusPending,
		deps:         make(map[string]struct{}),
		dependents:   make(map[string]struct{}),
	}
}

// AddTask inserts a single task as Pending. All dependency ids must already
// exist; validation is all-or-nothing, a failed insert leaves the graph
// unchanged.
func (g *Graph) AddTask(spec TaskSpec) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.addTaskLocked(spec, "")
}

func (g *Graph) addTaskLocked(spec TaskSpec, remediationRoot string) error {
	if spec.ID == "" {
		return unknownTask("")
	}
	if _, exists := g.tasks[spec.ID]; exists {
		return duplicateTask(spec.ID)
	}
	for _, depID := range spec.DependsOn {
		if depID == spec.ID {
			return cycleError(spec.ID)
		}
		if _, ok := g.tasks[depID]; !ok {
			return unknownDependency(spec.ID, depID)
		}
	}

	t := newTask(spec)
	t.RemediationRoot = remediationRoot
	for _, depID := range spec.DependsOn {
		t.deps[depID] = struct{}{}
		g.tasks[depID].dependents[spec.ID] = struct{}{}
	}
	g.tasks[spec.ID] = t
	return nil
}

// AddCorrectiveTask inserts a task created by the repair engine, tagged with
// the planner task its remediation chain traces back to.
func (g *Graph) AddCorrectiveTask(spec TaskSpec, remediationRoot string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.addTaskLocked(spec, remediationRoot)
}

// AddDependency adds an edge making taskID wait for depID. Fails with
// ErrCycle if depID already (transitively) depends on taskID.
func (g *Graph) AddDependency(taskID, depID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	t, ok := g.tasks[taskID]
	if !ok {
		return unknownTask(taskID)
	}
	dep, ok := g.tasks[depID]
	if !ok {
		return unknownDependency(taskID, depID)
	}
	if taskID == depID {
		return cycleError(taskID)
	}
	if _, exists := t.deps[depID]; exists {
		return nil
	}
	if g.dependsOnLocked(depID, taskID) {
		return cycleError(taskID, depID)
	}

	t.deps[depID] = struct{}{}
	dep.dependents[taskID] = struct{}{}
	return nil
}

// Task returns a copy of the task, if present.
func (g *Graph) Task(id string) (Task, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	t, ok := g.tasks[id]
	if !ok {
		return Task{}, false
	}
	return t.clone(), true
}

// Tasks returns copies of all tasks sorted by id.
func (g *Graph) Tasks() []Task {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make([]Task, 0, len(g.tasks))
	for _, t := range g.tasks {
		out = append(out, t.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of tasks in the graph.
func (g *Graph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.tasks)
}

// ReadySet returns the ids of all Pending tasks whose every dependency is
// satisfied, sorted for deterministic dispatch order.
func (g *Graph) ReadySet() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	ready := make([]string, 0)
	for id, t := range g.tasks {
		if t.Status != StatusPending {
			continue
		}
		ok := true
		for depID := range t.deps {
			if !g.tasks[depID].Status.satisfies() {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready)
	return ready
}

// Unresolved returns the ids of all non-terminal tasks, sorted.
func (g *Graph) Unresolved() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make([]string, 0)
	for id, t := range g.tasks {
		if !t.Status.Terminal() {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// SetStatus transitions a task through the state machine. Illegal
// transitions fail with ErrInvalidTransition and indicate a caller bug.
func (g *Graph) SetStatus(id string, to Status) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.setStatusLocked(id, to)
}

func (g *Graph) setStatusLocked(id string, to Status) error {
	t, ok := g.tasks[id]
	if !ok {
		return unknownTask(id)
	}
	if !allowedTransition(t.Status, to) {
		return invalidTransition(id, t.Status, to)
	}
	t.Status = to
	return nil
}

func allowedTransition(from, to Status) bool {
	if to == StatusCancelled {
		return !from.Terminal()
	}
	switch from {
	case StatusPending:
		return to == StatusReady
	case StatusReady:
		return to == StatusRunning
	case StatusRunning:
		return to == StatusSucceeded || to == StatusIssuesFound || to == StatusExecutionFailed
	case StatusIssuesFound, StatusExecutionFailed:
		return to == StatusSuperseded
	default:
		return false
	}
}

// ResolveTerminal chases the supersede chain from id to the task currently
// carrying its work. Returns id itself if it was never superseded.
func (g *Graph) ResolveTerminal(id string) (string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.resolveTerminalLocked(id)
}

func (g *Graph) resolveTerminalLocked(id string) (string, error) {
	cur, ok := g.tasks[id]
	if !ok {
		return "", unknownTask(id)
	}
	for cur.SupersededBy != "" {
		next, ok := g.tasks[cur.SupersededBy]
		if !ok {
			return "", unknownTask(cur.SupersededBy)
		}
		cur = next
	}
	return cur.ID, nil
}

// RewireDependents replaces every live dependent's edge on oldID with an
// edge on newTerminalID, then marks oldID Superseded. If oldID was itself
// already superseded the chain is chased first, so repeated repairs never
// leave dangling references. Dependents that newTerminalID transitively
// depends on (the remediation chain itself) are left alone.
func (g *Graph) RewireDependents(oldID, newTerminalID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	resolved, err := g.resolveTerminalLocked(oldID)
	if err != nil {
		return err
	}
	old := g.tasks[resolved]

	newTerm, ok := g.tasks[newTerminalID]
	if !ok {
		return unknownTask(newTerminalID)
	}
	if newTerminalID == resolved {
		return cycleError(resolved)
	}

	for _, depID := range sortedKeys(old.dependents) {
		d := g.tasks[depID]
		if d.Status.Terminal() {
			continue
		}
		// Chain members sit upstream of the new terminal; rewiring them
		// onto it would close a cycle.
		if g.dependsOnLocked(newTerminalID, depID) {
			continue
		}
		delete(d.deps, resolved)
		delete(old.dependents, depID)
		d.deps[newTerminalID] = struct{}{}
		newTerm.dependents[depID] = struct{}{}
	}

	if err := g.setStatusLocked(resolved, StatusSuperseded); err != nil {
		return err
	}
	old.SupersededBy = newTerminalID
	return nil
}

// CancelAll marks every non-terminal task Cancelled and returns the affected
// ids. The graph is frozen afterwards: ReadySet returns nothing.
func (g *Graph) CancelAll() []string {
	g.mu.Lock()
	defer g.mu.Unlock()

	cancelled := make([]string, 0)
	for id, t := range g.tasks {
		if t.Status.Terminal() {
			continue
		}
		t.Status = StatusCancelled
		cancelled = append(cancelled, id)
	}
	sort.Strings(cancelled)
	return cancelled
}

// Downstream returns the set of ids transitively depending on any of the
// given ids, excluding the ids themselves.
func (g *Graph) Downstream(ids []string) map[string]struct{} {
	g.mu.RLock()
	defer g.mu.RUnlock()

	seen := make(map[string]struct{})
	stack := make([]string, 0, len(ids))
	for _, id := range ids {
		if t, ok := g.tasks[id]; ok {
			for depID := range t.dependents {
				stack = append(stack, depID)
			}
		}
	}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		for depID := range g.tasks[id].dependents {
			stack = append(stack, depID)
		}
	}
	return seen
}

// dependsOnLocked reports whether from transitively depends on target.
func (g *Graph) dependsOnLocked(from, target string) bool {
	if from == target {
		return true
	}
	stack := []string{from}
	seen := map[string]struct{}{from: {}}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for depID := range g.tasks[id].deps {
			if depID == target {
				return true
			}
			if _, ok := seen[depID]; !ok {
				seen[depID] = struct{}{}
				stack = append(stack, depID)
			}
		}
	}
	return false
}

// findCycleLocked runs Kahn's algorithm and returns the ids stuck on a
// cycle, or nil if the graph is acyclic.
func (g *Graph) findCycleLocked() []string {
	indeg := make(map[string]int, len(g.tasks))
	for id, t := range g.tasks {
		indeg[id] = len(t.deps)
	}

	queue := make([]string, 0)
	for id, n := range indeg {
		if n == 0 {
			queue = append(queue, id)
		}
	}

	visited := 0
	for len(queue) > 0 {
		id := queue[len(queue)-1]
		queue = queue[:len(queue)-1]
		visited++
		for depID := range g.tasks[id].dependents {
			indeg[depID]--
			if indeg[depID] == 0 {
				queue = append(queue, depID)
			}
		}
	}

	if visited == len(g.tasks) {
		return nil
	}
	stuck := make([]string, 0)
	for id, n := range indeg {
		if n > 0 {
			stuck = append(stuck, id)
		}
	}
	sort.Strings(stuck)
	return stuck
}

// Validate checks the structural invariants: acyclicity, edge symmetry,
// every referenced dependency present, and superseded tasks having no live
// dependents outside their own remediation chain.
func (g *Graph) Validate() error {
	g.mu.RLock()
	defer g.mu.RUnlock()

	for id, t := range g.tasks {
		for depID := range t.deps {
			dep, ok := g.tasks[depID]
			if !ok {
				return unknownDependency(id, depID)
			}
			if _, ok := dep.dependents[id]; !ok {
				return unknownDependency(depID, id)
			}
		}
		for depID := range t.dependents {
			d, ok := g.tasks[depID]
			if !ok {
				return unknownTask(depID)
			}
			if _, ok := d.deps[id]; !ok {
				return unknownDependency(id, depID)
			}
		}
		if t.Status == StatusSuperseded {
			root := t.RemediationRoot
			if root == "" {
				root = t.ID
			}
			for depID := range t.dependents {
				d := g.tasks[depID]
				if d.Status.Terminal() {
					continue
				}
				if d.RemediationRoot != root {
					return fmt.Errorf("%w: %q still depends on %q", ErrDanglingDependent, depID, id)
				}
			}
		}
	}

	if cyclic := g.findCycleLocked(); len(cyclic) > 0 {
		return cycleError(cyclic...)
	}
	return nil
}
