package graph

import (
	"sort"
	"time"
)

// SnapshotVersion is bumped when the serialized layout changes.
const SnapshotVersion = 1

// Snapshot is a complete serialization of the graph: every task with its
// status and edges. Enough to reconstruct the graph and resume scheduling
// after a restart.
type Snapshot struct {
	Version int          `json:"version"`
	SavedAt time.Time    `json:"saved_at"`
	Tasks   []TaskRecord `json:"tasks"`
}

// TaskRecord is the serialized form of a single task.
type TaskRecord struct {
	ID              string   `json:"id"`
	Role            string   `json:"role"`
	Goal            string   `json:"goal"`
	Verification    bool     `json:"verification,omitempty"`
	Status          Status   `json:"status"`
	DependsOn       []string `json:"depends_on,omitempty"`
	SupersededBy    string   `json:"superseded_by,omitempty"`
	RemediationRoot string   `json:"remediation_root,omitempty"`
}

// Snapshot captures the current graph state.
func (g *Graph) Snapshot() *Snapshot {
	g.mu.RLock()
	defer g.mu.RUnlock()

	snap := &Snapshot{
		Version: SnapshotVersion,
		SavedAt: time.Now().UTC(),
		Tasks:   make([]TaskRecord, 0, len(g.tasks)),
	}
	for _, id := range sortedTaskIDs(g.tasks) {
		t := g.tasks[id]
		snap.Tasks = append(snap.Tasks, TaskRecord{
			ID:              t.ID,
			Role:            t.Role,
			Goal:            t.Goal,
			Verification:    t.Verification,
			Status:          t.Status,
			DependsOn:       sortedKeys(t.deps),
			SupersededBy:    t.SupersededBy,
			RemediationRoot: t.RemediationRoot,
		})
	}
	return snap
}

// FromSnapshot rebuilds a graph from a snapshot and validates it. Tasks that
// were Ready or Running when the snapshot was taken come back as Pending so
// the scheduler re-dispatches them.
func FromSnapshot(snap *Snapshot) (*Graph, error) {
	g := New()

	for _, rec := range snap.Tasks {
		if rec.ID == "" {
			return nil, unknownTask("")
		}
		if _, exists := g.tasks[rec.ID]; exists {
			return nil, duplicateTask(rec.ID)
		}
		t := newTask(TaskSpec{
			ID:           rec.ID,
			Role:         rec.Role,
			Goal:         rec.Goal,
			Verification: rec.Verification,
		})
		t.Status = rec.Status
		if t.Status == StatusReady || t.Status == StatusRunning {
			t.Status = StatusPending
		}
		t.SupersededBy = rec.SupersededBy
		t.RemediationRoot = rec.RemediationRoot
		g.tasks[rec.ID] = t
	}

	for _, rec := range snap.Tasks {
		t := g.tasks[rec.ID]
		for _, depID := range rec.DependsOn {
			dep, ok := g.tasks[depID]
			if !ok {
				return nil, unknownDependency(rec.ID, depID)
			}
			t.deps[depID] = struct{}{}
			dep.dependents[rec.ID] = struct{}{}
		}
	}

	if err := g.Validate(); err != nil {
		return nil, err
	}
	return g, nil
}

func sortedTaskIDs(tasks map[string]*Task) []string {
	ids := make([]string, 0, len(tasks))
	for id := range tasks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
