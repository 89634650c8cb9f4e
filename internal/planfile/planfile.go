// Package planfile loads task plans from JSON files and watches them for
// changes in daemon mode.
package planfile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	"github.com/calder/mender/internal/graph"
	"github.com/calder/mender/internal/logging"
)

// ErrEmptyPlan indicates a plan file with no tasks.
var ErrEmptyPlan = errors.New("plan contains no tasks")

// Plan is the on-disk task specification.
type Plan struct {
	Name  string           `json:"name,omitempty"`
	Tasks []graph.TaskSpec `json:"tasks"`
}

// Load reads and parses the plan file at path.
func Load(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading plan %s: %w", path, err)
	}
	plan, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parsing plan %s: %w", path, err)
	}
	return plan, nil
}

// Parse decodes a plan, assigns ids to tasks that omit one, and validates
// the result. Validation errors name the offending task.
func Parse(data []byte) (*Plan, error) {
	plan := &Plan{}
	if err := json.Unmarshal(data, plan); err != nil {
		return nil, fmt.Errorf("decoding plan: %w", err)
	}
	if len(plan.Tasks) == 0 {
		return nil, ErrEmptyPlan
	}

	seen := make(map[string]struct{}, len(plan.Tasks))
	for i := range plan.Tasks {
		task := &plan.Tasks[i]
		if task.ID == "" {
			task.ID = uuid.NewString()
		}
		if task.Goal == "" {
			return nil, fmt.Errorf("task %q: missing goal", task.ID)
		}
		if _, dup := seen[task.ID]; dup {
			return nil, fmt.Errorf("task %q: duplicate id", task.ID)
		}
		seen[task.ID] = struct{}{}
	}

	for _, task := range plan.Tasks {
		for _, dep := range task.DependsOn {
			if _, ok := seen[dep]; !ok {
				return nil, fmt.Errorf("task %q: unknown dependency %q", task.ID, dep)
			}
		}
	}

	return plan, nil
}

// Graph builds the task graph from the plan, rejecting cycles.
func (p *Plan) Graph() (*graph.Graph, error) {
	return graph.Load(p.Tasks)
}

// Watch blocks until ctx is cancelled, invoking onChange with the freshly
// loaded plan whenever the file at path is rewritten. Parse failures are
// logged and the previous plan stays in effect.
func Watch(ctx context.Context, path string, onChange func(*Plan)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer func() { _ = watcher.Close() }()

	// Watch the directory, not the file: editors replace files by rename
	// and the watch would die with the old inode.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("watching plan dir: %w", err)
	}

	logger := logging.Component("planfile")
	target := filepath.Clean(path)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			plan, err := Load(path)
			if err != nil {
				logger.Err(err).Str("path", path).Msg("plan reload failed")
				continue
			}
			logger.InfoCtx("plan reloaded", map[string]any{"path": path, "tasks": len(plan.Tasks)})
			onChange(plan)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Err(err).Msg("plan watch error")
		}
	}
}
