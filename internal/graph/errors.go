package graph

import (
	"errors"
	"fmt"
)

// Sentinel errors for graph mutations. Callers match with errors.Is.
var (
	ErrUnknownTask       = errors.New("unknown task")
	ErrUnknownDependency = errors.New("unknown dependency")
	ErrDuplicateTask     = errors.New("duplicate task")
	ErrCycle             = errors.New("dependency cycle")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrDanglingDependent = errors.New("superseded task has live dependent")
)

func unknownTask(id string) error {
	return fmt.Errorf("%w: %q", ErrUnknownTask, id)
}

func unknownDependency(taskID, depID string) error {
	return fmt.Errorf("%w: task %q references %q", ErrUnknownDependency, taskID, depID)
}

func duplicateTask(id string) error {
	return fmt.Errorf("%w: %q", ErrDuplicateTask, id)
}

func cycleError(ids ...string) error {
	if len(ids) == 0 {
		return ErrCycle
	}
	return fmt.Errorf("%w: involving %v", ErrCycle, ids)
}

func invalidTransition(id string, from, to Status) error {
	return fmt.Errorf("%w: %q %s -> %s", ErrInvalidTransition, id, from, to)
}
