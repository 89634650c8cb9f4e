package orchestrator

import (
	"time"

	"github.com/calder/mender/internal/repair"
	"github.com/calder/mender/internal/scheduler"
)

// EventType classifies engine lifecycle events.
type EventType int

const (
	EventRunStart      EventType = iota // a run begins
	EventStepProposed                   // a step awaits gate approval
	EventStepStart                      // a step was dispatched
	EventTaskSettled                    // one task of the step finished
	EventStepEnd                        // the step barrier released
	EventRepairApplied                  // a corrective chain was spliced in
	EventEscalation                     // a branch exhausted its retry budget
	EventRunEnd                         // the run finished
)

// Event carries data about an engine lifecycle event.
type Event struct {
	Type       EventType
	Time       time.Time
	RunID      string
	Step       int                      // step number, 1-based
	TaskIDs    []string                 // for step events: tasks in the step
	Result     *scheduler.Result        // for EventTaskSettled
	Action     *repair.CorrectiveAction // for EventRepairApplied
	Escalation *repair.Escalation       // for EventEscalation
	Message    string
	Error      string
	Duration   time.Duration // for EventStepEnd/EventRunEnd: elapsed time
}

// EventHandler is a callback that receives engine events.
type EventHandler func(Event)
