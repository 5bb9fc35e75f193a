package engine

import (
	"fmt"

	"github.com/openfroyo/taskorch/pkg/task"
)

// OrchestrateTaskAction pairs an action with the instance it applies to.
type OrchestrateTaskAction struct {
	Action task.Action   `json:"action"`
	Task   task.Instance `json:"task"`
}

// String returns a compact description used in logs and test failures.
func (a OrchestrateTaskAction) String() string {
	return fmt.Sprintf("%s(%s:%s)", a.Action, a.Task.ID, a.Task.Status)
}

// EventActionKind discriminates the EventAction variants.
type EventActionKind string

const (
	// EventOrchestrate asks for the event to be matched and evaluated.
	EventOrchestrate EventActionKind = "orchestrate"

	// EventUnroutable forwards the event to the unroutable sink.
	EventUnroutable EventActionKind = "unroutable"
)

// EventAction is a decision taken for a whole event.
type EventAction struct {
	Kind   EventActionKind `json:"kind"`
	Event  task.Event      `json:"event"`
	Reason string          `json:"reason,omitempty"`
}

// OrchestrateEvent wraps event for matching.
func OrchestrateEvent(event task.Event) EventAction {
	return EventAction{Kind: EventOrchestrate, Event: event}
}

// UnroutableEventAction rejects event with reason.
func UnroutableEventAction(event task.Event, reason string) EventAction {
	return EventAction{Kind: EventUnroutable, Event: event, Reason: reason}
}

// Orchestrate wraps a hierarchy root for evaluation against event.
func Orchestrate(root task.Instance, event task.Event) OrchestrateTaskAction {
	return OrchestrateTaskAction{Action: task.ProcessHierarchy(event), Task: root}
}

// CompleteEvent builds the event announcing that inst completed. It returns
// false while any child of inst is missing or not COMPLETED.
func CompleteEvent(inst task.Instance) (EventAction, bool) {
	if !inst.DidChildrenComplete() {
		return EventAction{}, false
	}
	return OrchestrateEvent(task.Event{
		ID:      inst.ID,
		Type:    inst.Spec.ID,
		Payload: inst.AttributeValues(),
	}), true
}
