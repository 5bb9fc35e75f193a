package task

import (
	"fmt"
)

// ActionKind discriminates the Action variants.
type ActionKind string

const (
	// ActionNone means nothing has to happen for the task.
	ActionNone ActionKind = "none"

	// ActionRoute sends the task to a named worker route.
	ActionRoute ActionKind = "route"

	// ActionPersist stores the task without any further side effect.
	ActionPersist ActionKind = "persist"

	// ActionProcessHierarchy re-runs rule evaluation for a hierarchy.
	ActionProcessHierarchy ActionKind = "process_hierarchy"

	// ActionUnroutable forwards the triggering event to the unroutable sink.
	ActionUnroutable ActionKind = "unroutable"
)

// Action is a tagged union of everything the engine can decide for a task.
// Only the fields relevant to Kind are populated.
type Action struct {
	Kind   ActionKind `json:"kind" yaml:"kind"`
	Route  string     `json:"route,omitempty" yaml:"route,omitempty"`
	Reason string     `json:"reason,omitempty" yaml:"reason,omitempty"`
	Event  *Event     `json:"event,omitempty" yaml:"-"`
}

// NoAction returns an action that does nothing.
func NoAction(reason string) Action {
	return Action{Kind: ActionNone, Reason: reason}
}

// Route returns an action routing the task to route.
func Route(route, reason string) Action {
	return Action{Kind: ActionRoute, Route: route, Reason: reason}
}

// Persist returns an action that only stores the task.
func Persist(reason string) Action {
	return Action{Kind: ActionPersist, Reason: reason}
}

// ProcessHierarchy returns an action asking for rule evaluation with event.
func ProcessHierarchy(event Event) Action {
	return Action{Kind: ActionProcessHierarchy, Event: &event}
}

// Unroutable returns an action rejecting event.
func Unroutable(reason string, event Event) Action {
	return Action{Kind: ActionUnroutable, Reason: reason, Event: &event}
}

// IsNone reports whether the action is the no-op variant. The zero Action counts as none.
func (a Action) IsNone() bool {
	return a.Kind == ActionNone || a.Kind == ""
}

// Validate checks the variant carries the fields it needs.
func (a Action) Validate() error {
	switch a.Kind {
	case ActionNone, "":
		return nil
	case ActionRoute:
		if a.Route == "" {
			return fmt.Errorf("route action requires a route")
		}
		return nil
	case ActionPersist:
		return nil
	case ActionProcessHierarchy, ActionUnroutable:
		if a.Event == nil {
			return fmt.Errorf("%s action requires an event", a.Kind)
		}
		return nil
	default:
		return fmt.Errorf("invalid action kind: %s", a.Kind)
	}
}

// ValidateSpecAction checks the action is one a spec may be configured with.
func (a Action) ValidateSpecAction() error {
	switch a.Kind {
	case ActionNone, "", ActionRoute:
		return a.Validate()
	default:
		return fmt.Errorf("action kind %s cannot be configured on a spec", a.Kind)
	}
}

// Equal compares two actions by value.
func (a Action) Equal(b Action) bool {
	if a.IsNone() && b.IsNone() {
		return a.Reason == b.Reason
	}
	if a.Kind != b.Kind || a.Route != b.Route || a.Reason != b.Reason {
		return false
	}
	if (a.Event == nil) != (b.Event == nil) {
		return false
	}
	return a.Event == nil || a.Event.ID == b.Event.ID && a.Event.Type == b.Event.Type
}

// String returns a compact description used in logs.
func (a Action) String() string {
	switch a.Kind {
	case ActionRoute:
		return fmt.Sprintf("route(%s)", a.Route)
	case ActionNone, "":
		return "none"
	default:
		return string(a.Kind)
	}
}
