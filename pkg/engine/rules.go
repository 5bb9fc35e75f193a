package engine

import (
	"fmt"

	"github.com/jonboulle/clockwork"

	"github.com/openfroyo/taskorch/pkg/task"
)

// RuleEngine decides the next actions for an instance tree. It performs no
// I/O; time comes from the injected clock.
type RuleEngine struct {
	clock clockwork.Clock
}

// NewRuleEngine creates a rule engine. A nil clock uses the real clock.
func NewRuleEngine(clock clockwork.Clock) *RuleEngine {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &RuleEngine{clock: clock}
}

// EvaluateActions returns the ordered actions for inst, optionally in
// response to event.
//
// With an event, a node realizing the spec named by the event type must be
// COMPLETED, FAILED or PENDING, or, when there is no such node, the tree must
// depend on the event type; otherwise the event is unroutable. Without an
// event the tree must be structurally complete. Only PENDING nodes produce
// actions.
func (r *RuleEngine) EvaluateActions(inst task.Instance, event *task.Event) []OrchestrateTaskAction {
	if event != nil {
		if !readyFor(inst, event.Type) {
			reason := fmt.Sprintf("there is a SCHEDULED or STARTED task instance that matches %s event", event.Type)
			return []OrchestrateTaskAction{{Action: task.Unroutable(reason, *event), Task: inst}}
		}
	} else if !inst.IsHierarchyComplete() {
		return []OrchestrateTaskAction{noAction(inst, "hierarchy is not complete")}
	}

	if inst.Status != task.StatusPending {
		return nil
	}

	if !inst.AllDependenciesMeet() {
		return []OrchestrateTaskAction{noAction(inst, "")}
	}

	if inst.DidChildrenComplete() {
		if inst.Spec.Action.IsNone() {
			return []OrchestrateTaskAction{r.complete(inst)}
		}
		return []OrchestrateTaskAction{r.schedule(inst)}
	}

	var results []OrchestrateTaskAction
	for _, sub := range eligibleSubTasks(inst) {
		results = append(results, r.EvaluateActions(sub, event)...)
	}

	switch {
	case len(results) == 0 && inst.DidChildrenFail():
		return []OrchestrateTaskAction{r.fail(inst)}
	case anyFailure(results):
		return append([]OrchestrateTaskAction{r.fail(inst)}, results...)
	case allComplete(results):
		return append([]OrchestrateTaskAction{r.complete(inst)}, results...)
	default:
		return results
	}
}

func readyFor(inst task.Instance, eventType string) bool {
	if node, ok := inst.FindSubBySpecID(eventType); ok {
		switch node.Status {
		case task.StatusCompleted, task.StatusFailed, task.StatusPending:
			return true
		default:
			return false
		}
	}
	return inst.Spec.DependsOn(task.Names(eventType))
}

// eligibleSubTasks selects the PENDING children that may progress: the first
// one always, the later ones only when their dependencies are met.
func eligibleSubTasks(inst task.Instance) []task.Instance {
	var out []task.Instance
	for _, sub := range inst.SubTasks {
		if sub.Status != task.StatusPending {
			continue
		}
		if len(out) == 0 || sub.AllDependenciesMeet() {
			out = append(out, sub)
		}
	}
	return out
}

func anyFailure(actions []OrchestrateTaskAction) bool {
	for _, a := range actions {
		if a.Task.Status == task.StatusFailed {
			return true
		}
	}
	return false
}

// allComplete is false for an empty list so a parent never completes on
// behalf of children that produced nothing.
func allComplete(actions []OrchestrateTaskAction) bool {
	if len(actions) == 0 {
		return false
	}
	for _, a := range actions {
		if a.Task.Status != task.StatusCompleted || !a.Task.IsHierarchyComplete() {
			return false
		}
	}
	return true
}

func noAction(inst task.Instance, reason string) OrchestrateTaskAction {
	return OrchestrateTaskAction{Action: task.NoAction(reason), Task: inst}
}

func (r *RuleEngine) complete(inst task.Instance) OrchestrateTaskAction {
	end := r.clock.Now()
	done := inst.WithStatus(task.StatusCompleted)
	done.EndTime = &end
	if done.StartTime == nil {
		start := end
		done.StartTime = &start
	}
	return OrchestrateTaskAction{
		Action: task.Persist(fmt.Sprintf("task %s completed", inst.ID)),
		Task:   done,
	}
}

func (r *RuleEngine) fail(inst task.Instance) OrchestrateTaskAction {
	end := r.clock.Now()
	failed := inst.WithStatus(task.StatusFailed)
	failed.EndTime = &end
	return OrchestrateTaskAction{
		Action: task.Persist(fmt.Sprintf("task %s failed", inst.ID)),
		Task:   failed,
	}
}

func (r *RuleEngine) schedule(inst task.Instance) OrchestrateTaskAction {
	now := r.clock.Now()
	scheduled := inst.WithStatus(task.StatusScheduled)
	scheduled.ScheduleTime = &now
	return OrchestrateTaskAction{Action: inst.Spec.Action, Task: scheduled}
}
