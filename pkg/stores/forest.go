package stores

import (
	"github.com/rs/zerolog"

	"github.com/openfroyo/taskorch/pkg/task"
)

// forest is an ordered collection of instance trees keyed by root id. It
// holds the save and lookup rules shared by every instance store.
type forest struct {
	order  []string
	roots  map[string]task.Instance
	logger zerolog.Logger
}

func newForest(logger zerolog.Logger) *forest {
	return &forest{roots: make(map[string]task.Instance), logger: logger}
}

// list returns the roots in insertion order.
func (f *forest) list() []task.Instance {
	out := make([]task.Instance, 0, len(f.order))
	for _, id := range f.order {
		out = append(out, f.roots[id])
	}
	return out
}

func (f *forest) put(root task.Instance) {
	if _, ok := f.roots[root.ID]; !ok {
		f.order = append(f.order, root.ID)
	}
	f.roots[root.ID] = root
}

// save applies each instance in turn: a stored root with the same id is
// replaced, otherwise every tree containing the id gets the branch replaced,
// otherwise the instance becomes a new root. It returns the ids of the roots
// written, in first-write order.
func (f *forest) save(instances []task.Instance) []string {
	var touched []string
	touch := func(id string) {
		for _, t := range touched {
			if t == id {
				return
			}
		}
		touched = append(touched, id)
	}

	for _, in := range instances {
		if _, ok := f.roots[in.ID]; ok {
			f.put(in)
			touch(in.ID)
			continue
		}

		matched := false
		for _, id := range f.order {
			root := f.roots[id]
			if !root.ContainsTask(in.ID) {
				continue
			}
			matched = true
			merged, ok := mergeBranch(root, in)
			if !ok {
				f.logger.Debug().Str("root", root.ID).Str("task_id", in.ID).Msg("No branch realizes the task spec, tree left unchanged")
				continue
			}
			f.put(merged)
			touch(id)
		}

		if !matched {
			f.put(in)
			touch(in.ID)
		}
	}
	return touched
}

// mergeBranch replaces the branch of root realizing in's spec. It reports
// false when no node of root realizes that spec.
func mergeBranch(root, in task.Instance) (task.Instance, bool) {
	if _, ok := root.FindSub(func(n task.Instance) bool { return n.Spec.Equal(in.Spec) }); !ok {
		return root, false
	}
	return root.UpdateSub(in), true
}

// findInstances returns, for every root, the first node realizing each spec
// whose status is in statuses. An empty statuses matches everything.
func (f *forest) findInstances(specs []*task.Spec, statuses []task.Status) []task.Instance {
	var out []task.Instance
	for _, root := range f.list() {
		for _, spec := range specs {
			node, ok := root.FindSub(func(n task.Instance) bool { return n.Spec.Equal(spec) })
			if ok && statusIn(node.Status, statuses) {
				out = append(out, node)
			}
		}
	}
	return out
}

// findByID returns the node with id from the first tree holding it.
func (f *forest) findByID(id string) (task.Instance, bool) {
	for _, root := range f.list() {
		if node, ok := root.FindSubByTaskID(id); ok {
			return node, true
		}
	}
	return task.Instance{}, false
}

// pendingContaining returns the first PENDING root containing id.
func (f *forest) pendingContaining(id string) (task.Instance, bool) {
	for _, root := range f.list() {
		if root.Status == task.StatusPending && root.ContainsTask(id) {
			return root, true
		}
	}
	return task.Instance{}, false
}

// rootContaining returns the PENDING root containing id, else the first
// root of any status containing it.
func (f *forest) rootContaining(id string) (task.Instance, bool) {
	if root, ok := f.pendingContaining(id); ok {
		return root, true
	}
	for _, root := range f.list() {
		if root.ContainsTask(id) {
			return root, true
		}
	}
	return task.Instance{}, false
}

func statusIn(status task.Status, statuses []task.Status) bool {
	if len(statuses) == 0 {
		return true
	}
	for _, s := range statuses {
		if s == status {
			return true
		}
	}
	return false
}

// transitions lists the nodes of after whose status differs from the node
// with the same id in before. New nodes count as a transition from "".
func transitions(before *task.Instance, after task.Instance) []AuditEntry {
	previous := make(map[string]task.Status)
	if before != nil {
		before.Walk(func(n task.Instance) { previous[n.ID] = n.Status })
	}
	var out []AuditEntry
	after.Walk(func(n task.Instance) {
		from, seen := previous[n.ID]
		if seen && from == n.Status {
			return
		}
		out = append(out, AuditEntry{
			TaskID:     n.ID,
			RootID:     after.ID,
			SpecID:     n.Spec.ID,
			FromStatus: from,
			ToStatus:   n.Status,
		})
	})
	return out
}
