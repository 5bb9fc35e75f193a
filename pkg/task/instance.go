package task

import (
	"time"
)

// Attribute is an attribute value carried by an instance.
type Attribute struct {
	Definition AttributeDefinition `json:"definition"`
	Value      string              `json:"value"`
}

// Dependency tracks whether one precondition of an instance was satisfied.
type Dependency struct {
	Name      string `json:"name"`
	Completed bool   `json:"completed"`
}

// Instance is a stateful realization of a (sub)tree of specs. Instances are
// values: every update returns a new copy and never touches the receiver.
type Instance struct {
	ID           string       `json:"id"`
	Status       Status       `json:"status"`
	Spec         *Spec        `json:"taskSpec"`
	Attributes   []Attribute  `json:"attributes,omitempty"`
	SubTasks     []Instance   `json:"subTasks,omitempty"`
	DependsOn    []Dependency `json:"dependsOn,omitempty"`
	ScheduleTime *time.Time   `json:"scheduleTime,omitempty"`
	StartTime    *time.Time   `json:"startTime,omitempty"`
	EndTime      *time.Time   `json:"endTime,omitempty"`
}

// NewInstance builds a single node for spec with no children. The id is
// derived from the task arguments when id is empty.
func NewInstance(spec *Spec, id string, values map[string]string, satisfied NameSet) Instance {
	if id == "" {
		id = spec.GenerateID(values)
	}
	deps := make([]Dependency, 0, len(spec.PreConditions))
	for _, p := range spec.PreConditions {
		deps = append(deps, Dependency{Name: p.Name, Completed: satisfied.Has(p.Name)})
	}
	attrs := make([]Attribute, 0, len(spec.Attributes))
	for _, def := range spec.Attributes {
		attrs = append(attrs, Attribute{Definition: def, Value: values[def.Name]})
	}
	return Instance{
		ID:         id,
		Status:     StatusPending,
		Spec:       spec,
		Attributes: attrs,
		DependsOn:  deps,
	}
}

// Clone returns a deep copy of the instance tree. Specs are shared.
func (t Instance) Clone() Instance {
	c := t
	if t.Attributes != nil {
		c.Attributes = append(make([]Attribute, 0, len(t.Attributes)), t.Attributes...)
	}
	if t.DependsOn != nil {
		c.DependsOn = append(make([]Dependency, 0, len(t.DependsOn)), t.DependsOn...)
	}
	if t.SubTasks != nil {
		c.SubTasks = make([]Instance, len(t.SubTasks))
		for i, sub := range t.SubTasks {
			c.SubTasks[i] = sub.Clone()
		}
	}
	c.ScheduleTime = cloneTime(t.ScheduleTime)
	c.StartTime = cloneTime(t.StartTime)
	c.EndTime = cloneTime(t.EndTime)
	return c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// WithStatus returns a copy with a new status.
func (t Instance) WithStatus(status Status) Instance {
	c := t.Clone()
	c.Status = status
	return c
}

// WithSubTasks returns a copy with the given children.
func (t Instance) WithSubTasks(subs []Instance) Instance {
	c := t.Clone()
	c.SubTasks = subs
	return c
}

// Attribute returns the attribute named name.
func (t Instance) Attribute(name string) (Attribute, bool) {
	for _, a := range t.Attributes {
		if a.Definition.Name == name {
			return a, true
		}
	}
	return Attribute{}, false
}

// AttributeValues returns the attributes as a map.
func (t Instance) AttributeValues() map[string]interface{} {
	out := make(map[string]interface{}, len(t.Attributes))
	for _, a := range t.Attributes {
		out[a.Definition.Name] = a.Value
	}
	return out
}

// FindSub searches the tree in pre-order, self first.
func (t Instance) FindSub(pred func(Instance) bool) (Instance, bool) {
	if pred(t) {
		return t, true
	}
	for _, sub := range t.SubTasks {
		if found, ok := sub.FindSub(pred); ok {
			return found, true
		}
	}
	return Instance{}, false
}

// FindSubBySpecID returns the first node realizing the spec with the given id.
func (t Instance) FindSubBySpecID(specID string) (Instance, bool) {
	return t.FindSub(func(i Instance) bool { return i.Spec != nil && i.Spec.ID == specID })
}

// FindSubByTaskID returns the node with the given instance id.
func (t Instance) FindSubByTaskID(taskID string) (Instance, bool) {
	return t.FindSub(func(i Instance) bool { return i.ID == taskID })
}

// ContainsTask reports whether the tree holds a node with the given id.
func (t Instance) ContainsTask(taskID string) bool {
	_, ok := t.FindSubByTaskID(taskID)
	return ok
}

// UpdateSub replaces the branch realizing replacement's spec. Without a
// matching spec anywhere in the tree the result equals the receiver.
func (t Instance) UpdateSub(replacement Instance) Instance {
	if t.Spec.Equal(replacement.Spec) {
		return replacement
	}
	if len(t.SubTasks) == 0 {
		return t
	}
	subs := make([]Instance, len(t.SubTasks))
	for i, sub := range t.SubTasks {
		subs[i] = sub.UpdateSub(replacement)
	}
	return t.WithSubTasks(subs)
}

// IsHierarchyComplete reports whether every node has all its spec children
// instantiated.
func (t Instance) IsHierarchyComplete() bool {
	if len(t.SubTasks) != len(t.Spec.SubTasks) {
		return false
	}
	for _, sub := range t.SubTasks {
		if !sub.IsHierarchyComplete() {
			return false
		}
	}
	return true
}

// DidChildrenComplete reports whether the hierarchy is structurally complete
// and every direct child is COMPLETED. Leaves satisfy it trivially.
func (t Instance) DidChildrenComplete() bool {
	if !t.IsHierarchyComplete() {
		return false
	}
	for _, sub := range t.SubTasks {
		if sub.Status != StatusCompleted {
			return false
		}
	}
	return true
}

// DidChildrenFail reports whether any direct child FAILED.
func (t Instance) DidChildrenFail() bool {
	for _, sub := range t.SubTasks {
		if sub.Status == StatusFailed {
			return true
		}
	}
	return false
}

// AllDependenciesMeet reports whether every dependency was satisfied.
func (t Instance) AllDependenciesMeet() bool {
	for _, d := range t.DependsOn {
		if !d.Completed {
			return false
		}
	}
	return true
}

// DependencyMeet reports whether the named dependency was satisfied. Unknown
// names count as satisfied.
func (t Instance) DependencyMeet(name string) bool {
	for _, d := range t.DependsOn {
		if d.Name == name {
			return d.Completed
		}
	}
	return true
}

// MarkDependency returns a copy with the named dependency satisfied.
func (t Instance) MarkDependency(name string) Instance {
	c := t.Clone()
	for i := range c.DependsOn {
		if c.DependsOn[i].Name == name {
			c.DependsOn[i].Completed = true
		}
	}
	return c
}

// MatchAttributes reports whether the instance carries every queried value.
func (t Instance) MatchAttributes(query []Attribute) bool {
	for _, q := range query {
		a, _ := t.Attribute(q.Definition.Name)
		if a.Value != q.Value {
			return false
		}
	}
	return true
}

// Walk visits the tree in pre-order.
func (t Instance) Walk(fn func(Instance)) {
	fn(t)
	for _, sub := range t.SubTasks {
		sub.Walk(fn)
	}
}
