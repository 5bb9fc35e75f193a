package task

// SpecMatch is a root spec tree together with the specs of that tree that an
// event is relevant to.
type SpecMatch struct {
	Root    *Spec   `json:"root"`
	Matched []*Spec `json:"matched"`
}

// HierarchyMatch is a SpecMatch being merged into a possibly existing
// instance tree.
type HierarchyMatch struct {
	SpecMatch     SpecMatch `json:"specMatch"`
	HierarchyRoot *Instance `json:"hierarchyRoot,omitempty"`
}

// NewHierarchy instantiates the part of the root spec tree leading to the
// matched specs.
func (m SpecMatch) NewHierarchy(values map[string]string, satisfied NameSet) Instance {
	return m.Root.GetHierarchy(values, m.Matched, satisfied)
}

// GetHierarchy instantiates s and every descendant whose subtree depends on
// satisfied. Children keep their declared order.
func (s *Spec) GetHierarchy(values map[string]string, matched []*Spec, satisfied NameSet) Instance {
	node := NewInstance(s, "", values, satisfied)
	var subs []Instance
	for _, child := range s.SubTasks {
		if !child.DependsOn(satisfied) {
			continue
		}
		sub := child.GetHierarchy(values, matched, satisfied)
		if ContainsSpec(matched, child) || len(sub.SubTasks) > 0 {
			subs = append(subs, sub)
		}
	}
	node.SubTasks = subs
	return node
}

// Add materializes path, a root to leaf chain of specs starting at the
// receiver's spec. Existing nodes along the path are reused and missing ones
// are created. A path that does not start at the receiver leaves it unchanged.
func (t Instance) Add(values map[string]string, path []*Spec, satisfied NameSet) Instance {
	if len(path) <= 1 || !t.Spec.Equal(path[0]) {
		return t
	}
	next := path[1]
	for i, sub := range t.SubTasks {
		if sub.Spec.Equal(next) {
			subs := append([]Instance(nil), t.SubTasks...)
			subs[i] = sub.Add(values, path[1:], satisfied)
			return t.WithSubTasks(subs)
		}
	}
	child := NewInstance(next, "", values, satisfied).Add(values, path[1:], satisfied)
	return t.WithSubTasks(t.insertChild(child))
}

// insertChild places child among the existing children following the order
// of the spec's children.
func (t Instance) insertChild(child Instance) []Instance {
	pos := t.Spec.indexOfChild(child.Spec)
	subs := make([]Instance, 0, len(t.SubTasks)+1)
	inserted := false
	for _, sub := range t.SubTasks {
		if !inserted && t.Spec.indexOfChild(sub.Spec) > pos {
			subs = append(subs, child)
			inserted = true
		}
		subs = append(subs, sub)
	}
	if !inserted {
		subs = append(subs, child)
	}
	return subs
}

// UpdateAt applies fn to the node reached by path and returns the new tree.
// The tree is returned unchanged when path cannot be followed.
func (t Instance) UpdateAt(path []*Spec, fn func(Instance) Instance) Instance {
	if len(path) == 0 || !t.Spec.Equal(path[0]) {
		return t
	}
	if len(path) == 1 {
		return fn(t)
	}
	for i, sub := range t.SubTasks {
		if sub.Spec.Equal(path[1]) {
			subs := append([]Instance(nil), t.SubTasks...)
			subs[i] = sub.UpdateAt(path[1:], fn)
			return t.WithSubTasks(subs)
		}
	}
	return t
}

// Fill merges the match into its hierarchy: a new tree is built when none
// exists, otherwise every matched path is added and its dependency marked.
func (m HierarchyMatch) Fill(values map[string]string, satisfied NameSet) HierarchyMatch {
	if m.HierarchyRoot == nil {
		root := m.SpecMatch.NewHierarchy(values, satisfied)
		return HierarchyMatch{SpecMatch: m.SpecMatch, HierarchyRoot: &root}
	}
	root := *m.HierarchyRoot
	for _, spec := range m.SpecMatch.Matched {
		path := m.SpecMatch.Root.Path(spec)
		if len(path) == 0 {
			continue
		}
		root = root.Add(values, path, satisfied)
		root = root.UpdateAt(path, func(node Instance) Instance {
			for name := range satisfied {
				if spec.HasDependency(Names(name)) {
					node = node.MarkDependency(name)
				}
			}
			return node
		})
	}
	return HierarchyMatch{SpecMatch: m.SpecMatch, HierarchyRoot: &root}
}
