package task

import (
	"fmt"
	"strings"

	"github.com/mitchellh/hashstructure/v2"
)

// DependencyDefinition names an event a spec waits for.
type DependencyDefinition struct {
	Name string `json:"name" yaml:"name"`
}

// AttributeDefinition describes a value a task carries. Task arguments take
// part in instance identity.
type AttributeDefinition struct {
	Name         string `json:"name" yaml:"name"`
	TaskArgument bool   `json:"taskArgument,omitempty" yaml:"taskArgument,omitempty"`
	Mandatory    bool   `json:"mandatory,omitempty" yaml:"mandatory,omitempty"`
}

// Spec is an immutable template for a task and its sub-task tree.
// Specs are shared by pointer and must not be modified after construction.
type Spec struct {
	ID            string                 `json:"id" yaml:"id"`
	Description   string                 `json:"description,omitempty" yaml:"description,omitempty"`
	Action        Action                 `json:"action" yaml:"action"`
	SubTasks      []*Spec                `json:"subTasks,omitempty" yaml:"subTasks,omitempty" hash:"set"`
	PreConditions []DependencyDefinition `json:"preConditions,omitempty" yaml:"preConditions,omitempty"`
	Attributes    []AttributeDefinition  `json:"attributes,omitempty" yaml:"attributes,omitempty"`
}

// NameSet is a set of dependency names.
type NameSet map[string]struct{}

// Names builds a NameSet.
func Names(names ...string) NameSet {
	set := make(NameSet, len(names))
	for _, n := range names {
		set[n] = struct{}{}
	}
	return set
}

// Has reports whether name is in the set.
func (n NameSet) Has(name string) bool {
	_, ok := n[name]
	return ok
}

// Equal reports whether two specs are structurally identical. Children are
// compared as a set.
func (s *Spec) Equal(o *Spec) bool {
	if s == o {
		return true
	}
	if s == nil || o == nil {
		return false
	}
	if s.ID != o.ID || s.Description != o.Description || !s.Action.Equal(o.Action) {
		return false
	}
	if len(s.PreConditions) != len(o.PreConditions) || len(s.Attributes) != len(o.Attributes) || len(s.SubTasks) != len(o.SubTasks) {
		return false
	}
	for i := range s.PreConditions {
		if s.PreConditions[i] != o.PreConditions[i] {
			return false
		}
	}
	for i := range s.Attributes {
		if s.Attributes[i] != o.Attributes[i] {
			return false
		}
	}
	for _, child := range s.SubTasks {
		if o.indexOfChild(child) < 0 {
			return false
		}
	}
	return true
}

func (s *Spec) indexOfChild(child *Spec) int {
	for i, c := range s.SubTasks {
		if c.Equal(child) {
			return i
		}
	}
	return -1
}

// Fingerprint returns a structural hash of the spec tree.
func (s *Spec) Fingerprint() (uint64, error) {
	return hashstructure.Hash(s, hashstructure.FormatV2, nil)
}

// Path returns the chain of specs from s down to target, both included, or
// nil when target is not reachable. The first depth-first hit wins.
func (s *Spec) Path(target *Spec) []*Spec {
	if s.Equal(target) {
		return []*Spec{s}
	}
	for _, child := range s.SubTasks {
		if p := child.Path(target); len(p) > 0 {
			return append([]*Spec{s}, p...)
		}
	}
	return nil
}

// HasDependency reports whether one of the spec's own preconditions is in names.
func (s *Spec) HasDependency(names NameSet) bool {
	for _, p := range s.PreConditions {
		if names.Has(p.Name) {
			return true
		}
	}
	return false
}

// DependsOn reports whether s or any descendant has a dependency in names.
func (s *Spec) DependsOn(names NameSet) bool {
	if s.HasDependency(names) {
		return true
	}
	for _, child := range s.SubTasks {
		if child.DependsOn(names) {
			return true
		}
	}
	return false
}

// CollectDependent returns, in pre-order, every spec of the tree with a
// dependency in names.
func (s *Spec) CollectDependent(names NameSet) []*Spec {
	var out []*Spec
	s.Walk(func(spec *Spec) {
		if spec.HasDependency(names) && !ContainsSpec(out, spec) {
			out = append(out, spec)
		}
	})
	return out
}

// Walk visits the tree in pre-order.
func (s *Spec) Walk(fn func(*Spec)) {
	fn(s)
	for _, child := range s.SubTasks {
		child.Walk(fn)
	}
}

// FindByID returns the first spec of the tree with the given id.
func (s *Spec) FindByID(id string) *Spec {
	if s.ID == id {
		return s
	}
	for _, child := range s.SubTasks {
		if found := child.FindByID(id); found != nil {
			return found
		}
	}
	return nil
}

// TaskArguments returns the attribute definitions flagged as task arguments,
// in declared order.
func (s *Spec) TaskArguments() []AttributeDefinition {
	var args []AttributeDefinition
	for _, a := range s.Attributes {
		if a.TaskArgument {
			args = append(args, a)
		}
	}
	return args
}

// SelectTaskArguments pairs the task arguments with the supplied values.
func (s *Spec) SelectTaskArguments(values map[string]string) []Attribute {
	args := s.TaskArguments()
	out := make([]Attribute, 0, len(args))
	for _, def := range args {
		out = append(out, Attribute{Definition: def, Value: values[def.Name]})
	}
	return out
}

// GenerateID derives an instance id from the spec id and the task argument values.
func (s *Spec) GenerateID(values map[string]string) string {
	var b strings.Builder
	b.WriteString(s.ID)
	for _, def := range s.TaskArguments() {
		b.WriteByte('-')
		b.WriteString(values[def.Name])
	}
	return b.String()
}

// MissingMandatory lists mandatory attributes absent from values.
func (s *Spec) MissingMandatory(values map[string]string) []string {
	var missing []string
	for _, a := range s.Attributes {
		if _, ok := values[a.Name]; a.Mandatory && !ok {
			missing = append(missing, a.Name)
		}
	}
	return missing
}

// Validate checks the spec tree is well formed: ids present, attribute names
// unique, actions allowed on specs and no subtree repeated within the tree.
func (s *Spec) Validate() error {
	seen := make(map[uint64]string)
	var walk func(spec *Spec, path string) error
	walk = func(spec *Spec, path string) error {
		if spec.ID == "" {
			return fmt.Errorf("%s: spec id is required", path)
		}
		path = path + "/" + spec.ID
		if err := spec.Action.ValidateSpecAction(); err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		names := make(map[string]bool, len(spec.Attributes))
		for _, a := range spec.Attributes {
			if a.Name == "" {
				return fmt.Errorf("%s: attribute name is required", path)
			}
			if names[a.Name] {
				return fmt.Errorf("%s: duplicate attribute %q", path, a.Name)
			}
			names[a.Name] = true
		}
		for _, p := range spec.PreConditions {
			if p.Name == "" {
				return fmt.Errorf("%s: precondition name is required", path)
			}
		}
		fp, err := spec.Fingerprint()
		if err != nil {
			return fmt.Errorf("%s: failed to fingerprint spec: %w", path, err)
		}
		if other, dup := seen[fp]; dup {
			return fmt.Errorf("%s: subtree duplicates %s", path, other)
		}
		seen[fp] = path
		for _, child := range spec.SubTasks {
			if err := walk(child, path); err != nil {
				return err
			}
		}
		return nil
	}
	return walk(s, "")
}

// ContainsSpec reports whether specs holds a spec equal to spec.
func ContainsSpec(specs []*Spec, spec *Spec) bool {
	for _, s := range specs {
		if s.Equal(spec) {
			return true
		}
	}
	return false
}

// String returns the spec id.
func (s *Spec) String() string {
	return s.ID
}
