package task

// AttributeOption configures an attribute definition.
type AttributeOption func(*AttributeDefinition)

// AsArgument flags the attribute as a task argument.
func AsArgument() AttributeOption {
	return func(a *AttributeDefinition) { a.TaskArgument = true }
}

// AsMandatory flags the attribute as mandatory.
func AsMandatory() AttributeOption {
	return func(a *AttributeDefinition) { a.Mandatory = true }
}

// Builder assembles a Spec tree. Build validates the result, so a Builder
// never yields a tree with repeated subtrees.
type Builder struct {
	spec Spec
	subs []*Builder
}

// NewSpec starts a builder for a spec with the given id.
func NewSpec(id string) *Builder {
	return &Builder{spec: Spec{ID: id, Action: NoAction("")}}
}

// Describe sets the description.
func (b *Builder) Describe(description string) *Builder {
	b.spec.Description = description
	return b
}

// Attribute declares an attribute.
func (b *Builder) Attribute(name string, opts ...AttributeOption) *Builder {
	def := AttributeDefinition{Name: name}
	for _, opt := range opts {
		opt(&def)
	}
	b.spec.Attributes = append(b.spec.Attributes, def)
	return b
}

// Requires adds preconditions.
func (b *Builder) Requires(names ...string) *Builder {
	for _, n := range names {
		b.spec.PreConditions = append(b.spec.PreConditions, DependencyDefinition{Name: n})
	}
	return b
}

// RouteTo makes the spec route to a worker once eligible.
func (b *Builder) RouteTo(route string) *Builder {
	b.spec.Action = Route(route, "")
	return b
}

// Sub adds child specs.
func (b *Builder) Sub(children ...*Builder) *Builder {
	b.subs = append(b.subs, children...)
	return b
}

// Build returns the validated spec tree.
func (b *Builder) Build() (*Spec, error) {
	spec := b.assemble()
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	return spec, nil
}

// MustBuild is like Build but panics on an invalid tree.
func (b *Builder) MustBuild() *Spec {
	spec, err := b.Build()
	if err != nil {
		panic(err)
	}
	return spec
}

func (b *Builder) assemble() *Spec {
	spec := b.spec
	spec.Attributes = append([]AttributeDefinition(nil), b.spec.Attributes...)
	spec.PreConditions = append([]DependencyDefinition(nil), b.spec.PreConditions...)
	spec.SubTasks = nil
	for _, sub := range b.subs {
		spec.SubTasks = append(spec.SubTasks, sub.assemble())
	}
	return &spec
}
