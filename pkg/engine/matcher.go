package engine

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/openfroyo/taskorch/pkg/task"
)

// Matcher merges incoming events into the instance trees of the root specs
// that depend on them.
type Matcher struct {
	specs     SpecRepository
	instances InstanceRepository
	logger    zerolog.Logger
}

// NewMatcher creates a matcher over the given repositories.
func NewMatcher(specs SpecRepository, instances InstanceRepository, logger zerolog.Logger) *Matcher {
	return &Matcher{
		specs:     specs,
		instances: instances,
		logger:    logger.With().Str("component", "matcher").Logger(),
	}
}

// MatchTaskHierarchy finds every root spec depending on the event type,
// creates or extends one hierarchy per root, saves them and returns one
// ProcessHierarchy action per root.
func (m *Matcher) MatchTaskHierarchy(ctx context.Context, event task.Event) ([]OrchestrateTaskAction, error) {
	matches, err := m.specs.FindSpecsMatchingDependency(ctx, event.Type)
	if err != nil {
		return nil, fmt.Errorf("failed to find specs depending on %s: %w", event.Type, err)
	}
	if len(matches) == 0 {
		return nil, NewNoMatchingSpecError(event.Type).WithResource(event.ID)
	}

	values := event.FlattenPayload()
	satisfied := task.Names(event.Type)

	roots := make([]task.Instance, 0, len(matches))
	for _, match := range matches {
		existing, err := m.findExisting(ctx, match.Root, values)
		if err != nil {
			return nil, err
		}
		filled := task.HierarchyMatch{SpecMatch: match, HierarchyRoot: existing}.Fill(values, satisfied)
		roots = append(roots, *filled.HierarchyRoot)

		m.logger.Debug().
			Str("event_id", event.ID).
			Str("root", match.Root.ID).
			Str("task_id", filled.HierarchyRoot.ID).
			Bool("existing", existing != nil).
			Msg("Matched hierarchy")
	}

	res, err := m.instances.SaveInstances(ctx, roots)
	if err != nil {
		return nil, NewPersistenceError("match", err).WithResource(event.ID)
	}
	if !res.OK() {
		return nil, NewPersistenceError("match", fmt.Errorf("repository returned %s: %s", res.Code, res.Message)).
			WithResource(event.ID)
	}

	actions := make([]OrchestrateTaskAction, 0, len(roots))
	for _, root := range roots {
		actions = append(actions, Orchestrate(root, event))
	}
	return actions, nil
}

// findExisting returns the active instance of root whose task arguments
// equal the event values. The first match in repository order wins.
func (m *Matcher) findExisting(ctx context.Context, root *task.Spec, values map[string]string) (*task.Instance, error) {
	found, err := m.instances.FindInstances(ctx, []*task.Spec{root}, task.ActiveStatuses)
	if err != nil {
		return nil, fmt.Errorf("failed to find instances of %s: %w", root.ID, err)
	}
	query := root.SelectTaskArguments(values)
	for _, inst := range found {
		if inst.Spec.Equal(root) && inst.MatchAttributes(query) {
			return &inst, nil
		}
	}
	return nil, nil
}

// RootIDs returns the ids of the hierarchy roots event would be merged into.
func (m *Matcher) RootIDs(ctx context.Context, event task.Event) ([]string, error) {
	matches, err := m.specs.FindSpecsMatchingDependency(ctx, event.Type)
	if err != nil {
		return nil, fmt.Errorf("failed to find specs depending on %s: %w", event.Type, err)
	}
	values := event.FlattenPayload()
	ids := make([]string, 0, len(matches))
	for _, match := range matches {
		ids = append(ids, match.Root.GenerateID(values))
	}
	return ids, nil
}
