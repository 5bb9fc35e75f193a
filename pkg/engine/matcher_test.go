package engine_test

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/taskorch/pkg/engine"
	"github.com/openfroyo/taskorch/pkg/stores"
	"github.com/openfroyo/taskorch/pkg/task"
)

func eodSpec() *task.Spec {
	return task.NewSpec("EOD").
		Attribute("cobDate", task.AsArgument()).
		Sub(
			task.NewSpec("LOAD").Requires("E1").RouteTo("ETL_SERVICE").Attribute("cobDate", task.AsArgument()),
			task.NewSpec("PUBLISH").Requires("LOAD").RouteTo("REPORTING").Attribute("cobDate", task.AsArgument()),
		).MustBuild()
}

func cobEvent(eventType, cob string) task.Event {
	return task.Event{ID: eventType + "-" + cob, Type: eventType, Payload: map[string]interface{}{"cobDate": cob}}
}

func newStoreWith(t *testing.T, specs ...*task.Spec) *stores.MemoryStore {
	t.Helper()
	store := stores.NewMemoryStore()
	res, err := store.SaveSpecs(context.Background(), specs)
	require.NoError(t, err)
	require.True(t, res.OK())
	return store
}

func specIDs(inst task.Instance) []string {
	var out []string
	inst.Walk(func(n task.Instance) { out = append(out, n.Spec.ID) })
	return out
}

func TestMatchNoMatchingSpec(t *testing.T) {
	store := newStoreWith(t, eodSpec())
	m := engine.NewMatcher(store, store, zerolog.Nop())

	_, err := m.MatchTaskHierarchy(context.Background(), cobEvent("E9", "20160101"))

	require.Error(t, err)
	assert.True(t, engine.IsNoMatchingSpec(err))
	assert.True(t, engine.IsPermanent(err))
}

func TestMatchTwoRootsGiveTwoHierarchies(t *testing.T) {
	first := task.NewSpec("R1").Sub(task.NewSpec("A").Requires("E1"), task.NewSpec("B").Requires("E2")).MustBuild()
	second := task.NewSpec("R2").Sub(task.NewSpec("C").Sub(task.NewSpec("D").Requires("E1")), task.NewSpec("F")).MustBuild()
	store := newStoreWith(t, first, second)
	m := engine.NewMatcher(store, store, zerolog.Nop())

	ev := task.NewEvent("E1", nil)
	actions, err := m.MatchTaskHierarchy(context.Background(), ev)
	require.NoError(t, err)
	require.Len(t, actions, 2)

	for _, a := range actions {
		assert.Equal(t, task.ActionProcessHierarchy, a.Action.Kind)
		require.NotNil(t, a.Action.Event)
		assert.Equal(t, ev.ID, a.Action.Event.ID)
	}
	if diff := cmp.Diff([]string{"R1", "A"}, specIDs(actions[0].Task)); diff != "" {
		t.Errorf("first hierarchy mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"R2", "C", "D"}, specIDs(actions[1].Task)); diff != "" {
		t.Errorf("second hierarchy mismatch (-want +got):\n%s", diff)
	}

	roots, err := store.ListRoots(context.Background(), nil, 0, 0)
	require.NoError(t, err)
	assert.Len(t, roots, 2)
}

func TestMatchExtendsExistingHierarchy(t *testing.T) {
	store := newStoreWith(t, eodSpec())
	m := engine.NewMatcher(store, store, zerolog.Nop())
	ctx := context.Background()

	actions, err := m.MatchTaskHierarchy(ctx, cobEvent("E1", "20160101"))
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, []string{"EOD", "LOAD"}, specIDs(actions[0].Task))
	assert.Equal(t, "EOD-20160101", actions[0].Task.ID)

	actions, err = m.MatchTaskHierarchy(ctx, cobEvent("LOAD", "20160101"))
	require.NoError(t, err)
	require.Len(t, actions, 1)
	root := actions[0].Task
	assert.Equal(t, "EOD-20160101", root.ID)
	assert.Equal(t, []string{"EOD", "LOAD", "PUBLISH"}, specIDs(root))

	publish, ok := root.FindSubBySpecID("PUBLISH")
	require.True(t, ok)
	assert.True(t, publish.AllDependenciesMeet())
	attr, ok := publish.Attribute("cobDate")
	require.True(t, ok)
	assert.Equal(t, "20160101", attr.Value)

	stored, ok, err := store.FindInstanceByID(ctx, "PUBLISH-20160101")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, task.StatusPending, stored.Status)

	// A different task argument starts another hierarchy.
	actions, err = m.MatchTaskHierarchy(ctx, cobEvent("E1", "20160102"))
	require.NoError(t, err)
	assert.Equal(t, "EOD-20160102", actions[0].Task.ID)
	roots, err := store.ListRoots(ctx, nil, 0, 0)
	require.NoError(t, err)
	assert.Len(t, roots, 2)
}

func TestMatchIgnoresTerminalHierarchies(t *testing.T) {
	store := newStoreWith(t, eodSpec())
	m := engine.NewMatcher(store, store, zerolog.Nop())
	ctx := context.Background()

	actions, err := m.MatchTaskHierarchy(ctx, cobEvent("E1", "20160101"))
	require.NoError(t, err)
	_, err = store.SaveInstances(ctx, []task.Instance{actions[0].Task.WithStatus(task.StatusCompleted)})
	require.NoError(t, err)

	actions, err = m.MatchTaskHierarchy(ctx, cobEvent("LOAD", "20160101"))
	require.NoError(t, err)
	// The completed tree is not extended; a fresh one replaces it.
	assert.Equal(t, task.StatusPending, actions[0].Task.Status)
	assert.Equal(t, []string{"EOD", "PUBLISH"}, specIDs(actions[0].Task))
}

type failingSaves struct {
	*stores.MemoryStore
	err    error
	result engine.Result
}

func (f *failingSaves) SaveInstances(context.Context, []task.Instance) (engine.Result, error) {
	return f.result, f.err
}

func TestMatchPersistenceFailure(t *testing.T) {
	store := newStoreWith(t, eodSpec())

	t.Run("error", func(t *testing.T) {
		repo := &failingSaves{MemoryStore: store, err: errors.New("disk full")}
		m := engine.NewMatcher(store, repo, zerolog.Nop())

		_, err := m.MatchTaskHierarchy(context.Background(), cobEvent("E1", "20160101"))

		require.Error(t, err)
		assert.Equal(t, engine.ErrCodePersistenceFailure, engine.CodeOf(err))
		assert.True(t, engine.IsTransient(err))
		assert.ErrorContains(t, err, "disk full")
	})

	t.Run("non ok result", func(t *testing.T) {
		repo := &failingSaves{MemoryStore: store, result: engine.Result{Code: engine.ResultError, Message: "locked"}}
		m := engine.NewMatcher(store, repo, zerolog.Nop())

		_, err := m.MatchTaskHierarchy(context.Background(), cobEvent("E1", "20160101"))

		require.Error(t, err)
		assert.Equal(t, engine.ErrCodePersistenceFailure, engine.CodeOf(err))
		assert.ErrorContains(t, err, "locked")
	})
}

func TestMatchRootIDs(t *testing.T) {
	other := task.NewSpec("AUDIT").Sub(task.NewSpec("CHECK").Requires("E1")).MustBuild()
	store := newStoreWith(t, eodSpec(), other)
	m := engine.NewMatcher(store, store, zerolog.Nop())

	got, err := m.RootIDs(context.Background(), cobEvent("E1", "20160101"))
	require.NoError(t, err)
	assert.Equal(t, []string{"EOD-20160101", "AUDIT"}, got)
}
