package stores

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/taskorch/pkg/engine"
	"github.com/openfroyo/taskorch/pkg/task"
)

func contractSpecs() (eod, monthly *task.Spec) {
	eod = task.NewSpec("EOD").
		Attribute("cobDate", task.AsArgument()).
		Sub(
			task.NewSpec("LOAD").Requires("E1").RouteTo("ETL_SERVICE").Attribute("cobDate", task.AsArgument()),
			task.NewSpec("REPORT").Requires("E2").RouteTo("REPORTING").Attribute("cobDate", task.AsArgument()),
		).MustBuild()
	monthly = task.NewSpec("MONTHLY").
		Sub(task.NewSpec("ARCHIVE").Requires("E1")).
		MustBuild()
	return eod, monthly
}

func ids(instances []task.Instance) []string {
	out := make([]string, 0, len(instances))
	for _, i := range instances {
		out = append(out, i.ID)
	}
	return out
}

// runRepositoryContract checks the behaviour every Store must share.
func runRepositoryContract(t *testing.T, newStore func(t *testing.T) Store) {
	ctx := context.Background()
	cob := map[string]string{"cobDate": "20160101"}

	t.Run("specs", func(t *testing.T) {
		store := newStore(t)
		eod, monthly := contractSpecs()

		res, err := store.SaveSpecs(ctx, []*task.Spec{eod, monthly})
		require.NoError(t, err)
		require.True(t, res.OK())

		all, err := store.ListAllSpecs(ctx)
		require.NoError(t, err)
		require.Len(t, all, 2)
		assert.True(t, eod.Equal(all[0]))
		assert.True(t, monthly.Equal(all[1]))

		matches, err := store.FindSpecsMatchingDependency(ctx, "E1")
		require.NoError(t, err)
		require.Len(t, matches, 2)
		assert.Equal(t, "EOD", matches[0].Root.ID)
		require.Len(t, matches[0].Matched, 1)
		assert.Equal(t, "LOAD", matches[0].Matched[0].ID)
		assert.Equal(t, "MONTHLY", matches[1].Root.ID)

		matches, err = store.FindSpecsMatchingDependency(ctx, "E9")
		require.NoError(t, err)
		assert.Empty(t, matches)
	})

	t.Run("spec replaced by id", func(t *testing.T) {
		store := newStore(t)
		eod, monthly := contractSpecs()
		_, err := store.SaveSpecs(ctx, []*task.Spec{eod, monthly})
		require.NoError(t, err)

		changed := task.NewSpec("EOD").Describe("changed").Sub(task.NewSpec("LOAD").Requires("E3")).MustBuild()
		_, err = store.SaveSpecs(ctx, []*task.Spec{changed})
		require.NoError(t, err)

		all, err := store.ListAllSpecs(ctx)
		require.NoError(t, err)
		require.Len(t, all, 2)
		assert.Equal(t, "changed", all[0].Description)

		matches, err := store.FindSpecsMatchingDependency(ctx, "E3")
		require.NoError(t, err)
		assert.Len(t, matches, 1)
	})

	t.Run("invalid spec is rejected", func(t *testing.T) {
		store := newStore(t)
		bad := &task.Spec{ID: "BAD", Action: task.Persist("no")}

		res, _ := store.SaveSpecs(ctx, []*task.Spec{bad})
		assert.False(t, res.OK())
		assert.Contains(t, res.Message, "cannot be configured")

		all, err := store.ListAllSpecs(ctx)
		require.NoError(t, err)
		assert.Empty(t, all)
	})

	t.Run("save semantics", func(t *testing.T) {
		store := newStore(t)
		eod, _ := contractSpecs()
		load := eod.FindByID("LOAD")

		root := task.SpecMatch{Root: eod, Matched: []*task.Spec{load}}.NewHierarchy(cob, task.Names("E1"))
		require.Equal(t, "EOD-20160101", root.ID)
		res, err := store.SaveInstances(ctx, []task.Instance{root})
		require.NoError(t, err)
		require.True(t, res.OK())

		// A node id found inside a stored tree replaces that branch.
		sub, ok := root.FindSubByTaskID("LOAD-20160101")
		require.True(t, ok)
		_, err = store.SaveInstances(ctx, []task.Instance{sub.WithStatus(task.StatusScheduled)})
		require.NoError(t, err)

		got, ok, err := store.FindInstanceByID(ctx, "LOAD-20160101")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, task.StatusScheduled, got.Status)

		roots, err := store.ListRoots(ctx, nil, 0, 0)
		require.NoError(t, err)
		assert.Equal(t, []string{"EOD-20160101"}, ids(roots))

		// A root id replaces the whole tree.
		_, err = store.SaveInstances(ctx, []task.Instance{root.WithStatus(task.StatusFailed)})
		require.NoError(t, err)
		got, ok, err = store.FindInstanceByID(ctx, "LOAD-20160101")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, task.StatusPending, got.Status)
		got, _, err = store.FindInstanceByID(ctx, "EOD-20160101")
		require.NoError(t, err)
		assert.Equal(t, task.StatusFailed, got.Status)

		// Unknown ids become new roots.
		other := task.NewInstance(eod, "", map[string]string{"cobDate": "20160102"}, nil)
		_, err = store.SaveInstances(ctx, []task.Instance{other})
		require.NoError(t, err)
		roots, err = store.ListRoots(ctx, nil, 0, 0)
		require.NoError(t, err)
		assert.Equal(t, []string{"EOD-20160101", "EOD-20160102"}, ids(roots))

		roots, err = store.ListRoots(ctx, []task.Status{task.StatusPending}, 0, 0)
		require.NoError(t, err)
		assert.Equal(t, []string{"EOD-20160102"}, ids(roots))

		roots, err = store.ListRoots(ctx, nil, 1, 1)
		require.NoError(t, err)
		assert.Equal(t, []string{"EOD-20160102"}, ids(roots))

		_, ok, err = store.FindInstanceByID(ctx, "missing")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("find instances", func(t *testing.T) {
		store := newStore(t)
		eod, monthly := contractSpecs()

		first := task.NewInstance(eod, "", cob, nil)
		second := task.NewInstance(eod, "", map[string]string{"cobDate": "20160102"}, nil).WithStatus(task.StatusCompleted)
		third := task.NewInstance(monthly, "", nil, nil)
		_, err := store.SaveInstances(ctx, []task.Instance{first, second, third})
		require.NoError(t, err)

		found, err := store.FindInstances(ctx, []*task.Spec{eod}, task.ActiveStatuses)
		require.NoError(t, err)
		assert.Equal(t, []string{"EOD-20160101"}, ids(found))

		found, err = store.FindInstances(ctx, []*task.Spec{eod}, nil)
		require.NoError(t, err)
		assert.Equal(t, []string{"EOD-20160101", "EOD-20160102"}, ids(found))

		found, err = store.FindInstances(ctx, []*task.Spec{eod, monthly}, task.ActiveStatuses)
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"EOD-20160101", "MONTHLY"}, ids(found))

		found, err = store.FindInstances(ctx, nil, nil)
		require.NoError(t, err)
		assert.Empty(t, found)
	})

	t.Run("pending hierarchy", func(t *testing.T) {
		store := newStore(t)
		eod, _ := contractSpecs()
		root := task.SpecMatch{Root: eod, Matched: []*task.Spec{eod.FindByID("LOAD")}}.NewHierarchy(cob, task.Names("E1"))
		_, err := store.SaveInstances(ctx, []task.Instance{root})
		require.NoError(t, err)

		pending, ok, err := store.FindPendingHierarchyContaining(ctx, "LOAD-20160101")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "EOD-20160101", pending.ID)
		assert.True(t, pending.ContainsTask("LOAD-20160101"))

		_, err = store.SaveInstances(ctx, []task.Instance{root.WithStatus(task.StatusCompleted)})
		require.NoError(t, err)
		_, ok, err = store.FindPendingHierarchyContaining(ctx, "LOAD-20160101")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("hierarchy of any status", func(t *testing.T) {
		store := newStore(t)
		eod, _ := contractSpecs()
		root := task.SpecMatch{Root: eod, Matched: []*task.Spec{eod.FindByID("LOAD")}}.NewHierarchy(cob, task.Names("E1"))
		_, err := store.SaveInstances(ctx, []task.Instance{root.WithStatus(task.StatusCompleted)})
		require.NoError(t, err)

		found, ok, err := store.FindHierarchyContaining(ctx, "LOAD-20160101")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "EOD-20160101", found.ID)
		assert.Equal(t, task.StatusCompleted, found.Status)

		found, ok, err = store.FindHierarchyContaining(ctx, "EOD-20160101")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "EOD-20160101", found.ID)

		_, ok, err = store.FindHierarchyContaining(ctx, "LOAD-20160102")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("audit trail", func(t *testing.T) {
		store := newStore(t)
		eod, _ := contractSpecs()
		root := task.SpecMatch{Root: eod, Matched: []*task.Spec{eod.FindByID("LOAD")}}.NewHierarchy(cob, task.Names("E1"))
		_, err := store.SaveInstances(ctx, []task.Instance{root})
		require.NoError(t, err)

		sub, _ := root.FindSubByTaskID("LOAD-20160101")
		_, err = store.SaveInstances(ctx, []task.Instance{sub.WithStatus(task.StatusScheduled)})
		require.NoError(t, err)
		// Saving the same state again records nothing.
		_, err = store.SaveInstances(ctx, []task.Instance{sub.WithStatus(task.StatusScheduled)})
		require.NoError(t, err)

		all, err := store.ListAuditEntries(ctx, nil, 0, 0)
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.Equal(t, "EOD-20160101", all[0].TaskID)
		assert.Equal(t, task.Status(""), all[0].FromStatus)
		assert.Equal(t, task.StatusPending, all[0].ToStatus)

		taskID := "LOAD-20160101"
		entries, err := store.ListAuditEntries(ctx, &taskID, 0, 0)
		require.NoError(t, err)
		require.Len(t, entries, 2)
		assert.Equal(t, task.StatusPending, entries[1].FromStatus)
		assert.Equal(t, task.StatusScheduled, entries[1].ToStatus)
		assert.Equal(t, "EOD-20160101", entries[1].RootID)
		assert.Equal(t, "LOAD", entries[1].SpecID)
		assert.False(t, entries[1].Timestamp.IsZero())
	})

	t.Run("unroutable events", func(t *testing.T) {
		store := newStore(t)
		received := time.Date(2016, 1, 1, 18, 0, 0, 0, time.UTC)
		ev := task.Event{ID: "ev-1", Type: "E9", Payload: map[string]interface{}{"region": "EMEA"}}

		id, err := store.SaveUnroutable(ctx, engine.UnroutableEvent{Event: ev, Reason: "no task spec depends on E9", ReceivedAt: received})
		require.NoError(t, err)
		_, err = store.SaveUnroutable(ctx, engine.UnroutableEvent{Event: task.Event{ID: "ev-2", Type: "E8"}, Reason: "x", ReceivedAt: received})
		require.NoError(t, err)

		records, err := store.ListUnroutable(ctx, 0, 0)
		require.NoError(t, err)
		require.Len(t, records, 2)
		assert.Equal(t, id, records[0].ID)
		assert.Equal(t, ev, records[0].Event)
		assert.Equal(t, "no task spec depends on E9", records[0].Reason)
		assert.True(t, received.Equal(records[0].ReceivedAt))
		assert.Nil(t, records[1].Event.Payload)

		require.NoError(t, store.DeleteUnroutable(ctx, id))
		assert.Error(t, store.DeleteUnroutable(ctx, id))

		records, err = store.ListUnroutable(ctx, 10, 0)
		require.NoError(t, err)
		require.Len(t, records, 1)
		assert.Equal(t, "ev-2", records[0].Event.ID)
	})
}
