package task

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewHierarchyPreconditions(t *testing.T) {
	root := NewSpec("T0").Requires("E0").Sub(NewSpec("T1").Requires("E1")).MustBuild()
	t1 := root.FindByID("T1")

	hierarchy := SpecMatch{Root: root, Matched: []*Spec{t1}}.NewHierarchy(nil, Names("E1"))

	assert.True(t, root.Equal(hierarchy.Spec))
	require.Len(t, hierarchy.SubTasks, 1)
	assert.True(t, t1.Equal(hierarchy.SubTasks[0].Spec))
	assert.Equal(t, []Dependency{{Name: "E0", Completed: false}}, hierarchy.DependsOn)
	assert.Equal(t, []Dependency{{Name: "E1", Completed: true}}, hierarchy.SubTasks[0].DependsOn)
}

func TestNewHierarchySkipsUnrelatedChildren(t *testing.T) {
	root := NewSpec("T0").
		Attribute("cobDate", AsArgument()).
		Sub(
			NewSpec("T1").Requires("E1"),
			NewSpec("T2").Requires("E2"),
			NewSpec("T3").Sub(NewSpec("T31").Attribute("cobDate", AsArgument()).Requires("E1")),
		).MustBuild()

	matched := root.CollectDependent(Names("E1"))
	hierarchy := SpecMatch{Root: root, Matched: matched}.NewHierarchy(map[string]string{"cobDate": "20160101"}, Names("E1"))

	assert.Equal(t, "T0-20160101", hierarchy.ID)
	require.Len(t, hierarchy.SubTasks, 2)
	assert.Equal(t, "T1", hierarchy.SubTasks[0].ID)
	assert.Equal(t, "T3", hierarchy.SubTasks[1].ID)
	require.Len(t, hierarchy.SubTasks[1].SubTasks, 1)
	assert.Equal(t, "T31-20160101", hierarchy.SubTasks[1].SubTasks[0].ID)
	assert.False(t, hierarchy.IsHierarchyComplete())
}

func TestFindTaskInHierarchy(t *testing.T) {
	root := NewSpec("T0").
		Attribute("cobDate", AsArgument()).
		Sub(NewSpec("T5").Sub(NewSpec("T6").Requires("E6").Attribute("cobDate", AsArgument()))).
		MustBuild()
	t6 := root.FindByID("T6")

	hierarchy := SpecMatch{Root: root, Matched: []*Spec{t6}}.NewHierarchy(map[string]string{"cobDate": "20160101"}, Names("E6"))

	found, ok := hierarchy.FindSubBySpecID("T6")
	require.True(t, ok)
	assert.Equal(t, "T6-20160101", found.ID)

	single := NewSpec("T0").MustBuild()
	own := SpecMatch{Root: single, Matched: []*Spec{single}}.NewHierarchy(nil, nil)
	found, ok = own.FindSubBySpecID("T0")
	require.True(t, ok)
	assert.True(t, single.Equal(found.Spec))
}

func TestAddChildToExistingRoot(t *testing.T) {
	root := NewSpec("T0").
		Attribute("cobDate", AsArgument()).
		Sub(NewSpec("T1").RouteTo("ETL_SERVICE").Attribute("region", AsArgument())).
		MustBuild()
	t1 := root.FindByID("T1")

	t0Inst := NewInstance(root, "t0-inst", map[string]string{"cobDate": "20160101"}, nil)
	updated := t0Inst.Add(map[string]string{"region": "uk"}, []*Spec{root, t1}, nil)

	assert.Empty(t, t0Inst.SubTasks, "receiver must not change")
	require.Len(t, updated.SubTasks, 1)
	child := updated.SubTasks[0]
	assert.True(t, t1.Equal(child.Spec))
	assert.Equal(t, "T1-uk", child.ID)
	assert.Equal(t, StatusPending, child.Status)
	assert.Empty(t, child.SubTasks)
}

func TestAddKeepsSiblingsInSpecOrder(t *testing.T) {
	root := NewSpec("T0").
		Attribute("cobDate", AsArgument()).
		Sub(
			NewSpec("T1").RouteTo("ETL_SERVICE").Attribute("region", AsArgument()),
			NewSpec("T2").RouteTo("ETL_SERVICE"),
		).MustBuild()
	t1 := root.FindByID("T1")
	t2 := root.FindByID("T2")

	t0Inst := NewInstance(root, "t0-inst", map[string]string{"cobDate": "20160101"}, nil)

	withT2 := t0Inst.Add(nil, []*Spec{root, t2}, nil)
	require.Len(t, withT2.SubTasks, 1)

	both := withT2.Add(map[string]string{"region": "uk"}, []*Spec{root, t1}, nil)
	require.Len(t, both.SubTasks, 2)
	assert.Equal(t, "T1", both.SubTasks[0].Spec.ID)
	assert.Equal(t, "T2", both.SubTasks[1].Spec.ID)
}

func TestAddCreatesIntermediateNodes(t *testing.T) {
	root := NewSpec("T0").
		Attribute("cobDate", AsArgument()).
		Sub(NewSpec("T1").RouteTo("ETL_SERVICE").Attribute("region", AsArgument()).Sub(NewSpec("T11"))).
		MustBuild()
	t1 := root.FindByID("T1")
	t11 := root.FindByID("T11")

	t0Inst := NewInstance(root, "t0-inst", map[string]string{"cobDate": "20160101"}, nil)
	updated := t0Inst.Add(map[string]string{"region": "uk"}, []*Spec{root, t1, t11}, nil)

	require.Len(t, updated.SubTasks, 1)
	t1Inst := updated.SubTasks[0]
	assert.True(t, t1.Equal(t1Inst.Spec))
	require.Len(t, t1Inst.SubTasks, 1)
	assert.True(t, t11.Equal(t1Inst.SubTasks[0].Spec))
	assert.Empty(t, t1Inst.SubTasks[0].SubTasks)
}

func TestAddBranchNextToPartialHierarchy(t *testing.T) {
	root := NewSpec("T0").
		Attribute("cobDate", AsArgument()).
		Sub(
			NewSpec("T1").RouteTo("ETL_SERVICE").Sub(
				NewSpec("T11").Attribute("region").Attribute("cobDate", AsArgument()),
			),
			NewSpec("T2").RouteTo("ETL_SERVICE").Sub(
				NewSpec("T21").Attribute("cobDate", AsArgument()),
			),
		).MustBuild()
	t1, t11 := root.FindByID("T1"), root.FindByID("T11")
	t2, t21 := root.FindByID("T2"), root.FindByID("T21")

	t0Inst := NewInstance(root, "T0-inst", map[string]string{"cobDate": "20160101"}, nil)
	step1 := t0Inst.Add(map[string]string{"cobDate": "20160101", "region": "uk"}, []*Spec{root, t1, t11}, nil)
	step2 := step1.Add(map[string]string{"cobDate": "20160101"}, []*Spec{root, t2, t21}, nil)

	require.Len(t, step2.SubTasks, 2)
	t1Inst, t2Inst := step2.SubTasks[0], step2.SubTasks[1]
	assert.True(t, t1.Equal(t1Inst.Spec))
	assert.True(t, t2.Equal(t2Inst.Spec))
	assert.Equal(t, StatusPending, step2.Status)

	require.Len(t, t1Inst.SubTasks, 1)
	t11Inst := t1Inst.SubTasks[0]
	want := []Attribute{
		{Definition: AttributeDefinition{Name: "region"}, Value: "uk"},
		{Definition: AttributeDefinition{Name: "cobDate", TaskArgument: true}, Value: "20160101"},
	}
	if diff := cmp.Diff(want, t11Inst.Attributes); diff != "" {
		t.Errorf("T11 attributes mismatch (-want +got):\n%s", diff)
	}

	require.Len(t, t2Inst.SubTasks, 1)
	assert.True(t, t21.Equal(t2Inst.SubTasks[0].Spec))
	assert.True(t, step2.IsHierarchyComplete())
}

func TestAddIsIdempotent(t *testing.T) {
	root := NewSpec("T00").Attribute("cobDate").Sub(NewSpec("T01").Attribute("cobDate")).MustBuild()
	t01 := root.FindByID("T01")
	values := map[string]string{"cobDate": "20160101"}

	first := SpecMatch{Root: root, Matched: []*Spec{t01}}.NewHierarchy(values, nil)
	require.Len(t, first.SubTasks, 0, "T01 has no dependency on the satisfied names")

	added := first.Add(values, []*Spec{root, t01}, nil)
	completed := added.UpdateAt([]*Spec{root, t01}, func(i Instance) Instance { return i.WithStatus(StatusCompleted) })
	again := completed.Add(values, []*Spec{root, t01}, nil)

	require.Len(t, again.SubTasks, 1)
	assert.Equal(t, StatusCompleted, again.SubTasks[0].Status)
}

func TestAddIgnoresForeignPath(t *testing.T) {
	root := NewSpec("T0").Sub(NewSpec("T1")).MustBuild()
	other := NewSpec("X").Sub(NewSpec("T1")).MustBuild()

	inst := NewInstance(root, "", nil, nil)
	out := inst.Add(nil, []*Spec{other, other.SubTasks[0]}, nil)
	assert.Empty(t, out.SubTasks)
}

func TestFillMarksDependencies(t *testing.T) {
	root := NewSpec("T0").
		Attribute("cobDate", AsArgument()).
		Sub(
			NewSpec("T1").Requires("E1", "E2").Attribute("cobDate", AsArgument()),
			NewSpec("T2").Requires("E2").Attribute("cobDate", AsArgument()),
		).MustBuild()
	values := map[string]string{"cobDate": "20160101"}

	first := HierarchyMatch{
		SpecMatch: SpecMatch{Root: root, Matched: root.CollectDependent(Names("E1"))},
	}.Fill(values, Names("E1"))
	require.NotNil(t, first.HierarchyRoot)
	require.Len(t, first.HierarchyRoot.SubTasks, 1)
	assert.False(t, first.HierarchyRoot.SubTasks[0].AllDependenciesMeet())

	second := HierarchyMatch{
		SpecMatch:     SpecMatch{Root: root, Matched: root.CollectDependent(Names("E2"))},
		HierarchyRoot: first.HierarchyRoot,
	}.Fill(values, Names("E2"))

	tree := second.HierarchyRoot
	require.Len(t, tree.SubTasks, 2)
	assert.Equal(t, "T1-20160101", tree.SubTasks[0].ID)
	assert.True(t, tree.SubTasks[0].AllDependenciesMeet())
	assert.Equal(t, "T2-20160101", tree.SubTasks[1].ID)
	assert.True(t, tree.SubTasks[1].AllDependenciesMeet())

	assert.False(t, first.HierarchyRoot.SubTasks[0].AllDependenciesMeet(), "original tree untouched")
}

var treeDiffOpts = []cmp.Option{
	cmp.Comparer(func(a, b *Spec) bool { return a.Equal(b) }),
	cmpopts.EquateEmpty(),
}

func nestedEODSpec() *Spec {
	return NewSpec("T0").
		Attribute("cobDate", AsArgument()).
		Requires("E0").
		Sub(
			NewSpec("T1").Attribute("cobDate", AsArgument()).Sub(
				NewSpec("T11").Requires("E1").Attribute("cobDate", AsArgument()),
				NewSpec("T12").Requires("E2").Attribute("region"),
			),
			NewSpec("T2").Requires("E1", "E2").Attribute("cobDate", AsArgument()),
			NewSpec("T3").Sub(NewSpec("T31").Requires("E3")),
		).MustBuild()
}

func TestAddMatchedPathKeepsWholeTree(t *testing.T) {
	root := nestedEODSpec()
	values := map[string]string{"cobDate": "20160101", "region": "uk"}

	for _, satisfied := range []NameSet{Names("E1"), Names("E2"), Names("E1", "E2"), Names("E3")} {
		matched := root.CollectDependent(satisfied)
		require.NotEmpty(t, matched)
		hierarchy := SpecMatch{Root: root, Matched: matched}.NewHierarchy(values, satisfied)

		for _, m := range matched {
			added := hierarchy.Add(values, root.Path(m), satisfied)
			if diff := cmp.Diff(hierarchy, added, treeDiffOpts...); diff != "" {
				t.Errorf("adding %s to its own hierarchy changed the tree (-want +got):\n%s", m.ID, diff)
			}
		}
	}
}

func TestStructuralCompletenessIsMonotonic(t *testing.T) {
	root := nestedEODSpec()
	values := map[string]string{"cobDate": "20160101", "region": "uk"}

	var leaves [][]*Spec
	root.Walk(func(s *Spec) {
		if len(s.SubTasks) == 0 {
			leaves = append(leaves, root.Path(s))
		}
	})
	require.Len(t, leaves, 4)

	tree := NewInstance(root, "", values, nil)
	for i, path := range leaves {
		assert.False(t, tree.IsHierarchyComplete(), "complete before leaf %d was added", i)
		tree = tree.Add(values, path, nil)
	}
	require.True(t, tree.IsHierarchyComplete())

	root.Walk(func(s *Spec) {
		again := tree.Add(values, root.Path(s), Names("E1"))
		assert.True(t, again.IsHierarchyComplete(), "re-adding %s", s.ID)
		if diff := cmp.Diff(tree, again, treeDiffOpts...); diff != "" {
			t.Errorf("re-adding %s changed a complete tree (-want +got):\n%s", s.ID, diff)
		}
	})
}
