package task

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSpecEqual(t *testing.T) {
	a := NewSpec("T0").Sub(NewSpec("T1"), NewSpec("T2")).MustBuild()
	b := NewSpec("T0").Sub(NewSpec("T2"), NewSpec("T1")).MustBuild()
	c := NewSpec("T0").Sub(NewSpec("T1"), NewSpec("T3")).MustBuild()

	assert.True(t, a.Equal(b), "children are compared as a set")
	assert.False(t, a.Equal(c))
	assert.False(t, a.Equal(nil))
	assert.True(t, a.Equal(a))
}

func TestSpecPath(t *testing.T) {
	t11 := NewSpec("T11")
	t1 := NewSpec("T1").Sub(t11)
	t2 := NewSpec("T2")
	root := NewSpec("T0").Sub(t1, t2).MustBuild()

	target := root.FindByID("T11")
	require.NotNil(t, target)

	path := root.Path(target)
	require.Len(t, path, 3)
	assert.Equal(t, "T0", path[0].ID)
	assert.Equal(t, "T1", path[1].ID)
	assert.Equal(t, "T11", path[2].ID)

	assert.Len(t, root.Path(root), 1)
	assert.Empty(t, root.Path(NewSpec("missing").MustBuild()))
}

func TestSpecDependencies(t *testing.T) {
	root := NewSpec("T0").
		Requires("E0").
		Sub(
			NewSpec("T1").Requires("E1"),
			NewSpec("T2").Sub(NewSpec("T21").Requires("E1", "E2")),
		).MustBuild()

	assert.True(t, root.HasDependency(Names("E0")))
	assert.False(t, root.HasDependency(Names("E1")))
	assert.True(t, root.DependsOn(Names("E1")))
	assert.True(t, root.DependsOn(Names("E2")))
	assert.False(t, root.DependsOn(Names("E9")))

	dependent := root.CollectDependent(Names("E1"))
	require.Len(t, dependent, 2)
	assert.Equal(t, "T1", dependent[0].ID)
	assert.Equal(t, "T21", dependent[1].ID)

	assert.Empty(t, root.CollectDependent(Names("E9")))
}

func TestSpecTaskArguments(t *testing.T) {
	spec := NewSpec("T0").
		Attribute("region").
		Attribute("cobDate", AsArgument()).
		Attribute("book", AsArgument(), AsMandatory()).
		MustBuild()

	args := spec.SelectTaskArguments(map[string]string{"cobDate": "20160101", "region": "uk"})
	require.Len(t, args, 2)
	assert.Equal(t, "cobDate", args[0].Definition.Name)
	assert.Equal(t, "20160101", args[0].Value)
	assert.Equal(t, "book", args[1].Definition.Name)
	assert.Equal(t, "", args[1].Value)

	assert.Equal(t, "T0-20160101-B1", spec.GenerateID(map[string]string{"cobDate": "20160101", "book": "B1"}))
	assert.Equal(t, "T0--", spec.GenerateID(nil))
	assert.Equal(t, []string{"book"}, spec.MissingMandatory(map[string]string{"cobDate": "x"}))
}

func TestSpecValidate(t *testing.T) {
	_, err := NewSpec("T0").Sub(NewSpec("T1"), NewSpec("T1")).Build()
	assert.Error(t, err, "repeated subtree must be rejected")

	_, err = NewSpec("T0").Attribute("a").Attribute("a").Build()
	assert.Error(t, err)

	_, err = NewSpec("").Build()
	assert.Error(t, err)

	spec := NewSpec("T0").MustBuild()
	spec.Action = Persist("nope")
	assert.Error(t, spec.Validate())

	_, err = NewSpec("T0").RouteTo("ETL").Sub(NewSpec("T1").Requires("E1")).Build()
	assert.NoError(t, err)
}

func TestSpecFingerprint(t *testing.T) {
	a := NewSpec("T0").Sub(NewSpec("T1"), NewSpec("T2")).MustBuild()
	b := NewSpec("T0").Sub(NewSpec("T2"), NewSpec("T1")).MustBuild()
	c := NewSpec("T0").Sub(NewSpec("T1")).MustBuild()

	fa, err := a.Fingerprint()
	require.NoError(t, err)
	fb, err := b.Fingerprint()
	require.NoError(t, err)
	fc, err := c.Fingerprint()
	require.NoError(t, err)

	assert.Equal(t, fa, fb)
	assert.NotEqual(t, fa, fc)
}
