package stores

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/taskorch/pkg/task"
)

func TestMemoryRepositoryContract(t *testing.T) {
	runRepositoryContract(t, func(*testing.T) Store { return NewMemoryStore() })
}

func TestMemoryConcurrentSaves(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	spec := task.NewSpec("EOD").Attribute("cobDate", task.AsArgument()).MustBuild()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			inst := task.NewInstance(spec, "", map[string]string{"cobDate": fmt.Sprintf("201601%02d", i)}, nil)
			_, err := store.SaveInstances(ctx, []task.Instance{inst})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	roots, err := store.ListRoots(ctx, nil, 0, 0)
	require.NoError(t, err)
	assert.Len(t, roots, 20)
}

func TestMergeBranchWithoutMatchingSpec(t *testing.T) {
	spec := task.NewSpec("EOD").Sub(task.NewSpec("T1")).MustBuild()
	root := task.NewInstance(spec, "", nil, nil)
	foreign := task.NewInstance(task.NewSpec("OTHER").MustBuild(), "T1", nil, nil)

	merged, ok := mergeBranch(root, foreign)
	assert.False(t, ok)
	assert.Equal(t, root, merged)
}

func TestPage(t *testing.T) {
	items := []int{1, 2, 3, 4}
	assert.Equal(t, []int{1, 2, 3, 4}, page(items, 0, 0))
	assert.Equal(t, []int{2, 3}, page(items, 2, 1))
	assert.Equal(t, []int{4}, page(items, 10, 3))
	assert.Nil(t, page(items, 1, 4))
}
