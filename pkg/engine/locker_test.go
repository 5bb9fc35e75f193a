package engine

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootLockerSerializesSameKey(t *testing.T) {
	l := newRootLocker()
	unlock := l.Lock("EOD-20160101")

	acquired := make(chan struct{})
	go func() {
		release := l.Lock("EOD-20160101")
		close(acquired)
		release()
	}()

	select {
	case <-acquired:
		t.Fatal("second lock acquired while first held")
	case <-time.After(50 * time.Millisecond):
	}

	unlock()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second lock not acquired after release")
	}
}

func TestRootLockerIndependentKeys(t *testing.T) {
	l := newRootLocker()
	unlock := l.Lock("A")
	defer unlock()

	done := make(chan struct{})
	go func() {
		release := l.Lock("B")
		release()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on B blocked by A")
	}
}

func TestRootLockerDuplicateKeysAndCleanup(t *testing.T) {
	l := newRootLocker()

	unlock := l.Lock("B", "A", "B")
	assert.Equal(t, 2, l.size())
	unlock()
	assert.Equal(t, 0, l.size())
}

func TestRootLockerOverlappingSets(t *testing.T) {
	l := newRootLocker()
	counters := map[string]int{}
	var wg sync.WaitGroup

	sets := [][]string{{"A", "B"}, {"B", "A"}, {"B", "C"}, {"C", "A"}}
	for i := 0; i < 50; i++ {
		for _, keys := range sets {
			wg.Add(1)
			go func(keys []string) {
				defer wg.Done()
				unlock := l.Lock(keys...)
				defer unlock()
				for _, k := range keys {
					counters[k]++
				}
			}(keys)
		}
	}
	wg.Wait()

	require.Equal(t, 0, l.size())
	assert.Equal(t, 150, counters["A"])
	assert.Equal(t, 150, counters["B"])
	assert.Equal(t, 100, counters["C"])
}
