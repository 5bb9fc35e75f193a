package engine

import (
	"sort"
	"sync"
)

// rootLocker serializes work per hierarchy root id.
type rootLocker struct {
	mu    sync.Mutex
	locks map[string]*rootLock
}

type rootLock struct {
	mu   sync.Mutex
	refs int
}

func newRootLocker() *rootLocker {
	return &rootLocker{locks: make(map[string]*rootLock)}
}

// Lock acquires the locks of keys in sorted order and returns the function
// releasing them. Duplicate keys are locked once.
func (l *rootLocker) Lock(keys ...string) func() {
	sorted := append([]string(nil), keys...)
	sort.Strings(sorted)

	held := make([]*rootLock, 0, len(sorted))
	names := make([]string, 0, len(sorted))
	for i, key := range sorted {
		if i > 0 && sorted[i-1] == key {
			continue
		}
		lock := l.acquire(key)
		lock.mu.Lock()
		held = append(held, lock)
		names = append(names, key)
	}

	return func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i].mu.Unlock()
			l.release(names[i], held[i])
		}
	}
}

func (l *rootLocker) acquire(key string) *rootLock {
	l.mu.Lock()
	defer l.mu.Unlock()
	lock, ok := l.locks[key]
	if !ok {
		lock = &rootLock{}
		l.locks[key] = lock
	}
	lock.refs++
	return lock
}

func (l *rootLocker) release(key string, lock *rootLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	lock.refs--
	if lock.refs == 0 {
		delete(l.locks, key)
	}
}

func (l *rootLocker) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
