package stores

import (
	"context"
	"fmt"
	"sync"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/openfroyo/taskorch/pkg/engine"
	"github.com/openfroyo/taskorch/pkg/task"
)

// MemoryStore keeps specs, instance trees, unroutable events and the audit
// trail in process memory. It is safe for concurrent use.
type MemoryStore struct {
	mu sync.RWMutex

	specOrder []string
	specs     map[string]*task.Spec

	instances *forest

	unroutable []UnroutableRecord
	audit      []*AuditEntry
	nextID     int64

	clock clockwork.Clock
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithMemoryLogger sets the logger used for tree merge diagnostics.
func WithMemoryLogger(logger zerolog.Logger) MemoryOption {
	return func(s *MemoryStore) {
		s.instances.logger = logger.With().Str("component", "memory_store").Logger()
	}
}

// WithMemoryClock sets the clock used for audit timestamps.
func WithMemoryClock(clock clockwork.Clock) MemoryOption {
	return func(s *MemoryStore) { s.clock = clock }
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		specs:     make(map[string]*task.Spec),
		instances: newForest(zerolog.Nop()),
		clock:     clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Init is a no-op for the memory store.
func (s *MemoryStore) Init(context.Context) error { return nil }

// Migrate is a no-op for the memory store.
func (s *MemoryStore) Migrate(context.Context) error { return nil }

// Close is a no-op for the memory store.
func (s *MemoryStore) Close() error { return nil }

// HealthCheck always succeeds.
func (s *MemoryStore) HealthCheck(context.Context) error { return nil }

// FindSpecsMatchingDependency implements engine.SpecRepository.
func (s *MemoryStore) FindSpecsMatchingDependency(_ context.Context, name string) ([]task.SpecMatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matches []task.SpecMatch
	for _, id := range s.specOrder {
		root := s.specs[id]
		if matched := root.CollectDependent(task.Names(name)); len(matched) > 0 {
			matches = append(matches, task.SpecMatch{Root: root, Matched: matched})
		}
	}
	return matches, nil
}

// SaveSpecs implements engine.SpecRepository.
func (s *MemoryStore) SaveSpecs(_ context.Context, specs []*task.Spec) (engine.Result, error) {
	for _, spec := range specs {
		if err := spec.Validate(); err != nil {
			return engine.Result{Code: engine.ResultError, Message: err.Error()}, nil
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, spec := range specs {
		if _, ok := s.specs[spec.ID]; !ok {
			s.specOrder = append(s.specOrder, spec.ID)
		}
		s.specs[spec.ID] = spec
	}
	return engine.OKResult(), nil
}

// ListAllSpecs implements engine.SpecRepository.
func (s *MemoryStore) ListAllSpecs(context.Context) ([]*task.Spec, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*task.Spec, 0, len(s.specOrder))
	for _, id := range s.specOrder {
		out = append(out, s.specs[id])
	}
	return out, nil
}

// FindInstances implements engine.InstanceRepository.
func (s *MemoryStore) FindInstances(_ context.Context, specs []*task.Spec, statuses []task.Status) ([]task.Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.instances.findInstances(specs, statuses), nil
}

// FindInstanceByID implements engine.InstanceRepository.
func (s *MemoryStore) FindInstanceByID(_ context.Context, id string) (task.Instance, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inst, ok := s.instances.findByID(id)
	return inst, ok, nil
}

// FindPendingHierarchyContaining implements engine.InstanceRepository.
func (s *MemoryStore) FindPendingHierarchyContaining(_ context.Context, id string) (task.Instance, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inst, ok := s.instances.pendingContaining(id)
	return inst, ok, nil
}

// FindHierarchyContaining implements engine.InstanceRepository.
func (s *MemoryStore) FindHierarchyContaining(_ context.Context, id string) (task.Instance, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inst, ok := s.instances.rootContaining(id)
	return inst, ok, nil
}

// SaveInstances implements engine.InstanceRepository.
func (s *MemoryStore) SaveInstances(_ context.Context, instances []task.Instance) (engine.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	before := make(map[string]task.Instance, len(s.instances.roots))
	for id, root := range s.instances.roots {
		before[id] = root
	}

	now := s.clock.Now()
	for _, id := range s.instances.save(instances) {
		var prev *task.Instance
		if old, ok := before[id]; ok {
			prev = &old
		}
		for _, entry := range transitions(prev, s.instances.roots[id]) {
			s.nextID++
			entry.ID = s.nextID
			entry.Timestamp = now
			s.audit = append(s.audit, &entry)
		}
	}
	return engine.OKResult(), nil
}

// ListRoots returns stored roots with a status in statuses, in insertion order.
func (s *MemoryStore) ListRoots(_ context.Context, statuses []task.Status, limit, offset int) ([]task.Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []task.Instance
	for _, root := range s.instances.list() {
		if statusIn(root.Status, statuses) {
			out = append(out, root)
		}
	}
	return page(out, limit, offset), nil
}

// SaveUnroutable appends an unroutable event and returns its id.
func (s *MemoryStore) SaveUnroutable(_ context.Context, event engine.UnroutableEvent) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	s.unroutable = append(s.unroutable, UnroutableRecord{ID: s.nextID, UnroutableEvent: event})
	return s.nextID, nil
}

// ListUnroutable returns stored unroutable events, oldest first.
func (s *MemoryStore) ListUnroutable(_ context.Context, limit, offset int) ([]UnroutableRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return page(append([]UnroutableRecord(nil), s.unroutable...), limit, offset), nil
}

// DeleteUnroutable removes a stored unroutable event.
func (s *MemoryStore) DeleteUnroutable(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, rec := range s.unroutable {
		if rec.ID == id {
			s.unroutable = append(s.unroutable[:i], s.unroutable[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("unroutable event not found: %d", id)
}

// ListAuditEntries returns audit entries, oldest first, optionally for one task.
func (s *MemoryStore) ListAuditEntries(_ context.Context, taskID *string, limit, offset int) ([]*AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*AuditEntry
	for _, e := range s.audit {
		if taskID == nil || e.TaskID == *taskID {
			c := *e
			out = append(out, &c)
		}
	}
	return page(out, limit, offset), nil
}

// page applies limit and offset. A limit <= 0 means no limit.
func page[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return nil
	}
	if offset > 0 {
		items = items[offset:]
	}
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
