package stores

import (
	"context"
	"time"

	"github.com/openfroyo/taskorch/pkg/engine"
	"github.com/openfroyo/taskorch/pkg/task"
)

// Kind selects a store implementation.
type Kind string

const (
	KindMemory Kind = "memory"
	KindSQLite Kind = "sqlite"
)

// UnroutableRecord is a stored unroutable event.
type UnroutableRecord struct {
	ID int64 `json:"id"`
	engine.UnroutableEvent
}

// AuditEntry records one status transition of a task instance.
type AuditEntry struct {
	ID         int64       `json:"id"`
	TaskID     string      `json:"task_id"`
	RootID     string      `json:"root_id"`
	SpecID     string      `json:"spec_id"`
	FromStatus task.Status `json:"from_status,omitempty"` // empty for new nodes
	ToStatus   task.Status `json:"to_status"`
	Timestamp  time.Time   `json:"timestamp"`
}

// Store defines the interface for the persistence layer
type Store interface {
	engine.SpecRepository
	engine.InstanceRepository

	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// Instance listing
	ListRoots(ctx context.Context, statuses []task.Status, limit, offset int) ([]task.Instance, error)

	// Unroutable event operations
	SaveUnroutable(ctx context.Context, event engine.UnroutableEvent) (int64, error)
	ListUnroutable(ctx context.Context, limit, offset int) ([]UnroutableRecord, error)
	DeleteUnroutable(ctx context.Context, id int64) error

	// Audit operations
	ListAuditEntries(ctx context.Context, taskID *string, limit, offset int) ([]*AuditEntry, error)

	// Utility
	HealthCheck(ctx context.Context) error
}
