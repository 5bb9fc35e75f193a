package engine

import (
	"context"
	"time"

	"github.com/openfroyo/taskorch/pkg/task"
)

// ResultCode is the outcome code of a repository write.
type ResultCode string

const (
	// ResultOK means every element was stored.
	ResultOK ResultCode = "ok"

	// ResultError means the write was not applied.
	ResultError ResultCode = "error"
)

// Result is returned by repository writes.
type Result struct {
	Code    ResultCode `json:"code"`
	Message string     `json:"message,omitempty"`
}

// OK reports whether the write succeeded.
func (r Result) OK() bool {
	return r.Code == ResultOK
}

// OKResult returns a successful result.
func OKResult() Result {
	return Result{Code: ResultOK}
}

// SpecRepository stores root spec trees.
type SpecRepository interface {
	// FindSpecsMatchingDependency returns, for every root spec with at least
	// one subspec depending on name, the root and those subspecs.
	FindSpecsMatchingDependency(ctx context.Context, name string) ([]task.SpecMatch, error)

	// SaveSpecs stores root specs, replacing any root with the same id.
	SaveSpecs(ctx context.Context, specs []*task.Spec) (Result, error)

	// ListAllSpecs returns every stored root spec.
	ListAllSpecs(ctx context.Context) ([]*task.Spec, error)
}

// InstanceRepository stores instance trees.
//
// SaveInstances applies, per instance: replace the stored root with the same
// id; otherwise merge it with UpdateSub into every stored tree containing its
// id; otherwise insert it as a new root.
type InstanceRepository interface {
	// FindInstances returns the nodes of stored trees realizing one of specs
	// whose status is in statuses. An empty statuses matches any status.
	FindInstances(ctx context.Context, specs []*task.Spec, statuses []task.Status) ([]task.Instance, error)

	// FindInstanceByID returns the node with the given id from any stored tree.
	FindInstanceByID(ctx context.Context, id string) (task.Instance, bool, error)

	// FindPendingHierarchyContaining returns a PENDING root containing id.
	FindPendingHierarchyContaining(ctx context.Context, id string) (task.Instance, bool, error)

	// FindHierarchyContaining returns the root of the tree containing id,
	// preferring a PENDING one, whatever its status.
	FindHierarchyContaining(ctx context.Context, id string) (task.Instance, bool, error)

	// SaveInstances stores the instances.
	SaveInstances(ctx context.Context, instances []task.Instance) (Result, error)
}

// Transport moves messages between the dispatcher, workers and sinks.
type Transport interface {
	// Send delivers body to address without waiting for it to be handled.
	Send(ctx context.Context, address string, body interface{}) error

	// Request delivers body to address and returns the consumer's reply.
	Request(ctx context.Context, address string, body interface{}) (interface{}, error)
}

// Admission decides whether an incoming event may enter the engine.
type Admission interface {
	Admit(ctx context.Context, event task.Event) (allowed bool, reason string, err error)
}

// CloseRequest asks the dispatcher to close a task. An empty Status means
// COMPLETED.
type CloseRequest struct {
	TaskID string      `json:"taskId"`
	Status task.Status `json:"status,omitempty"`
}

// CloseReply answers a CloseRequest.
type CloseReply struct {
	TaskID  string      `json:"taskId"`
	Status  task.Status `json:"status,omitempty"`
	Success bool        `json:"success"`
	Message string      `json:"message"`
}

// UnroutableEvent is what the dispatcher sends to the unroutable sink.
type UnroutableEvent struct {
	Event      task.Event `json:"event"`
	Reason     string     `json:"reason"`
	ReceivedAt time.Time  `json:"receivedAt"`
}

// RoutedTask is what the dispatcher sends to a worker destination.
type RoutedTask struct {
	Route string        `json:"route"`
	Task  task.Instance `json:"task"`
}
