package task

import (
	"fmt"
)

// Status represents the lifecycle state of a task instance.
type Status string

const (
	// StatusPending indicates the task is waiting for dependencies or children.
	StatusPending Status = "PENDING"

	// StatusScheduled indicates the task was routed to a worker.
	StatusScheduled Status = "SCHEDULED"

	// StatusStarted indicates a worker reported the task as running.
	StatusStarted Status = "STARTED"

	// StatusCompleted indicates the task finished successfully.
	StatusCompleted Status = "COMPLETED"

	// StatusFailed indicates the task finished with an error.
	StatusFailed Status = "FAILED"
)

// ActiveStatuses are the statuses an instance lookup matches by default.
var ActiveStatuses = []Status{StatusPending, StatusScheduled, StatusStarted}

// IsTerminal returns true if the status represents a final state.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// IsInFlight returns true if a worker currently owns the task.
func (s Status) IsInFlight() bool {
	return s == StatusScheduled || s == StatusStarted
}

// Validate checks if the status is valid.
func (s Status) Validate() error {
	switch s {
	case StatusPending, StatusScheduled, StatusStarted, StatusCompleted, StatusFailed:
		return nil
	default:
		return fmt.Errorf("invalid task status: %s", s)
	}
}

// ParseStatus converts a string into a Status, defaulting empty input to PENDING.
func ParseStatus(s string) (Status, error) {
	if s == "" {
		return StatusPending, nil
	}
	status := Status(s)
	if err := status.Validate(); err != nil {
		return "", err
	}
	return status, nil
}
