// Package engine orchestrates hierarchies of task instances in response to
// events.
//
// # Overview
//
// Work moves through three stages:
//
//  1. Match - the Matcher finds every root spec depending on the event type,
//     creates or extends one instance tree per root and saves it
//  2. Evaluate - the RuleEngine walks a tree and decides, per PENDING node,
//     whether to route, complete or fail it
//  3. Dispatch - the Dispatcher persists the decided state and sends
//     RoutedTask messages to worker destinations, UnroutableEvent messages to
//     the unroutable sink and completion events back to its own event address
//
// The RuleEngine is pure: it never touches a repository or a transport, so
// its decisions can be tested against literal trees.
//
// # Closing Tasks
//
// Workers close a task with a CloseRequest sent to the close address. The
// dispatcher stores the new status, re-evaluates the PENDING hierarchy the
// task belongs to and, for a COMPLETED task, announces it as an event whose
// type is the spec id, so specs depending on it can progress.
//
// # Error Classification
//
// Errors are classified for retry logic:
//
//   - Transient: Temporary failures that may succeed on retry
//   - Throttled: Rate limiting that requires backoff
//   - Conflict: Concurrent writers touched the same hierarchy
//   - Permanent: Non-recoverable errors
//
// Persistence failures are transient and retried with backoff before the
// affected action is dropped:
//
//	if IsRetryable(err) {
//	    // Retry the operation
//	}
//
// # Concurrency
//
// Instance trees are values: every update returns a new tree. Two units of
// work touching the same root may still overwrite each other's save; set
// Config.SerializeRoots to process them one at a time per root.
package engine
