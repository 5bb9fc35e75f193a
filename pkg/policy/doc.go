// Package policy admits or denies incoming events with OPA Rego policies.
//
// Every policy module exposes a deny set in its package. Entries are either
// strings or objects with a message and an optional severity:
//
//	package taskorch.admission.feeds
//
//	import rego.v1
//
//	deny contains msg if {
//		startswith(input.event.eventType, "FEED_")
//		not input.event.payload.region
//		msg := "feed events need a region"
//	}
//
// The input document is {"event": <event>, "context": {"timestamp", "operation"}}.
// Violations of severity error or critical deny the event; the dispatcher then
// forwards it to the unroutable sink. Lower severities are logged as warnings.
//
// Engine ships built-in policies for event ids, cobDate formatting and event
// type naming. Policies are loaded from .rego files or JSON definitions and
// can be watched for changes.
package policy
