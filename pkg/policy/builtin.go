package policy

// BuiltinPolicies returns the policies every engine starts with unless
// created WithoutBuiltins.
func BuiltinPolicies() []Policy {
	return []Policy{
		eventIdentityPolicy(),
		cobDatePolicy(),
		eventTypeNamingPolicy(),
	}
}

// eventIdentityPolicy rejects events that cannot be traced.
func eventIdentityPolicy() Policy {
	return Policy{
		Name:        "event-identity",
		Description: "Events must carry an id",
		Severity:    SeverityError,
		Enabled:     true,
		Rego: `package taskorch.admission.identity

import rego.v1

deny contains violation if {
	object.get(input.event, "eventId", "") == ""
	violation := {
		"message": sprintf("event %s has no id", [input.event.eventType]),
		"severity": "error",
	}
}
`,
	}
}

// cobDatePolicy checks the business date attribute most specs key on.
func cobDatePolicy() Policy {
	return Policy{
		Name:        "cob-date",
		Description: "A cobDate payload value must be a yyyymmdd date",
		Severity:    SeverityError,
		Enabled:     true,
		Rego: `package taskorch.admission.cobdate

import rego.v1

deny contains violation if {
	cob := input.event.payload.cobDate
	not regex.match("^[0-9]{8}$", sprintf("%v", [cob]))
	violation := {
		"message": sprintf("cobDate %v is not a yyyymmdd date", [cob]),
		"severity": "error",
	}
}
`,
	}
}

// eventTypeNamingPolicy warns about event types outside the usual naming.
func eventTypeNamingPolicy() Policy {
	return Policy{
		Name:        "event-type-naming",
		Description: "Event types are upper case identifiers",
		Severity:    SeverityWarning,
		Enabled:     true,
		Rego: `package taskorch.admission.naming

import rego.v1

deny contains violation if {
	not regex.match("^[A-Z][A-Z0-9_.-]*$", input.event.eventType)
	violation := {
		"message": sprintf("event type %s should be upper case", [input.event.eventType]),
		"severity": "warning",
	}
}
`,
	}
}
