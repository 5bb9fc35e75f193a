package task

import (
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/spf13/cast"
)

// Event is an external occurrence that can satisfy task dependencies.
type Event struct {
	ID      string                 `json:"eventId"`
	Type    string                 `json:"eventType"`
	Payload map[string]interface{} `json:"payload,omitempty"`
}

// NewEvent creates an event with a generated id.
func NewEvent(eventType string, payload map[string]interface{}) Event {
	return Event{
		ID:      uuid.New().String(),
		Type:    eventType,
		Payload: payload,
	}
}

// Validate checks the event can be matched.
func (e Event) Validate() error {
	if e.Type == "" {
		return fmt.Errorf("event type is required")
	}
	return nil
}

// FlattenPayload turns the payload into a flat map. Nested objects are
// joined with dots and leaf values are converted to strings.
func (e Event) FlattenPayload() map[string]string {
	out := make(map[string]string)
	flatten("", e.Payload, out)
	return out
}

func flatten(prefix string, in map[string]interface{}, out map[string]string) {
	for k, v := range in {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		switch val := v.(type) {
		case map[string]interface{}:
			flatten(key, val, out)
		case map[string]string:
			for nk, nv := range val {
				out[key+"."+nk] = nv
			}
		case nil:
			out[key] = ""
		default:
			s, err := cast.ToStringE(val)
			if err != nil {
				s = fmt.Sprintf("%v", val)
			}
			out[key] = s
		}
	}
}

// SortedKeys returns the keys of a flattened payload in lexical order.
func SortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
