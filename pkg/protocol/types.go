// Package protocol defines the newline delimited JSON messages exchanged
// between taskorch and the processes feeding it events or doing its work.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/openfroyo/taskorch/pkg/engine"
	"github.com/openfroyo/taskorch/pkg/task"
)

// MessageType represents the type of message in the protocol.
type MessageType string

const (
	// MessageTypeEvent carries an OrchestrationEvent into the engine
	MessageTypeEvent MessageType = "EVENT"
	// MessageTypeClose asks the engine to close a task
	MessageTypeClose MessageType = "CLOSE"
	// MessageTypeCloseReply answers a CLOSE message
	MessageTypeCloseReply MessageType = "CLOSE_REPLY"
	// MessageTypeTask hands a scheduled task to a worker
	MessageTypeTask MessageType = "TASK"
	// MessageTypeUnroutable reports an event the engine could not place
	MessageTypeUnroutable MessageType = "UNROUTABLE"
)

// Validate validates the message type.
func (t MessageType) Validate() error {
	switch t {
	case MessageTypeEvent, MessageTypeClose, MessageTypeCloseReply, MessageTypeTask, MessageTypeUnroutable:
		return nil
	default:
		return fmt.Errorf("unknown message type: %s", t)
	}
}

// Message is the envelope of every protocol line.
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Body decodes Data into the Go type matching the message type: task.Event,
// engine.CloseRequest, engine.CloseReply, engine.RoutedTask or
// engine.UnroutableEvent.
func (m *Message) Body() (interface{}, error) {
	switch m.Type {
	case MessageTypeEvent:
		var ev task.Event
		if err := m.decode(&ev); err != nil {
			return nil, err
		}
		if err := ev.Validate(); err != nil {
			return nil, fmt.Errorf("invalid event: %w", err)
		}
		return ev, nil
	case MessageTypeClose:
		var req engine.CloseRequest
		if err := m.decode(&req); err != nil {
			return nil, err
		}
		if req.TaskID == "" {
			return nil, fmt.Errorf("invalid close request: task id is required")
		}
		if req.Status != "" {
			if err := req.Status.Validate(); err != nil {
				return nil, fmt.Errorf("invalid close request: %w", err)
			}
		}
		return req, nil
	case MessageTypeCloseReply:
		var reply engine.CloseReply
		return reply, m.decode(&reply)
	case MessageTypeTask:
		var routed engine.RoutedTask
		return routed, m.decode(&routed)
	case MessageTypeUnroutable:
		var un engine.UnroutableEvent
		return un, m.decode(&un)
	default:
		return nil, m.Type.Validate()
	}
}

func (m *Message) decode(target interface{}) error {
	if len(m.Data) == 0 {
		return fmt.Errorf("%s message has no data", m.Type)
	}
	if err := json.Unmarshal(m.Data, target); err != nil {
		return fmt.Errorf("failed to unmarshal %s data: %w", m.Type, err)
	}
	return nil
}

// TypeOf returns the message type carrying body.
func TypeOf(body interface{}) (MessageType, error) {
	switch body.(type) {
	case task.Event, *task.Event:
		return MessageTypeEvent, nil
	case engine.CloseRequest, *engine.CloseRequest:
		return MessageTypeClose, nil
	case engine.CloseReply, *engine.CloseReply:
		return MessageTypeCloseReply, nil
	case engine.RoutedTask, *engine.RoutedTask:
		return MessageTypeTask, nil
	case engine.UnroutableEvent, *engine.UnroutableEvent:
		return MessageTypeUnroutable, nil
	default:
		return "", fmt.Errorf("no message type for %T", body)
	}
}
