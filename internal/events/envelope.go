package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Wire event types.
const (
	TypeTaskStatus       = "task_status_update"
	TypeTaskLog          = "task_log"
	TypeThreadMessage    = "thread_message"
	TypeTaskProgress     = "task_progress"
	TypeConnectionStatus = "connection_status"

	TypePing = "ping"
	TypePong = "pong"
)

// Envelope is the wire wrapper around every event. Event holds the decoded
// variant for known types and is nil for types this package does not model.
type Envelope struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Event     Event           `json:"-"`
}

// Event is implemented by every typed payload variant.
type Event interface {
	EventType() string
}

// TaskStatusUpdate reports a task status transition.
type TaskStatusUpdate struct {
	TaskID    string    `json:"taskId"`
	Status    string    `json:"status"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// TaskLog carries one log line emitted by a task.
type TaskLog struct {
	TaskID    string    `json:"taskId"`
	LogLine   string    `json:"logLine"`
	Timestamp time.Time `json:"timestamp,omitempty"`
	Level     string    `json:"level,omitempty"`
}

// ThreadMessage is a conversation message attached to a task.
type ThreadMessage struct {
	TaskID    string    `json:"taskId"`
	MessageID string    `json:"messageId"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp,omitempty"`
}

// TaskProgress reports task progress. EstimatedTimeRemaining is in seconds.
type TaskProgress struct {
	TaskID                 string   `json:"taskId"`
	Progress               float64  `json:"progress"`
	Stage                  string   `json:"stage"`
	EstimatedTimeRemaining *float64 `json:"estimatedTimeRemaining,omitempty"`
}

// ConnectionStatus is a server-side notice about the stream itself.
type ConnectionStatus struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

func (TaskStatusUpdate) EventType() string { return TypeTaskStatus }
func (TaskLog) EventType() string          { return TypeTaskLog }
func (ThreadMessage) EventType() string    { return TypeThreadMessage }
func (TaskProgress) EventType() string     { return TypeTaskProgress }
func (ConnectionStatus) EventType() string { return TypeConnectionStatus }

// ParseError describes an inbound frame that could not be decoded.
type ParseError struct {
	Type    string
	Details []string
	Err     error
}

func (e *ParseError) Error() string {
	var b strings.Builder
	b.WriteString("parse event")
	if e.Type != "" {
		fmt.Fprintf(&b, " %q", e.Type)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	if len(e.Details) > 0 {
		b.WriteString(" (")
		b.WriteString(strings.Join(e.Details, "; "))
		b.WriteString(")")
	}
	return b.String()
}

func (e *ParseError) Unwrap() error { return e.Err }

var errMissingType = errors.New("missing type")

type wireEnvelope struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp string          `json:"timestamp"`
}

// Parse decodes a raw frame. Known types are validated against their payload
// schema and decoded into Envelope.Event; unknown types are returned with a nil
// Event so callers may still route them.
func Parse(frame []byte) (Envelope, error) {
	var wire wireEnvelope
	if err := json.Unmarshal(frame, &wire); err != nil {
		return Envelope{}, &ParseError{Err: err}
	}
	wire.Type = strings.TrimSpace(wire.Type)
	if wire.Type == "" {
		return Envelope{}, &ParseError{Err: errMissingType}
	}
	env := Envelope{Type: wire.Type, Payload: wire.Payload}
	if wire.Timestamp != "" {
		ts, err := time.Parse(time.RFC3339Nano, wire.Timestamp)
		if err != nil {
			return Envelope{}, &ParseError{Type: wire.Type, Err: fmt.Errorf("invalid timestamp: %w", err)}
		}
		env.Timestamp = ts
	}
	if !Known(env.Type) {
		return env, nil
	}
	evt, err := Decode(env.Type, env.Payload)
	if err != nil {
		return Envelope{}, err
	}
	env.Event = evt
	return env, nil
}

// Known reports whether t is one of the modelled event types.
func Known(t string) bool {
	_, ok := payloadSchemas[t]
	return ok
}

// Decode validates and decodes a payload for a known event type.
func Decode(eventType string, payload json.RawMessage) (Event, error) {
	if len(payload) == 0 || string(payload) == "null" {
		return nil, &ParseError{Type: eventType, Err: errors.New("missing payload")}
	}
	if details, err := validatePayload(eventType, payload); err != nil {
		return nil, &ParseError{Type: eventType, Err: err}
	} else if len(details) > 0 {
		return nil, &ParseError{Type: eventType, Err: errors.New("payload does not match schema"), Details: details}
	}

	var (
		evt Event
		err error
	)
	switch eventType {
	case TypeTaskStatus:
		var v TaskStatusUpdate
		err = json.Unmarshal(payload, &v)
		evt = v
	case TypeTaskLog:
		var v TaskLog
		err = json.Unmarshal(payload, &v)
		evt = v
	case TypeThreadMessage:
		var v ThreadMessage
		err = json.Unmarshal(payload, &v)
		evt = v
	case TypeTaskProgress:
		var v TaskProgress
		err = json.Unmarshal(payload, &v)
		evt = v
	case TypeConnectionStatus:
		var v ConnectionStatus
		err = json.Unmarshal(payload, &v)
		evt = v
	default:
		return nil, &ParseError{Type: eventType, Err: errors.New("unknown event type")}
	}
	if err != nil {
		return nil, &ParseError{Type: eventType, Err: err}
	}
	return evt, nil
}

// NewEnvelope builds an outbound envelope for v, stamped with now.
func NewEnvelope(eventType string, v interface{}) (Envelope, error) {
	env := Envelope{Type: eventType, Timestamp: time.Now().UTC()}
	if v != nil {
		raw, err := json.Marshal(v)
		if err != nil {
			return Envelope{}, fmt.Errorf("marshal %s payload: %w", eventType, err)
		}
		env.Payload = raw
	}
	if evt, ok := v.(Event); ok {
		env.Event = evt
	}
	return env, nil
}

// MarshalJSON writes the timestamp as RFC 3339 and omits it when zero.
func (e Envelope) MarshalJSON() ([]byte, error) {
	out := struct {
		Type      string          `json:"type"`
		Payload   json.RawMessage `json:"payload,omitempty"`
		Timestamp string          `json:"timestamp,omitempty"`
	}{Type: e.Type, Payload: e.Payload}
	if !e.Timestamp.IsZero() {
		out.Timestamp = e.Timestamp.UTC().Format(time.RFC3339Nano)
	}
	return json.Marshal(out)
}
