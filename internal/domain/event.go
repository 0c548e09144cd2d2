package domain

import "time"

// EventType is the kind of a live progress stream event.
type EventType string

const (
	EventProgress EventType = "progress"
	EventComplete EventType = "complete"
	EventError    EventType = "error"
	EventPing     EventType = "ping"
	EventTimeout  EventType = "timeout"
)

// StreamEvent is delivered to live progress subscribers.
type StreamEvent struct {
	Type EventType `json:"type"`
	Data any       `json:"data"`
}

type PingPayload struct {
	Timestamp time.Time `json:"timestamp"`
}

type MessagePayload struct {
	Message string `json:"message"`
}

func ProgressEvent(p *BatchProgress) StreamEvent {
	if p != nil && p.Status.IsTerminal() {
		return StreamEvent{Type: EventComplete, Data: p}
	}
	return StreamEvent{Type: EventProgress, Data: p}
}

func PingEvent(now time.Time) StreamEvent {
	return StreamEvent{Type: EventPing, Data: PingPayload{Timestamp: now}}
}

func ErrorEvent(message string) StreamEvent {
	return StreamEvent{Type: EventError, Data: MessagePayload{Message: message}}
}

func TimeoutEvent(message string) StreamEvent {
	return StreamEvent{Type: EventTimeout, Data: MessagePayload{Message: message}}
}
