package eventbus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of event
type EventType string

const (
	EventTypeWorkflowStarted          EventType = "workflow.started"
	EventTypeWorkflowStep             EventType = "workflow.step"
	EventTypeWorkflowAwaitingApproval EventType = "workflow.awaiting_approval"
	EventTypeWorkflowCompleted        EventType = "workflow.completed"
	EventTypeWorkflowFailed           EventType = "workflow.failed"

	EventTypeApprovalRequested EventType = "approval.requested"
	EventTypeApprovalResolved  EventType = "approval.resolved"
)

// SubjectPrefix namespaces every subject published by this service.
const SubjectPrefix = "contentflow.events."

// Event is the envelope of every message on the bus.
type Event struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	Source    string         `json:"source"`
	Subject   string         `json:"subject"`
	Data      map[string]any `json:"data"`
	TraceID   string         `json:"trace_id,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Version   string         `json:"version"`
}

// NewEvent creates a new event with generated ID and timestamp
func NewEvent(eventType EventType, source, subject string, data map[string]any) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Subject:   subject,
		Data:      data,
		Timestamp: time.Now().UTC(),
		Version:   "1.0",
	}
}

// WithTraceID adds a trace ID to the event
func (e *Event) WithTraceID(traceID string) *Event {
	e.TraceID = traceID
	return e
}

// EventHandler defines the interface for handling events
type EventHandler interface {
	Handle(ctx context.Context, event *Event) error
}

// EventHandlerFunc is a function adapter for EventHandler
type EventHandlerFunc func(ctx context.Context, event *Event) error

func (f EventHandlerFunc) Handle(ctx context.Context, event *Event) error {
	return f(ctx, event)
}

// Publisher is what the engine needs from a bus.
type Publisher interface {
	Publish(ctx context.Context, event *Event) error
	Close() error
}

// Subscriber consumes events by type or subject pattern.
type Subscriber interface {
	Subscribe(ctx context.Context, eventType EventType, handler EventHandler) error
	SubscribePattern(ctx context.Context, pattern string, handler EventHandler) error
	Unsubscribe(key string) error
	Close() error
}

// EventBus combines publishing and subscribing.
type EventBus interface {
	Publisher
	Subscriber
}
