package domain

import (
	"context"
	"encoding/json"
	"time"
)

// EventType identifies the kind of event being published.
type EventType string

const (
	EventMessageReceived EventType = "message.received"
	EventMessageSent     EventType = "message.sent"
	EventToolRequested   EventType = "tool.requested"
	EventToolProgress    EventType = "tool.progress"
	EventToolFinished    EventType = "tool.finished"
	EventLLMCallStarted  EventType = "llm.call.started"
	EventLLMCallDone     EventType = "llm.call.completed"
	EventAgentRegistered EventType = "agent.registered"
	EventAgentRemoved    EventType = "agent.unregistered"
	EventAgentDelegated  EventType = "agent.delegated"
	EventTaskRun         EventType = "task.run"
	EventAgentError      EventType = "agent.error"
)

// ToolEventType maps a tool lifecycle stage to its bus event type.
func (t ToolEventType) EventType() EventType {
	switch t {
	case ToolRequested:
		return EventToolRequested
	case ToolProgress:
		return EventToolProgress
	default:
		return EventToolFinished
	}
}

// Event is the envelope published on the event bus and broadcast to clients.
type Event struct {
	Type           EventType       `json:"type"`
	Timestamp      time.Time       `json:"timestamp"`
	ConversationID string          `json:"conversation_id,omitempty"`
	CallerID       string          `json:"caller_id,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
}

// EventHandler is a callback invoked when an event is received.
type EventHandler func(ctx context.Context, event Event)

// EventBus provides a publish/subscribe mechanism for domain events.
type EventBus interface {
	// Publish sends an event to all matching subscribers.
	Publish(ctx context.Context, event Event)
	// Subscribe registers a handler for a specific event type.
	// Returns an unsubscribe function.
	Subscribe(eventType EventType, handler EventHandler) func()
	// SubscribeAll registers a handler that receives every event.
	// Returns an unsubscribe function.
	SubscribeAll(handler EventHandler) func()
	// Close drains in-flight handlers and prevents new publishes.
	Close()
}

// DelegationPhase is the lifecycle stage of a delegation.
type DelegationPhase string

const (
	DelegationStarted   DelegationPhase = "started"
	DelegationCompleted DelegationPhase = "completed"
	DelegationFailed    DelegationPhase = "failed"
)

// DelegationEvent describes a specialist worker's progress on a delegated task.
type DelegationEvent struct {
	Phase      DelegationPhase `json:"phase"`
	Source     SpecialistType  `json:"source"`
	Target     SpecialistType  `json:"target"`
	Agent      AgentIdentity   `json:"agent"`
	Mission    string          `json:"mission"`
	Summary    string          `json:"summary,omitempty"`
	Error      string          `json:"error,omitempty"`
	DurationMs int64           `json:"duration_ms,omitempty"`
}

// TaskRunEvent records a scheduled task firing.
type TaskRunEvent struct {
	TaskName string    `json:"task_name"`
	Schedule string    `json:"schedule"`
	FiredAt  time.Time `json:"fired_at"`
}
