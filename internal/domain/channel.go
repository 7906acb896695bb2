package domain

import (
	"context"
	"encoding/json"
)

// Outbound frame kinds sent by a realtime channel.
const (
	FrameMessage     = "message"
	FrameError       = "error"
	FrameStreamStart = "stream.start"
	FrameStreamChunk = "stream.chunk"
	FrameStreamEnd   = "stream.end"
	FrameEvent       = "event"
	FrameResponse    = "response"
)

// ErrorNotice is the body of an error frame.
type ErrorNotice struct {
	ConversationID string    `json:"conversation_id,omitempty"`
	Message        string    `json:"message"`
	Code           ErrorCode `json:"code,omitempty"`
	Details        string    `json:"details,omitempty"`
}

// ActiveStream is the in-progress assistant response for a conversation.
type ActiveStream struct {
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id"`
	Content        string `json:"content"`
}

// Action is a non-message request from a client.
type Action struct {
	Name           string          `json:"action"`
	ConversationID string          `json:"conversation_id,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
}

// InboundHandler receives user messages from the channel.
type InboundHandler func(ctx context.Context, msg Message)

// ActionHandler answers a client action. The returned value is sent back as a response frame.
type ActionHandler func(ctx context.Context, action Action) (any, error)

// RealtimeChannel is the bidirectional transport to connected clients.
type RealtimeChannel interface {
	Send(ctx context.Context, msg Message) error
	SendError(ctx context.Context, notice ErrorNotice) error
	StartStream(ctx context.Context, conversationID, messageID string) error
	SendStreamChunk(ctx context.Context, conversationID, chunk string) error
	// EndStream closes messageID's stream. A newer stream in the same
	// conversation stays open.
	EndStream(ctx context.Context, conversationID, messageID string) error
	Broadcast(ctx context.Context, event Event) error
	ActiveStream(conversationID string) (ActiveStream, bool)
	OnMessage(handler InboundHandler)
	OnAction(name string, handler ActionHandler)
}
