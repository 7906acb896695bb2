package gateway

import "encoding/json"

// Inbound frame kinds. Outbound kinds are the domain.Frame* constants.
const (
	FrameTypeMessage = "message"
	FrameTypeAction  = "action"
)

// Frame is the envelope exchanged between client and server over WebSocket.
type Frame struct {
	Type           string          `json:"type"`
	ID             uint64          `json:"id,omitempty"`     // action/response correlation ID
	Method         string          `json:"method,omitempty"` // action name when the payload omits it
	ConversationID string          `json:"conversation_id,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	Error          string          `json:"error,omitempty"`
}

type streamStart struct {
	MessageID string `json:"message_id"`
}

type streamChunk struct {
	Chunk string `json:"chunk"`
}
