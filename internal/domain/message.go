package domain

import (
	"encoding/json"
	"time"
)

// Role constants for message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// FeedConversationID is the single well-known conversation that receives
// scheduled-task output.
const FeedConversationID = "feed"

// Message types carried in MessageMetadata.MessageType.
const (
	MessageTypeChat       = "chat"
	MessageTypeTaskRun    = "task_run"
	MessageTypeDelegation = "delegation"
	MessageTypeToolEvent  = "tool_event"
	MessageTypeError      = "error"
)

// IsEventMarker reports whether a message type records an event rather than
// a conversational turn.
func IsEventMarker(messageType string) bool {
	switch messageType {
	case MessageTypeDelegation, MessageTypeToolEvent, MessageTypeTaskRun, MessageTypeError:
		return true
	}
	return false
}

// AgentCommand is an explicit command trigger attached by the client.
type AgentCommand struct {
	Command string `json:"command"`
	Icon    string `json:"icon,omitempty"`
}

// Attachment is a file or link attached to a message.
type Attachment struct {
	Name     string `json:"name"`
	MimeType string `json:"mime_type,omitempty"`
	URL      string `json:"url,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

// Citation is a source a tool reported using.
type Citation struct {
	Title  string `json:"title,omitempty"`
	URL    string `json:"url"`
	Source string `json:"source,omitempty"`
}

// MessageMetadata carries routing and rendering hints for a message.
type MessageMetadata struct {
	ConversationID string          `json:"conversation_id,omitempty"`
	ReasoningMode  string          `json:"reasoning_mode,omitempty"`
	MessageType    string          `json:"message_type,omitempty"`
	AgentCommand   *AgentCommand   `json:"agent_command,omitempty"`
	WorkflowID     string          `json:"workflow_id,omitempty"`
	TurnID         string          `json:"turn_id,omitempty"`
	AgentID        string          `json:"agent_id,omitempty"`
	AgentName      string          `json:"agent_name,omitempty"`
	Collapsed      bool            `json:"collapsed,omitempty"`
	Citations      []Citation      `json:"citations,omitempty"`
	Event          json.RawMessage `json:"event,omitempty"`
}

// Message is a stored conversation entry.
type Message struct {
	ID          string          `json:"id"`
	Role        string          `json:"role"`
	Content     string          `json:"content"`
	Attachments []Attachment    `json:"attachments,omitempty"`
	Metadata    MessageMetadata `json:"metadata"`
	CreatedAt   time.Time       `json:"created_at"`
}

// ConversationID returns the conversation the message targets, if any.
func (m Message) ConversationID() string { return m.Metadata.ConversationID }

// IsTaskRun reports whether the message was produced by a scheduled task.
func (m Message) IsTaskRun() bool { return m.Metadata.MessageType == MessageTypeTaskRun }

// Conversation groups messages into a thread.
type Conversation struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	UpdatedAt   time.Time `json:"updated_at"`
	IsWellKnown bool      `json:"is_well_known"`
}

// ChatMessage is a single message in a model request.
type ChatMessage struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	Name       string     `json:"name,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// ChatRequest is sent to a model provider.
type ChatRequest struct {
	Model          string        `json:"model"`
	Messages       []ChatMessage `json:"messages"`
	Tools          []ToolSchema  `json:"tools,omitempty"`
	MaxTokens      int           `json:"max_tokens,omitempty"`
	Temperature    float64       `json:"temperature,omitempty"`
	ReasoningMode  string        `json:"reasoning_mode,omitempty"`
	ThinkingBudget int           `json:"thinking_budget,omitempty"`
}

// ChatResponse is returned from a model provider.
type ChatResponse struct {
	ID        string      `json:"id"`
	Model     string      `json:"model"`
	Message   ChatMessage `json:"message"`
	Usage     Usage       `json:"usage"`
	CreatedAt time.Time   `json:"created_at"`
}

// Usage tracks token consumption.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}
