package domain

import (
	"context"
	"time"
)

// MessageRepository persists conversation messages.
type MessageRepository interface {
	Create(ctx context.Context, msg Message) error
	FindByID(ctx context.Context, id string) (*Message, error)
	// FindByConversationID returns messages oldest first.
	FindByConversationID(ctx context.Context, conversationID string) ([]Message, error)
}

// ConversationRepository persists conversation headers.
type ConversationRepository interface {
	Create(ctx context.Context, conv Conversation) error
	Update(ctx context.Context, conv Conversation) error
	FindByID(ctx context.Context, id string) (*Conversation, error)
	// FindRecent returns the most recently updated non-well-known conversation
	// updated at or after since, or ErrNotFound.
	FindRecent(ctx context.Context, since time.Time) (*Conversation, error)
}

// MemoryNote is a long-term note written by an agent.
type MemoryNote struct {
	ID        string    `json:"id"`
	Content   string    `json:"content"`
	Tags      []string  `json:"tags,omitempty"`
	Author    string    `json:"author,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// MemoryRepository persists long-term notes.
type MemoryRepository interface {
	Write(ctx context.Context, note MemoryNote) error
	Search(ctx context.Context, query string, limit int) ([]MemoryNote, error)
}
