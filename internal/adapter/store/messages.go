package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"switchboard/internal/domain"
)

// MessageStore implements domain.MessageRepository.
type MessageStore struct {
	db *sql.DB
}

var _ domain.MessageRepository = (*MessageStore)(nil)

func (s *MessageStore) Create(ctx context.Context, msg domain.Message) error {
	convID := msg.ConversationID()
	if convID == "" {
		return domain.NewSubSystemError("message", "MessageStore.Create", domain.ErrInvalidInput, "conversation id required")
	}
	attachments, err := json.Marshal(msg.Attachments)
	if err != nil {
		return fmt.Errorf("marshal attachments: %w", err)
	}
	metadata, err := json.Marshal(msg.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO messages (id, conversation_id, role, content, attachments, metadata, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, convID, msg.Role, msg.Content, string(attachments), string(metadata), formatTime(msg.CreatedAt),
	)
	if isUniqueViolation(err) {
		return domain.NewSubSystemError("message", "MessageStore.Create", domain.ErrDuplicate, msg.ID)
	}
	return err
}

func (s *MessageStore) FindByID(ctx context.Context, id string) (*domain.Message, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT id, role, content, attachments, metadata, created_at FROM messages WHERE id = ?", id,
	)
	msg, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NewSubSystemError("message", "MessageStore.FindByID", domain.ErrNotFound, id)
	}
	return msg, err
}

// FindByConversationID returns messages oldest first. Messages written in
// the same instant keep insertion order.
func (s *MessageStore) FindByConversationID(ctx context.Context, conversationID string) ([]domain.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, role, content, attachments, metadata, created_at FROM messages
		 WHERE conversation_id = ? ORDER BY created_at, seq`,
		conversationID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *msg)
	}
	return out, rows.Err()
}

func scanMessage(row scanner) (*domain.Message, error) {
	var msg domain.Message
	var attachments, metadata, created string
	if err := row.Scan(&msg.ID, &msg.Role, &msg.Content, &attachments, &metadata, &created); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(attachments), &msg.Attachments); err != nil {
		return nil, fmt.Errorf("unmarshal attachments: %w", err)
	}
	if err := json.Unmarshal([]byte(metadata), &msg.Metadata); err != nil {
		return nil, fmt.Errorf("unmarshal metadata: %w", err)
	}
	msg.CreatedAt = parseTime(created)
	return &msg, nil
}
