package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"switchboard/internal/domain"
)

// ConversationStore implements domain.ConversationRepository.
type ConversationStore struct {
	db *sql.DB
}

var _ domain.ConversationRepository = (*ConversationStore)(nil)

func (s *ConversationStore) Create(ctx context.Context, conv domain.Conversation) error {
	if conv.UpdatedAt.IsZero() {
		conv.UpdatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO conversations (id, title, well_known, updated_at) VALUES (?, ?, ?, ?)",
		conv.ID, conv.Title, boolInt(conv.IsWellKnown), formatTime(conv.UpdatedAt),
	)
	if isUniqueViolation(err) {
		return domain.NewSubSystemError("conversation", "ConversationStore.Create", domain.ErrDuplicate, conv.ID)
	}
	return err
}

// Update writes the title and updatedAt. The well-known flag is fixed at creation.
func (s *ConversationStore) Update(ctx context.Context, conv domain.Conversation) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE conversations SET title = ?, updated_at = ? WHERE id = ?",
		conv.Title, formatTime(conv.UpdatedAt), conv.ID,
	)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return domain.NewSubSystemError("conversation", "ConversationStore.Update", domain.ErrNotFound, conv.ID)
	}
	return nil
}

func (s *ConversationStore) FindByID(ctx context.Context, id string) (*domain.Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT id, title, well_known, updated_at FROM conversations WHERE id = ?", id,
	)
	conv, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NewSubSystemError("conversation", "ConversationStore.FindByID", domain.ErrNotFound, id)
	}
	return conv, err
}

// FindRecent returns the most recently updated ordinary conversation
// updated at or after since.
func (s *ConversationStore) FindRecent(ctx context.Context, since time.Time) (*domain.Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, title, well_known, updated_at FROM conversations
		 WHERE well_known = 0 AND updated_at >= ?
		 ORDER BY updated_at DESC LIMIT 1`,
		formatTime(since),
	)
	conv, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NewSubSystemError("conversation", "ConversationStore.FindRecent", domain.ErrNotFound, "")
	}
	return conv, err
}

// List returns conversations, most recently updated first.
func (s *ConversationStore) List(ctx context.Context, limit int) ([]domain.Conversation, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, title, well_known, updated_at FROM conversations ORDER BY updated_at DESC LIMIT ?", limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *conv)
	}
	return out, rows.Err()
}

func scanConversation(row scanner) (*domain.Conversation, error) {
	var conv domain.Conversation
	var wellKnown int
	var updated string
	if err := row.Scan(&conv.ID, &conv.Title, &wellKnown, &updated); err != nil {
		return nil, err
	}
	conv.IsWellKnown = wellKnown != 0
	conv.UpdatedAt = parseTime(updated)
	return &conv, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
