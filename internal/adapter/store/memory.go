package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"switchboard/internal/domain"
)

// MemoryStore implements domain.MemoryRepository with substring search.
type MemoryStore struct {
	db *sql.DB
}

var _ domain.MemoryRepository = (*MemoryStore)(nil)

func (s *MemoryStore) Write(ctx context.Context, note domain.MemoryNote) error {
	tags, err := json.Marshal(note.Tags)
	if err != nil {
		return fmt.Errorf("marshal tags: %w", err)
	}
	if note.CreatedAt.IsZero() {
		note.CreatedAt = time.Now()
	}
	_, err = s.db.ExecContext(ctx,
		"INSERT INTO memory_notes (id, content, tags, author, created_at) VALUES (?, ?, ?, ?, ?)",
		note.ID, note.Content, string(tags), note.Author, formatTime(note.CreatedAt),
	)
	if isUniqueViolation(err) {
		return domain.NewDomainError("MemoryStore.Write", domain.ErrDuplicate, note.ID)
	}
	return err
}

// Search returns notes whose content or tags contain every query term,
// newest first.
func (s *MemoryStore) Search(ctx context.Context, query string, limit int) ([]domain.MemoryNote, error) {
	terms := strings.Fields(strings.ToLower(query))
	if len(terms) == 0 {
		return nil, domain.NewDomainError("MemoryStore.Search", domain.ErrInvalidInput, "empty query")
	}
	if limit <= 0 {
		limit = 5
	}

	var where []string
	var args []any
	for _, term := range terms {
		like := "%" + escapeLike(term) + "%"
		where = append(where, `(lower(content) LIKE ? ESCAPE '\' OR lower(tags) LIKE ? ESCAPE '\')`)
		args = append(args, like, like)
	}
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx,
		"SELECT id, content, tags, author, created_at FROM memory_notes WHERE "+
			strings.Join(where, " AND ")+
			" ORDER BY created_at DESC LIMIT ?",
		args...,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.MemoryNote
	for rows.Next() {
		var note domain.MemoryNote
		var tags, created string
		if err := rows.Scan(&note.ID, &note.Content, &tags, &note.Author, &created); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(tags), &note.Tags); err != nil {
			return nil, fmt.Errorf("unmarshal tags: %w", err)
		}
		note.CreatedAt = parseTime(created)
		out = append(out, note)
	}
	return out, rows.Err()
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
