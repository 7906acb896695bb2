package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"switchboard/internal/domain"
	"switchboard/internal/infra/ids"
)

const (
	maxNoteLength      = 4000
	defaultSearchLimit = 5
)

// MemoryWriteTool stores a long-term note.
type MemoryWriteTool struct {
	repo   domain.MemoryRepository
	logger *slog.Logger
}

// NewMemoryWriteTool creates the memory_write tool.
func NewMemoryWriteTool(repo domain.MemoryRepository, logger *slog.Logger) *MemoryWriteTool {
	return &MemoryWriteTool{repo: repo, logger: logger}
}

func (t *MemoryWriteTool) Name() string        { return "memory_write" }
func (t *MemoryWriteTool) Description() string { return "Store a durable fact in long-term memory" }

func (t *MemoryWriteTool) Schema() domain.ToolSchema {
	return domain.ToolSchema{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"content": {"type": "string", "minLength": 1},
				"tags": {"type": "array", "items": {"type": "string"}}
			},
			"required": ["content"]
		}`),
	}
}

type memoryWriteParams struct {
	Content string   `json:"content"`
	Tags    []string `json:"tags,omitempty"`
}

func (t *MemoryWriteTool) Execute(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	return Execute(ctx, "tool.memory_write", t.logger, params,
		func(ctx context.Context, _ trace.Span, p memoryWriteParams) (any, error) {
			if err := RequireFields("content", p.Content); err != nil {
				return nil, err
			}
			if err := ValidateMaxLength("content", p.Content, maxNoteLength); err != nil {
				return nil, err
			}
			note := domain.MemoryNote{
				ID:        ids.New(),
				Content:   strings.TrimSpace(p.Content),
				Tags:      p.Tags,
				Author:    string(domain.SpecialistTypeFromContext(ctx)),
				CreatedAt: time.Now(),
			}
			if err := t.repo.Write(ctx, note); err != nil {
				return nil, err
			}
			return fmt.Sprintf("stored note %s", note.ID), nil
		},
	)
}

// MemorySearchTool finds long-term notes.
type MemorySearchTool struct {
	repo   domain.MemoryRepository
	logger *slog.Logger
}

// NewMemorySearchTool creates the memory_search tool.
func NewMemorySearchTool(repo domain.MemoryRepository, logger *slog.Logger) *MemorySearchTool {
	return &MemorySearchTool{repo: repo, logger: logger}
}

func (t *MemorySearchTool) Name() string        { return "memory_search" }
func (t *MemorySearchTool) Description() string { return "Search long-term memory" }

func (t *MemorySearchTool) Schema() domain.ToolSchema {
	return domain.ToolSchema{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"query": {"type": "string", "minLength": 1},
				"limit": {"type": "integer", "minimum": 1, "maximum": 50}
			},
			"required": ["query"]
		}`),
	}
}

type memorySearchParams struct {
	Query string `json:"query"`
	Limit int    `json:"limit,omitempty"`
}

func (t *MemorySearchTool) Execute(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	return Execute(ctx, "tool.memory_search", t.logger, params,
		func(ctx context.Context, _ trace.Span, p memorySearchParams) (any, error) {
			if err := RequireFields("query", p.Query); err != nil {
				return nil, err
			}
			if p.Limit <= 0 {
				p.Limit = defaultSearchLimit
			}
			notes, err := t.repo.Search(ctx, p.Query, p.Limit)
			if err != nil {
				return nil, err
			}
			if len(notes) == 0 {
				return fmt.Sprintf("No notes match %q.", p.Query), nil
			}
			return notes, nil
		},
	)
}
