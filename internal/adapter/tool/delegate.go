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
	"switchboard/internal/infra/tracer"
	"switchboard/internal/usecase/multiagent"
)

// Delegator runs a task on a specialist worker.
type Delegator interface {
	Delegate(ctx context.Context, req multiagent.DelegateRequest) (*domain.DelegationResult, error)
}

// DelegateTool hands a mission to a specialist. The delegating side is taken
// from the context: the supervisor outside workers, the worker's type inside.
type DelegateTool struct {
	delegator Delegator
	registry  *multiagent.Registry
	logger    *slog.Logger
}

// NewDelegateTool creates the delegate_task tool.
func NewDelegateTool(delegator Delegator, registry *multiagent.Registry, logger *slog.Logger) *DelegateTool {
	return &DelegateTool{delegator: delegator, registry: registry, logger: logger}
}

func (t *DelegateTool) Name() string        { return "delegate_task" }
func (t *DelegateTool) Description() string { return "Delegate a focused mission to a specialist agent" }

func (t *DelegateTool) Schema() domain.ToolSchema {
	var entries []string
	for _, st := range t.registry.AutoDelegatableTypes() {
		tmpl, _ := t.registry.SpecialistTemplate(st)
		entries = append(entries, fmt.Sprintf("%s (%s: %s)", st, tmpl.Identity.Name, tmpl.Identity.Description))
	}
	available := "none"
	if len(entries) > 0 {
		available = strings.Join(entries, "; ")
	}

	return domain.ToolSchema{
		Name:        t.Name(),
		Description: fmt.Sprintf("%s. Available specialists: %s", t.Description(), available),
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"specialist": {"type": "string", "minLength": 1, "description": "Specialist type or name"},
				"mission": {"type": "string", "minLength": 1, "description": "What the specialist should accomplish"}
			},
			"required": ["specialist", "mission"]
		}`),
	}
}

type delegateParams struct {
	Specialist string `json:"specialist"`
	Mission    string `json:"mission"`
}

type delegateOutput struct {
	Agent     string `json:"agent"`
	Type      string `json:"type"`
	Content   string `json:"content"`
	Collapsed bool   `json:"collapsed,omitempty"`
}

func (t *DelegateTool) Execute(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	return Execute(ctx, "tool.delegate_task", t.logger, params,
		func(ctx context.Context, span trace.Span, p delegateParams) (any, error) {
			if err := RequireFields("specialist", p.Specialist, "mission", p.Mission); err != nil {
				return nil, err
			}
			target, ok := t.registry.FindSpecialistTypeByName(p.Specialist)
			if !ok {
				return ErrResult("unknown specialist %q", p.Specialist), nil
			}
			span.SetAttributes(tracer.StringAttr("delegation.target", string(target)))

			conversationID := domain.ConversationIDFromContext(ctx)
			res, err := t.delegator.Delegate(ctx, multiagent.DelegateRequest{
				Source:         domain.SpecialistTypeFromContext(ctx),
				Target:         target,
				WorkflowID:     domain.WorkflowIDFromContext(ctx),
				ConversationID: conversationID,
				CallerKey:      domain.CallerKeyFromContext(ctx),
				Mission:        p.Mission,
				Message: domain.Message{
					ID:        ids.New(),
					Role:      domain.RoleUser,
					Content:   p.Mission,
					Metadata:  domain.MessageMetadata{ConversationID: conversationID},
					CreatedAt: time.Now(),
				},
			})
			if err != nil {
				return ErrResult("delegation failed: %s", err.Error()), nil
			}

			out, err := JSONResult(delegateOutput{
				Agent:     res.AgentName,
				Type:      string(res.Type),
				Content:   res.Content,
				Collapsed: res.Collapsed,
			})
			if err != nil {
				return nil, err
			}
			out.Citations = res.Citations
			return out, nil
		},
	)
}

// SpecialistsTool lists the specialists the caller can reach.
type SpecialistsTool struct {
	registry *multiagent.Registry
	logger   *slog.Logger
}

// NewSpecialistsTool creates the list_specialists tool.
func NewSpecialistsTool(registry *multiagent.Registry, logger *slog.Logger) *SpecialistsTool {
	return &SpecialistsTool{registry: registry, logger: logger}
}

func (t *SpecialistsTool) Name() string        { return "list_specialists" }
func (t *SpecialistsTool) Description() string { return "List specialist agents and their commands" }

func (t *SpecialistsTool) Schema() domain.ToolSchema {
	return domain.ToolSchema{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters:  json.RawMessage(`{"type": "object", "properties": {}}`),
	}
}

type specialistInfo struct {
	Type        string `json:"type"`
	Name        string `json:"name"`
	Emoji       string `json:"emoji,omitempty"`
	Description string `json:"description"`
	Command     string `json:"command,omitempty"`
	Auto        bool   `json:"auto_delegatable"`
}

func (t *SpecialistsTool) Execute(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	return Execute(ctx, "tool.list_specialists", t.logger, params,
		func(_ context.Context, _ trace.Span, _ struct{}) (any, error) {
			auto := make(map[domain.SpecialistType]bool)
			for _, st := range t.registry.AutoDelegatableTypes() {
				auto[st] = true
			}
			var out []specialistInfo
			for _, st := range t.registry.SpecialistTypes() {
				tmpl, _ := t.registry.SpecialistTemplate(st)
				out = append(out, specialistInfo{
					Type:        string(st),
					Name:        tmpl.Identity.Name,
					Emoji:       tmpl.Identity.Emoji,
					Description: tmpl.Identity.Description,
					Command:     tmpl.Delegation.CommandTrigger,
					Auto:        auto[st],
				})
			}
			return out, nil
		},
	)
}
