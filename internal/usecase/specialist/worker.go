// Package specialist runs delegated missions on model-backed worker agents.
package specialist

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/kaptinlin/jsonschema"
	"go.opentelemetry.io/otel/trace"

	"switchboard/internal/domain"
	"switchboard/internal/infra/tracer"
	"switchboard/internal/usecase/multiagent"
)

const (
	defaultMaxIterations = 6
	defaultTimeout       = 5 * time.Minute
	maxInboxNotes        = 20
	maxNoteLen           = 200
)

// ModelRouter picks a provider for a template's model preference.
type ModelRouter interface {
	Route(preference string) (domain.ModelProvider, error)
}

// AccessResolver yields the effective tool access of a specialist type.
type AccessResolver interface {
	ToolAccessForSpecialist(t domain.SpecialistType) multiagent.ToolAccess
}

// Config tunes every worker the factory spawns.
type Config struct {
	Model         string
	MaxIterations int
	Timeout       time.Duration
	MaxTokens     int
	Temperature   float64
}

// Factory spawns Workers. It implements domain.WorkerFactory.
type Factory struct {
	cfg    Config
	router ModelRouter
	tools  domain.ToolHub
	access AccessResolver
	logger *slog.Logger
}

var _ domain.WorkerFactory = (*Factory)(nil)

// NewFactory creates a worker factory.
func NewFactory(cfg Config, router ModelRouter, tools domain.ToolHub, access AccessResolver, logger *slog.Logger) *Factory {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = defaultMaxIterations
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	return &Factory{cfg: cfg, router: router, tools: tools, access: access, logger: logger}
}

// NewWorker resolves the template's provider and returns an idle worker.
func (f *Factory) NewWorker(tmpl domain.SpecialistTemplate, identity domain.AgentIdentity) (domain.SpecialistWorker, error) {
	provider, err := f.router.Route(tmpl.ModelPreference)
	if err != nil {
		return nil, domain.NewSubSystemError("agent", "Factory.NewWorker", domain.ErrProviderError, err.Error())
	}

	var schema *jsonschema.Schema
	if strings.TrimSpace(tmpl.ResultSchema) != "" {
		schema, err = jsonschema.NewCompiler().Compile([]byte(tmpl.ResultSchema))
		if err != nil {
			return nil, domain.NewSubSystemError("agent", "Factory.NewWorker", domain.ErrInvalidInput, fmt.Sprintf("result schema: %v", err))
		}
	}

	return &Worker{
		cfg:      f.cfg,
		tmpl:     tmpl,
		identity: identity,
		provider: provider,
		tools:    f.tools,
		access:   f.access.ToolAccessForSpecialist(tmpl.Type),
		schema:   schema,
		logger:   f.logger.With("agent_id", identity.ID, "specialist", tmpl.Type),
	}, nil
}

// Worker is a single-task specialist. It answers one mission with the
// tools its template grants and is discarded afterwards.
type Worker struct {
	cfg      Config
	tmpl     domain.SpecialistTemplate
	identity domain.AgentIdentity
	provider domain.ModelProvider
	tools    domain.ToolHub
	access   multiagent.ToolAccess
	schema   *jsonschema.Schema
	logger   *slog.Logger

	mu     sync.Mutex
	dir    domain.AgentDirectory
	inbox  []domain.AgentCommunication
	convID string
	ready  bool
	closed bool
}

var _ domain.SpecialistWorker = (*Worker)(nil)

func (w *Worker) Identity() domain.AgentIdentity { return w.identity }

func (w *Worker) AttachRegistry(dir domain.AgentDirectory) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.dir = dir
}

// Receive queues a note from another agent. Queued notes are shown to the
// model on its next turn. Notes about another conversation are dropped once
// the worker has a task.
func (w *Worker) Receive(_ context.Context, comm domain.AgentCommunication) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return domain.NewSubSystemError("agent", "Worker.Receive", domain.ErrInvalidInput, "worker shut down")
	}
	if w.convID != "" && comm.ConversationID != "" && comm.ConversationID != w.convID {
		return nil
	}
	if len(w.inbox) >= maxInboxNotes {
		w.inbox = w.inbox[1:]
	}
	w.inbox = append(w.inbox, comm)
	return nil
}

// Init marks the worker ready. A shut-down worker cannot be reused.
func (w *Worker) Init(_ context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return domain.NewSubSystemError("agent", "Worker.Init", domain.ErrInvalidInput, "worker shut down")
	}
	w.ready = true
	return nil
}

func (w *Worker) Shutdown(_ context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	w.ready = false
	w.inbox = nil
	return nil
}

// HandleDelegatedTask runs the mission through the model and the granted
// tools. Tool requests carry dc.CallerKey so their events reach the
// conversation that delegated the task.
func (w *Worker) HandleDelegatedTask(ctx context.Context, msg domain.Message, mission string, dc domain.DelegationContext) (*domain.DelegationResult, error) {
	w.mu.Lock()
	ready := w.ready
	w.mu.Unlock()
	if !ready {
		return nil, domain.NewSubSystemError("agent", "Worker.HandleDelegatedTask", domain.ErrInvalidInput, "worker not initialized")
	}
	if dc.CallerKey == "" {
		return nil, domain.NewSubSystemError("delegation", "Worker.HandleDelegatedTask", domain.ErrInvalidInput, "caller key required")
	}
	notes := w.beginTask(dc.ConversationID)

	ctx, cancel := context.WithTimeout(ctx, w.cfg.Timeout)
	defer cancel()
	ctx = domain.ContextWithSpecialistType(ctx, w.tmpl.Type)
	ctx = domain.ContextWithCallerKey(ctx, dc.CallerKey)
	ctx = domain.ContextWithConversationID(ctx, dc.ConversationID)
	if dc.WorkflowID != "" {
		ctx = domain.ContextWithWorkflowID(ctx, dc.WorkflowID)
	}

	ctx, span := tracer.StartSpan(ctx, "specialist.task",
		trace.WithAttributes(
			tracer.StringAttr("specialist.type", string(w.tmpl.Type)),
			tracer.StringAttr("agent.id", w.identity.ID),
			tracer.StringAttr("caller.key", dc.CallerKey),
		),
	)
	defer span.End()

	chat := []domain.ChatMessage{
		{Role: domain.RoleSystem, Content: w.systemPrompt(notes)},
		{Role: domain.RoleUser, Content: missionPrompt(msg, mission)},
	}
	tools := w.allowedSchemas()

	var citations []domain.Citation
	seen := make(map[string]bool)

	for i := 0; i < w.cfg.MaxIterations; i++ {
		if fresh := w.takeNotes(); len(fresh) > 0 {
			notes = append(notes, fresh...)
			chat[0].Content = w.systemPrompt(notes)
		}
		resp, err := w.provider.Generate(ctx, domain.ChatRequest{
			Model:         w.cfg.Model,
			Messages:      chat,
			Tools:         tools,
			MaxTokens:     w.cfg.MaxTokens,
			Temperature:   w.cfg.Temperature,
			ReasoningMode: msg.Metadata.ReasoningMode,
		})
		if err != nil {
			tracer.RecordError(span, err)
			return nil, err
		}
		if resp == nil {
			return nil, domain.NewDomainError("Worker.HandleDelegatedTask", domain.ErrProviderError, "empty response")
		}

		calls := resp.Message.ToolCalls
		if len(calls) == 0 {
			content, problem := w.checkResult(resp.Message.Content)
			if problem != "" {
				w.logger.Debug("result rejected by schema", "iteration", i, "problem", problem)
				chat = append(chat,
					domain.ChatMessage{Role: domain.RoleAssistant, Content: resp.Message.Content},
					domain.ChatMessage{Role: domain.RoleUser, Content: "Your answer must be JSON matching the result schema. " + problem},
				)
				continue
			}
			tracer.SetOK(span)
			w.announce(ctx, dc, content)
			return &domain.DelegationResult{
				AgentID:   w.identity.ID,
				AgentName: w.identity.Name,
				Type:      w.tmpl.Type,
				Content:   content,
				Citations: citations,
			}, nil
		}

		assistant := resp.Message
		assistant.Role = domain.RoleAssistant
		chat = append(chat, assistant)

		results, cites, err := w.runTools(ctx, calls, dc)
		if err != nil {
			tracer.RecordError(span, err)
			return nil, err
		}
		for _, c := range cites {
			if !seen[c.URL] {
				seen[c.URL] = true
				citations = append(citations, c)
			}
		}
		chat = append(chat, results...)
	}

	tracer.RecordError(span, domain.ErrMaxIterations)
	return nil, domain.WrapOp("Worker.HandleDelegatedTask", domain.ErrMaxIterations)
}

// beginTask binds the worker to a conversation and returns the notes that
// concern it.
func (w *Worker) beginTask(conversationID string) []domain.AgentCommunication {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.convID = conversationID
	var notes []domain.AgentCommunication
	for _, n := range w.inbox {
		if n.ConversationID == "" || conversationID == "" || n.ConversationID == conversationID {
			notes = append(notes, n)
		}
	}
	w.inbox = nil
	return notes
}

func (w *Worker) takeNotes() []domain.AgentCommunication {
	w.mu.Lock()
	defer w.mu.Unlock()
	notes := w.inbox
	w.inbox = nil
	return notes
}

// announce tells the other live agents that this worker finished its task.
func (w *Worker) announce(ctx context.Context, dc domain.DelegationContext, content string) {
	w.mu.Lock()
	dir := w.dir
	w.mu.Unlock()
	if dir == nil {
		return
	}
	dir.BroadcastToAll(ctx, domain.AgentCommunication{
		From:           w.identity.ID,
		Kind:           domain.CommKindCompleted,
		Content:        fmt.Sprintf("%s finished: %s", w.identity.Name, clip(content, maxNoteLen)),
		ConversationID: dc.ConversationID,
	}, "")
}

// runTools executes the granted calls on the hub. Calls outside the
// worker's access are answered with an error result and never reach it.
func (w *Worker) runTools(ctx context.Context, calls []domain.ToolCall, dc domain.DelegationContext) ([]domain.ChatMessage, []domain.Citation, error) {
	out := make([]domain.ChatMessage, len(calls))
	var reqs []domain.ToolRequest
	var slots []int

	for i, call := range calls {
		if !w.access.Allows(call.Name) {
			w.logger.Warn("tool call outside capability set", "tool", call.Name)
			out[i] = domain.ChatMessage{
				Role:       domain.RoleTool,
				Name:       call.Name,
				ToolCallID: call.ID,
				Content:    fmt.Sprintf("tool %q is not available to %s", call.Name, w.tmpl.Type),
			}
			continue
		}
		req, err := w.tools.CreateRequest(call.ID, call.Name, call.Arguments, w.identity.ID, dc.CallerKey)
		if err != nil {
			return nil, nil, err
		}
		reqs = append(reqs, req)
		slots = append(slots, i)
	}
	if len(reqs) == 0 {
		return out, nil, nil
	}

	results, cites, err := w.tools.ExecuteToolsWithCitations(ctx, reqs)
	if err != nil {
		return nil, nil, domain.WrapOp("Worker.runTools", err)
	}
	for j, r := range results {
		out[slots[j]] = domain.ChatMessage{
			Role:       domain.RoleTool,
			Name:       r.Request.Name,
			ToolCallID: calls[slots[j]].ID,
			Content:    r.Result.Content,
		}
	}
	return out, cites, nil
}

func (w *Worker) allowedSchemas() []domain.ToolSchema {
	all := w.tools.ToolsForLLM()
	out := make([]domain.ToolSchema, 0, len(all))
	for _, s := range all {
		if w.access.Allows(s.Name) {
			out = append(out, s)
		}
	}
	return out
}

// checkResult validates content against the result schema, if any. It
// returns the normalized content, or a non-empty problem description.
func (w *Worker) checkResult(content string) (string, string) {
	if w.schema == nil {
		return content, ""
	}
	raw := stripCodeFences(content)
	var parsed any
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return "", fmt.Sprintf("Invalid JSON: %v", err)
	}
	if result := w.schema.Validate(parsed); !result.IsValid() {
		return "", fmt.Sprintf("Schema violation: %s", result.Error())
	}
	return raw, ""
}

func (w *Worker) systemPrompt(notes []domain.AgentCommunication) string {
	var sb strings.Builder
	if w.tmpl.SystemPrompt != "" {
		sb.WriteString(strings.TrimSpace(w.tmpl.SystemPrompt))
	} else {
		fmt.Fprintf(&sb, "You are %s, %s.", w.identity.Name, strings.TrimSpace(w.identity.Role))
		if w.identity.Description != "" {
			sb.WriteString(" " + w.identity.Description)
		}
	}
	if w.schema != nil {
		sb.WriteString("\n\nAnswer with JSON only. It must satisfy this schema:\n")
		sb.WriteString(w.tmpl.ResultSchema)
	}
	if len(notes) > 0 {
		sb.WriteString("\n\nNotes from other agents:\n")
		for _, n := range notes {
			fmt.Fprintf(&sb, "- [%s] %s\n", n.From, n.Content)
		}
	}
	return strings.TrimSpace(sb.String())
}

func clip(s string, n int) string {
	r := []rune(strings.TrimSpace(s))
	if len(r) <= n {
		return string(r)
	}
	return string(r[:n]) + "..."
}

func missionPrompt(msg domain.Message, mission string) string {
	mission = strings.TrimSpace(mission)
	if mission == "" {
		return msg.Content
	}
	if msg.Content == "" || msg.Content == mission {
		return mission
	}
	return mission + "\n\nOriginal request:\n" + msg.Content
}

var codeFenceRe = regexp.MustCompile(`(?si)^` + "```" + `(?:json)?\s*(.*?)\s*` + "```" + `$`)

// stripCodeFences removes markdown code fences if the model wrapped its output.
func stripCodeFences(s string) string {
	s = strings.TrimSpace(s)
	if m := codeFenceRe.FindStringSubmatch(s); len(m) > 1 {
		return strings.TrimSpace(m[1])
	}
	return s
}
