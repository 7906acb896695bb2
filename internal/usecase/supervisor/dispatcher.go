package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"switchboard/internal/domain"
	"switchboard/internal/infra/ids"
	"switchboard/internal/infra/tracer"
	"switchboard/internal/usecase/multiagent"
)

const (
	// DefaultDispatcherID is the dispatcher half of every caller key.
	DefaultDispatcherID = "supervisor-main"

	defaultMaxToolIterations = 8
	defaultSystemPrompt      = "You are the supervisor of a team of specialist agents. Answer directly when you can and delegate focused missions when a specialist is a better fit."

	maxLLMRetries  = 2
	baseRetryDelay = 500 * time.Millisecond
	maxRetryDelay  = 5 * time.Second
)

// EventEmitter broadcasts turn events to the channel and persists them.
type EventEmitter interface {
	EmitToolEvent(ctx context.Context, conversationID string, ev domain.ToolEvent)
	EmitDelegationEvent(ctx context.Context, conversationID string, ev domain.DelegationEvent)
	// EmitTaskRunEvent returns the turn ID that correlates the run's messages.
	EmitTaskRunEvent(ctx context.Context, ev domain.TaskRunEvent) string
	EmitErrorEvent(ctx context.Context, conversationID string, err error, details string)
}

// Delegator runs a task on a specialist worker.
type Delegator interface {
	Delegate(ctx context.Context, req multiagent.DelegateRequest) (*domain.DelegationResult, error)
}

// Config tunes the dispatcher.
type Config struct {
	ID                string
	SystemPrompt      string
	Model             string
	MaxToolIterations int
	MaxTokens         int
	Temperature       float64
	// ReuseWindow is passed to the Resolver; zero disables reuse.
	ReuseWindow time.Duration

	// HistoryTokenBudget caps the estimated prompt size. Older turns are
	// dropped first. Zero sends the whole history.
	HistoryTokenBudget int
}

// Deps holds the dispatcher's collaborators. All are required.
type Deps struct {
	Registry      *multiagent.Registry
	Broker        Delegator
	Provider      domain.ModelProvider
	Tools         domain.ToolHub
	Channel       domain.RealtimeChannel
	Events        EventEmitter
	Messages      domain.MessageRepository
	Conversations domain.ConversationRepository
	Logger        *slog.Logger
}

// Dispatcher is the supervisor's per-message pipeline. Each inbound message
// is handled independently; the only shared guard is the in-flight set.
type Dispatcher struct {
	cfg          Config
	deps         Deps
	logger       *slog.Logger
	resolver     *Resolver
	commands     *multiagent.CommandRouter
	inflight     *InFlight
	systemPrompt string
	now          func() time.Time
	wg           sync.WaitGroup
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(cfg Config, deps Deps) *Dispatcher {
	if cfg.ID == "" {
		cfg.ID = DefaultDispatcherID
	}
	if cfg.MaxToolIterations <= 0 {
		cfg.MaxToolIterations = defaultMaxToolIterations
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = defaultSystemPrompt
	}
	return &Dispatcher{
		cfg:          cfg,
		deps:         deps,
		logger:       deps.Logger,
		resolver:     NewResolver(deps.Conversations, deps.Messages, cfg.ReuseWindow, deps.Logger),
		commands:     multiagent.NewCommandRouter(deps.Registry, deps.Logger),
		inflight:     NewInFlight(),
		systemPrompt: buildSystemPrompt(cfg.SystemPrompt, deps.Registry),
		now:          time.Now,
	}
}

// ID returns the dispatcher ID used in caller keys.
func (d *Dispatcher) ID() string { return d.cfg.ID }

// InFlight exposes the dedup set.
func (d *Dispatcher) InFlight() *InFlight { return d.inflight }

// Wait blocks until every message being handled has finished.
func (d *Dispatcher) Wait() { d.wg.Wait() }

// HandleMessage runs msg through the pipeline. It never returns an error:
// failures are reported on the channel's error path and the message ID is
// always released.
func (d *Dispatcher) HandleMessage(ctx context.Context, msg domain.Message) {
	if msg.ID == "" {
		msg.ID = ids.New()
	}
	release, ok := d.inflight.TryAcquire(msg.ID)
	if !ok {
		d.logger.Debug("duplicate delivery skipped", "message_id", msg.ID)
		return
	}
	defer release()

	d.wg.Add(1)
	defer d.wg.Done()

	ctx, span := tracer.StartSpan(ctx, "supervisor.handle_message",
		trace.WithAttributes(tracer.StringAttr("message.id", msg.ID)),
	)
	defer span.End()

	var convID string
	defer func() {
		if r := recover(); r != nil {
			d.fail(ctx, span, convID, msg.ID, fmt.Errorf("supervisor: panic: %v", r))
		}
	}()

	res, err := d.resolver.Resolve(ctx, msg)
	if err != nil {
		d.fail(ctx, span, "", msg.ID, err)
		return
	}
	conv := res.Conversation
	convID = conv.ID
	key := CallerKey(d.cfg.ID, conv.ID)

	msg.Metadata.ConversationID = conv.ID
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = d.now()
	}
	turnID := msg.Metadata.TurnID
	if turnID == "" {
		turnID = ids.New()
	}

	ctx = domain.ContextWithConversationID(ctx, conv.ID)
	ctx = domain.ContextWithCallerKey(ctx, key)
	if msg.Metadata.WorkflowID != "" {
		ctx = domain.ContextWithWorkflowID(ctx, msg.Metadata.WorkflowID)
	}
	span.SetAttributes(
		tracer.StringAttr("conversation.id", conv.ID),
		tracer.StringAttr("caller.key", key),
	)

	defer d.touch(ctx, conv)

	if err := d.persistInbound(ctx, msg); err != nil {
		d.fail(ctx, span, conv.ID, msg.ID, err)
		return
	}

	sub := SubscribeToolEvents(d.deps.Tools, key, func(ev domain.ToolEvent) {
		d.deps.Events.EmitToolEvent(ctx, conv.ID, ev)
	})
	defer sub.Close()

	var reply *domain.Message
	if match, ok := d.commands.Match(msg); ok {
		reply, err = d.delegateCommand(ctx, msg, match, turnID, key)
	} else {
		reply, err = d.runTurn(ctx, res.History, msg, turnID, key)
	}
	if err != nil {
		d.fail(ctx, span, conv.ID, msg.ID, err)
		return
	}

	persistErr := d.deps.Messages.Create(ctx, *reply)
	if err := d.deps.Channel.Send(ctx, *reply); err != nil {
		d.logger.Warn("send reply failed", "conversation_id", conv.ID, "error", err)
	}
	if persistErr != nil {
		d.fail(ctx, span, conv.ID, msg.ID, domain.WrapOp("Dispatcher.persistReply", persistErr))
		return
	}

	tracer.SetOK(span)
	d.logger.Info("message handled",
		"conversation_id", conv.ID,
		"message_id", msg.ID,
		"reply_id", reply.ID,
		"tool_events", sub.Forwarded(),
	)
}

// delegateCommand hands an explicitly triggered message straight to a
// specialist. No model call is made for routing.
func (d *Dispatcher) delegateCommand(ctx context.Context, msg domain.Message, match multiagent.CommandMatch, turnID, key string) (*domain.Message, error) {
	d.logger.Info("command delegation",
		"command", match.Command,
		"type", match.Type,
		"conversation_id", msg.ConversationID(),
	)
	result, err := d.deps.Broker.Delegate(ctx, multiagent.DelegateRequest{
		Source:         domain.SupervisorType,
		Target:         match.Type,
		WorkflowID:     msg.Metadata.WorkflowID,
		ConversationID: msg.ConversationID(),
		CallerKey:      key,
		Message:        msg,
		Mission:        match.Mission,
		ViaCommand:     true,
	})
	if err != nil {
		return nil, err
	}
	return &domain.Message{
		ID:      ids.New(),
		Role:    domain.RoleAssistant,
		Content: result.Content,
		Metadata: domain.MessageMetadata{
			ConversationID: msg.ConversationID(),
			MessageType:    domain.MessageTypeChat,
			TurnID:         turnID,
			WorkflowID:     msg.Metadata.WorkflowID,
			AgentID:        result.AgentID,
			AgentName:      result.AgentName,
			Collapsed:      result.Collapsed,
			Citations:      result.Citations,
		},
		CreatedAt: d.now(),
	}, nil
}

// runTurn drives the model through tool calls until it produces a final
// answer. Every tool request carries the turn's caller key.
func (d *Dispatcher) runTurn(ctx context.Context, history []domain.Message, msg domain.Message, turnID, key string) (*domain.Message, error) {
	ctx, span := tracer.StartSpan(ctx, "supervisor.turn")
	defer span.End()

	convID := msg.ConversationID()
	replyID := ids.New()

	if err := d.deps.Channel.StartStream(ctx, convID, replyID); err != nil {
		d.logger.Warn("start stream failed", "conversation_id", convID, "error", err)
	}
	defer func() {
		if err := d.deps.Channel.EndStream(ctx, convID, replyID); err != nil {
			d.logger.Warn("end stream failed", "conversation_id", convID, "error", err)
		}
	}()

	chat := d.buildPrompt(history, msg)
	tools := d.deps.Tools.ToolsForLLM()
	var citations []domain.Citation
	seen := make(map[string]bool)

	for i := 0; i < d.cfg.MaxToolIterations; i++ {
		span.AddEvent("supervisor.iteration", trace.WithAttributes(tracer.IntAttr("iteration", i)))

		resp, err := d.generate(ctx, convID, domain.ChatRequest{
			Model:         d.cfg.Model,
			Messages:      chat,
			Tools:         tools,
			MaxTokens:     d.cfg.MaxTokens,
			Temperature:   d.cfg.Temperature,
			ReasoningMode: msg.Metadata.ReasoningMode,
		})
		if err != nil {
			tracer.RecordError(span, err)
			return nil, err
		}

		calls := resp.Message.ToolCalls
		d.logger.Debug("model response", "conversation_id", convID, "iteration", i, "tool_calls", len(calls))
		if len(calls) == 0 {
			tracer.SetOK(span)
			return &domain.Message{
				ID:      replyID,
				Role:    domain.RoleAssistant,
				Content: resp.Message.Content,
				Metadata: domain.MessageMetadata{
					ConversationID: convID,
					MessageType:    domain.MessageTypeChat,
					TurnID:         turnID,
					WorkflowID:     msg.Metadata.WorkflowID,
					Citations:      citations,
				},
				CreatedAt: d.now(),
			}, nil
		}

		assistant := resp.Message
		assistant.Role = domain.RoleAssistant
		chat = append(chat, assistant)

		reqs := make([]domain.ToolRequest, 0, len(calls))
		for _, call := range calls {
			req, err := d.deps.Tools.CreateRequest(call.ID, call.Name, call.Arguments, turnID, key)
			if err != nil {
				tracer.RecordError(span, err)
				return nil, err
			}
			reqs = append(reqs, req)
		}
		results, cites, err := d.deps.Tools.ExecuteToolsWithCitations(ctx, reqs)
		if err != nil {
			tracer.RecordError(span, err)
			return nil, domain.WrapOp("Dispatcher.runTurn", err)
		}
		for _, c := range cites {
			if !seen[c.URL] {
				seen[c.URL] = true
				citations = append(citations, c)
			}
		}
		for _, r := range results {
			chat = append(chat, domain.ChatMessage{
				Role:       domain.RoleTool,
				Name:       r.Request.Name,
				Content:    r.Result.Content,
				ToolCallID: r.Request.ID,
			})
		}
	}

	tracer.RecordError(span, domain.ErrMaxIterations)
	return nil, domain.ErrMaxIterations
}

// generate calls the provider, streaming when it can. Rate-limited calls are
// retried unless output already reached the client.
func (d *Dispatcher) generate(ctx context.Context, convID string, req domain.ChatRequest) (*domain.ChatResponse, error) {
	provider := d.deps.Provider
	for attempt := 0; ; attempt++ {
		var (
			resp     *domain.ChatResponse
			err      error
			streamed bool
		)
		if provider.SupportsStreaming() {
			resp, err = provider.GenerateWithToolsStream(ctx, req, domain.StreamCallbacks{
				OnChunk: func(chunk string) {
					streamed = true
					if err := d.deps.Channel.SendStreamChunk(ctx, convID, chunk); err != nil {
						d.logger.Debug("stream chunk dropped", "conversation_id", convID, "error", err)
					}
				},
			})
		} else {
			resp, err = provider.Generate(ctx, req)
		}

		if err == nil {
			if resp == nil {
				return nil, domain.NewDomainError("Dispatcher.generate", domain.ErrProviderError, "empty response")
			}
			return resp, nil
		}
		if streamed || attempt >= maxLLMRetries || !errors.Is(err, domain.ErrRateLimit) {
			return nil, err
		}

		delay := retryBackoff(attempt)
		d.logger.Warn("model call rate limited, retrying",
			"provider", provider.Name(),
			"attempt", attempt+1,
			"delay", delay,
		)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
}

// retryBackoff returns an exponential delay with jitter.
func retryBackoff(attempt int) time.Duration {
	delay := baseRetryDelay * time.Duration(1<<uint(attempt))
	if delay > maxRetryDelay {
		delay = maxRetryDelay
	}
	return delay/2 + time.Duration(rand.Int63n(int64(delay/2)+1))
}

func (d *Dispatcher) buildPrompt(history []domain.Message, msg domain.Message) []domain.ChatMessage {
	turns := make([]domain.Message, 0, len(history))
	for _, h := range history {
		if h.ID != msg.ID {
			turns = append(turns, h)
		}
	}
	if d.cfg.HistoryTokenBudget > 0 {
		budget := d.cfg.HistoryTokenBudget - EstimateTokens(d.systemPrompt) - EstimateTokens(msg.Content)
		kept := TrimHistory(turns, max(budget, 0))
		if dropped := len(turns) - len(kept); dropped > 0 {
			d.logger.Debug("history trimmed to budget",
				"conversation_id", msg.ConversationID(),
				"dropped", dropped,
				"kept", len(kept),
			)
		}
		turns = kept
	}

	chat := make([]domain.ChatMessage, 0, len(turns)+2)
	chat = append(chat, domain.ChatMessage{Role: domain.RoleSystem, Content: d.systemPrompt})
	for _, h := range turns {
		chat = append(chat, domain.ChatMessage{Role: h.Role, Content: h.Content})
	}
	return append(chat, domain.ChatMessage{Role: domain.RoleUser, Content: msg.Content})
}

func buildSystemPrompt(base string, registry *multiagent.Registry) string {
	var sb strings.Builder
	sb.WriteString(strings.TrimSpace(base))

	types := registry.AutoDelegatableTypes()
	if len(types) == 0 {
		return sb.String()
	}
	sb.WriteString("\n\nSpecialists available through delegate_task:\n")
	for _, t := range types {
		tmpl, _ := registry.SpecialistTemplate(t)
		fmt.Fprintf(&sb, "- %s (%s): %s\n", t, tmpl.Identity.Name, tmpl.Identity.Description)
	}
	return strings.TrimSpace(sb.String())
}

// persistInbound stores the user message unless a completed earlier
// delivery already did.
func (d *Dispatcher) persistInbound(ctx context.Context, msg domain.Message) error {
	existing, err := d.deps.Messages.FindByID(ctx, msg.ID)
	switch {
	case err == nil && existing != nil:
		d.logger.Debug("user message already stored", "message_id", msg.ID)
		return nil
	case err != nil && !errors.Is(err, domain.ErrNotFound):
		return domain.WrapOp("Dispatcher.persistInbound", err)
	}
	return domain.WrapOp("Dispatcher.persistInbound", d.deps.Messages.Create(ctx, msg))
}

func (d *Dispatcher) touch(ctx context.Context, conv domain.Conversation) {
	conv.UpdatedAt = d.now()
	if err := d.deps.Conversations.Update(ctx, conv); err != nil {
		d.logger.Warn("conversation bump failed", "conversation_id", conv.ID, "error", err)
	}
}

func (d *Dispatcher) fail(ctx context.Context, span trace.Span, convID, msgID string, err error) {
	tracer.RecordError(span, err)
	d.logger.Error("message handling failed",
		"conversation_id", convID,
		"message_id", msgID,
		"error", err,
	)

	var details string
	var denied *multiagent.DelegationDeniedError
	if errors.As(err, &denied) {
		details = string(denied.Rule)
	}
	d.deps.Events.EmitErrorEvent(ctx, convID, err, details)
}
