package multiagent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"switchboard/internal/domain"
	"switchboard/internal/infra/ids"
	"switchboard/internal/infra/tracer"
)

// DelegationEmitter records delegation progress for a conversation.
type DelegationEmitter interface {
	EmitDelegationEvent(ctx context.Context, conversationID string, ev domain.DelegationEvent)
}

// DelegationAuditor records every authorization decision.
type DelegationAuditor interface {
	LogDelegation(ctx context.Context, source, target, conversationID string, allowed bool, rule string) error
}

// DelegateRequest asks the broker to run one task on a fresh specialist worker.
type DelegateRequest struct {
	Source         domain.SpecialistType
	Target         domain.SpecialistType
	WorkflowID     string
	ConversationID string
	CallerKey      string
	Message        domain.Message
	Mission        string
	// ViaCommand marks an explicit command trigger, which may reach
	// command-only specialists.
	ViaCommand bool
}

// Broker spawns specialist workers for delegated tasks and tears them down
// when the task ends.
type Broker struct {
	registry  *Registry
	factory   domain.WorkerFactory
	events    DelegationEmitter
	audit     DelegationAuditor
	semaphore chan struct{}
	seq       atomic.Uint64
	logger    *slog.Logger
}

// NewBroker creates a Broker that runs at most maxWorkers tasks at once.
func NewBroker(registry *Registry, factory domain.WorkerFactory, events DelegationEmitter, maxWorkers int, logger *slog.Logger) *Broker {
	if maxWorkers <= 0 {
		maxWorkers = 4
	}
	return &Broker{
		registry:  registry,
		factory:   factory,
		events:    events,
		semaphore: make(chan struct{}, maxWorkers),
		logger:    logger,
	}
}

// SetAuditor attaches an audit trail for authorization decisions.
func (b *Broker) SetAuditor(a DelegationAuditor) { b.audit = a }

// Authorize applies the delegation rules for req without spawning anything.
func (b *Broker) Authorize(req DelegateRequest) error {
	if _, ok := b.registry.SpecialistTemplate(req.Target); !ok {
		return domain.NewSubSystemError("agent", "Broker.Authorize", domain.ErrNotFound, string(req.Target))
	}
	if req.Source == domain.SupervisorType {
		if req.ViaCommand {
			return nil
		}
		if !b.registry.CanSupervisorInvoke(req.Target) || b.registry.IsCommandOnly(req.Target) {
			return &DelegationDeniedError{Source: req.Source, Target: req.Target, Rule: RuleNotInvokable}
		}
		return nil
	}
	return b.registry.CanDelegate(req.Source, req.Target, req.WorkflowID)
}

// Delegate authorizes req, runs it on a new worker and returns the result.
// A denied delegation is returned as is and never retried.
func (b *Broker) Delegate(ctx context.Context, req DelegateRequest) (*domain.DelegationResult, error) {
	ctx, span := tracer.StartSpan(ctx, "broker.delegate")
	defer span.End()
	span.SetAttributes(
		tracer.StringAttr("delegation.source", string(req.Source)),
		tracer.StringAttr("delegation.target", string(req.Target)),
		tracer.StringAttr("conversation.id", req.ConversationID),
	)

	if err := b.Authorize(req); err != nil {
		b.logger.Warn("delegation refused", "source", req.Source, "target", req.Target, "error", err)
		b.record(ctx, req, err)
		tracer.RecordError(span, err)
		return nil, err
	}
	b.record(ctx, req, nil)

	// A worker delegating further runs inside its parent's slot.
	if !holdsSlot(ctx) {
		select {
		case b.semaphore <- struct{}{}:
			defer func() { <-b.semaphore }()
		case <-ctx.Done():
			return nil, domain.NewSubSystemError("delegation", "Broker.Delegate", domain.ErrLimitReached, ctx.Err().Error())
		}
		ctx = context.WithValue(ctx, slotKey{}, true)
	}

	tmpl, _ := b.registry.SpecialistTemplate(req.Target)
	identity := tmpl.Identity
	identity.ID = ids.New()
	identity.Type = tmpl.Type
	identity.Name = fmt.Sprintf("%s #%d", tmpl.Identity.Name, b.seq.Add(1))

	worker, err := b.factory.NewWorker(tmpl, identity)
	if err != nil {
		tracer.RecordError(span, err)
		return nil, fmt.Errorf("broker: spawn %s: %w", req.Target, err)
	}
	if err := b.registry.Register(worker); err != nil {
		tracer.RecordError(span, err)
		return nil, fmt.Errorf("broker: register %s: %w", identity.Name, err)
	}
	defer func() {
		if err := worker.Shutdown(context.WithoutCancel(ctx)); err != nil {
			b.logger.Warn("worker shutdown failed", "agent_id", identity.ID, "error", err)
		}
		b.registry.Unregister(identity.ID)
	}()

	started := time.Now()
	event := domain.DelegationEvent{
		Source:  req.Source,
		Target:  req.Target,
		Agent:   identity,
		Mission: req.Mission,
	}

	if err := worker.Init(ctx); err != nil {
		b.fail(ctx, req, event, started, err)
		tracer.RecordError(span, err)
		return nil, fmt.Errorf("broker: init %s: %w", identity.Name, err)
	}

	event.Phase = domain.DelegationStarted
	b.emit(ctx, req.ConversationID, event)
	b.logger.Info("delegating",
		"source", req.Source,
		"target", req.Target,
		"agent_id", identity.ID,
		"conversation_id", req.ConversationID,
	)

	dc := domain.DelegationContext{
		ConversationID: req.ConversationID,
		WorkflowID:     req.WorkflowID,
		CallerKey:      req.CallerKey,
		Source:         req.Source,
	}
	result, err := worker.HandleDelegatedTask(ctx, req.Message, req.Mission, dc)
	if err != nil {
		b.fail(ctx, req, event, started, err)
		tracer.RecordError(span, err)
		return nil, fmt.Errorf("broker: %s: %w", identity.Name, err)
	}
	if result.AgentID == "" {
		result.AgentID = identity.ID
		result.AgentName = identity.Name
		result.Type = tmpl.Type
	}
	if tmpl.CollapseResponseByDefault {
		result.Collapsed = true
	}

	event.Phase = domain.DelegationCompleted
	event.Summary = summarize(result.Content, 200)
	event.DurationMs = time.Since(started).Milliseconds()
	b.emit(ctx, req.ConversationID, event)

	tracer.SetOK(span)
	return result, nil
}

type slotKey struct{}

func holdsSlot(ctx context.Context) bool {
	held, _ := ctx.Value(slotKey{}).(bool)
	return held
}

func (b *Broker) fail(ctx context.Context, req DelegateRequest, event domain.DelegationEvent, started time.Time, err error) {
	event.Phase = domain.DelegationFailed
	event.Error = err.Error()
	event.DurationMs = time.Since(started).Milliseconds()
	b.emit(ctx, req.ConversationID, event)
	b.logger.Warn("delegated task failed", "target", req.Target, "agent_id", event.Agent.ID, "error", err)
}

func (b *Broker) record(ctx context.Context, req DelegateRequest, denial error) {
	if b.audit == nil {
		return
	}
	var rule string
	var denied *DelegationDeniedError
	if errors.As(denial, &denied) {
		rule = string(denied.Rule)
	}
	if err := b.audit.LogDelegation(ctx, string(req.Source), string(req.Target), req.ConversationID, denial == nil, rule); err != nil {
		b.logger.Warn("delegation audit failed", "error", err)
	}
}

func (b *Broker) emit(ctx context.Context, conversationID string, ev domain.DelegationEvent) {
	if b.events == nil {
		return
	}
	b.events.EmitDelegationEvent(ctx, conversationID, ev)
}

// summarize shortens s to at most n runes.
func summarize(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
