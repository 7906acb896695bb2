// Package events broadcasts turn events to connected clients and records
// them in the conversation they belong to.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"switchboard/internal/domain"
	"switchboard/internal/infra/ids"
)

// PrivacyPolicy reports tools whose parameters and results stay private.
type PrivacyPolicy interface {
	IsPrivateTool(name string) bool
}

// Service implements the event emitter used by the dispatcher and broker.
// Broadcast always happens first; persistence failures are logged and never
// suppress it.
type Service struct {
	channel  domain.RealtimeChannel
	messages domain.MessageRepository
	privacy  PrivacyPolicy
	now      func() time.Time
	logger   *slog.Logger
}

// NewService creates a Service. privacy may be nil.
func NewService(channel domain.RealtimeChannel, messages domain.MessageRepository, privacy PrivacyPolicy, logger *slog.Logger) *Service {
	return &Service{
		channel:  channel,
		messages: messages,
		privacy:  privacy,
		now:      time.Now,
		logger:   logger,
	}
}

// EmitToolEvent broadcasts a tool lifecycle event. Requested and finished
// events are also stored; progress is broadcast only.
func (s *Service) EmitToolEvent(ctx context.Context, conversationID string, ev domain.ToolEvent) {
	if s.privacy != nil && s.privacy.IsPrivateTool(ev.ToolName) {
		ev.Parameters = nil
		ev.Result = ""
	}
	payload, ok := s.marshal("tool", ev)
	if !ok {
		return
	}
	s.broadcast(ctx, domain.Event{
		Type:           ev.Type.EventType(),
		Timestamp:      ev.Timestamp,
		ConversationID: conversationID,
		CallerID:       ev.CallerID,
		Payload:        payload,
	})

	if ev.Type == domain.ToolProgress {
		return
	}
	s.persist(ctx, "tool", domain.Message{
		Role:    domain.RoleSystem,
		Content: describeToolEvent(ev),
		Metadata: domain.MessageMetadata{
			ConversationID: conversationID,
			MessageType:    domain.MessageTypeToolEvent,
			Event:          payload,
		},
	})
}

// EmitDelegationEvent broadcasts and stores a delegation lifecycle event.
func (s *Service) EmitDelegationEvent(ctx context.Context, conversationID string, ev domain.DelegationEvent) {
	payload, ok := s.marshal("delegation", ev)
	if !ok {
		return
	}
	s.broadcast(ctx, domain.Event{
		Type:           domain.EventAgentDelegated,
		Timestamp:      s.now(),
		ConversationID: conversationID,
		Payload:        payload,
	})
	s.persist(ctx, "delegation", domain.Message{
		Role:    domain.RoleSystem,
		Content: describeDelegation(ev),
		Metadata: domain.MessageMetadata{
			ConversationID: conversationID,
			MessageType:    domain.MessageTypeDelegation,
			AgentID:        ev.Agent.ID,
			AgentName:      ev.Agent.Name,
			Event:          payload,
		},
	})
}

// EmitTaskRunEvent records a scheduled task firing in the feed and returns
// the turn ID its messages share.
func (s *Service) EmitTaskRunEvent(ctx context.Context, ev domain.TaskRunEvent) string {
	turnID := ids.New()
	if ev.FiredAt.IsZero() {
		ev.FiredAt = s.now()
	}
	payload, ok := s.marshal("task_run", ev)
	if !ok {
		return turnID
	}
	s.broadcast(ctx, domain.Event{
		Type:           domain.EventTaskRun,
		Timestamp:      ev.FiredAt,
		ConversationID: domain.FeedConversationID,
		Payload:        payload,
	})
	s.persist(ctx, "task_run", domain.Message{
		Role:    domain.RoleSystem,
		Content: fmt.Sprintf("Scheduled task %q started", ev.TaskName),
		Metadata: domain.MessageMetadata{
			ConversationID: domain.FeedConversationID,
			MessageType:    domain.MessageTypeTaskRun,
			TurnID:         turnID,
			Event:          payload,
		},
	})
	return turnID
}

// EmitErrorEvent reports err on the channel's error path and stores it.
func (s *Service) EmitErrorEvent(ctx context.Context, conversationID string, err error, details string) {
	if err == nil {
		return
	}
	notice := domain.ErrorNotice{
		ConversationID: conversationID,
		Message:        err.Error(),
		Code:           domain.ErrorCodeOf(err),
		Details:        details,
	}
	if sendErr := s.channel.SendError(ctx, notice); sendErr != nil {
		s.logger.Warn("send error notice failed", "conversation_id", conversationID, "error", sendErr)
	}

	payload, _ := json.Marshal(notice)
	s.persist(ctx, "error", domain.Message{
		Role:    domain.RoleSystem,
		Content: notice.Message,
		Metadata: domain.MessageMetadata{
			ConversationID: conversationID,
			MessageType:    domain.MessageTypeError,
			Event:          payload,
		},
	})
}

func (s *Service) broadcast(ctx context.Context, ev domain.Event) {
	if err := s.channel.Broadcast(ctx, ev); err != nil {
		s.logger.Warn("broadcast failed", "event", ev.Type, "conversation_id", ev.ConversationID, "error", err)
	}
}

func (s *Service) persist(ctx context.Context, kind string, msg domain.Message) {
	if msg.Metadata.ConversationID == "" {
		s.logger.Error("event has no conversation, not stored", "event", kind)
		return
	}
	msg.ID = ids.New()
	msg.CreatedAt = s.now()
	if err := s.messages.Create(ctx, msg); err != nil {
		s.logger.Error("persist event failed",
			"event", kind,
			"conversation_id", msg.Metadata.ConversationID,
			"error", err,
		)
	}
}

func (s *Service) marshal(kind string, v any) (json.RawMessage, bool) {
	data, err := json.Marshal(v)
	if err != nil {
		s.logger.Error("marshal event failed", "event", kind, "error", err)
		return nil, false
	}
	return data, true
}

func describeToolEvent(ev domain.ToolEvent) string {
	if ev.Type == domain.ToolRequested {
		return fmt.Sprintf("%s requested", ev.ToolName)
	}
	status := "ok"
	if ev.Success != nil && !*ev.Success {
		status = "failed"
	}
	return fmt.Sprintf("%s finished (%s, %dms)", ev.ToolName, status, ev.DurationMs)
}

func describeDelegation(ev domain.DelegationEvent) string {
	switch ev.Phase {
	case domain.DelegationStarted:
		return fmt.Sprintf("%s started: %s", ev.Agent.Name, ev.Mission)
	case domain.DelegationCompleted:
		return fmt.Sprintf("%s completed in %dms", ev.Agent.Name, ev.DurationMs)
	default:
		return fmt.Sprintf("%s failed: %s", ev.Agent.Name, ev.Error)
	}
}
