package supervisor

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"switchboard/internal/domain"
	"switchboard/internal/infra/ids"
)

const (
	// DefaultReuseWindow is how recently a conversation must have been updated
	// for an unaddressed message to join it.
	DefaultReuseWindow = 30 * time.Minute

	maxTitleRunes = 60
	defaultTitle  = "New conversation"
)

// Resolution is the conversation an inbound message belongs to.
type Resolution struct {
	Conversation domain.Conversation
	// History is the filtered model-facing history, oldest first.
	History []domain.Message
	Created bool
	Reused  bool
}

// Resolver picks the target conversation for inbound messages. It never
// writes a human message into a well-known conversation.
type Resolver struct {
	conversations domain.ConversationRepository
	messages      domain.MessageRepository
	reuseWindow   time.Duration
	now           func() time.Time
	logger        *slog.Logger
}

// NewResolver creates a Resolver. A zero reuseWindow disables reuse.
func NewResolver(conversations domain.ConversationRepository, messages domain.MessageRepository, reuseWindow time.Duration, logger *slog.Logger) *Resolver {
	return &Resolver{
		conversations: conversations,
		messages:      messages,
		reuseWindow:   reuseWindow,
		now:           time.Now,
		logger:        logger,
	}
}

// Resolve returns the conversation for msg, creating one when needed.
func (r *Resolver) Resolve(ctx context.Context, msg domain.Message) (*Resolution, error) {
	convID := msg.ConversationID()

	switch {
	case convID != "" && convID != domain.FeedConversationID:
		return r.explicit(ctx, convID, msg)
	case convID == domain.FeedConversationID && msg.IsTaskRun():
		return r.feed(ctx)
	case convID == domain.FeedConversationID:
		r.logger.Info("redirecting human message away from feed", "message_id", msg.ID)
	}
	return r.recentOrNew(ctx, msg)
}

func (r *Resolver) explicit(ctx context.Context, convID string, msg domain.Message) (*Resolution, error) {
	conv, err := r.conversations.FindByID(ctx, convID)
	created := false
	switch {
	case errors.Is(err, domain.ErrNotFound):
		fresh, err := r.create(ctx, convID, msg.Content)
		if err != nil {
			return nil, err
		}
		conv, created = fresh, true
	case err != nil:
		return nil, domain.WrapOp("Resolver.Resolve", err)
	}

	history, err := r.history(ctx, conv.ID)
	if err != nil {
		return nil, err
	}
	return &Resolution{Conversation: *conv, History: history, Created: created}, nil
}

func (r *Resolver) feed(ctx context.Context) (*Resolution, error) {
	conv, err := r.conversations.FindByID(ctx, domain.FeedConversationID)
	if err != nil {
		return nil, domain.WrapOp("Resolver.Resolve", err)
	}
	history, err := r.history(ctx, conv.ID)
	if err != nil {
		return nil, err
	}
	return &Resolution{Conversation: *conv, History: history, Reused: true}, nil
}

func (r *Resolver) recentOrNew(ctx context.Context, msg domain.Message) (*Resolution, error) {
	if r.reuseWindow > 0 {
		conv, err := r.conversations.FindRecent(ctx, r.now().Add(-r.reuseWindow))
		switch {
		case err == nil && !conv.IsWellKnown:
			history, err := r.history(ctx, conv.ID)
			if err != nil {
				return nil, err
			}
			r.logger.Debug("reusing recent conversation", "conversation_id", conv.ID, "message_id", msg.ID)
			return &Resolution{Conversation: *conv, History: history, Reused: true}, nil
		case err != nil && !errors.Is(err, domain.ErrNotFound):
			return nil, domain.WrapOp("Resolver.Resolve", err)
		}
	}

	conv, err := r.create(ctx, ids.New(), msg.Content)
	if err != nil {
		return nil, err
	}
	return &Resolution{Conversation: *conv, Created: true}, nil
}

func (r *Resolver) create(ctx context.Context, id, content string) (*domain.Conversation, error) {
	conv := domain.Conversation{ID: id, Title: titleFrom(content), UpdatedAt: r.now()}
	if err := r.conversations.Create(ctx, conv); err != nil {
		return nil, domain.WrapOp("Resolver.create", err)
	}
	r.logger.Info("conversation created", "conversation_id", id, "title", conv.Title)
	return &conv, nil
}

func (r *Resolver) history(ctx context.Context, convID string) ([]domain.Message, error) {
	msgs, err := r.messages.FindByConversationID(ctx, convID)
	if err != nil {
		return nil, domain.WrapOp("Resolver.history", err)
	}
	return FilterHistory(msgs), nil
}

// titleFrom derives a conversation title from the first line of content.
func titleFrom(content string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(content), "\n")
	line = strings.TrimSpace(line)
	if line == "" {
		return defaultTitle
	}
	r := []rune(line)
	if len(r) > maxTitleRunes {
		return strings.TrimSpace(string(r[:maxTitleRunes-1])) + "…"
	}
	return line
}
