package supervisor

import (
	"context"
	"encoding/json"

	"switchboard/internal/domain"
)

// Channel action names served by the dispatcher.
const (
	ActionStreamResume    = "stream.resume"
	ActionAgentList       = "agent.list"
	ActionConversationGet = "conversation.get"
)

// SpecialistSummary describes a template for clients.
type SpecialistSummary struct {
	Type        domain.SpecialistType `json:"type"`
	Name        string                `json:"name"`
	Emoji       string                `json:"emoji,omitempty"`
	Description string                `json:"description"`
	Command     string                `json:"command,omitempty"`
	CommandOnly bool                  `json:"command_only,omitempty"`
}

// AgentListing is the agent.list response.
type AgentListing struct {
	Live        []domain.AgentStatus `json:"live"`
	Specialists []SpecialistSummary  `json:"specialists"`
}

// ConversationView is the conversation.get response.
type ConversationView struct {
	Conversation domain.Conversation `json:"conversation"`
	Messages     []domain.Message    `json:"messages"`
}

// StreamState is the stream.resume response.
type StreamState struct {
	Active bool                 `json:"active"`
	Stream *domain.ActiveStream `json:"stream,omitempty"`
}

// Attach wires the dispatcher to ch: inbound messages and the built-in
// actions. The channel decides how messages are scheduled.
func (d *Dispatcher) Attach(ch domain.RealtimeChannel) {
	ch.OnMessage(d.HandleMessage)
	ch.OnAction(ActionStreamResume, d.streamResume(ch))
	ch.OnAction(ActionAgentList, d.agentList)
	ch.OnAction(ActionConversationGet, d.conversationGet)
}

func (d *Dispatcher) streamResume(ch domain.RealtimeChannel) domain.ActionHandler {
	return func(_ context.Context, a domain.Action) (any, error) {
		if a.ConversationID == "" {
			return nil, domain.NewDomainError("stream.resume", domain.ErrInvalidInput, "conversation_id required")
		}
		stream, ok := ch.ActiveStream(a.ConversationID)
		if !ok {
			return StreamState{}, nil
		}
		return StreamState{Active: true, Stream: &stream}, nil
	}
}

func (d *Dispatcher) agentList(_ context.Context, _ domain.Action) (any, error) {
	reg := d.deps.Registry
	out := AgentListing{Live: reg.List()}
	for _, t := range reg.SpecialistTypes() {
		tmpl, _ := reg.SpecialistTemplate(t)
		out.Specialists = append(out.Specialists, SpecialistSummary{
			Type:        t,
			Name:        tmpl.Identity.Name,
			Emoji:       tmpl.Identity.Emoji,
			Description: tmpl.Identity.Description,
			Command:     tmpl.Delegation.CommandTrigger,
			CommandOnly: tmpl.Delegation.CommandOnly,
		})
	}
	return out, nil
}

type conversationGetParams struct {
	Limit int `json:"limit,omitempty"`
}

func (d *Dispatcher) conversationGet(ctx context.Context, a domain.Action) (any, error) {
	if a.ConversationID == "" {
		return nil, domain.NewDomainError("conversation.get", domain.ErrInvalidInput, "conversation_id required")
	}
	var p conversationGetParams
	if len(a.Payload) > 0 {
		if err := json.Unmarshal(a.Payload, &p); err != nil {
			return nil, domain.NewDomainError("conversation.get", domain.ErrInvalidInput, err.Error())
		}
	}

	conv, err := d.deps.Conversations.FindByID(ctx, a.ConversationID)
	if err != nil {
		return nil, err
	}
	msgs, err := d.deps.Messages.FindByConversationID(ctx, conv.ID)
	if err != nil {
		return nil, err
	}
	if p.Limit > 0 && len(msgs) > p.Limit {
		msgs = msgs[len(msgs)-p.Limit:]
	}
	return ConversationView{Conversation: *conv, Messages: msgs}, nil
}
