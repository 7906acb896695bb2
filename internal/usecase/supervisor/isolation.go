package supervisor

import (
	"sync"
	"sync/atomic"

	"switchboard/internal/domain"
)

// CallerKey scopes tool events to one dispatcher and conversation.
func CallerKey(dispatcherID, conversationID string) string {
	return dispatcherID + ":" + conversationID
}

// ToolEventSubscription is a turn-scoped listener on the shared tool-event
// bus. It forwards only events whose caller ID equals its key; everything
// else belongs to another turn and is dropped.
type ToolEventSubscription struct {
	key         string
	unsubscribe func()
	once        sync.Once
	forwarded   atomic.Int64
}

// SubscribeToolEvents registers a filtered listener on hub. The caller must
// Close the subscription when the turn ends.
func SubscribeToolEvents(hub domain.ToolHub, key string, forward func(domain.ToolEvent)) *ToolEventSubscription {
	s := &ToolEventSubscription{key: key}
	s.unsubscribe = hub.OnToolEvent(func(ev domain.ToolEvent) {
		if ev.CallerID != s.key {
			return
		}
		s.forwarded.Add(1)
		forward(ev)
	})
	return s
}

// Key returns the caller key the subscription accepts.
func (s *ToolEventSubscription) Key() string { return s.key }

// Forwarded returns how many events passed the filter.
func (s *ToolEventSubscription) Forwarded() int64 { return s.forwarded.Load() }

// Close deregisters the listener. Later calls are no-ops.
func (s *ToolEventSubscription) Close() {
	s.once.Do(s.unsubscribe)
}
