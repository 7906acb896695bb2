package domain

import "context"

type ctxKey string

const (
	conversationCtxKey ctxKey = "conversation_id"
	callerCtxKey       ctxKey = "caller_key"
	specialistCtxKey   ctxKey = "specialist_type"
	workflowCtxKey     ctxKey = "workflow_id"
)

// ContextWithConversationID returns a new context carrying the conversation ID.
func ContextWithConversationID(ctx context.Context, conversationID string) context.Context {
	return context.WithValue(ctx, conversationCtxKey, conversationID)
}

// ConversationIDFromContext extracts the conversation ID from the context.
// Returns empty string if not set.
func ConversationIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(conversationCtxKey).(string); ok {
		return v
	}
	return ""
}

// ContextWithCallerKey returns a new context carrying the tool-event caller key.
func ContextWithCallerKey(ctx context.Context, callerKey string) context.Context {
	return context.WithValue(ctx, callerCtxKey, callerKey)
}

// CallerKeyFromContext extracts the caller key from the context.
func CallerKeyFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(callerCtxKey).(string); ok {
		return v
	}
	return ""
}

// ContextWithSpecialistType marks the context as running inside a specialist worker.
func ContextWithSpecialistType(ctx context.Context, t SpecialistType) context.Context {
	return context.WithValue(ctx, specialistCtxKey, t)
}

// SpecialistTypeFromContext returns the running specialist type, or
// SupervisorType outside any worker.
func SpecialistTypeFromContext(ctx context.Context) SpecialistType {
	if v, ok := ctx.Value(specialistCtxKey).(SpecialistType); ok && v != "" {
		return v
	}
	return SupervisorType
}

// ContextWithWorkflowID returns a new context carrying the active workflow ID.
func ContextWithWorkflowID(ctx context.Context, workflowID string) context.Context {
	return context.WithValue(ctx, workflowCtxKey, workflowID)
}

// WorkflowIDFromContext extracts the active workflow ID from the context.
func WorkflowIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(workflowCtxKey).(string); ok {
		return v
	}
	return ""
}
