package domain

import (
	"context"
	"encoding/json"
	"time"
)

// ToolSchema describes a tool for the LLM function-calling protocol.
type ToolSchema struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// ToolCall represents an LLM's request to invoke a tool.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ToolResult is the outcome of executing a tool.
type ToolResult struct {
	ToolCallID string     `json:"tool_call_id"`
	Content    string     `json:"content"`
	IsError    bool       `json:"is_error"`
	Citations  []Citation `json:"citations,omitempty"`
}

// Tool is the interface every tool must implement.
type Tool interface {
	Name() string
	Description() string
	Schema() ToolSchema
	Execute(ctx context.Context, params json.RawMessage) (*ToolResult, error)
}

// ToolRequest is a tool invocation tagged with the caller that owns it.
type ToolRequest struct {
	ID       string          `json:"id"`
	Name     string          `json:"name"`
	Input    json.RawMessage `json:"input"`
	GroupID  string          `json:"group_id,omitempty"`
	CallerID string          `json:"caller_id"`
}

// ToolEventType is the lifecycle stage reported for a tool request.
type ToolEventType string

const (
	ToolRequested         ToolEventType = "tool_requested"
	ToolProgress          ToolEventType = "tool_progress"
	ToolExecutionFinished ToolEventType = "tool_execution_finished"
)

// ToolEvent is published by the tool hub for every request lifecycle stage.
type ToolEvent struct {
	Type       ToolEventType   `json:"type"`
	ToolName   string          `json:"tool_name"`
	Source     string          `json:"source,omitempty"`
	RequestID  string          `json:"request_id"`
	CallerID   string          `json:"caller_id"`
	Timestamp  time.Time       `json:"timestamp"`
	StartedAt  *time.Time      `json:"started_at,omitempty"`
	FinishedAt *time.Time      `json:"finished_at,omitempty"`
	Success    *bool           `json:"success,omitempty"`
	DurationMs int64           `json:"duration_ms,omitempty"`
	Progress   string          `json:"progress,omitempty"`
	Parameters json.RawMessage `json:"parameters,omitempty"`
	Result     string          `json:"result,omitempty"`
}

// ToolRunResult pairs a request with its outcome.
type ToolRunResult struct {
	Request ToolRequest `json:"request"`
	Result  ToolResult  `json:"result"`
}

// ToolHub is the shared tool-execution subsystem.
type ToolHub interface {
	CreateRequest(id, name string, input json.RawMessage, groupID, callerID string) (ToolRequest, error)
	ExecuteToolsWithCitations(ctx context.Context, reqs []ToolRequest) ([]ToolRunResult, []Citation, error)
	// OnToolEvent registers a listener and returns its unsubscribe function.
	OnToolEvent(listener func(ToolEvent)) (unsubscribe func())
	ToolsForLLM() []ToolSchema
	IsPrivateTool(name string) bool
}

// ToolProgressReporter lets a running tool report intermediate progress.
type ToolProgressReporter func(progress string)

type progressKey struct{}

// ContextWithProgress attaches a progress reporter for the running tool.
func ContextWithProgress(ctx context.Context, report ToolProgressReporter) context.Context {
	return context.WithValue(ctx, progressKey{}, report)
}

// ReportProgress emits progress for the running tool, if a reporter is attached.
func ReportProgress(ctx context.Context, progress string) {
	if report, ok := ctx.Value(progressKey{}).(ToolProgressReporter); ok && report != nil {
		report(progress)
	}
}
