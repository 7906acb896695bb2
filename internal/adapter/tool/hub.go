package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"switchboard/internal/domain"
	"switchboard/internal/infra/ids"
	"switchboard/internal/infra/tracer"
)

const (
	defaultToolTimeout = 60 * time.Second
	maxEventResultLen  = 2000
)

// HubConfig configures the tool hub.
type HubConfig struct {
	PrivateTools []string
	Timeout      time.Duration
}

// Hub is the shared tool-execution subsystem. Every request carries the
// caller that created it, and every lifecycle event is published on the bus
// tagged with that caller.
type Hub struct {
	tools   *Registry
	bus     domain.EventBus
	private map[string]bool
	timeout time.Duration
	logger  *slog.Logger
}

var _ domain.ToolHub = (*Hub)(nil)

// NewHub creates a hub over the given tools and bus.
func NewHub(tools *Registry, bus domain.EventBus, cfg HubConfig, logger *slog.Logger) *Hub {
	private := make(map[string]bool, len(cfg.PrivateTools))
	for _, name := range cfg.PrivateTools {
		private[name] = true
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultToolTimeout
	}
	return &Hub{
		tools:   tools,
		bus:     bus,
		private: private,
		timeout: cfg.Timeout,
		logger:  logger,
	}
}

// CreateRequest builds a request owned by callerID. An empty id is replaced
// with a fresh one.
func (h *Hub) CreateRequest(id, name string, input json.RawMessage, groupID, callerID string) (domain.ToolRequest, error) {
	if callerID == "" {
		return domain.ToolRequest{}, domain.NewDomainError("Hub.CreateRequest", domain.ErrInvalidInput, "caller id required")
	}
	if name == "" {
		return domain.ToolRequest{}, domain.NewDomainError("Hub.CreateRequest", domain.ErrInvalidInput, "tool name required")
	}
	if id == "" {
		id = ids.New()
	}
	if len(input) == 0 {
		input = json.RawMessage(`{}`)
	}
	return domain.ToolRequest{ID: id, Name: name, Input: input, GroupID: groupID, CallerID: callerID}, nil
}

// ExecuteToolsWithCitations runs reqs in parallel. Results keep request order.
// Citations are collected across results and de-duplicated by URL.
func (h *Hub) ExecuteToolsWithCitations(ctx context.Context, reqs []domain.ToolRequest) ([]domain.ToolRunResult, []domain.Citation, error) {
	source := string(domain.SpecialistTypeFromContext(ctx))

	// Requested events go out in request order before any work starts.
	for _, req := range reqs {
		h.publish(ctx, domain.ToolEvent{
			Type:       domain.ToolRequested,
			ToolName:   req.Name,
			Source:     source,
			RequestID:  req.ID,
			CallerID:   req.CallerID,
			Timestamp:  time.Now(),
			Parameters: h.redactParams(req.Name, req.Input),
		})
	}

	results := make([]domain.ToolRunResult, len(reqs))
	var wg sync.WaitGroup
	for i, req := range reqs {
		wg.Add(1)
		go func(i int, req domain.ToolRequest) {
			defer wg.Done()
			results[i] = domain.ToolRunResult{Request: req, Result: h.run(ctx, source, req)}
		}(i, req)
	}
	wg.Wait()

	var citations []domain.Citation
	seen := make(map[string]bool)
	for _, r := range results {
		for _, c := range r.Result.Citations {
			if c.URL == "" || seen[c.URL] {
				continue
			}
			seen[c.URL] = true
			citations = append(citations, c)
		}
	}
	return results, citations, ctx.Err()
}

func (h *Hub) run(ctx context.Context, source string, req domain.ToolRequest) (res domain.ToolResult) {
	ctx, span := tracer.StartSpan(ctx, "tool.execute",
		trace.WithAttributes(
			tracer.StringAttr("tool.name", req.Name),
			tracer.StringAttr("tool.caller", req.CallerID),
		),
	)
	defer span.End()

	started := time.Now()
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("tool panicked", "tool", req.Name, "panic", r)
			res = domain.ToolResult{ToolCallID: req.ID, IsError: true, Content: fmt.Sprintf("tool %s crashed", req.Name)}
		}
		finished := time.Now()
		ok := !res.IsError
		h.publish(ctx, domain.ToolEvent{
			Type:       domain.ToolExecutionFinished,
			ToolName:   req.Name,
			Source:     source,
			RequestID:  req.ID,
			CallerID:   req.CallerID,
			Timestamp:  finished,
			StartedAt:  &started,
			FinishedAt: &finished,
			Success:    &ok,
			DurationMs: finished.Sub(started).Milliseconds(),
			Result:     h.redactResult(req.Name, res.Content),
		})
		if res.IsError {
			tracer.RecordError(span, fmt.Errorf("%s", res.Content))
		} else {
			tracer.SetOK(span)
		}
	}()

	t, err := h.tools.Get(req.Name)
	if err != nil {
		return domain.ToolResult{ToolCallID: req.ID, IsError: true, Content: err.Error()}
	}
	if err := h.tools.Validate(req.Name, req.Input); err != nil {
		return domain.ToolResult{ToolCallID: req.ID, IsError: true, Content: err.Error()}
	}

	execCtx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()
	execCtx = domain.ContextWithCallerKey(execCtx, req.CallerID)
	execCtx = domain.ContextWithProgress(execCtx, func(progress string) {
		h.publish(ctx, domain.ToolEvent{
			Type:      domain.ToolProgress,
			ToolName:  req.Name,
			Source:    source,
			RequestID: req.ID,
			CallerID:  req.CallerID,
			Timestamp: time.Now(),
			Progress:  progress,
		})
	})

	out, err := t.Execute(execCtx, req.Input)
	if err != nil {
		h.logger.Warn("tool execution failed", "tool", req.Name, "caller_id", req.CallerID, "error", err)
		return domain.ToolResult{ToolCallID: req.ID, IsError: true, Content: err.Error()}
	}
	if out == nil {
		return domain.ToolResult{ToolCallID: req.ID}
	}
	out.ToolCallID = req.ID
	return *out
}

// OnToolEvent subscribes listener to every tool lifecycle event on the bus.
func (h *Hub) OnToolEvent(listener func(domain.ToolEvent)) func() {
	handler := func(_ context.Context, e domain.Event) {
		var ev domain.ToolEvent
		if err := json.Unmarshal(e.Payload, &ev); err != nil {
			h.logger.Warn("undecodable tool event", "type", e.Type, "error", err)
			return
		}
		listener(ev)
	}
	unsubs := []func(){
		h.bus.Subscribe(domain.EventToolRequested, handler),
		h.bus.Subscribe(domain.EventToolProgress, handler),
		h.bus.Subscribe(domain.EventToolFinished, handler),
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

// ToolsForLLM returns every tool schema.
func (h *Hub) ToolsForLLM() []domain.ToolSchema {
	return h.tools.Schemas()
}

// IsPrivateTool reports whether the tool's parameters and results must not
// leave the process.
func (h *Hub) IsPrivateTool(name string) bool {
	return h.private[name]
}

func (h *Hub) publish(ctx context.Context, ev domain.ToolEvent) {
	payload, err := json.Marshal(ev)
	if err != nil {
		h.logger.Warn("marshal tool event", "error", err)
		return
	}
	h.bus.Publish(ctx, domain.Event{
		Type:      ev.Type.EventType(),
		Timestamp: ev.Timestamp,
		CallerID:  ev.CallerID,
		Payload:   payload,
	})
}

func (h *Hub) redactParams(name string, input json.RawMessage) json.RawMessage {
	if h.IsPrivateTool(name) {
		return nil
	}
	return input
}

func (h *Hub) redactResult(name, content string) string {
	if h.IsPrivateTool(name) {
		return ""
	}
	if len(content) > maxEventResultLen {
		return truncate(content, maxEventResultLen)
	}
	return content
}

// truncate shortens a string to maxLen bytes on a clean UTF-8 boundary,
// appending "..." if truncated.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	end := 0
	for i := range s {
		if i > maxLen {
			break
		}
		end = i
	}
	return s[:end] + "..."
}
