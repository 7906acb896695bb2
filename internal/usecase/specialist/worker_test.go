package specialist

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"switchboard/internal/domain"
	"switchboard/internal/usecase/multiagent"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type scriptedProvider struct {
	mu        sync.Mutex
	responses []*domain.ChatResponse
	err       error
	requests  []domain.ChatRequest
}

func (p *scriptedProvider) Generate(_ context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, req)
	if p.err != nil {
		return nil, p.err
	}
	idx := len(p.requests) - 1
	if idx >= len(p.responses) {
		idx = len(p.responses) - 1
	}
	return p.responses[idx], nil
}

func (p *scriptedProvider) GenerateWithToolsStream(ctx context.Context, req domain.ChatRequest, _ domain.StreamCallbacks) (*domain.ChatResponse, error) {
	return p.Generate(ctx, req)
}

func (p *scriptedProvider) QuickGenerate(context.Context, string) (string, error) { return "", nil }
func (p *scriptedProvider) SupportsStreaming() bool                             { return false }
func (p *scriptedProvider) Name() string                                        { return "scripted" }

type routerFunc func(string) (domain.ModelProvider, error)

func (f routerFunc) Route(pref string) (domain.ModelProvider, error) { return f(pref) }

type recordingHub struct {
	mu       sync.Mutex
	schemas  []domain.ToolSchema
	requests []domain.ToolRequest
	ctxType  domain.SpecialistType
	onRun    func(ctx context.Context)
}

func (h *recordingHub) CreateRequest(id, name string, input json.RawMessage, groupID, callerID string) (domain.ToolRequest, error) {
	return domain.ToolRequest{ID: id, Name: name, Input: input, GroupID: groupID, CallerID: callerID}, nil
}

func (h *recordingHub) ExecuteToolsWithCitations(ctx context.Context, reqs []domain.ToolRequest) ([]domain.ToolRunResult, []domain.Citation, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.requests = append(h.requests, reqs...)
	h.ctxType = domain.SpecialistTypeFromContext(ctx)
	if h.onRun != nil {
		h.onRun(ctx)
	}
	out := make([]domain.ToolRunResult, len(reqs))
	for i, r := range reqs {
		out[i] = domain.ToolRunResult{Request: r, Result: domain.ToolResult{ToolCallID: r.ID, Content: "result of " + r.Name}}
	}
	return out, []domain.Citation{{URL: "https://example.org/a"}, {URL: "https://example.org/a"}}, nil
}

func (h *recordingHub) OnToolEvent(func(domain.ToolEvent)) func() { return func() {} }
func (h *recordingHub) ToolsForLLM() []domain.ToolSchema           { return h.schemas }
func (h *recordingHub) IsPrivateTool(string) bool                  { return false }

func researcherTemplate() domain.SpecialistTemplate {
	return domain.SpecialistTemplate{
		Type:           "researcher",
		Identity:       domain.AgentIdentity{Name: "Scout", Role: "Researcher"},
		CanAccessTools: []string{"web_*", "memory_search"},
	}
}

func newTestFactory(t *testing.T, provider domain.ModelProvider, hub domain.ToolHub, tmpls ...domain.SpecialistTemplate) *Factory {
	t.Helper()
	reg, err := multiagent.NewRegistry(tmpls, nil, discardLogger())
	require.NoError(t, err)
	router := routerFunc(func(string) (domain.ModelProvider, error) { return provider, nil })
	return NewFactory(Config{MaxIterations: 3, Timeout: time.Second}, router, hub, reg, discardLogger())
}

func spawn(t *testing.T, f *Factory, tmpl domain.SpecialistTemplate) *Worker {
	t.Helper()
	w, err := f.NewWorker(tmpl, domain.AgentIdentity{ID: "w-1", Name: "Scout #1", Type: tmpl.Type})
	require.NoError(t, err)
	require.NoError(t, w.Init(context.Background()))
	return w.(*Worker)
}

func toolCallResponse(calls ...domain.ToolCall) *domain.ChatResponse {
	return &domain.ChatResponse{Message: domain.ChatMessage{Role: domain.RoleAssistant, ToolCalls: calls}}
}

func textResponse(s string) *domain.ChatResponse {
	return &domain.ChatResponse{Message: domain.ChatMessage{Role: domain.RoleAssistant, Content: s}}
}

var testDC = domain.DelegationContext{ConversationID: "c1", CallerKey: "supervisor-main:c1", Source: domain.SupervisorType}

func TestWorkerAnswersWithoutTools(t *testing.T) {
	provider := &scriptedProvider{responses: []*domain.ChatResponse{textResponse("done")}}
	hub := &recordingHub{}
	tmpl := researcherTemplate()
	w := spawn(t, newTestFactory(t, provider, hub, tmpl), tmpl)

	res, err := w.HandleDelegatedTask(context.Background(), domain.Message{Content: "find x"}, "find x", testDC)
	require.NoError(t, err)
	assert.Equal(t, "done", res.Content)
	assert.Equal(t, "w-1", res.AgentID)
	assert.Equal(t, domain.SpecialistType("researcher"), res.Type)
	assert.Empty(t, hub.requests)
}

func TestWorkerToolsCarryCallerKeyAndAreFiltered(t *testing.T) {
	provider := &scriptedProvider{responses: []*domain.ChatResponse{
		toolCallResponse(
			domain.ToolCall{ID: "t1", Name: "web_search", Arguments: json.RawMessage(`{"query":"go"}`)},
			domain.ToolCall{ID: "t2", Name: "memory_write", Arguments: json.RawMessage(`{}`)},
		),
		textResponse("answer"),
	}}
	hub := &recordingHub{schemas: []domain.ToolSchema{
		{Name: "web_search"}, {Name: "memory_search"}, {Name: "memory_write"}, {Name: "delegate_task"},
	}}
	tmpl := researcherTemplate()
	w := spawn(t, newTestFactory(t, provider, hub, tmpl), tmpl)

	res, err := w.HandleDelegatedTask(context.Background(), domain.Message{Content: "q"}, "q", testDC)
	require.NoError(t, err)
	assert.Equal(t, "answer", res.Content)
	assert.Len(t, res.Citations, 1)

	var offered []string
	for _, s := range provider.requests[0].Tools {
		offered = append(offered, s.Name)
	}
	assert.Equal(t, []string{"web_search", "memory_search"}, offered)

	require.Len(t, hub.requests, 1)
	assert.Equal(t, "web_search", hub.requests[0].Name)
	assert.Equal(t, "supervisor-main:c1", hub.requests[0].CallerID)
	assert.Equal(t, domain.SpecialistType("researcher"), hub.ctxType)

	second := provider.requests[1].Messages
	var toolMsgs []domain.ChatMessage
	for _, m := range second {
		if m.Role == domain.RoleTool {
			toolMsgs = append(toolMsgs, m)
		}
	}
	require.Len(t, toolMsgs, 2)
	assert.Equal(t, "t1", toolMsgs[0].ToolCallID)
	assert.Equal(t, "result of web_search", toolMsgs[0].Content)
	assert.Equal(t, "t2", toolMsgs[1].ToolCallID)
	assert.Contains(t, toolMsgs[1].Content, "not available")
}

func TestWorkerMaxIterations(t *testing.T) {
	provider := &scriptedProvider{responses: []*domain.ChatResponse{
		toolCallResponse(domain.ToolCall{ID: "t", Name: "web_search"}),
	}}
	tmpl := researcherTemplate()
	w := spawn(t, newTestFactory(t, provider, &recordingHub{}, tmpl), tmpl)

	_, err := w.HandleDelegatedTask(context.Background(), domain.Message{Content: "loop"}, "", testDC)
	assert.ErrorIs(t, err, domain.ErrMaxIterations)
	assert.Len(t, provider.requests, 3)
}

func TestWorkerResultSchema(t *testing.T) {
	tmpl := researcherTemplate()
	tmpl.ResultSchema = `{"type":"object","required":["summary"],"properties":{"summary":{"type":"string"}}}`
	provider := &scriptedProvider{responses: []*domain.ChatResponse{
		textResponse("not json"),
		textResponse("```json\n{\"summary\": \"ok\"}\n```"),
	}}
	w := spawn(t, newTestFactory(t, provider, &recordingHub{}, tmpl), tmpl)

	res, err := w.HandleDelegatedTask(context.Background(), domain.Message{Content: "analyze"}, "", testDC)
	require.NoError(t, err)
	assert.JSONEq(t, `{"summary":"ok"}`, res.Content)
	require.Len(t, provider.requests, 2)
	last := provider.requests[1].Messages
	assert.Contains(t, last[len(last)-1].Content, "Invalid JSON")
	assert.Contains(t, provider.requests[0].Messages[0].Content, "schema")
}

func TestFactoryRejectsBadSchema(t *testing.T) {
	tmpl := researcherTemplate()
	tmpl.ResultSchema = `{"type": `
	f := newTestFactory(t, &scriptedProvider{}, &recordingHub{}, tmpl)

	_, err := f.NewWorker(tmpl, domain.AgentIdentity{ID: "x"})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestFactoryRouteFailure(t *testing.T) {
	reg, err := multiagent.NewRegistry(nil, nil, discardLogger())
	require.NoError(t, err)
	router := routerFunc(func(pref string) (domain.ModelProvider, error) {
		return nil, errors.New("no provider for " + pref)
	})
	f := NewFactory(Config{}, router, &recordingHub{}, reg, discardLogger())

	tmpl := researcherTemplate()
	tmpl.ModelPreference = "powerful"
	_, err = f.NewWorker(tmpl, domain.AgentIdentity{ID: "x"})
	assert.ErrorIs(t, err, domain.ErrProviderError)
}

func TestWorkerLifecycle(t *testing.T) {
	provider := &scriptedProvider{responses: []*domain.ChatResponse{textResponse("ok")}}
	tmpl := researcherTemplate()
	f := newTestFactory(t, provider, &recordingHub{}, tmpl)

	raw, err := f.NewWorker(tmpl, domain.AgentIdentity{ID: "w"})
	require.NoError(t, err)
	_, err = raw.HandleDelegatedTask(context.Background(), domain.Message{Content: "x"}, "", testDC)
	assert.ErrorIs(t, err, domain.ErrInvalidInput, "task before Init")

	require.NoError(t, raw.Init(context.Background()))
	_, err = raw.HandleDelegatedTask(context.Background(), domain.Message{Content: "x"}, "", domain.DelegationContext{})
	assert.ErrorIs(t, err, domain.ErrInvalidInput, "missing caller key")

	require.NoError(t, raw.Shutdown(context.Background()))
	assert.Error(t, raw.Init(context.Background()))
	assert.Error(t, raw.Receive(context.Background(), domain.AgentCommunication{From: "a"}))
}

func TestWorkerReceivedNotesReachPrompt(t *testing.T) {
	provider := &scriptedProvider{responses: []*domain.ChatResponse{textResponse("ok")}}
	tmpl := researcherTemplate()
	w := spawn(t, newTestFactory(t, provider, &recordingHub{}, tmpl), tmpl)

	require.NoError(t, w.Receive(context.Background(), domain.AgentCommunication{From: "Quill", Content: "use the 2025 report"}))
	_, err := w.HandleDelegatedTask(context.Background(), domain.Message{Content: "original"}, "summarize findings", testDC)
	require.NoError(t, err)

	msgs := provider.requests[0].Messages
	assert.Contains(t, msgs[0].Content, "use the 2025 report")
	assert.Contains(t, msgs[1].Content, "summarize findings")
	assert.Contains(t, msgs[1].Content, "original")
}

func TestWorkerNotesArrivingMidTaskReachNextTurn(t *testing.T) {
	provider := &scriptedProvider{responses: []*domain.ChatResponse{
		toolCallResponse(domain.ToolCall{ID: "t1", Name: "web_search", Arguments: json.RawMessage(`{"query":"go"}`)}),
		textResponse("done"),
	}}
	hub := &recordingHub{schemas: []domain.ToolSchema{{Name: "web_search"}}}
	tmpl := researcherTemplate()
	w := spawn(t, newTestFactory(t, provider, hub, tmpl), tmpl)
	hub.onRun = func(ctx context.Context) {
		_ = w.Receive(ctx, domain.AgentCommunication{From: "sib", Content: "draft ready", ConversationID: "c1"})
		_ = w.Receive(ctx, domain.AgentCommunication{From: "stranger", Content: "other thread", ConversationID: "c9"})
	}

	_, err := w.HandleDelegatedTask(context.Background(), domain.Message{Content: "q"}, "q", testDC)
	require.NoError(t, err)

	require.Len(t, provider.requests, 2)
	assert.NotContains(t, provider.requests[0].Messages[0].Content, "Notes from other agents")
	second := provider.requests[1].Messages[0].Content
	assert.Contains(t, second, "draft ready")
	assert.NotContains(t, second, "other thread")
}

func TestWorkerAnnouncesCompletionThroughBroker(t *testing.T) {
	provider := &scriptedProvider{responses: []*domain.ChatResponse{textResponse("three sources found")}}
	reg, err := multiagent.NewRegistry(multiagent.BuiltinTemplates(), nil, discardLogger())
	require.NoError(t, err)
	router := routerFunc(func(string) (domain.ModelProvider, error) { return provider, nil })
	f := NewFactory(Config{MaxIterations: 3, Timeout: time.Second}, router, &recordingHub{}, reg, discardLogger())
	broker := multiagent.NewBroker(reg, f, nil, 1, discardLogger())

	tmpl := researcherTemplate()
	same, err := f.NewWorker(tmpl, domain.AgentIdentity{ID: "sib-1", Name: "Quill"})
	require.NoError(t, err)
	other, err := f.NewWorker(tmpl, domain.AgentIdentity{ID: "sib-2", Name: "Ink"})
	require.NoError(t, err)
	require.NoError(t, reg.Register(same))
	require.NoError(t, reg.Register(other))
	other.(*Worker).beginTask("c2")

	_, err = broker.Delegate(context.Background(), multiagent.DelegateRequest{
		Source:         domain.SupervisorType,
		Target:         multiagent.TypeResearcher,
		ConversationID: "c1",
		CallerKey:      "supervisor-main:c1",
		Mission:        "find sources",
	})
	require.NoError(t, err)

	notes := same.(*Worker).takeNotes()
	require.Len(t, notes, 1)
	assert.Equal(t, domain.CommKindCompleted, notes[0].Kind)
	assert.Equal(t, "c1", notes[0].ConversationID)
	assert.Contains(t, notes[0].Content, "three sources found")
	assert.Empty(t, other.(*Worker).takeNotes())
}

func TestStripCodeFences(t *testing.T) {
	assert.Equal(t, `{"a":1}`, stripCodeFences("```json\n{\"a\":1}\n```"))
	assert.Equal(t, `{"a":1}`, stripCodeFences("```\n{\"a\":1}\n```"))
	assert.Equal(t, `plain`, stripCodeFences("  plain "))
}
