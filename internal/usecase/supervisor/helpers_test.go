package supervisor

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"switchboard/internal/domain"
	"switchboard/internal/usecase/multiagent"
)

func testLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

// --- tool hub ---

type hubListener struct {
	id int
	fn func(domain.ToolEvent)
}

type fakeHub struct {
	mu        sync.Mutex
	listeners []hubListener
	next      int
	requests  []domain.ToolRequest
	execute   func(h *fakeHub, reqs []domain.ToolRequest) ([]domain.ToolRunResult, []domain.Citation, error)
}

func (h *fakeHub) CreateRequest(id, name string, input json.RawMessage, groupID, callerID string) (domain.ToolRequest, error) {
	req := domain.ToolRequest{ID: id, Name: name, Input: input, GroupID: groupID, CallerID: callerID}
	h.mu.Lock()
	h.requests = append(h.requests, req)
	h.mu.Unlock()
	return req, nil
}

func (h *fakeHub) ExecuteToolsWithCitations(_ context.Context, reqs []domain.ToolRequest) ([]domain.ToolRunResult, []domain.Citation, error) {
	if h.execute != nil {
		return h.execute(h, reqs)
	}
	results := make([]domain.ToolRunResult, 0, len(reqs))
	for _, r := range reqs {
		h.Emit(domain.ToolEvent{Type: domain.ToolRequested, ToolName: r.Name, RequestID: r.ID, CallerID: r.CallerID})
		h.Emit(domain.ToolEvent{Type: domain.ToolExecutionFinished, ToolName: r.Name, RequestID: r.ID, CallerID: r.CallerID})
		results = append(results, domain.ToolRunResult{Request: r, Result: domain.ToolResult{ToolCallID: r.ID, Content: "ok:" + r.Name}})
	}
	return results, nil, nil
}

func (h *fakeHub) OnToolEvent(fn func(domain.ToolEvent)) func() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.next++
	id := h.next
	h.listeners = append(h.listeners, hubListener{id: id, fn: fn})
	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		for i, l := range h.listeners {
			if l.id == id {
				h.listeners = append(h.listeners[:i:i], h.listeners[i+1:]...)
				return
			}
		}
	}
}

func (h *fakeHub) ToolsForLLM() []domain.ToolSchema {
	return []domain.ToolSchema{{Name: "web_search", Parameters: json.RawMessage(`{}`)}}
}

func (h *fakeHub) IsPrivateTool(string) bool { return false }

// Emit delivers ev to every listener, like the shared bus.
func (h *fakeHub) Emit(ev domain.ToolEvent) {
	h.mu.Lock()
	ls := append([]hubListener(nil), h.listeners...)
	h.mu.Unlock()
	for _, l := range ls {
		l.fn(ev)
	}
}

func (h *fakeHub) listenerCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.listeners)
}

func (h *fakeHub) recordedRequests() []domain.ToolRequest {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]domain.ToolRequest(nil), h.requests...)
}

// --- model provider ---

type fakeProvider struct {
	mu        sync.Mutex
	streaming bool
	responses []*domain.ChatResponse
	chunks    []string
	err       error
	panicMsg  string
	gate      chan struct{}
	started   chan struct{}
	calls     int
	requests  []domain.ChatRequest
}

func (p *fakeProvider) next(req domain.ChatRequest) (*domain.ChatResponse, error) {
	p.mu.Lock()
	p.calls++
	idx := p.calls - 1
	p.requests = append(p.requests, req)
	started, gate := p.started, p.gate
	p.mu.Unlock()

	if started != nil {
		started <- struct{}{}
	}
	if gate != nil {
		<-gate
	}
	if p.panicMsg != "" {
		panic(p.panicMsg)
	}
	if p.err != nil {
		return nil, p.err
	}
	if len(p.responses) == 0 {
		return &domain.ChatResponse{Message: domain.ChatMessage{Role: domain.RoleAssistant, Content: "ok"}}, nil
	}
	if idx >= len(p.responses) {
		idx = len(p.responses) - 1
	}
	return p.responses[idx], nil
}

func (p *fakeProvider) Generate(_ context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	return p.next(req)
}

func (p *fakeProvider) GenerateWithToolsStream(_ context.Context, req domain.ChatRequest, cb domain.StreamCallbacks) (*domain.ChatResponse, error) {
	resp, err := p.next(req)
	if err != nil {
		return nil, err
	}
	for _, c := range p.chunks {
		if cb.OnChunk != nil {
			cb.OnChunk(c)
		}
	}
	if cb.OnComplete != nil {
		cb.OnComplete(resp)
	}
	return resp, nil
}

func (p *fakeProvider) QuickGenerate(context.Context, string) (string, error) { return "quick", nil }
func (p *fakeProvider) SupportsStreaming() bool                             { return p.streaming }
func (p *fakeProvider) Name() string                                        { return "fake" }

func (p *fakeProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func (p *fakeProvider) lastRequest() domain.ChatRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.requests[len(p.requests)-1]
}

// --- realtime channel ---

type fakeChannel struct {
	mu       sync.Mutex
	sent     []domain.Message
	errors   []domain.ErrorNotice
	starts   []string
	ends     []string
	chunks   map[string][]string
	active   map[string]domain.ActiveStream
	onMsg    domain.InboundHandler
	handlers map[string]domain.ActionHandler
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{
		chunks:   make(map[string][]string),
		active:   make(map[string]domain.ActiveStream),
		handlers: make(map[string]domain.ActionHandler),
	}
}

func (c *fakeChannel) Send(_ context.Context, msg domain.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, msg)
	return nil
}

func (c *fakeChannel) SendError(_ context.Context, n domain.ErrorNotice) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errors = append(c.errors, n)
	return nil
}

func (c *fakeChannel) StartStream(_ context.Context, convID, messageID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.starts = append(c.starts, convID)
	c.active[convID] = domain.ActiveStream{ConversationID: convID, MessageID: messageID}
	return nil
}

func (c *fakeChannel) SendStreamChunk(_ context.Context, convID, chunk string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.chunks[convID] = append(c.chunks[convID], chunk)
	return nil
}

func (c *fakeChannel) EndStream(_ context.Context, convID, messageID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ends = append(c.ends, convID)
	if st, ok := c.active[convID]; ok && st.MessageID == messageID {
		delete(c.active, convID)
	}
	return nil
}

func (c *fakeChannel) Broadcast(context.Context, domain.Event) error { return nil }

func (c *fakeChannel) ActiveStream(convID string) (domain.ActiveStream, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.active[convID]
	return s, ok
}

func (c *fakeChannel) OnMessage(h domain.InboundHandler) { c.onMsg = h }

func (c *fakeChannel) OnAction(name string, h domain.ActionHandler) { c.handlers[name] = h }

func (c *fakeChannel) sentMessages() []domain.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]domain.Message(nil), c.sent...)
}

// --- event service ---

type recordedError struct {
	conversationID string
	err            error
	details        string
}

type fakeEvents struct {
	mu          sync.Mutex
	tool        map[string][]domain.ToolEvent
	delegations []domain.DelegationEvent
	errs        []recordedError
}

func newFakeEvents() *fakeEvents {
	return &fakeEvents{tool: make(map[string][]domain.ToolEvent)}
}

func (e *fakeEvents) EmitToolEvent(_ context.Context, convID string, ev domain.ToolEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tool[convID] = append(e.tool[convID], ev)
}

func (e *fakeEvents) EmitDelegationEvent(_ context.Context, _ string, ev domain.DelegationEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.delegations = append(e.delegations, ev)
}

func (e *fakeEvents) EmitTaskRunEvent(context.Context, domain.TaskRunEvent) string { return "turn-task" }

func (e *fakeEvents) EmitErrorEvent(_ context.Context, convID string, err error, details string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.errs = append(e.errs, recordedError{conversationID: convID, err: err, details: details})
}

func (e *fakeEvents) toolEvents(convID string) []domain.ToolEvent {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]domain.ToolEvent(nil), e.tool[convID]...)
}

func (e *fakeEvents) errors() []recordedError {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]recordedError(nil), e.errs...)
}

// --- repositories ---

type memMessages struct {
	mu        sync.Mutex
	byID      map[string]domain.Message
	order     []string
	creates    int
	failCreate func(domain.Message) error
}

func newMemMessages() *memMessages {
	return &memMessages{byID: make(map[string]domain.Message)}
}

func (m *memMessages) Create(_ context.Context, msg domain.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failCreate != nil {
		if err := m.failCreate(msg); err != nil {
			return err
		}
	}
	if _, ok := m.byID[msg.ID]; ok {
		return domain.ErrDuplicate
	}
	m.creates++
	m.byID[msg.ID] = msg
	m.order = append(m.order, msg.ID)
	return nil
}

func (m *memMessages) FindByID(_ context.Context, id string) (*domain.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.byID[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &msg, nil
}

func (m *memMessages) FindByConversationID(_ context.Context, convID string) ([]domain.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Message
	for _, id := range m.order {
		if msg := m.byID[id]; msg.Metadata.ConversationID == convID {
			out = append(out, msg)
		}
	}
	return out, nil
}

func (m *memMessages) put(msgs ...domain.Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, msg := range msgs {
		m.byID[msg.ID] = msg
		m.order = append(m.order, msg.ID)
	}
}

func (m *memMessages) createCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.creates
}

type memConversations struct {
	mu      sync.Mutex
	convs   map[string]domain.Conversation
	creates []domain.Conversation
	updates []domain.Conversation
}

func newMemConversations() *memConversations {
	return &memConversations{convs: map[string]domain.Conversation{
		domain.FeedConversationID: {ID: domain.FeedConversationID, Title: "Feed", IsWellKnown: true, UpdatedAt: time.Now()},
	}}
}

func (c *memConversations) Create(_ context.Context, conv domain.Conversation) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.convs[conv.ID]; ok {
		return domain.ErrDuplicate
	}
	c.convs[conv.ID] = conv
	c.creates = append(c.creates, conv)
	return nil
}

func (c *memConversations) Update(_ context.Context, conv domain.Conversation) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.convs[conv.ID]; !ok {
		return domain.ErrNotFound
	}
	c.convs[conv.ID] = conv
	c.updates = append(c.updates, conv)
	return nil
}

func (c *memConversations) FindByID(_ context.Context, id string) (*domain.Conversation, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	conv, ok := c.convs[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &conv, nil
}

func (c *memConversations) FindRecent(_ context.Context, since time.Time) (*domain.Conversation, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var candidates []domain.Conversation
	for _, conv := range c.convs {
		if !conv.IsWellKnown && !conv.UpdatedAt.Before(since) {
			candidates = append(candidates, conv)
		}
	}
	if len(candidates) == 0 {
		return nil, domain.ErrNotFound
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].UpdatedAt.After(candidates[j].UpdatedAt) })
	return &candidates[0], nil
}

func (c *memConversations) counts() (creates, updates int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.creates), len(c.updates)
}

// --- delegation ---

type fakeDelegator struct {
	mu     sync.Mutex
	reqs   []multiagent.DelegateRequest
	result *domain.DelegationResult
	err    error
	onCall func(req multiagent.DelegateRequest)
}

func (f *fakeDelegator) Delegate(_ context.Context, req multiagent.DelegateRequest) (*domain.DelegationResult, error) {
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	onCall := f.onCall
	f.mu.Unlock()
	if onCall != nil {
		onCall(req)
	}
	if f.err != nil {
		return nil, f.err
	}
	if f.result != nil {
		return f.result, nil
	}
	return &domain.DelegationResult{AgentID: "a1", AgentName: "Scout #1", Type: req.Target, Content: "delegated: " + req.Mission}, nil
}

func (f *fakeDelegator) requests() []multiagent.DelegateRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]multiagent.DelegateRequest(nil), f.reqs...)
}

// --- harness ---

type harness struct {
	d             *Dispatcher
	provider      *fakeProvider
	hub           *fakeHub
	channel       *fakeChannel
	events        *fakeEvents
	messages      *memMessages
	conversations *memConversations
	delegator     *fakeDelegator
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	reg, err := multiagent.NewRegistry(multiagent.BuiltinTemplates(), nil, testLogger())
	require.NoError(t, err)

	h := &harness{
		provider:      &fakeProvider{},
		hub:           &fakeHub{},
		channel:       newFakeChannel(),
		events:        newFakeEvents(),
		messages:      newMemMessages(),
		conversations: newMemConversations(),
		delegator:     &fakeDelegator{},
	}
	h.d = NewDispatcher(cfg, Deps{
		Registry:      reg,
		Broker:        h.delegator,
		Provider:      h.provider,
		Tools:         h.hub,
		Channel:       h.channel,
		Events:        h.events,
		Messages:      h.messages,
		Conversations: h.conversations,
		Logger:        testLogger(),
	})
	return h
}

func userMessage(id, content, convID string) domain.Message {
	return domain.Message{
		ID:       id,
		Role:     domain.RoleUser,
		Content:  content,
		Metadata: domain.MessageMetadata{ConversationID: convID},
	}
}
