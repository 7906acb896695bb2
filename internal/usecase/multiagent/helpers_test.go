package multiagent

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"switchboard/internal/domain"
)

func testLogger() *slog.Logger { return discardLogger() }

type fakeAgent struct {
	mu       sync.Mutex
	identity domain.AgentIdentity
	dir      domain.AgentDirectory
	attached int
	received []domain.AgentCommunication
	shutdown int
	failRecv bool
	failStop bool
}

func newFakeAgent(id, name string) *fakeAgent {
	return &fakeAgent{identity: domain.AgentIdentity{ID: id, Name: name}}
}

func (a *fakeAgent) Identity() domain.AgentIdentity { return a.identity }

func (a *fakeAgent) AttachRegistry(dir domain.AgentDirectory) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.dir = dir
	a.attached++
}

func (a *fakeAgent) Receive(_ context.Context, comm domain.AgentCommunication) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.received = append(a.received, comm)
	if a.failRecv {
		return errors.New("busy")
	}
	return nil
}

func (a *fakeAgent) Shutdown(context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.shutdown++
	if a.failStop {
		return errors.New("stuck")
	}
	return nil
}

func (a *fakeAgent) receivedCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.received)
}

type fakeWorker struct {
	*fakeAgent
	inited  bool
	result  string
	err     error
	gotDC   domain.DelegationContext
	mission string
	onTask  func(ctx context.Context, w *fakeWorker) (string, error)
}

func (w *fakeWorker) Init(context.Context) error {
	w.inited = true
	return nil
}

func (w *fakeWorker) HandleDelegatedTask(ctx context.Context, _ domain.Message, mission string, dc domain.DelegationContext) (*domain.DelegationResult, error) {
	w.mission = mission
	w.gotDC = dc
	if w.onTask != nil {
		out, err := w.onTask(ctx, w)
		if err != nil {
			return nil, err
		}
		return &domain.DelegationResult{Content: out}, nil
	}
	if w.err != nil {
		return nil, w.err
	}
	return &domain.DelegationResult{Content: w.result}, nil
}

type fakeFactory struct {
	mu      sync.Mutex
	workers []*fakeWorker
	result  string
	err     error
	// tasks overrides the task body per specialist type.
	tasks map[domain.SpecialistType]func(ctx context.Context, w *fakeWorker) (string, error)
}

func (f *fakeFactory) NewWorker(tmpl domain.SpecialistTemplate, identity domain.AgentIdentity) (domain.SpecialistWorker, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	w := &fakeWorker{fakeAgent: &fakeAgent{identity: identity}, result: f.result, err: f.err, onTask: f.tasks[tmpl.Type]}
	f.workers = append(f.workers, w)
	return w, nil
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []domain.DelegationEvent
	convs  []string
}

func (e *recordingEmitter) EmitDelegationEvent(_ context.Context, conversationID string, ev domain.DelegationEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, ev)
	e.convs = append(e.convs, conversationID)
}

func (e *recordingEmitter) phases() []domain.DelegationPhase {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]domain.DelegationPhase, len(e.events))
	for i, ev := range e.events {
		out[i] = ev.Phase
	}
	return out
}

func newBuiltinRegistry(t interface{ Fatalf(string, ...any) }) *Registry {
	r, err := NewRegistry(BuiltinTemplates(), nil, testLogger())
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	return r
}
