package llm

import (
	"context"
	"sync/atomic"

	"switchboard/internal/domain"
)

// fakeProvider is a scripted domain.ModelProvider.
type fakeProvider struct {
	name      string
	err       error
	content   string
	chunks    []string
	streaming bool
	calls     atomic.Int32
}

func (f *fakeProvider) Generate(context.Context, domain.ChatRequest) (*domain.ChatResponse, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return &domain.ChatResponse{Model: f.name, Message: domain.ChatMessage{Role: domain.RoleAssistant, Content: f.content}}, nil
}

func (f *fakeProvider) GenerateWithToolsStream(_ context.Context, _ domain.ChatRequest, cb domain.StreamCallbacks) (*domain.ChatResponse, error) {
	f.calls.Add(1)
	for _, c := range f.chunks {
		if cb.OnChunk != nil {
			cb.OnChunk(c)
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return &domain.ChatResponse{Model: f.name, Message: domain.ChatMessage{Role: domain.RoleAssistant, Content: f.content}}, nil
}

func (f *fakeProvider) QuickGenerate(context.Context, string) (string, error) {
	f.calls.Add(1)
	if f.err != nil {
		return "", f.err
	}
	return f.content, nil
}

func (f *fakeProvider) SupportsStreaming() bool { return f.streaming }
func (f *fakeProvider) Name() string            { return f.name }
