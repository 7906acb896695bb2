package llm

import (
	"context"
	"errors"
	"testing"

	"switchboard/internal/domain"
)

func TestFailoverUsesFallback(t *testing.T) {
	primary := &fakeProvider{name: "primary", err: domain.ErrProviderError}
	backup := &fakeProvider{name: "backup", content: "from backup"}
	f := NewFailoverProvider(primary, []domain.ModelProvider{backup}, newTestLogger())

	resp, err := f.Generate(context.Background(), domain.ChatRequest{})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if resp.Message.Content != "from backup" {
		t.Errorf("content = %q", resp.Message.Content)
	}
	if f.Name() != "primary+failover" {
		t.Errorf("Name = %q", f.Name())
	}
}

func TestFailoverKeepsSentinel(t *testing.T) {
	a := &fakeProvider{name: "a", err: domain.ErrProviderError}
	b := &fakeProvider{name: "b", err: domain.ErrRateLimit}
	f := NewFailoverProvider(a, []domain.ModelProvider{b}, newTestLogger())

	_, err := f.Generate(context.Background(), domain.ChatRequest{})
	if !errors.Is(err, domain.ErrRateLimit) {
		t.Errorf("error = %v, want ErrRateLimit", err)
	}
	if _, err := f.QuickGenerate(context.Background(), "x"); !errors.Is(err, domain.ErrRateLimit) {
		t.Errorf("QuickGenerate error = %v", err)
	}
}

func TestFailoverStreamNeverReplaysEmittedText(t *testing.T) {
	primary := &fakeProvider{name: "primary", streaming: true, chunks: []string{"partial"}, err: domain.ErrProviderError}
	backup := &fakeProvider{name: "backup", streaming: true, content: "full"}
	f := NewFailoverProvider(primary, []domain.ModelProvider{backup}, newTestLogger())

	var chunks []string
	_, err := f.GenerateWithToolsStream(context.Background(), domain.ChatRequest{}, domain.StreamCallbacks{
		OnChunk: func(c string) { chunks = append(chunks, c) },
	})
	if !errors.Is(err, domain.ErrProviderError) {
		t.Fatalf("error = %v", err)
	}
	if backup.calls.Load() != 0 {
		t.Error("backup must not run after text was streamed")
	}
	if len(chunks) != 1 {
		t.Errorf("chunks = %v", chunks)
	}
}

func TestFailoverStreamSkipsNonStreaming(t *testing.T) {
	plain := &fakeProvider{name: "plain"}
	streamer := &fakeProvider{name: "streamer", streaming: true, content: "ok"}
	f := NewFailoverProvider(plain, []domain.ModelProvider{streamer}, newTestLogger())

	if !f.SupportsStreaming() {
		t.Fatal("SupportsStreaming should be true when any provider streams")
	}
	resp, err := f.GenerateWithToolsStream(context.Background(), domain.ChatRequest{}, domain.StreamCallbacks{})
	if err != nil || resp.Message.Content != "ok" {
		t.Errorf("resp = %+v, err = %v", resp, err)
	}
	if plain.calls.Load() != 0 {
		t.Error("non-streaming provider should be skipped")
	}

	none := NewFailoverProvider(plain, nil, newTestLogger())
	if _, err := none.GenerateWithToolsStream(context.Background(), domain.ChatRequest{}, domain.StreamCallbacks{}); !errors.Is(err, domain.ErrStreamingAbsent) {
		t.Errorf("error = %v, want ErrStreamingAbsent", err)
	}
}
