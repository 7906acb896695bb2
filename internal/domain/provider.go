package domain

import "context"

// StreamCallbacks receive incremental output from a streaming generation.
type StreamCallbacks struct {
	OnChunk    func(chunk string)
	OnComplete func(resp *ChatResponse)
}

// ModelProvider is the interface for any LLM backend.
type ModelProvider interface {
	// Generate sends a request and returns a complete response.
	Generate(ctx context.Context, req ChatRequest) (*ChatResponse, error)
	// GenerateWithToolsStream streams text through callbacks and returns the
	// assembled response, including any tool calls.
	GenerateWithToolsStream(ctx context.Context, req ChatRequest, cb StreamCallbacks) (*ChatResponse, error)
	// QuickGenerate answers a single prompt with a short completion.
	QuickGenerate(ctx context.Context, prompt string) (string, error)
	SupportsStreaming() bool
	// Name returns the provider's identifier (e.g., "openai", "groq").
	Name() string
}
