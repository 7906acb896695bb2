package llm

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"

	"switchboard/internal/domain"
)

// FailoverProvider tries a primary provider, then each fallback in order.
// A stream that already emitted text is never replayed on another provider.
type FailoverProvider struct {
	providers []domain.ModelProvider
	logger    *slog.Logger
}

var _ domain.ModelProvider = (*FailoverProvider)(nil)

// NewFailoverProvider creates a failover-capable provider.
func NewFailoverProvider(primary domain.ModelProvider, fallbacks []domain.ModelProvider, logger *slog.Logger) *FailoverProvider {
	return &FailoverProvider{
		providers: append([]domain.ModelProvider{primary}, fallbacks...),
		logger:    logger,
	}
}

// Generate implements domain.ModelProvider.
func (f *FailoverProvider) Generate(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	var failures []string
	var lastErr error
	for i, p := range f.providers {
		resp, err := p.Generate(ctx, req)
		if err == nil {
			if i > 0 {
				f.logger.Info("failover succeeded", "provider", p.Name())
			}
			return resp, nil
		}
		if ctx.Err() != nil {
			return nil, err
		}
		f.logger.Warn("model provider failed", "provider", p.Name(), "error", err)
		failures = append(failures, fmt.Sprintf("%s: %v", p.Name(), err))
		lastErr = err
	}
	return nil, f.exhausted(lastErr, failures)
}

// GenerateWithToolsStream implements domain.ModelProvider. Providers that
// cannot stream are skipped.
func (f *FailoverProvider) GenerateWithToolsStream(ctx context.Context, req domain.ChatRequest, cb domain.StreamCallbacks) (*domain.ChatResponse, error) {
	var failures []string
	var lastErr error = domain.ErrStreamingAbsent
	for _, p := range f.providers {
		if !p.SupportsStreaming() {
			continue
		}
		var emitted atomic.Bool
		inner := cb
		inner.OnChunk = func(chunk string) {
			emitted.Store(true)
			if cb.OnChunk != nil {
				cb.OnChunk(chunk)
			}
		}
		resp, err := p.GenerateWithToolsStream(ctx, req, inner)
		if err == nil {
			return resp, nil
		}
		if emitted.Load() || ctx.Err() != nil {
			return nil, err
		}
		f.logger.Warn("streaming model provider failed", "provider", p.Name(), "error", err)
		failures = append(failures, fmt.Sprintf("%s: %v", p.Name(), err))
		lastErr = err
	}
	if len(failures) == 0 {
		return nil, lastErr
	}
	return nil, f.exhausted(lastErr, failures)
}

// QuickGenerate implements domain.ModelProvider.
func (f *FailoverProvider) QuickGenerate(ctx context.Context, prompt string) (string, error) {
	var failures []string
	var lastErr error
	for _, p := range f.providers {
		text, err := p.QuickGenerate(ctx, prompt)
		if err == nil {
			return text, nil
		}
		if ctx.Err() != nil {
			return "", err
		}
		failures = append(failures, fmt.Sprintf("%s: %v", p.Name(), err))
		lastErr = err
	}
	return "", f.exhausted(lastErr, failures)
}

// SupportsStreaming reports whether any provider can stream.
func (f *FailoverProvider) SupportsStreaming() bool {
	for _, p := range f.providers {
		if p.SupportsStreaming() {
			return true
		}
	}
	return false
}

// Name returns a composite name.
func (f *FailoverProvider) Name() string {
	return f.providers[0].Name() + "+failover"
}

// exhausted keeps the last error's sentinel, so a rate limit on every
// provider is still classified as one.
func (f *FailoverProvider) exhausted(last error, failures []string) error {
	if last == nil {
		last = domain.ErrProviderError
	}
	return fmt.Errorf("all providers failed: [%s]: %w", strings.Join(failures, "; "), last)
}
