package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"switchboard/internal/domain"
	"switchboard/internal/infra/config"
	"switchboard/internal/infra/tracer"
)

const defaultQuickMaxTokens = 256

// OpenAIProvider implements domain.ModelProvider for any OpenAI-compatible API.
type OpenAIProvider struct {
	name      string
	model     string
	apiKey    string
	baseURL   string
	streaming bool
	client    *http.Client
	logger    *slog.Logger
}

var _ domain.ModelProvider = (*OpenAIProvider)(nil)

// NewOpenAIProvider creates a provider with configured timeouts.
func NewOpenAIProvider(cfg config.ProviderConfig, logger *slog.Logger) *OpenAIProvider {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	name := cfg.Name
	if name == "" {
		name = "openai"
	}
	return &OpenAIProvider{
		name:      name,
		model:     cfg.Model,
		apiKey:    cfg.APIKey,
		baseURL:   baseURL,
		streaming: !cfg.DisableStreaming,
		client:    NewHTTPClient(cfg),
		logger:    logger,
	}
}

// Name implements domain.ModelProvider.
func (p *OpenAIProvider) Name() string { return p.name }

// SupportsStreaming implements domain.ModelProvider.
func (p *OpenAIProvider) SupportsStreaming() bool { return p.streaming }

// Generate implements domain.ModelProvider.
func (p *OpenAIProvider) Generate(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	if req.Model == "" {
		req.Model = p.model
	}
	ctx, span := tracer.StartSpan(ctx, "llm.generate",
		trace.WithAttributes(
			tracer.StringAttr("llm.provider", p.name),
			tracer.StringAttr("llm.model", req.Model),
		),
	)
	defer span.End()

	body, err := json.Marshal(toOpenAIRequest(req, false))
	if err != nil {
		tracer.RecordError(span, err)
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	respBody, err := doJSONRequest(ctx, p.client, p.baseURL+"/chat/completions", body, p.headers())
	if err != nil {
		tracer.RecordError(span, err)
		return nil, err
	}

	var oaiResp openaiResponse
	if err := json.Unmarshal(respBody, &oaiResp); err != nil {
		tracer.RecordError(span, err)
		return nil, fmt.Errorf("%w: unmarshal response: %v", domain.ErrProviderError, err)
	}

	result := fromOpenAIResponse(oaiResp)
	setUsageAttrs(span, result.Usage)
	tracer.SetOK(span)
	logGenerateCompleted(p.logger, p.name, result, false)
	return result, nil
}

// GenerateWithToolsStream implements domain.ModelProvider. Text deltas go to
// cb.OnChunk as they arrive; tool-call fragments are stitched together by
// index and returned on the final response.
func (p *OpenAIProvider) GenerateWithToolsStream(ctx context.Context, req domain.ChatRequest, cb domain.StreamCallbacks) (*domain.ChatResponse, error) {
	if !p.streaming {
		return nil, domain.ErrStreamingAbsent
	}
	if req.Model == "" {
		req.Model = p.model
	}
	ctx, span := tracer.StartSpan(ctx, "llm.generate",
		trace.WithAttributes(
			tracer.StringAttr("llm.provider", p.name),
			tracer.StringAttr("llm.model", req.Model),
			tracer.StringAttr("llm.mode", "stream"),
		),
	)
	defer span.End()

	body, err := json.Marshal(toOpenAIRequest(req, true))
	if err != nil {
		tracer.RecordError(span, err)
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpResp, err := doStreamRequest(ctx, p.client, p.baseURL+"/chat/completions", body, p.headers())
	if err != nil {
		tracer.RecordError(span, err)
		return nil, err
	}
	defer httpResp.Body.Close()

	acc := newStreamAccumulator()
	err = readSSE(ctx, httpResp.Body, func(data []byte) error {
		var chunk openaiStreamChunk
		if err := json.Unmarshal(data, &chunk); err != nil {
			p.logger.Debug("skipping unparseable stream line", "provider", p.name, "error", err)
			return nil
		}
		if text := acc.add(chunk); text != "" && cb.OnChunk != nil {
			cb.OnChunk(text)
		}
		return nil
	})
	if err != nil {
		tracer.RecordError(span, err)
		return nil, fmt.Errorf("%w: stream: %v", domain.ErrProviderError, err)
	}

	result := acc.response(req.Model)
	setUsageAttrs(span, result.Usage)
	tracer.SetOK(span)
	logGenerateCompleted(p.logger, p.name, result, true)
	if cb.OnComplete != nil {
		cb.OnComplete(result)
	}
	return result, nil
}

// QuickGenerate implements domain.ModelProvider with a single-turn,
// tool-less request.
func (p *OpenAIProvider) QuickGenerate(ctx context.Context, prompt string) (string, error) {
	resp, err := p.Generate(ctx, domain.ChatRequest{
		Messages:  []domain.ChatMessage{{Role: domain.RoleUser, Content: prompt}},
		MaxTokens: defaultQuickMaxTokens,
	})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(resp.Message.Content), nil
}

func (p *OpenAIProvider) headers() map[string]string {
	headers := map[string]string{}
	if p.apiKey != "" {
		headers["Authorization"] = "Bearer " + p.apiKey
	}
	return headers
}

// --- OpenAI API wire types ---

type openaiRequest struct {
	Model           string               `json:"model"`
	Messages        []openaiMessage      `json:"messages"`
	Tools           []openaiTool         `json:"tools,omitempty"`
	MaxTokens       int                  `json:"max_tokens,omitempty"`
	Temperature     *float64             `json:"temperature,omitempty"`
	ReasoningEffort string               `json:"reasoning_effort,omitempty"`
	Stream          bool                 `json:"stream,omitempty"`
	StreamOptions   *openaiStreamOptions `json:"stream_options,omitempty"`
}

type openaiStreamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type openaiMessage struct {
	Role       string           `json:"role"`
	Content    string           `json:"content"`
	Name       string           `json:"name,omitempty"`
	ToolCalls  []openaiToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
}

type openaiTool struct {
	Type     string             `json:"type"`
	Function openaiToolFunction `json:"function"`
}

type openaiToolFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

type openaiToolCall struct {
	Index    *int                   `json:"index,omitempty"`
	ID       string                 `json:"id,omitempty"`
	Type     string                 `json:"type,omitempty"`
	Function openaiToolCallFunction `json:"function"`
}

type openaiToolCallFunction struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments"`
}

type openaiResponse struct {
	ID      string         `json:"id"`
	Model   string         `json:"model"`
	Choices []openaiChoice `json:"choices"`
	Usage   openaiUsage    `json:"usage"`
	Created int64          `json:"created"`
}

type openaiChoice struct {
	Index        int           `json:"index"`
	Message      openaiMessage `json:"message"`
	FinishReason string        `json:"finish_reason"`
}

type openaiUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type openaiStreamChunk struct {
	ID      string               `json:"id"`
	Model   string               `json:"model"`
	Choices []openaiStreamChoice `json:"choices"`
	Usage   *openaiUsage         `json:"usage,omitempty"`
}

type openaiStreamChoice struct {
	Delta        openaiStreamDelta `json:"delta"`
	FinishReason *string           `json:"finish_reason"`
}

type openaiStreamDelta struct {
	Content   string           `json:"content,omitempty"`
	ToolCalls []openaiToolCall `json:"tool_calls,omitempty"`
}

func toOpenAIRequest(req domain.ChatRequest, stream bool) openaiRequest {
	msgs := make([]openaiMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		oaiMsg := openaiMessage{
			Role:       m.Role,
			Content:    m.Content,
			Name:       m.Name,
			ToolCallID: m.ToolCallID,
		}
		for _, tc := range m.ToolCalls {
			oaiMsg.ToolCalls = append(oaiMsg.ToolCalls, openaiToolCall{
				ID:   tc.ID,
				Type: "function",
				Function: openaiToolCallFunction{
					Name:      tc.Name,
					Arguments: string(tc.Arguments),
				},
			})
		}
		msgs = append(msgs, oaiMsg)
	}

	oaiReq := openaiRequest{
		Model:           req.Model,
		Messages:        msgs,
		MaxTokens:       req.MaxTokens,
		ReasoningEffort: req.ReasoningMode,
		Stream:          stream,
	}
	if stream {
		oaiReq.StreamOptions = &openaiStreamOptions{IncludeUsage: true}
	}
	if req.Temperature > 0 {
		temp := req.Temperature
		oaiReq.Temperature = &temp
	}
	for _, t := range req.Tools {
		oaiReq.Tools = append(oaiReq.Tools, openaiTool{
			Type: "function",
			Function: openaiToolFunction{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}
	return oaiReq
}

func fromOpenAIResponse(resp openaiResponse) *domain.ChatResponse {
	result := &domain.ChatResponse{
		ID:    resp.ID,
		Model: resp.Model,
		Usage: domain.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
		CreatedAt: time.Unix(resp.Created, 0),
	}
	if len(resp.Choices) == 0 {
		return result
	}

	choice := resp.Choices[0]
	msg := domain.ChatMessage{
		Role:    choice.Message.Role,
		Content: choice.Message.Content,
		Name:    choice.Message.Name,
	}
	if msg.Role == "" {
		msg.Role = domain.RoleAssistant
	}
	for _, tc := range choice.Message.ToolCalls {
		msg.ToolCalls = append(msg.ToolCalls, domain.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: json.RawMessage(tc.Function.Arguments),
		})
	}
	result.Message = msg
	return result
}

// streamAccumulator assembles a ChatResponse from stream chunks.
type streamAccumulator struct {
	id      string
	model   string
	content strings.Builder
	calls   map[int]*domain.ToolCall
	args    map[int]*strings.Builder
	usage   domain.Usage
}

func newStreamAccumulator() *streamAccumulator {
	return &streamAccumulator{
		calls: make(map[int]*domain.ToolCall),
		args:  make(map[int]*strings.Builder),
	}
}

// add folds chunk in and returns its text delta.
func (a *streamAccumulator) add(chunk openaiStreamChunk) string {
	if chunk.ID != "" {
		a.id = chunk.ID
	}
	if chunk.Model != "" {
		a.model = chunk.Model
	}
	if chunk.Usage != nil {
		a.usage = domain.Usage{
			PromptTokens:     chunk.Usage.PromptTokens,
			CompletionTokens: chunk.Usage.CompletionTokens,
			TotalTokens:      chunk.Usage.TotalTokens,
		}
	}
	if len(chunk.Choices) == 0 {
		return ""
	}

	delta := chunk.Choices[0].Delta
	for i, tc := range delta.ToolCalls {
		idx := i
		if tc.Index != nil {
			idx = *tc.Index
		}
		call, ok := a.calls[idx]
		if !ok {
			call = &domain.ToolCall{}
			a.calls[idx] = call
			a.args[idx] = &strings.Builder{}
		}
		if tc.ID != "" {
			call.ID = tc.ID
		}
		if tc.Function.Name != "" {
			call.Name = tc.Function.Name
		}
		a.args[idx].WriteString(tc.Function.Arguments)
	}
	a.content.WriteString(delta.Content)
	return delta.Content
}

func (a *streamAccumulator) response(model string) *domain.ChatResponse {
	if a.model != "" {
		model = a.model
	}
	msg := domain.ChatMessage{Role: domain.RoleAssistant, Content: a.content.String()}

	indexes := make([]int, 0, len(a.calls))
	for idx := range a.calls {
		indexes = append(indexes, idx)
	}
	sort.Ints(indexes)
	for _, idx := range indexes {
		call := *a.calls[idx]
		args := a.args[idx].String()
		if args == "" {
			args = "{}"
		}
		call.Arguments = json.RawMessage(args)
		msg.ToolCalls = append(msg.ToolCalls, call)
	}

	return &domain.ChatResponse{
		ID:        a.id,
		Model:     model,
		Message:   msg,
		Usage:     a.usage,
		CreatedAt: time.Now(),
	}
}
