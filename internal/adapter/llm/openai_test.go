package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"switchboard/internal/domain"
	"switchboard/internal/infra/config"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestProvider(t *testing.T, handler http.HandlerFunc) *OpenAIProvider {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return NewOpenAIProvider(config.ProviderConfig{
		Name:    "test",
		Model:   "gpt-test",
		APIKey:  "test-key",
		BaseURL: server.URL + "/",
	}, newTestLogger())
}

func TestOpenAIProviderGenerate(t *testing.T) {
	var got openaiRequest
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer test-key" {
			t.Errorf("unexpected auth: %s", r.Header.Get("Authorization"))
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		json.NewEncoder(w).Encode(openaiResponse{
			ID:    "chatcmpl-1",
			Model: "gpt-test",
			Choices: []openaiChoice{{
				Message: openaiMessage{
					Role: "assistant",
					ToolCalls: []openaiToolCall{{
						ID:       "call_1",
						Type:     "function",
						Function: openaiToolCallFunction{Name: "web_search", Arguments: `{"query":"go"}`},
					}},
				},
			}},
			Usage: openaiUsage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
		})
	})

	resp, err := p.Generate(context.Background(), domain.ChatRequest{
		Messages: []domain.ChatMessage{
			{Role: domain.RoleSystem, Content: "be brief"},
			{Role: domain.RoleTool, Content: "result", ToolCallID: "call_0"},
		},
		Tools:       []domain.ToolSchema{{Name: "web_search", Parameters: json.RawMessage(`{"type":"object"}`)}},
		Temperature: 0.3,
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	if got.Model != "gpt-test" {
		t.Errorf("model = %q, want provider default", got.Model)
	}
	if len(got.Tools) != 1 || got.Tools[0].Function.Name != "web_search" {
		t.Errorf("tools = %+v", got.Tools)
	}
	if got.Messages[1].ToolCallID != "call_0" {
		t.Errorf("tool_call_id = %q", got.Messages[1].ToolCallID)
	}
	if got.Temperature == nil || *got.Temperature != 0.3 {
		t.Errorf("temperature = %v", got.Temperature)
	}
	if got.Stream {
		t.Error("Generate must not request a stream")
	}

	if len(resp.Message.ToolCalls) != 1 || resp.Message.ToolCalls[0].Name != "web_search" {
		t.Fatalf("tool calls = %+v", resp.Message.ToolCalls)
	}
	if string(resp.Message.ToolCalls[0].Arguments) != `{"query":"go"}` {
		t.Errorf("arguments = %s", resp.Message.ToolCalls[0].Arguments)
	}
	if resp.Usage.TotalTokens != 15 {
		t.Errorf("usage = %+v", resp.Usage)
	}
}

func TestOpenAIProviderErrorMapping(t *testing.T) {
	tests := []struct {
		status int
		want   error
	}{
		{http.StatusTooManyRequests, domain.ErrRateLimit},
		{http.StatusUnauthorized, domain.ErrAuthInvalid},
		{http.StatusRequestEntityTooLarge, domain.ErrContextOverflow},
		{http.StatusBadGateway, domain.ErrProviderError},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.status), func(t *testing.T) {
			p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "nope", tt.status)
			})
			_, err := p.Generate(context.Background(), domain.ChatRequest{})
			if !errors.Is(err, tt.want) {
				t.Errorf("error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestOpenAIProviderStream(t *testing.T) {
	lines := []string{
		`: keep-alive`,
		`data: {"id":"s1","model":"gpt-test","choices":[{"delta":{"content":"Hel"}}]}`,
		`data: {"choices":[{"delta":{"content":"lo"}}]}`,
		`data: {"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_a","function":{"name":"web_search","arguments":"{\"qu"}}]}}]}`,
		`data: {"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"ery\":\"go\"}"}}]}}]}`,
		`data: {"choices":[{"delta":{"tool_calls":[{"index":1,"id":"call_b","function":{"name":"specialists"}}]}}]}`,
		`data: not-json`,
		`data: {"choices":[],"usage":{"prompt_tokens":3,"completion_tokens":4,"total_tokens":7}}`,
		`data: [DONE]`,
	}
	var body openaiRequest
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&body)
		w.Header().Set("Content-Type", "text/event-stream")
		for _, l := range lines {
			fmt.Fprintf(w, "%s\n\n", l)
		}
	})

	var chunks []string
	var completed *domain.ChatResponse
	resp, err := p.GenerateWithToolsStream(context.Background(), domain.ChatRequest{}, domain.StreamCallbacks{
		OnChunk:    func(c string) { chunks = append(chunks, c) },
		OnComplete: func(r *domain.ChatResponse) { completed = r },
	})
	if err != nil {
		t.Fatalf("GenerateWithToolsStream: %v", err)
	}

	if !body.Stream || body.StreamOptions == nil || !body.StreamOptions.IncludeUsage {
		t.Errorf("stream request = %+v", body)
	}
	if strings.Join(chunks, "|") != "Hel|lo" {
		t.Errorf("chunks = %v", chunks)
	}
	if resp.Message.Content != "Hello" || resp.ID != "s1" {
		t.Errorf("response = %+v", resp)
	}
	if len(resp.Message.ToolCalls) != 2 {
		t.Fatalf("tool calls = %+v", resp.Message.ToolCalls)
	}
	first := resp.Message.ToolCalls[0]
	if first.ID != "call_a" || string(first.Arguments) != `{"query":"go"}` {
		t.Errorf("first call = %+v (%s)", first, first.Arguments)
	}
	if string(resp.Message.ToolCalls[1].Arguments) != "{}" {
		t.Errorf("empty arguments should default to {}: %s", resp.Message.ToolCalls[1].Arguments)
	}
	if resp.Usage.TotalTokens != 7 {
		t.Errorf("usage = %+v", resp.Usage)
	}
	if completed != resp {
		t.Error("OnComplete should receive the final response")
	}
}

func TestOpenAIProviderStreamDisabled(t *testing.T) {
	p := NewOpenAIProvider(config.ProviderConfig{DisableStreaming: true}, newTestLogger())
	if p.SupportsStreaming() {
		t.Fatal("SupportsStreaming should be false")
	}
	_, err := p.GenerateWithToolsStream(context.Background(), domain.ChatRequest{}, domain.StreamCallbacks{})
	if !errors.Is(err, domain.ErrStreamingAbsent) {
		t.Errorf("error = %v", err)
	}
}

func TestOpenAIProviderQuickGenerate(t *testing.T) {
	var got openaiRequest
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
		json.NewEncoder(w).Encode(openaiResponse{
			Choices: []openaiChoice{{Message: openaiMessage{Role: "assistant", Content: "  short answer \n"}}},
		})
	})

	text, err := p.QuickGenerate(context.Background(), "summarize")
	if err != nil {
		t.Fatalf("QuickGenerate: %v", err)
	}
	if text != "short answer" {
		t.Errorf("text = %q", text)
	}
	if len(got.Tools) != 0 || got.MaxTokens != defaultQuickMaxTokens {
		t.Errorf("request = %+v", got)
	}
}
