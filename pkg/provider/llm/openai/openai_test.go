package openai

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/MrWong99/vibepm/pkg/provider/llm"
)

func TestConvertMessage(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		msg   llm.Message
		check func(t *testing.T, m llm.Message)
	}{
		{name: "system", msg: llm.Message{Role: llm.RoleSystem, Content: "You are helpful."}},
		{name: "user", msg: llm.Message{Role: llm.RoleUser, Content: "Hello!"}},
		{name: "assistant", msg: llm.Message{Role: llm.RoleAssistant, Content: "Hi there!"}},
		{name: "tool", msg: llm.Message{Role: llm.RoleTool, Content: `{"status":"success"}`, ToolCallID: "call_1"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			param, err := convertMessage(tc.msg)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			var set bool
			switch tc.msg.Role {
			case llm.RoleSystem:
				set = param.OfSystem != nil
			case llm.RoleUser:
				set = param.OfUser != nil
			case llm.RoleAssistant:
				set = param.OfAssistant != nil
			case llm.RoleTool:
				set = param.OfTool != nil && param.OfTool.ToolCallID == "call_1"
			}
			if !set {
				t.Fatalf("%s message not converted: %+v", tc.msg.Role, param)
			}
		})
	}
}

func TestConvertMessage_AssistantWithToolCalls(t *testing.T) {
	t.Parallel()
	msg := llm.Message{
		Role: llm.RoleAssistant,
		ToolCalls: []llm.ToolCall{
			{ID: "call_1", Name: "update_product", Arguments: `{"name":"Todo"}`},
		},
	}
	param, err := convertMessage(msg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if param.OfAssistant == nil || len(param.OfAssistant.ToolCalls) != 1 {
		t.Fatalf("expected one assistant tool call, got %+v", param)
	}
	tc := param.OfAssistant.ToolCalls[0]
	if tc.ID != "call_1" || tc.Function.Name != "update_product" || tc.Function.Arguments != `{"name":"Todo"}` {
		t.Errorf("tool call = %+v", tc)
	}
}

func TestConvertMessage_UnknownRole(t *testing.T) {
	t.Parallel()
	if _, err := convertMessage(llm.Message{Role: "narrator"}); err == nil {
		t.Fatal("expected error for unknown role")
	}
}

func TestModelCapabilities(t *testing.T) {
	t.Parallel()

	tests := []struct {
		model      string
		wantWindow int
		wantVision bool
	}{
		{"gpt-4o-mini", 128_000, true},
		{"gpt-4o", 128_000, true},
		{"gpt-4.1", 1_047_576, true},
		{"gpt-4", 8_192, false},
		{"gpt-3.5-turbo", 16_385, false},
		{"o3-mini", 200_000, false},
		{"my-custom-model", 128_000, false},
	}
	for _, tc := range tests {
		t.Run(tc.model, func(t *testing.T) {
			t.Parallel()
			caps := modelCapabilities(tc.model)
			if caps.ContextWindow != tc.wantWindow {
				t.Errorf("ContextWindow = %d, want %d", caps.ContextWindow, tc.wantWindow)
			}
			if caps.SupportsVision != tc.wantVision {
				t.Errorf("SupportsVision = %v, want %v", caps.SupportsVision, tc.wantVision)
			}
			if !caps.SupportsToolCalling || !caps.SupportsStreaming || caps.MaxOutputTokens <= 0 {
				t.Errorf("unexpected caps %+v", caps)
			}
		})
	}
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()
	if _, err := New("", "gpt-4o"); err == nil {
		t.Error("expected error for empty API key")
	}
	if _, err := New("sk-test", ""); err == nil {
		t.Error("expected error for empty model")
	}
	if _, err := New("sk-test", "gpt-4o", WithBaseURL("https://custom.example.com"), WithOrganization("org-123")); err != nil {
		t.Errorf("unexpected error with valid options: %v", err)
	}
}

// sseServer replies to chat completion requests with the given data events.
func sseServer(t *testing.T, events ...string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for _, e := range events {
			fmt.Fprintf(w, "data: %s\n\n", e)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	t.Cleanup(srv.Close)
	return srv
}

func chunkJSON(delta, finish string) string {
	fr := "null"
	if finish != "" {
		fr = fmt.Sprintf("%q", finish)
	}
	return fmt.Sprintf(`{"id":"c1","object":"chat.completion.chunk","created":1,"model":"gpt-4o","choices":[{"index":0,"delta":%s,"finish_reason":%s}]}`, delta, fr)
}

func TestStreamCompletion_Text(t *testing.T) {
	t.Parallel()

	srv := sseServer(t,
		chunkJSON(`{"role":"assistant","content":"Hello. "}`, ""),
		chunkJSON(`{"content":"What are we building?"}`, ""),
		chunkJSON(`{}`, "stop"),
	)
	p, err := New("sk-test", "gpt-4o", WithBaseURL(srv.URL+"/v1/"), WithMaxRetries(0))
	if err != nil {
		t.Fatal(err)
	}
	ch, err := p.StreamCompletion(context.Background(), llm.CompletionRequest{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("StreamCompletion: %v", err)
	}
	resp, err := llm.Collect(context.Background(), ch)
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if resp.Content != "Hello. What are we building?" {
		t.Errorf("Content = %q", resp.Content)
	}
}

func TestStreamCompletion_ToolCallAccumulation(t *testing.T) {
	t.Parallel()

	srv := sseServer(t,
		chunkJSON(`{"role":"assistant","tool_calls":[{"index":0,"id":"call_1","type":"function","function":{"name":"update_product","arguments":"{\"name\":"}}]}`, ""),
		chunkJSON(`{"tool_calls":[{"index":0,"function":{"arguments":"\"Todo\"}"}}]}`, ""),
		chunkJSON(`{}`, "tool_calls"),
	)
	p, err := New("sk-test", "gpt-4o", WithBaseURL(srv.URL+"/v1/"), WithMaxRetries(0))
	if err != nil {
		t.Fatal(err)
	}
	ch, err := p.StreamCompletion(context.Background(), llm.CompletionRequest{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "call it Todo"}},
		Tools:    []llm.ToolDefinition{{Name: "update_product", Parameters: map[string]any{"type": "object"}}},
	})
	if err != nil {
		t.Fatalf("StreamCompletion: %v", err)
	}

	var last llm.Chunk
	for c := range ch {
		last = c
	}
	if last.FinishReason != llm.FinishToolCalls {
		t.Fatalf("FinishReason = %q", last.FinishReason)
	}
	if len(last.ToolCalls) != 1 {
		t.Fatalf("ToolCalls = %+v", last.ToolCalls)
	}
	if got := last.ToolCalls[0]; got.ID != "call_1" || got.Name != "update_product" || got.Arguments != `{"name":"Todo"}` {
		t.Errorf("tool call = %+v", got)
	}
}

func TestCountTokens(t *testing.T) {
	t.Parallel()
	p := &Provider{model: "gpt-4o"}
	count, err := p.CountTokens([]llm.Message{{Role: llm.RoleUser, Content: "Hello world"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if count <= 0 {
		t.Errorf("expected positive token count, got %d", count)
	}
}
