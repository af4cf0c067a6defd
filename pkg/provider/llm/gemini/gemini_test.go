package gemini

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"google.golang.org/genai"

	"github.com/MrWong99/vibepm/pkg/provider/llm"
)

func TestConvertMessages(t *testing.T) {
	t.Parallel()

	msgs := []llm.Message{
		{Role: llm.RoleSystem, Content: "Be brief."},
		{Role: llm.RoleUser, Content: "A todo app."},
		{Role: llm.RoleAssistant, ToolCalls: []llm.ToolCall{
			{ID: "a", Name: "update_product", Arguments: `{"name":"Todo"}`},
			{ID: "b", Name: "update_product", Arguments: `{"description":"Tracks tasks"}`},
		}},
		{Role: llm.RoleTool, Name: "update_product", ToolCallID: "a", Content: `{"status":"success"}`},
		{Role: llm.RoleTool, Name: "update_product", ToolCallID: "b", Content: "plain text"},
		{Role: llm.RoleAssistant, Content: "Got it."},
	}
	contents, system, err := convertMessages(msgs)
	if err != nil {
		t.Fatalf("convertMessages: %v", err)
	}
	if len(system) != 1 || system[0] != "Be brief." {
		t.Errorf("system = %q", system)
	}
	if len(contents) != 4 {
		t.Fatalf("contents = %d, want 4 (user, model calls, grouped tool results, model text)", len(contents))
	}

	if contents[0].Role != "user" || contents[0].Parts[0].Text != "A todo app." {
		t.Errorf("user content = %+v", contents[0])
	}
	calls := contents[1]
	if calls.Role != "model" || len(calls.Parts) != 2 {
		t.Fatalf("model calls = %+v", calls)
	}
	if fc := calls.Parts[0].FunctionCall; fc == nil || fc.Name != "update_product" || fc.Args["name"] != "Todo" {
		t.Errorf("function call = %+v", calls.Parts[0].FunctionCall)
	}

	results := contents[2]
	if results.Role != "user" || len(results.Parts) != 2 {
		t.Fatalf("tool results = %+v", results)
	}
	if fr := results.Parts[0].FunctionResponse; fr.ID != "a" || fr.Name != "update_product" || fr.Response["status"] != "success" {
		t.Errorf("first response = %+v", fr)
	}
	if fr := results.Parts[1].FunctionResponse; fr.Response["output"] != "plain text" {
		t.Errorf("non-JSON result not wrapped: %+v", fr.Response)
	}
	if contents[3].Role != "model" || contents[3].Parts[0].Text != "Got it." {
		t.Errorf("model text = %+v", contents[3])
	}
}

func TestConvertMessages_Errors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		msg  llm.Message
	}{
		{"unknown role", llm.Message{Role: "narrator"}},
		{"bad arguments", llm.Message{Role: llm.RoleAssistant, ToolCalls: []llm.ToolCall{{Name: "x", Arguments: "{"}}}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if _, _, err := convertMessages([]llm.Message{tc.msg}); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestBuildConfig(t *testing.T) {
	t.Parallel()

	cfg := buildConfig(llm.CompletionRequest{
		SystemPrompt: "You are a product manager.",
		Temperature:  0.7,
		MaxTokens:    1000,
		Tools: []llm.ToolDefinition{{
			Name:        "update_product",
			Description: "Update the product.",
			Parameters:  map[string]any{"type": "object"},
		}},
	}, []string{"Extra."})

	if cfg.SystemInstruction == nil || len(cfg.SystemInstruction.Parts) != 1 {
		t.Fatalf("SystemInstruction = %+v", cfg.SystemInstruction)
	}
	if got := cfg.SystemInstruction.Parts[0].Text; got != "You are a product manager.\n\nExtra." {
		t.Errorf("system text = %q", got)
	}
	if cfg.Temperature == nil || *cfg.Temperature != float32(0.7) {
		t.Errorf("Temperature = %v", cfg.Temperature)
	}
	if cfg.MaxOutputTokens != 1000 {
		t.Errorf("MaxOutputTokens = %d", cfg.MaxOutputTokens)
	}
	if len(cfg.Tools) != 1 || len(cfg.Tools[0].FunctionDeclarations) != 1 || cfg.Tools[0].FunctionDeclarations[0].Name != "update_product" {
		t.Errorf("Tools = %+v", cfg.Tools)
	}

	empty := buildConfig(llm.CompletionRequest{}, nil)
	if empty.SystemInstruction != nil || empty.Temperature != nil || empty.Tools != nil {
		t.Errorf("zero request produced config %+v", empty)
	}
}

func TestSplitParts(t *testing.T) {
	t.Parallel()
	c := &genai.Content{Parts: []*genai.Part{
		{Text: "thinking...", Thought: true},
		{Text: "Hello. "},
		{FunctionCall: &genai.FunctionCall{Name: "update_product", Args: map[string]any{"name": "Todo"}}},
		{Text: "Done."},
	}}
	text, calls := splitParts(c, 3)
	if text != "Hello. Done." {
		t.Errorf("text = %q", text)
	}
	if len(calls) != 1 || calls[0].ID != "call_3" || calls[0].Arguments != `{"name":"Todo"}` {
		t.Errorf("calls = %+v", calls)
	}
	if text, calls := splitParts(nil, 0); text != "" || calls != nil {
		t.Error("nil content not empty")
	}
}

func TestModelCapabilities(t *testing.T) {
	t.Parallel()
	if got := modelCapabilities("gemini-2.5-flash").MaxOutputTokens; got != 65_536 {
		t.Errorf("2.5 MaxOutputTokens = %d", got)
	}
	caps := modelCapabilities("gemini-2.0-flash")
	if caps.MaxOutputTokens != 8_192 || !caps.SupportsToolCalling || caps.ContextWindow != 1_048_576 {
		t.Errorf("2.0 caps = %+v", caps)
	}
}

func TestNew_MissingAPIKey(t *testing.T) {
	t.Parallel()
	if _, err := New(context.Background(), "", ""); err == nil {
		t.Fatal("expected error for empty API key")
	}
}

// fakeGemini serves streamGenerateContent with the given SSE payloads and
// records request bodies.
type fakeGemini struct {
	mu     sync.Mutex
	bodies []map[string]any
	paths  []string
}

func (f *fakeGemini) server(t *testing.T, events ...string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		var body map[string]any
		_ = json.Unmarshal(raw, &body)
		f.mu.Lock()
		f.bodies = append(f.bodies, body)
		f.paths = append(f.paths, r.URL.Path)
		f.mu.Unlock()

		if !strings.Contains(r.URL.Path, ":streamGenerateContent") {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for _, e := range events {
			fmt.Fprintf(w, "data: %s\n\n", e)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestStreamCompletion(t *testing.T) {
	t.Parallel()

	fake := &fakeGemini{}
	srv := fake.server(t,
		`{"candidates":[{"content":{"role":"model","parts":[{"text":"Great idea. "}]}}]}`,
		`{"candidates":[{"content":{"role":"model","parts":[{"text":"Who uses it?"}]},"finishReason":"STOP"}]}`,
	)
	p, err := New(context.Background(), "test-key", "gemini-2.0-flash", WithBaseURL(srv.URL))
	if err != nil {
		t.Fatal(err)
	}

	ch, err := p.StreamCompletion(context.Background(), llm.CompletionRequest{
		SystemPrompt: "Interview the user.",
		Messages:     []llm.Message{{Role: llm.RoleUser, Content: "A todo app."}},
	})
	if err != nil {
		t.Fatalf("StreamCompletion: %v", err)
	}
	var chunks []llm.Chunk
	for c := range ch {
		chunks = append(chunks, c)
	}
	if len(chunks) != 3 {
		t.Fatalf("chunks = %+v, want two text chunks and a final", chunks)
	}
	if chunks[0].Text != "Great idea. " || chunks[1].Text != "Who uses it?" {
		t.Errorf("texts = %q, %q", chunks[0].Text, chunks[1].Text)
	}
	if chunks[2].FinishReason != llm.FinishStop {
		t.Errorf("FinishReason = %q", chunks[2].FinishReason)
	}

	fake.mu.Lock()
	defer fake.mu.Unlock()
	if !strings.Contains(fake.paths[0], "models/gemini-2.0-flash:streamGenerateContent") {
		t.Errorf("path = %q", fake.paths[0])
	}
	if _, ok := fake.bodies[0]["systemInstruction"]; !ok {
		t.Errorf("request missing systemInstruction: %v", fake.bodies[0])
	}
}

func TestStreamCompletion_FunctionCall(t *testing.T) {
	t.Parallel()

	fake := &fakeGemini{}
	srv := fake.server(t,
		`{"candidates":[{"content":{"role":"model","parts":[{"functionCall":{"name":"update_product","args":{"name":"Todo"}}}]},"finishReason":"STOP"}]}`,
	)
	p, err := New(context.Background(), "test-key", "gemini-2.0-flash", WithBaseURL(srv.URL))
	if err != nil {
		t.Fatal(err)
	}
	ch, err := p.StreamCompletion(context.Background(), llm.CompletionRequest{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "Call it Todo."}},
		Tools:    []llm.ToolDefinition{{Name: "update_product", Parameters: map[string]any{"type": "object"}}},
	})
	if err != nil {
		t.Fatalf("StreamCompletion: %v", err)
	}
	resp, err := llm.Collect(context.Background(), ch)
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if len(resp.ToolCalls) != 1 {
		t.Fatalf("ToolCalls = %+v", resp.ToolCalls)
	}
	if got := resp.ToolCalls[0]; got.Name != "update_product" || got.Arguments != `{"name":"Todo"}` || got.ID == "" {
		t.Errorf("tool call = %+v", got)
	}
}
