// Package gemini provides an LLM provider backed by the Gemini API through the
// google.golang.org/genai SDK.
package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"google.golang.org/genai"

	"github.com/MrWong99/vibepm/pkg/provider/llm"
)

// DefaultModel is used when New is given an empty model name.
const DefaultModel = "gemini-2.0-flash"

const countTimeout = 10 * time.Second

// Provider implements llm.Provider using the Gemini API.
type Provider struct {
	client *genai.Client
	model  string
}

type config struct {
	baseURL    string
	apiVersion string
	httpClient *http.Client
}

// Option is a functional option for Provider.
type Option func(*config)

// WithBaseURL overrides the API endpoint. Primarily used in tests.
func WithBaseURL(url string) Option {
	return func(c *config) { c.baseURL = url }
}

// WithAPIVersion overrides the API version path segment (default v1beta).
func WithAPIVersion(v string) Option {
	return func(c *config) { c.apiVersion = v }
}

// WithHTTPClient sets the HTTP client used for all requests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *config) { c.httpClient = hc }
}

// New constructs a Gemini provider.
func New(ctx context.Context, apiKey, model string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("gemini: apiKey must not be empty")
	}
	if model == "" {
		model = DefaultModel
	}
	cfg := &config{}
	for _, o := range opts {
		o(cfg)
	}

	cc := &genai.ClientConfig{
		APIKey:     apiKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: cfg.httpClient,
		HTTPOptions: genai.HTTPOptions{
			BaseURL:    cfg.baseURL,
			APIVersion: cfg.apiVersion,
		},
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("gemini: new client: %w", err)
	}
	return &Provider{client: client, model: model}, nil
}

// StreamCompletion implements llm.Provider. Text parts are forwarded as they
// arrive; function calls are collected and emitted on the final chunk.
func (p *Provider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	contents, sys, err := convertMessages(req.Messages)
	if err != nil {
		return nil, err
	}
	cfg := buildConfig(req, sys)

	ch := make(chan llm.Chunk, 32)
	go func() {
		defer close(ch)

		send := func(c llm.Chunk) bool {
			select {
			case ch <- c:
				return true
			case <-ctx.Done():
				return false
			}
		}

		var calls []llm.ToolCall
		finish := ""
		for resp, err := range p.client.Models.GenerateContentStream(ctx, p.model, contents, cfg) {
			if err != nil {
				send(llm.Chunk{FinishReason: llm.FinishError, Err: fmt.Errorf("gemini: stream: %w", err)})
				return
			}
			if len(resp.Candidates) == 0 {
				continue
			}
			cand := resp.Candidates[0]
			if cand.FinishReason != "" {
				finish = mapFinishReason(cand.FinishReason)
			}
			text, got := splitParts(cand.Content, len(calls))
			calls = append(calls, got...)
			if text != "" && !send(llm.Chunk{Text: text}) {
				return
			}
		}

		final := llm.Chunk{FinishReason: finish, ToolCalls: calls}
		if len(calls) > 0 {
			final.FinishReason = llm.FinishToolCalls
		}
		if final.FinishReason == "" {
			final.FinishReason = llm.FinishStop
		}
		send(final)
	}()
	return ch, nil
}

// Complete implements llm.Provider.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	contents, sys, err := convertMessages(req.Messages)
	if err != nil {
		return nil, err
	}
	resp, err := p.client.Models.GenerateContent(ctx, p.model, contents, buildConfig(req, sys))
	if err != nil {
		return nil, fmt.Errorf("gemini: generate content: %w", err)
	}
	if len(resp.Candidates) == 0 {
		return nil, errors.New("gemini: empty candidates in response")
	}
	text, calls := splitParts(resp.Candidates[0].Content, 0)
	out := &llm.CompletionResponse{Content: text, ToolCalls: calls}
	if u := resp.UsageMetadata; u != nil {
		out.Usage = llm.Usage{
			PromptTokens:     int(u.PromptTokenCount),
			CompletionTokens: int(u.CandidatesTokenCount),
			TotalTokens:      int(u.TotalTokenCount),
		}
	}
	return out, nil
}

// CountTokens implements llm.Provider using the countTokens endpoint. When the
// endpoint is unreachable the character estimate is returned instead.
func (p *Provider) CountTokens(messages []llm.Message) (int, error) {
	contents, _, err := convertMessages(messages)
	if err != nil {
		return 0, err
	}
	if len(contents) == 0 {
		return llm.EstimateTokens(messages), nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), countTimeout)
	defer cancel()
	resp, err := p.client.Models.CountTokens(ctx, p.model, contents, nil)
	if err != nil {
		return llm.EstimateTokens(messages), nil
	}
	return int(resp.TotalTokens), nil
}

// Capabilities implements llm.Provider.
func (p *Provider) Capabilities() llm.ModelCapabilities {
	return modelCapabilities(p.model)
}

func modelCapabilities(model string) llm.ModelCapabilities {
	caps := llm.ModelCapabilities{
		ContextWindow:       1_048_576,
		MaxOutputTokens:     8_192,
		SupportsToolCalling: true,
		SupportsVision:      true,
		SupportsStreaming:   true,
	}
	if strings.HasPrefix(strings.ToLower(model), "gemini-2.5") {
		caps.MaxOutputTokens = 65_536
	}
	return caps
}

func mapFinishReason(r genai.FinishReason) string {
	switch r {
	case genai.FinishReasonMaxTokens:
		return llm.FinishLength
	case genai.FinishReasonStop:
		return llm.FinishStop
	default:
		return strings.ToLower(string(r))
	}
}

// splitParts separates a candidate's text from its function calls. Calls
// without an ID get a positional one starting at offset.
func splitParts(c *genai.Content, offset int) (string, []llm.ToolCall) {
	if c == nil {
		return "", nil
	}
	var (
		text  strings.Builder
		calls []llm.ToolCall
	)
	for _, part := range c.Parts {
		if part == nil || part.Thought {
			continue
		}
		text.WriteString(part.Text)
		if fc := part.FunctionCall; fc != nil {
			args, err := json.Marshal(fc.Args)
			if err != nil || fc.Args == nil {
				args = []byte("{}")
			}
			id := fc.ID
			if id == "" {
				id = fmt.Sprintf("call_%d", offset+len(calls))
			}
			calls = append(calls, llm.ToolCall{ID: id, Name: fc.Name, Arguments: string(args)})
		}
	}
	return text.String(), calls
}

func buildConfig(req llm.CompletionRequest, extraSystem []string) *genai.GenerateContentConfig {
	cfg := &genai.GenerateContentConfig{}

	sys := make([]string, 0, len(extraSystem)+1)
	if req.SystemPrompt != "" {
		sys = append(sys, req.SystemPrompt)
	}
	sys = append(sys, extraSystem...)
	if len(sys) > 0 {
		cfg.SystemInstruction = genai.NewContentFromText(strings.Join(sys, "\n\n"), genai.RoleUser)
	}
	if req.Temperature != 0 {
		cfg.Temperature = genai.Ptr(float32(req.Temperature))
	}
	if req.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(req.MaxTokens)
	}
	if len(req.Tools) > 0 {
		decls := make([]*genai.FunctionDeclaration, 0, len(req.Tools))
		for _, td := range req.Tools {
			decls = append(decls, &genai.FunctionDeclaration{
				Name:                 td.Name,
				Description:          td.Description,
				ParametersJsonSchema: td.Parameters,
			})
		}
		cfg.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
	}
	return cfg
}

// convertMessages maps the history onto Gemini contents. System messages are
// returned separately because Gemini carries them in the system instruction.
func convertMessages(msgs []llm.Message) ([]*genai.Content, []string, error) {
	var (
		contents []*genai.Content
		system   []string
	)
	for _, m := range msgs {
		switch m.Role {
		case llm.RoleSystem:
			system = append(system, m.Content)

		case llm.RoleUser:
			contents = append(contents, &genai.Content{
				Role:  string(genai.RoleUser),
				Parts: []*genai.Part{{Text: m.Content}},
			})

		case llm.RoleAssistant:
			c := &genai.Content{Role: string(genai.RoleModel)}
			if m.Content != "" {
				c.Parts = append(c.Parts, &genai.Part{Text: m.Content})
			}
			for _, tc := range m.ToolCalls {
				args := map[string]any{}
				if tc.Arguments != "" {
					if err := json.Unmarshal([]byte(tc.Arguments), &args); err != nil {
						return nil, nil, fmt.Errorf("gemini: tool call %q arguments: %w", tc.Name, err)
					}
				}
				c.Parts = append(c.Parts, &genai.Part{FunctionCall: &genai.FunctionCall{ID: tc.ID, Name: tc.Name, Args: args}})
			}
			if len(c.Parts) > 0 {
				contents = append(contents, c)
			}

		case llm.RoleTool:
			var result map[string]any
			if err := json.Unmarshal([]byte(m.Content), &result); err != nil || result == nil {
				result = map[string]any{"output": m.Content}
			}
			part := &genai.Part{FunctionResponse: &genai.FunctionResponse{ID: m.ToolCallID, Name: m.Name, Response: result}}
			// Consecutive tool results share one user turn.
			if n := len(contents); n > 0 && contents[n-1].Role == string(genai.RoleUser) && isFunctionResponse(contents[n-1]) {
				contents[n-1].Parts = append(contents[n-1].Parts, part)
				continue
			}
			contents = append(contents, &genai.Content{Role: string(genai.RoleUser), Parts: []*genai.Part{part}})

		default:
			return nil, nil, fmt.Errorf("gemini: unknown message role %q", m.Role)
		}
	}
	return contents, system, nil
}

func isFunctionResponse(c *genai.Content) bool {
	return len(c.Parts) > 0 && c.Parts[0].FunctionResponse != nil
}

var _ llm.Provider = (*Provider)(nil)
