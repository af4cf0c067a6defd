// Package interview drives the Product Architect conversation: it streams
// model replies as speakable sentences and applies the model's document
// updates through the update_product tool.
package interview

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/vibepm/internal/observe"
	"github.com/MrWong99/vibepm/internal/requirements"
	"github.com/MrWong99/vibepm/pkg/provider/llm"
)

// Defaults for [NewEngine].
const (
	DefaultMaxTokens     = 1000
	DefaultMaxToolRounds = 5
)

// ErrInference wraps every model failure surfaced on a reply stream.
var ErrInference = errors.New("interview: inference failed")

// UpdateFunc receives each validated document the model submits. Calls for one
// reply are made in order from a dedicated goroutine, so a slow callback never
// delays a fragment. The reply channel is closed after the last call returns.
type UpdateFunc func(p *requirements.Product)

// Option configures an Engine.
type Option func(*Engine)

// WithSystemPrompt replaces [DefaultSystemPrompt].
func WithSystemPrompt(s string) Option {
	return func(e *Engine) { e.systemPrompt = s }
}

// WithTemperature sets the sampling temperature. Zero keeps the provider default.
func WithTemperature(t float64) Option {
	return func(e *Engine) { e.temperature = t }
}

// WithMaxTokens caps completion tokens per model call.
func WithMaxTokens(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxTokens = n
		}
	}
}

// WithMaxToolRounds bounds how many consecutive tool rounds one reply may take.
// After the last round the model is called without tools so it must answer.
func WithMaxToolRounds(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxToolRounds = n
		}
	}
}

// WithProviderName labels provider metrics. Defaults to "llm".
func WithProviderName(name string) Option {
	return func(e *Engine) { e.providerName = name }
}

// WithMetrics overrides the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// Engine generates interview replies. It is stateless across conversations
// and safe for concurrent use.
type Engine struct {
	provider      llm.Provider
	systemPrompt  string
	temperature   float64
	maxTokens     int
	maxToolRounds int
	providerName  string
	metrics       *observe.Metrics
	tool          llm.ToolDefinition

	contextWindow int
	summariser    Summariser
}

// NewEngine creates an Engine backed by provider.
func NewEngine(provider llm.Provider, opts ...Option) *Engine {
	e := &Engine{
		provider:      provider,
		systemPrompt:  DefaultSystemPrompt,
		maxTokens:     DefaultMaxTokens,
		maxToolRounds: DefaultMaxToolRounds,
		providerName:  "llm",
		tool:          UpdateProductTool(),
	}
	for _, o := range opts {
		o(e)
	}
	if e.metrics == nil {
		e.metrics = observe.DefaultMetrics()
	}
	return e
}

// Conversation is the message history of one interview. Replies on a
// conversation are serialized: a new reply waits until the previous one has
// stopped.
type Conversation struct {
	turn chan struct{}

	mu      sync.Mutex
	history []llm.Message
	doc     string
}

// StartConversation opens a conversation seeded with history.
func (e *Engine) StartConversation(history []llm.Message) *Conversation {
	return &Conversation{
		turn:    make(chan struct{}, 1),
		history: append([]llm.Message(nil), history...),
	}
}

// History returns a copy of the recorded messages.
func (c *Conversation) History() []llm.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]llm.Message(nil), c.history...)
}

// SetDocument records the current state of the requirements document. It is
// sent with every model call so the model sees stored content even after the
// history was compacted or the interview resumed with an empty history.
func (c *Conversation) SetDocument(p *requirements.Product) error {
	if p == nil {
		c.mu.Lock()
		c.doc = ""
		c.mu.Unlock()
		return nil
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("interview: encode document: %w", err)
	}
	c.mu.Lock()
	c.doc = string(raw)
	c.mu.Unlock()
	return nil
}

func (c *Conversation) document() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.doc
}

func (c *Conversation) set(msgs []llm.Message) {
	c.mu.Lock()
	c.history = msgs
	c.mu.Unlock()
}

// StreamReply submits userText and streams the reply as sentences. The channel
// is closed when the reply is complete, after a terminal error fragment, or
// when ctx is cancelled. Document updates requested by the model are
// validated and handed to onUpdate, which may be nil.
//
// A failed reply leaves the history unchanged. A cancelled reply is recorded
// with whatever assistant text had been produced so the model knows it was cut
// off.
func (e *Engine) StreamReply(ctx context.Context, conv *Conversation, userText string, onUpdate UpdateFunc) (<-chan Fragment, error) {
	if conv == nil {
		return nil, errors.New("interview: nil conversation")
	}
	userText = strings.TrimSpace(userText)
	if userText == "" {
		return nil, errors.New("interview: empty user text")
	}

	out := make(chan Fragment, 8)
	go func() {
		defer close(out)

		select {
		case conv.turn <- struct{}{}:
		case <-ctx.Done():
			return
		}
		defer func() { <-conv.turn }()

		updates := newDispatcher(onUpdate)
		defer updates.close()

		ctx, span := observe.StartSpan(ctx, "interview.reply")
		defer span.End()
		start := time.Now()
		defer func() {
			e.metrics.LLMDuration.Record(context.WithoutCancel(ctx), time.Since(start).Seconds())
		}()

		e.compact(ctx, conv)

		msgs := append(conv.History(), llm.Message{Role: llm.RoleUser, Content: userText})
		r := &reply{engine: e, conv: conv, ctx: ctx, out: out, updates: updates}
		msgs, err := r.run(msgs)
		switch {
		case err == nil:
			conv.set(msgs)
		case ctx.Err() != nil:
			conv.set(msgs)
		default:
			observe.Logger(ctx).Warn("interview: reply failed", "err", err)
			r.emit(Fragment{Err: err})
		}
	}()
	return out, nil
}

// reply is the state of one StreamReply call.
type reply struct {
	engine  *Engine
	conv    *Conversation
	ctx     context.Context
	out     chan<- Fragment
	updates *dispatcher
}

func (r *reply) emit(f Fragment) bool {
	select {
	case r.out <- f:
		return true
	case <-r.ctx.Done():
		return false
	}
}

// run performs model rounds until the model answers without tool calls. It
// returns the extended history; on cancellation the partial assistant text is
// included.
func (r *reply) run(msgs []llm.Message) ([]llm.Message, error) {
	e := r.engine
	for round := 0; ; round++ {
		req := llm.CompletionRequest{
			SystemPrompt: e.prompt(r.conv),
			Messages:     msgs,
			Temperature:  e.temperature,
			MaxTokens:    e.maxTokens,
		}
		if round < e.maxToolRounds {
			req.Tools = []llm.ToolDefinition{e.tool}
		}

		text, calls, err := r.stream(req)
		if r.ctx.Err() != nil {
			if text != "" {
				msgs = append(msgs, llm.Message{Role: llm.RoleAssistant, Content: text})
			}
			return msgs, r.ctx.Err()
		}
		if err != nil {
			e.metrics.RecordProviderRequest(r.ctx, e.providerName, "stream", "error")
			e.metrics.RecordProviderError(r.ctx, e.providerName, "stream")
			return nil, fmt.Errorf("%w: %w", ErrInference, err)
		}
		e.metrics.RecordProviderRequest(r.ctx, e.providerName, "stream", "ok")
		if req.Tools == nil && len(calls) > 0 {
			slog.Warn("interview: tool round limit reached, ignoring tool calls", "calls", len(calls))
			calls = nil
		}

		msgs = append(msgs, llm.Message{Role: llm.RoleAssistant, Content: text, ToolCalls: calls})
		if len(calls) == 0 {
			return msgs, nil
		}
		for _, call := range calls {
			msgs = append(msgs, r.handleToolCall(call))
		}
	}
}

// stream runs one model call, emitting complete sentences as they form and
// the remainder when the stream ends.
func (r *reply) stream(req llm.CompletionRequest) (string, []llm.ToolCall, error) {
	ch, err := r.engine.provider.StreamCompletion(r.ctx, req)
	if err != nil {
		return "", nil, err
	}

	var (
		text  strings.Builder
		calls []llm.ToolCall
		split splitter
	)
	for {
		select {
		case <-r.ctx.Done():
			go drain(ch)
			return text.String(), nil, r.ctx.Err()
		case chunk, ok := <-ch:
			if !ok {
				if rest := split.flush(); rest != "" && !r.emit(Fragment{Text: rest}) {
					return text.String(), nil, r.ctx.Err()
				}
				return strings.TrimSpace(text.String()), calls, nil
			}
			if chunk.FinishReason == llm.FinishError {
				go drain(ch)
				if chunk.Err != nil {
					return "", nil, chunk.Err
				}
				return "", nil, errors.New(chunk.Text)
			}
			text.WriteString(chunk.Text)
			for _, s := range split.push(chunk.Text) {
				if !r.emit(Fragment{Text: s}) {
					go drain(ch)
					return text.String(), nil, r.ctx.Err()
				}
			}
			calls = append(calls, chunk.ToolCalls...)
		}
	}
}

type toolResult struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// handleToolCall applies one tool call and returns the tool result message.
func (r *reply) handleToolCall(call llm.ToolCall) llm.Message {
	res := toolResult{Status: "success"}
	switch call.Name {
	case ToolUpdateProduct:
		p, err := decodeUpdate(call.Arguments)
		if err != nil {
			res = toolResult{Status: "error", Error: err.Error()}
			slog.Warn("interview: rejected document update", "err", err)
			break
		}
		if err := r.conv.SetDocument(p); err != nil {
			slog.Warn("interview: document snapshot failed", "err", err)
		}
		r.updates.send(p)
	default:
		res = toolResult{Status: "error", Error: fmt.Sprintf("unknown tool %q", call.Name)}
	}
	r.engine.metrics.RecordToolCall(r.ctx, call.Name, res.Status)

	content, _ := json.Marshal(res)
	return llm.Message{
		Role:       llm.RoleTool,
		Name:       call.Name,
		ToolCallID: call.ID,
		Content:    string(content),
	}
}

// prompt is the system prompt followed by the current document, if any.
func (e *Engine) prompt(conv *Conversation) string {
	doc := conv.document()
	if doc == "" {
		return e.systemPrompt
	}
	return e.systemPrompt + "\n\nCurrent requirements document (JSON):\n" + doc
}

// decodeUpdate extracts and validates the product argument.
func decodeUpdate(args string) (*requirements.Product, error) {
	var env struct {
		Product json.RawMessage `json:"product"`
	}
	if err := json.Unmarshal([]byte(args), &env); err != nil {
		return nil, fmt.Errorf("decode arguments: %w", err)
	}
	if len(env.Product) == 0 || string(env.Product) == "null" {
		return nil, errors.New("missing product argument")
	}
	return requirements.Decode(env.Product)
}

func drain(ch <-chan llm.Chunk) {
	for range ch {
	}
}

// dispatcher delivers document updates in order on its own goroutine.
type dispatcher struct {
	ch   chan *requirements.Product
	done chan struct{}
}

func newDispatcher(fn UpdateFunc) *dispatcher {
	if fn == nil {
		return nil
	}
	d := &dispatcher{ch: make(chan *requirements.Product, 16), done: make(chan struct{})}
	go func() {
		defer close(d.done)
		for p := range d.ch {
			fn(p)
		}
	}()
	return d
}

func (d *dispatcher) send(p *requirements.Product) {
	if d != nil {
		d.ch <- p
	}
}

// close stops accepting updates and waits until the pending ones have been
// delivered, so a reply stream closes only after its updates were applied.
func (d *dispatcher) close() {
	if d != nil {
		close(d.ch)
		<-d.done
	}
}
