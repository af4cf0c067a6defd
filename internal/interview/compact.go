package interview

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/MrWong99/vibepm/internal/observe"
	"github.com/MrWong99/vibepm/pkg/provider/llm"
)

// compactThreshold is the share of the context window at which the history is
// compacted before the next reply.
const compactThreshold = 0.75

// summaryPrefix marks the system message that replaces compacted turns.
const summaryPrefix = "[Summary of the earlier interview]: "

const summarisationPrompt = `Summarise the following part of a product discovery interview between a Product Architect and a user.
Preserve decisions, stated goals, personas, constraints, open questions and anything the user explicitly rejected.
The requirements document itself is stored separately, so do not repeat it. Be concise.`

// Summariser condenses a stretch of conversation into a short text.
type Summariser interface {
	Summarise(ctx context.Context, messages []llm.Message) (string, error)
}

// LLMSummariser summarises with a non-streaming model call.
type LLMSummariser struct {
	provider llm.Provider
}

// NewLLMSummariser creates an [LLMSummariser] backed by provider.
func NewLLMSummariser(provider llm.Provider) *LLMSummariser {
	return &LLMSummariser{provider: provider}
}

// Summarise renders messages as a transcript and asks the model for a summary.
// Tool traffic is reduced to a marker since the document is kept elsewhere.
func (s *LLMSummariser) Summarise(ctx context.Context, messages []llm.Message) (string, error) {
	if len(messages) == 0 {
		return "", nil
	}

	var sb strings.Builder
	for _, m := range messages {
		switch {
		case m.Role == llm.RoleTool:
			continue
		case m.Role == llm.RoleSystem:
			fmt.Fprintf(&sb, "[earlier summary]: %s\n", strings.TrimPrefix(m.Content, summaryPrefix))
		case len(m.ToolCalls) > 0 && m.Content == "":
			sb.WriteString("[architect updated the document]\n")
		default:
			fmt.Fprintf(&sb, "[%s]: %s\n", m.Role, m.Content)
		}
	}

	resp, err := s.provider.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: summarisationPrompt,
		Messages:     []llm.Message{{Role: llm.RoleUser, Content: sb.String()}},
		Temperature:  0.3,
	})
	if err != nil {
		return "", fmt.Errorf("interview: summarise: %w", err)
	}
	if resp == nil || strings.TrimSpace(resp.Content) == "" {
		return "", errors.New("interview: summarise: empty summary")
	}
	return strings.TrimSpace(resp.Content), nil
}

// WithContextWindow enables history compaction. Once the history exceeds
// three quarters of maxTokens, its older half is replaced by a summary from s
// before the next reply.
func WithContextWindow(maxTokens int, s Summariser) Option {
	return func(e *Engine) {
		e.contextWindow = maxTokens
		e.summariser = s
	}
}

// compact summarises the older half of conv when it is over budget. Failures
// are logged and leave the history untouched. The caller holds the
// conversation's turn.
func (e *Engine) compact(ctx context.Context, conv *Conversation) {
	if e.summariser == nil || e.contextWindow <= 0 {
		return
	}
	history := conv.History()
	if e.countTokens(history) <= int(float64(e.contextWindow)*compactThreshold) {
		return
	}
	cut := compactionCut(history)
	if cut == 0 {
		return
	}

	ctx, span := observe.StartSpan(ctx, "interview.compact")
	defer span.End()

	summary, err := e.summariser.Summarise(ctx, history[:cut])
	if err != nil {
		e.metrics.RecordProviderRequest(ctx, e.providerName, "summarise", "error")
		observe.Logger(ctx).Warn("interview: history compaction failed", "err", err)
		return
	}
	e.metrics.RecordProviderRequest(ctx, e.providerName, "summarise", "ok")

	compacted := make([]llm.Message, 0, len(history)-cut+1)
	compacted = append(compacted, llm.Message{Role: llm.RoleSystem, Content: summaryPrefix + summary})
	compacted = append(compacted, history[cut:]...)
	conv.set(compacted)
	observe.Logger(ctx).Debug("interview: history compacted", "summarised", cut, "kept", len(history)-cut)
}

func (e *Engine) countTokens(msgs []llm.Message) int {
	n, err := e.provider.CountTokens(msgs)
	if err != nil || n <= 0 {
		return llm.EstimateTokens(msgs)
	}
	return n
}

// compactionCut picks where the kept tail starts: the first user message at or
// after the middle, or failing that the last user message before it. Cutting
// at a user message never separates a tool call from its result. Zero means
// nothing can be compacted.
func compactionCut(history []llm.Message) int {
	half := len(history) / 2
	for i := half; i < len(history); i++ {
		if history[i].Role == llm.RoleUser {
			return i
		}
	}
	for i := min(half, len(history)) - 1; i > 0; i-- {
		if history[i].Role == llm.RoleUser {
			return i
		}
	}
	return 0
}
