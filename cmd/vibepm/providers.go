package main

import (
	"context"
	"fmt"
	"time"

	"github.com/MrWong99/vibepm/internal/config"
	"github.com/MrWong99/vibepm/internal/observe"
	"github.com/MrWong99/vibepm/internal/resilience"
	"github.com/MrWong99/vibepm/pkg/provider/llm"
	"github.com/MrWong99/vibepm/pkg/provider/llm/gemini"
	"github.com/MrWong99/vibepm/pkg/provider/llm/openai"
)

// defaultOpenAIModel is used when an openai entry names no model.
const defaultOpenAIModel = "gpt-4o-mini"

// registerBuiltinProviders wires the LLM factories that ship with vibepm.
func registerBuiltinProviders(ctx context.Context, reg *config.Registry) {
	reg.RegisterLLM("gemini", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []gemini.Option
		if entry.BaseURL != "" {
			opts = append(opts, gemini.WithBaseURL(entry.BaseURL))
		}
		if v := optString(entry.Options, "api_version"); v != "" {
			opts = append(opts, gemini.WithAPIVersion(v))
		}
		return gemini.New(ctx, entry.APIKey, entry.Model, opts...)
	})

	reg.RegisterLLM("openai", func(entry config.ProviderEntry) (llm.Provider, error) {
		model := entry.Model
		if model == "" {
			model = defaultOpenAIModel
		}
		var opts []openai.Option
		if entry.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(entry.BaseURL))
		}
		if org := optString(entry.Options, "organization"); org != "" {
			opts = append(opts, openai.WithOrganization(org))
		}
		if d := optDuration(entry.Options, "timeout"); d > 0 {
			opts = append(opts, openai.WithTimeout(d))
		}
		return openai.New(entry.APIKey, model, opts...)
	})
}

// buildLLM creates the configured provider. When fallbacks are configured the
// primary and every fallback are wrapped in a circuit-breaking failover group.
func buildLLM(cfg config.LLMConfig, reg *config.Registry, m *observe.Metrics) (llm.Provider, error) {
	primary, err := reg.CreateLLM(cfg.ProviderEntry)
	if err != nil {
		return nil, fmt.Errorf("llm %q: %w", cfg.Name, err)
	}
	if len(cfg.Fallback) == 0 {
		return primary, nil
	}

	group := resilience.NewLLMFallback(cfg.Name, primary, resilience.CircuitBreakerConfig{}, m)
	for _, entry := range cfg.Fallback {
		p, err := reg.CreateLLM(entry)
		if err != nil {
			return nil, fmt.Errorf("llm fallback %q: %w", entry.Name, err)
		}
		group.AddFallback(entry.Name, p)
	}
	return group, nil
}

func optString(opts map[string]any, key string) string {
	s, _ := opts[key].(string)
	return s
}

// optDuration accepts a Go duration string or a number of seconds.
func optDuration(opts map[string]any, key string) time.Duration {
	switch v := opts[key].(type) {
	case string:
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0
		}
		return d
	case int:
		return time.Duration(v) * time.Second
	case float64:
		return time.Duration(v * float64(time.Second))
	}
	return 0
}
