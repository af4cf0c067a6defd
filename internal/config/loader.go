package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists the known LLM provider names.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = []string{"gemini", "openai"}

// envKeys maps LLM provider names to the environment variable holding their
// API key.
var envKeys = map[string]string{
	"gemini": "GEMINI_API_KEY",
	"openai": "OPENAI_API_KEY",
}

// Load reads the YAML configuration file at path, applies environment
// overrides and defaults, and returns a validated [Config]. An empty path
// yields the defaults plus environment overrides.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("config: open %q: %w", path, err)
		}
		defer f.Close()
		if err := decode(f, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %q: %w", path, err)
		}
	}
	ApplyEnv(cfg, os.LookupEnv)
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and validates
// the result. Environment variables are not consulted.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	if err := decode(r, cfg); err != nil {
		return nil, err
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(r io.Reader, cfg *Config) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("config: decode yaml: %w", err)
	}
	return nil
}

// ApplyEnv overrides secrets and the database DSN from the environment.
// lookup is usually [os.LookupEnv]; unset or empty variables are ignored.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) {
	set := func(dst *string, key string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	set(&cfg.Voice.APIKey, "ELEVENLABS_API_KEY")
	set(&cfg.Voice.VoiceID, "ELEVENLABS_VOICE_ID")
	set(&cfg.Store.PostgresDSN, "VIBEPM_DATABASE_DSN")

	name := cfg.LLM.Name
	if name == "" {
		name = DefaultLLMProvider
	}
	if key, ok := envKeys[name]; ok {
		set(&cfg.LLM.APIKey, key)
	}
	for i := range cfg.LLM.Fallback {
		if key, ok := envKeys[cfg.LLM.Fallback[i].Name]; ok && cfg.LLM.Fallback[i].APIKey == "" {
			set(&cfg.LLM.Fallback[i].APIKey, key)
		}
	}
}

// ApplyDefaults fills zero-valued fields with their defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Voice.Provider == "" {
		cfg.Voice.Provider = DefaultVoiceProvider
	}
	if cfg.Voice.VoiceID == "" {
		cfg.Voice.VoiceID = DefaultVoiceID
	}
	if cfg.VAD.Threshold == 0 {
		cfg.VAD.Threshold = DefaultThreshold
	}
	if cfg.VAD.Hangover == 0 {
		cfg.VAD.Hangover = DefaultHangover
	}
	if cfg.LLM.Name == "" {
		cfg.LLM.Name = DefaultLLMProvider
	}
	if cfg.LLM.MaxTokens == 0 {
		cfg.LLM.MaxTokens = DefaultMaxTokens
	}
	if cfg.LLM.MaxToolRounds == 0 {
		cfg.LLM.MaxToolRounds = DefaultMaxToolRounds
	}
	if cfg.Export.Dir == "" {
		cfg.Export.Dir = DefaultExportDir
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Voice
	if cfg.Voice.Provider != "" && cfg.Voice.Provider != DefaultVoiceProvider {
		errs = append(errs, fmt.Errorf("voice.provider %q is not supported; valid values: elevenlabs", cfg.Voice.Provider))
	}
	if cfg.Voice.Stability < 0 || cfg.Voice.Stability > 1 {
		errs = append(errs, fmt.Errorf("voice.stability %.2f is out of range [0, 1]", cfg.Voice.Stability))
	}
	if cfg.Voice.SimilarityBoost < 0 || cfg.Voice.SimilarityBoost > 1 {
		errs = append(errs, fmt.Errorf("voice.similarity_boost %.2f is out of range [0, 1]", cfg.Voice.SimilarityBoost))
	}
	if cfg.Voice.DialTimeout < 0 {
		errs = append(errs, fmt.Errorf("voice.dial_timeout %s must not be negative", cfg.Voice.DialTimeout))
	}
	if r := cfg.Voice.Reconnect; r.MaxRetries < 0 || r.Backoff < 0 || r.MaxBackoff < 0 {
		errs = append(errs, errors.New("voice.reconnect values must not be negative"))
	}

	// VAD
	if cfg.VAD.Threshold < 0 || cfg.VAD.Threshold >= 1 {
		errs = append(errs, fmt.Errorf("vad.threshold %.4f is out of range (0, 1)", cfg.VAD.Threshold))
	}
	if cfg.VAD.Hangover < 0 {
		errs = append(errs, fmt.Errorf("vad.hangover %s must be positive", cfg.VAD.Hangover))
	}

	// Audio
	if cfg.Audio.FrameDuration < 0 || cfg.Audio.PlaybackQueue < 0 {
		errs = append(errs, errors.New("audio values must not be negative"))
	}

	// LLM
	validateProviderName("llm", cfg.LLM.Name)
	if cfg.LLM.Temperature < 0 || cfg.LLM.Temperature > 2 {
		errs = append(errs, fmt.Errorf("llm.temperature %.2f is out of range [0, 2]", cfg.LLM.Temperature))
	}
	if cfg.LLM.MaxTokens < 0 {
		errs = append(errs, fmt.Errorf("llm.max_tokens %d must not be negative", cfg.LLM.MaxTokens))
	}
	if cfg.LLM.ContextWindow < -1 {
		errs = append(errs, fmt.Errorf("llm.context_window %d must be -1, 0 or positive", cfg.LLM.ContextWindow))
	}
	if cfg.LLM.MaxToolRounds < 0 {
		errs = append(errs, fmt.Errorf("llm.max_tool_rounds %d must not be negative", cfg.LLM.MaxToolRounds))
	}
	for i, fb := range cfg.LLM.Fallback {
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("llm.fallback[%d].name is required", i))
			continue
		}
		validateProviderName(fmt.Sprintf("llm.fallback[%d]", i), fb.Name)
	}

	// Availability warnings
	if cfg.LLM.APIKey == "" {
		slog.Warn("llm.api_key is empty; the interview model will reject requests", "provider", cfg.LLM.Name)
	}
	if cfg.Store.PostgresDSN == "" {
		slog.Warn("store.postgres_dsn is empty; documents are kept in memory only")
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// [ValidProviderNames].
func validateProviderName(field, name string) {
	if name == "" || slices.Contains(ValidProviderNames, name) {
		return
	}
	slog.Warn("unknown provider name, possibly a typo",
		"field", field,
		"name", name,
		"known", ValidProviderNames,
	)
}
