package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"stt": {"deepgram", "echo", "mock"},
	"tts": {"elevenlabs", "echo", "mock"},
	"llm": {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "mock"},
}

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied. ${ENV_VAR} references in the file are
// expanded from the process environment before decoding.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, expands environment variable
// references, applies defaults, and validates the result. Useful in tests
// where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}
	expanded := os.Expand(string(raw), func(key string) string {
		return os.Getenv(key)
	})

	cfg := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader([]byte(expanded)))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	cfg.applyDefaults()
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.ChannelPath == "" || cfg.Server.ChannelPath[0] != '/' {
		errs = append(errs, fmt.Errorf("server.channel_path %q must start with '/'", cfg.Server.ChannelPath))
	}
	if !cfg.STT.TranscriptOverflow.IsValid() {
		errs = append(errs, fmt.Errorf("stt.transcript_overflow %q is invalid; valid values: trim, reject", cfg.STT.TranscriptOverflow))
	}
	if cfg.TTS.MaxConcurrentSessions < 0 {
		errs = append(errs, fmt.Errorf("tts.max_concurrent_sessions must not be negative"))
	}
	if cfg.LLM.Temperature < 0 || cfg.LLM.Temperature > 2 {
		errs = append(errs, fmt.Errorf("llm.temperature %.2f is out of range [0.0, 2.0]", cfg.LLM.Temperature))
	}
	if cfg.Session.CleanupInterval.Std() > cfg.Session.IdleTimeout.Std() {
		slog.Warn("session.cleanup_interval exceeds session.idle_timeout; idle sessions will linger past their timeout",
			"cleanup_interval", cfg.Session.CleanupInterval.Std(),
			"idle_timeout", cfg.Session.IdleTimeout.Std(),
		)
	}

	validateProviderName("stt", cfg.Providers.STT.Name)
	validateProviderName("tts", cfg.Providers.TTS.Name)
	validateProviderName("llm", cfg.Providers.LLM.Name)
	for _, entry := range cfg.Providers.LLMFallbacks {
		validateProviderName("llm", entry.Name)
	}

	if cfg.Providers.STT.Name == "" {
		errs = append(errs, fmt.Errorf("providers.stt.name is required"))
	}
	if cfg.Providers.TTS.Name == "" {
		errs = append(errs, fmt.Errorf("providers.tts.name is required"))
	}
	if cfg.Providers.LLM.Name == "" {
		errs = append(errs, fmt.Errorf("providers.llm.name is required"))
	}

	// The echo pair only works when both halves are wired to the same recorder.
	if (cfg.Providers.STT.Name == "echo") != (cfg.Providers.TTS.Name == "echo") {
		slog.Warn("echo provider configured for only one of stt/tts; the loopback will replay nothing",
			"stt", cfg.Providers.STT.Name,
			"tts", cfg.Providers.TTS.Name,
		)
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
