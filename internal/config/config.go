// Package config provides the configuration schema, loader, and provider
// registry for the voxgate server.
package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// LogLevel controls log verbosity for the voxgate server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// OverflowPolicy selects what happens when a session transcript exceeds its
// size cap.
type OverflowPolicy string

const (
	// OverflowTrim drops the oldest transcript text to make room.
	OverflowTrim OverflowPolicy = "trim"

	// OverflowReject refuses further final transcripts once the cap is hit.
	OverflowReject OverflowPolicy = "reject"
)

// IsValid reports whether p is a recognised overflow policy.
func (p OverflowPolicy) IsValid() bool {
	return p == OverflowTrim || p == OverflowReject
}

// Duration wraps time.Duration with YAML decoding from strings like "30s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the root configuration structure for voxgate.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Session   SessionConfig   `yaml:"session"`
	STT       STTConfig       `yaml:"stt"`
	TTS       TTSConfig       `yaml:"tts"`
	LLM       LLMConfig       `yaml:"llm"`
	Providers ProvidersConfig `yaml:"providers"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// ChannelPath is the HTTP path clients connect their audio channel to.
	// Default "/ws".
	ChannelPath string `yaml:"channel_path"`

	// MaxPayloadBytes caps the size of a single inbound frame. Default 1 MiB.
	MaxPayloadBytes int64 `yaml:"max_payload_bytes"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`
}

// SessionConfig tunes session lifetime management.
type SessionConfig struct {
	// IdleTimeout evicts sessions with no activity for this long. Default 30m.
	IdleTimeout Duration `yaml:"idle_timeout"`

	// MaxDuration evicts sessions older than this. Default 2h.
	MaxDuration Duration `yaml:"max_duration"`

	// CleanupInterval is the eviction sweep period. Default 5m.
	CleanupInterval Duration `yaml:"cleanup_interval"`
}

// STTConfig tunes the transcription engine.
type STTConfig struct {
	// ConnectTimeout bounds each individual connection attempt to the STT
	// provider. Default 10s.
	ConnectTimeout Duration `yaml:"connect_timeout"`

	// InactivityTimeout closes provider sessions that have received no audio
	// for this long. Default 60s.
	InactivityTimeout Duration `yaml:"inactivity_timeout"`

	// TranscriptOverflow selects the behaviour when a session transcript
	// exceeds its cap. Default "trim".
	TranscriptOverflow OverflowPolicy `yaml:"transcript_overflow"`
}

// TTSConfig tunes the synthesis engine.
type TTSConfig struct {
	// SynthesisTimeout bounds one utterance from submission to completion.
	// Default 30s.
	SynthesisTimeout Duration `yaml:"synthesis_timeout"`

	// KeepaliveInterval is how often idle synthesis streams are pinged.
	// Default 8s.
	KeepaliveInterval Duration `yaml:"keepalive_interval"`

	// MaxConcurrentSessions caps open synthesis streams across all sessions.
	// Zero means unlimited.
	MaxConcurrentSessions int `yaml:"max_concurrent_sessions"`
}

// LLMConfig tunes response generation.
type LLMConfig struct {
	// RequestTimeout bounds a single completion request. Default 30s.
	RequestTimeout Duration `yaml:"request_timeout"`

	// MaxMessagesPerContext caps the conversation history sent to the model.
	// Older messages are evicted first. Default 50.
	MaxMessagesPerContext int `yaml:"max_messages_per_context"`

	// SystemPrompt is injected as the first message of every context.
	SystemPrompt string `yaml:"system_prompt"`

	// Temperature is passed through to the model. Zero means provider default.
	Temperature float64 `yaml:"temperature"`

	// MaxTokens caps completion length. Zero means provider default.
	MaxTokens int `yaml:"max_tokens"`
}

// ProvidersConfig declares which provider implementation to use for each
// pipeline stage. Each field selects a named provider registered in the
// [Registry].
type ProvidersConfig struct {
	STT ProviderEntry `yaml:"stt"`
	TTS ProviderEntry `yaml:"tts"`
	LLM ProviderEntry `yaml:"llm"`

	// LLMFallbacks lists additional LLM providers tried in order when the
	// primary fails.
	LLMFallbacks []ProviderEntry `yaml:"llm_fallbacks"`
}

// ProviderEntry is the common configuration block shared by all provider types.
// The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "deepgram").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API if any.
	// Supports ${ENV_VAR} expansion.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider (e.g., "nova-3").
	Model string `yaml:"model"`

	// Language is the BCP-47 language tag for STT providers.
	Language string `yaml:"language"`

	// VoiceID is the default voice for TTS providers.
	VoiceID string `yaml:"voice_id"`

	// Options holds provider-specific configuration values not covered by the
	// standard fields above.
	Options map[string]any `yaml:"options"`
}

// applyDefaults fills zero-valued fields with the documented defaults.
func (c *Config) applyDefaults() {
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = ":8080"
	}
	if c.Server.ChannelPath == "" {
		c.Server.ChannelPath = "/ws"
	}
	if c.Server.MaxPayloadBytes <= 0 {
		c.Server.MaxPayloadBytes = 1 << 20
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = LogInfo
	}
	if c.Session.IdleTimeout <= 0 {
		c.Session.IdleTimeout = Duration(30 * time.Minute)
	}
	if c.Session.MaxDuration <= 0 {
		c.Session.MaxDuration = Duration(2 * time.Hour)
	}
	if c.Session.CleanupInterval <= 0 {
		c.Session.CleanupInterval = Duration(5 * time.Minute)
	}
	if c.STT.ConnectTimeout <= 0 {
		c.STT.ConnectTimeout = Duration(10 * time.Second)
	}
	if c.STT.InactivityTimeout <= 0 {
		c.STT.InactivityTimeout = Duration(60 * time.Second)
	}
	if c.STT.TranscriptOverflow == "" {
		c.STT.TranscriptOverflow = OverflowTrim
	}
	if c.TTS.SynthesisTimeout <= 0 {
		c.TTS.SynthesisTimeout = Duration(30 * time.Second)
	}
	if c.TTS.KeepaliveInterval <= 0 {
		c.TTS.KeepaliveInterval = Duration(8 * time.Second)
	}
	if c.LLM.RequestTimeout <= 0 {
		c.LLM.RequestTimeout = Duration(30 * time.Second)
	}
	if c.LLM.MaxMessagesPerContext <= 0 {
		c.LLM.MaxMessagesPerContext = 50
	}
}
